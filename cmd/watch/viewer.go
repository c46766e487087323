package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kdimtricp/facesync/internal/analysis"
	"github.com/kdimtricp/facesync/internal/backend"
	"github.com/kdimtricp/facesync/internal/hls"
	"github.com/kdimtricp/facesync/internal/liveedge"
	"github.com/kdimtricp/facesync/internal/playback"
)

// viewer is the headless counterpart of the video page: one playback
// surface shared by the synchronizer and the live-edge tracker, fed by one
// analysis job.
type viewer struct {
	opts   watchOptions
	out    *lockedWriter
	logger *zap.Logger

	player  *hls.Player
	syncer  *playback.Synchronizer
	tracker *liveedge.Tracker
	orch    *analysis.Orchestrator

	mu       sync.Mutex
	statuses []analysis.Status
	wake     chan struct{}
	resync   chan struct{}
	ended    chan struct{}
	failed   chan error

	lastFrame int
	retries   int
}

func newViewer(opts watchOptions, out io.Writer, logger *zap.Logger) (*viewer, error) {
	var clientOpts []backend.Option
	if opts.Simple {
		clientOpts = append(clientOpts, backend.WithSimplePlayback())
	}
	client, err := backend.NewClient(opts.APIURL, clientOpts...)
	if err != nil {
		return nil, err
	}

	player := hls.NewPlayer(hls.Config{ReloadInterval: opts.ReloadInterval, Logger: logger})
	return &viewer{
		opts:      opts,
		out:       &lockedWriter{w: out},
		logger:    logger,
		player:    player,
		syncer:    playback.NewSynchronizer(player, logger),
		tracker:   liveedge.NewTracker(player, logger),
		orch:      analysis.New(client, analysis.Config{PollInterval: opts.PollInterval, Timeout: opts.Timeout, Logger: logger}),
		wake:      make(chan struct{}, 1),
		resync:    make(chan struct{}, 1),
		ended:     make(chan struct{}, 1),
		failed:    make(chan error, 1),
		lastFrame: -1,
		retries:   opts.Retries,
	}, nil
}

func (v *viewer) run(ctx context.Context) error {
	defer v.syncer.Close()
	defer v.orch.Close()

	defer v.orch.Subscribe(v.enqueue)()
	defer v.syncer.Subscribe(v.showFaces)()
	defer v.syncer.OnError(func(err error) {
		select {
		case v.failed <- err:
		default:
		}
	})()
	defer v.tracker.Watch(v.player)()
	defer v.tracker.Subscribe(v.showStream)()
	defer v.player.Subscribe(func(ev playback.Event) {
		if ev.Kind == playback.EventEnded {
			wakeup(v.ended)
		}
	})()

	if !v.orch.Start(ctx) {
		return errors.New("analysis already running")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-v.wake:
			for _, st := range v.drain() {
				if err := v.handle(ctx, st); err != nil {
					return err
				}
			}
		case <-v.resync:
			if target, err := v.tracker.Resync(); err != nil {
				v.logger.Warn("resync failed", zap.Error(err))
			} else {
				v.printf("stream: jumped to live edge at %.2fs\n", target)
			}
		case err := <-v.failed:
			v.printf("playback: failed: %v\n", err)
			return err
		case <-v.ended:
			v.printf("stream: ended\n")
			if v.opts.ExitOnEnd {
				return nil
			}
		}
	}
}

// enqueue runs on the orchestrator's goroutine and must not block it.
func (v *viewer) enqueue(st analysis.Status) {
	v.mu.Lock()
	v.statuses = append(v.statuses, st)
	v.mu.Unlock()
	wakeup(v.wake)
}

func (v *viewer) drain() []analysis.Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.statuses
	v.statuses = nil
	return out
}

func (v *viewer) handle(ctx context.Context, st analysis.Status) error {
	if st.VideoURL != "" && st.VideoURL != v.syncer.Source() {
		if err := v.syncer.Attach(ctx, st.VideoURL); err != nil {
			if errors.Is(err, playback.ErrUnsupported) {
				return fmt.Errorf("cannot play %s: %w", st.VideoURL, err)
			}
			v.logger.Error("failed to attach stream", zap.Error(err))
			v.printf("playback: %v\n", err)
		} else {
			v.printf("playback: %s\n", st.VideoURL)
		}
	}

	switch st.State {
	case analysis.StateCompleted:
		v.syncer.SetFaceData(st.Data)
		n := 0
		if st.Data != nil {
			n = len(st.Data.FaceDetections)
		}
		v.printf("analysis: completed with %d detections\n", n)
	case analysis.StateFailed, analysis.StateTimedOut:
		v.printf("analysis: %s: %s\n", st.State, st.Reason)
		if v.retries > 0 {
			v.retries--
			v.printf("analysis: retrying (%d left)\n", v.retries)
			v.orch.Retry(ctx)
			return nil
		}
		if v.syncer.Source() == "" {
			return fmt.Errorf("analysis %s: %s", st.State, st.Reason)
		}
	default:
		v.printf("analysis: %s\n", st.State)
	}
	return nil
}

func (v *viewer) showFaces(snap playback.Snapshot) {
	v.mu.Lock()
	changed := snap.Frame != v.lastFrame
	v.lastFrame = snap.Frame
	v.mu.Unlock()
	if !changed || snap.Frame < 0 {
		return
	}

	boxes := make([]string, len(snap.Faces))
	for i, f := range snap.Faces {
		boxes[i] = fmt.Sprintf("[%d,%d %dx%d]", f.X, f.Y, f.Width, f.Height)
	}
	v.printf("t=%.2f frame=%d faces=%d %s\n", snap.CurrentTime, snap.Frame, len(snap.Faces), strings.Join(boxes, " "))
}

func (v *viewer) showStream(state liveedge.StreamViewState) {
	switch state.Status {
	case liveedge.StatusLive:
		v.printf("stream: live (edge %.2fs)\n", state.LiveEdge)
	case liveedge.StatusBehind:
		v.printf("stream: %.1fs behind live\n", state.Lag)
		if v.opts.AutoResync {
			wakeup(v.resync)
		}
	}
}

func (v *viewer) printf(format string, args ...any) {
	fmt.Fprintf(v.out, format, args...)
}

func wakeup(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

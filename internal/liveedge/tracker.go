package liveedge

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kdimtricp/facesync/internal/playback"
)

// Session is the adaptive-streaming state the tracker reads. It is owned by
// the streaming client; the tracker only reads it and seeks.
type Session interface {
	// Live reports whether the stream is unbounded rather than a fixed recording.
	Live() bool
	CurrentTime() float64
	// Fragments returns the loaded fragments of the active rendition in
	// playback order. It may fail while the session is still initialising.
	Fragments() ([]Fragment, error)
	// BufferedEnd is the end of the last contiguous buffered range.
	BufferedEnd() (float64, bool)
	Seek(t float64) error
}

// EventSource delivers surface events such as manifest reloads.
type EventSource interface {
	Subscribe(fn func(playback.Event)) (unsubscribe func())
}

type Tracker struct {
	session Session
	logger  *zap.Logger

	mu          sync.Mutex
	state       StreamViewState
	subscribers map[string]func(StreamViewState)
}

func NewTracker(session Session, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		session:     session,
		logger:      logger.Named("liveedge"),
		subscribers: make(map[string]func(StreamViewState)),
	}
}

// Watch re-evaluates on every manifest reload, loaded fragment and time
// update from src until the returned func is called.
func (t *Tracker) Watch(src EventSource) (unsubscribe func()) {
	return src.Subscribe(func(ev playback.Event) {
		switch ev.Kind {
		case playback.EventManifestLoaded, playback.EventFragmentLoaded, playback.EventTimeUpdate:
			t.Evaluate()
		}
	})
}

// Evaluate recomputes the view state. Sessions that are not live, have no
// fragments yet, or fail to report them leave the tracker in its previous
// or unknown state until the next trigger.
func (t *Tracker) Evaluate() StreamViewState {
	if !t.session.Live() {
		return t.set(StreamViewState{Status: StatusUnknown, CurrentTime: t.session.CurrentTime()})
	}

	fragments, err := t.session.Fragments()
	if err != nil {
		t.logger.Debug("fragment state unavailable, deferring", zap.Error(err))
		return t.State()
	}
	if len(fragments) == 0 {
		return t.set(StreamViewState{Status: StatusUnknown, CurrentTime: t.session.CurrentTime()})
	}

	last := fragments[len(fragments)-1]
	current := t.session.CurrentTime()
	return t.set(StreamViewState{
		Status:      Classify(last.Start, last.Duration, current),
		LiveEdge:    last.End(),
		CurrentTime: current,
		Lag:         last.End() - current,
	})
}

// Resync seeks back near the live edge and returns the seek target.
func (t *Tracker) Resync() (float64, error) {
	if !t.session.Live() {
		return 0, ErrNotLive
	}
	target, err := t.resyncTarget()
	if err != nil {
		return 0, err
	}
	if err := t.session.Seek(target); err != nil {
		return 0, fmt.Errorf("seeking to live edge: %w", err)
	}
	t.logger.Info("resynced to live edge", zap.Float64("target", target))
	t.Evaluate()
	return target, nil
}

func (t *Tracker) resyncTarget() (float64, error) {
	fragments, err := t.session.Fragments()
	if err == nil && len(fragments) > 0 {
		return ResyncTarget(fragments[len(fragments)-1].End()), nil
	}
	if end, ok := t.session.BufferedEnd(); ok {
		t.logger.Debug("fragments unavailable, resyncing from buffered range", zap.Float64("buffered_end", end))
		return math.Max(0, end-BufferedMargin), nil
	}
	return 0, ErrNoLiveEdge
}

func (t *Tracker) State() StreamViewState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Subscribe registers fn to be called whenever the live status changes.
func (t *Tracker) Subscribe(fn func(StreamViewState)) (unsubscribe func()) {
	id := uuid.NewString()
	t.mu.Lock()
	t.subscribers[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) set(next StreamViewState) StreamViewState {
	t.mu.Lock()
	prev := t.state
	t.state = next
	var fns []func(StreamViewState)
	if next.Status != prev.Status {
		for _, fn := range t.subscribers {
			fns = append(fns, fn)
		}
	}
	t.mu.Unlock()

	if next.Status != prev.Status {
		t.logger.Info("live status changed",
			zap.Stringer("from", prev.Status),
			zap.Stringer("to", next.Status),
			zap.Float64("lag", next.Lag))
	}
	for _, fn := range fns {
		fn(next)
	}
	return next
}

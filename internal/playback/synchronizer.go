package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kdimtricp/facesync/internal/annotation"
	"github.com/kdimtricp/facesync/internal/models"
)

var ErrClosed = errors.New("synchronizer closed")

// Snapshot is what the synchronizer publishes on every time update.
// Faces is shared with the underlying FaceData and must not be modified.
type Snapshot struct {
	CurrentTime float64
	Frame       int
	Faces       []models.FaceBox
}

// Synchronizer owns the listener registration on a Surface and republishes
// the face set active at the surface's current time.
type Synchronizer struct {
	surface Surface
	logger  *zap.Logger

	// attachMu serializes Attach and Detach; it is never held while mu is
	// needed by event delivery.
	attachMu sync.Mutex

	mu          sync.Mutex
	gen         uint64
	source      string
	unsubscribe func()
	index       *annotation.Index
	last        Snapshot
	err         error
	closed      bool
	subscribers map[string]func(Snapshot)
	onError     map[string]func(error)
}

func NewSynchronizer(surface Surface, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		surface:     surface,
		logger:      logger.Named("playback"),
		index:       annotation.NewIndex(nil),
		last:        Snapshot{Frame: -1},
		subscribers: make(map[string]func(Snapshot)),
		onError:     make(map[string]func(error)),
	}
}

// Attach loads src on the surface, tearing down any previous attachment
// first. Calling it again with the same source still leaves exactly one
// listener registered.
func (s *Synchronizer) Attach(ctx context.Context, src string) error {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	s.detach()

	if err := s.surface.Load(ctx, src); err != nil {
		s.mu.Lock()
		if errors.Is(err, ErrUnsupported) {
			s.err = ErrUnsupported
		} else {
			s.err = fmt.Errorf("%w: %v", ErrPlaybackFailed, err)
		}
		s.mu.Unlock()
		s.surface.Destroy()
		return fmt.Errorf("loading %s: %w", src, err)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.source = src
	s.err = nil
	s.mu.Unlock()

	unsubscribe := s.surface.Subscribe(func(ev Event) {
		s.handleEvent(gen, ev)
	})

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	s.logger.Info("source attached", zap.String("source", src))
	return nil
}

// Detach removes the listener and releases the surface's source.
func (s *Synchronizer) Detach() {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	s.detach()
}

func (s *Synchronizer) detach() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	source := s.source
	s.unsubscribe = nil
	s.source = ""
	s.gen++
	s.mu.Unlock()

	if unsubscribe == nil {
		return
	}
	unsubscribe()
	s.surface.Destroy()
	s.logger.Info("source detached", zap.String("source", source))
}

// detachGeneration detaches only if gen is still the current attachment.
func (s *Synchronizer) detachGeneration(gen uint64) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	s.mu.Lock()
	current := s.gen == gen
	s.mu.Unlock()
	if current {
		s.detach()
	}
}

func (s *Synchronizer) handleEvent(gen uint64, ev Event) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	switch ev.Kind {
	case EventTimeUpdate, EventMetadataLoaded:
		s.publish(s.update(ev.Time))
	case EventEnded:
		s.logger.Info("playback ended", zap.Float64("time", ev.Time))
	case EventError:
		if !ev.Fatal {
			s.logger.Warn("non-fatal playback error", zap.Error(ev.Err))
			return
		}
		s.logger.Error("fatal playback error, tearing down", zap.Error(ev.Err))
		s.mu.Lock()
		err := fmt.Errorf("%w: %v", ErrPlaybackFailed, ev.Err)
		s.err = err
		fns := make([]func(error), 0, len(s.onError))
		for _, fn := range s.onError {
			fns = append(fns, fn)
		}
		s.mu.Unlock()
		// Detaching waits on the surface, which may be the caller.
		go s.detachGeneration(gen)
		for _, fn := range fns {
			fn(err)
		}
	}
}

func (s *Synchronizer) update(t float64) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{CurrentTime: t, Frame: -1}
	if d, ok := s.index.At(t); ok {
		snap.Frame = d.Frame
		snap.Faces = d.Faces
	}
	s.last = snap
	return snap
}

func (s *Synchronizer) publish(snap Snapshot) {
	s.mu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// SetFaceData swaps in a new detection set and republishes the current
// frame against it.
func (s *Synchronizer) SetFaceData(data *models.FaceData) {
	index := annotation.NewIndex(data)

	s.mu.Lock()
	s.index = index
	attached := s.unsubscribe != nil
	t := s.last.CurrentTime
	s.mu.Unlock()

	if attached {
		t = s.surface.CurrentTime()
	}
	s.logger.Info("face data loaded",
		zap.Int("detections", index.Len()),
		zap.Float64("fps", index.FPS()))
	s.publish(s.update(t))
}

// Seek moves the surface and immediately republishes for the new position.
func (s *Synchronizer) Seek(t float64) error {
	if err := s.surface.Seek(t); err != nil {
		return fmt.Errorf("seeking to %.2f: %w", t, err)
	}
	s.publish(s.update(s.surface.CurrentTime()))
	return nil
}

// Subscribe registers fn for snapshots until the returned func is called.
func (s *Synchronizer) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	id := uuid.NewString()

	s.mu.Lock()
	s.subscribers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

// OnError registers fn for fatal playback errors until the returned func is
// called. fn receives an error wrapping ErrPlaybackFailed and runs on the
// surface's event goroutine, so it must not block.
func (s *Synchronizer) OnError(fn func(error)) (unsubscribe func()) {
	id := uuid.NewString()

	s.mu.Lock()
	s.onError[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.onError, id)
			s.mu.Unlock()
		})
	}
}

func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Source returns the currently attached source, or "" when detached.
func (s *Synchronizer) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// Err reports the last playback error; ErrUnsupported is not retryable.
func (s *Synchronizer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches and drops every subscriber. The synchronizer cannot be
// reused afterwards.
func (s *Synchronizer) Close() {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	s.detach()

	s.mu.Lock()
	s.closed = true
	s.subscribers = make(map[string]func(Snapshot))
	s.onError = make(map[string]func(error))
	s.mu.Unlock()
}

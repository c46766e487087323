package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kdimtricp/facesync/internal/models"
)

const (
	DefaultPollInterval = 1000 * time.Millisecond
	DefaultTimeout      = 30000 * time.Millisecond
)

// Backend is the analysis API the orchestrator drives.
type Backend interface {
	AcquireVideo(ctx context.Context) (string, error)
	ProcessVideo(ctx context.Context) (cached bool, err error)
	// FaceData returns models.ErrNotReady while results are pending.
	FaceData(ctx context.Context) (*models.FaceData, error)
}

type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Orchestrator runs at most one analysis session at a time. The session runs
// on its own goroutine which owns the poll ticker and the timeout timer.
type Orchestrator struct {
	backend      Backend
	pollInterval time.Duration
	timeout      time.Duration
	clock        clock.Clock
	logger       *zap.Logger

	mu          sync.Mutex
	status      Status
	cancel      context.CancelFunc
	done        chan struct{}
	ticker      *clock.Ticker
	timer       *clock.Timer
	subscribers map[string]func(Status)
}

func New(backend Backend, config Config) *Orchestrator {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Orchestrator{
		backend:      backend,
		pollInterval: config.PollInterval,
		timeout:      config.Timeout,
		clock:        config.Clock,
		logger:       config.Logger.Named("analysis"),
		status:       Status{State: StateIdle},
		subscribers:  make(map[string]func(Status)),
	}
}

// Start begins a new session from Idle. It returns false, doing nothing, in
// any other state.
func (o *Orchestrator) Start(ctx context.Context) bool {
	o.mu.Lock()
	if o.status.State != StateIdle {
		state := o.status.State
		o.mu.Unlock()
		o.logger.Debug("start ignored", zap.Stringer("state", state))
		return false
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	now := o.clock.Now()
	o.status = Status{
		State:     StateAcquiringVideo,
		SessionID: id,
		StartedAt: now,
		UpdatedAt: now,
	}
	o.cancel = cancel
	o.done = make(chan struct{})
	done := o.done
	snapshot := o.status
	o.mu.Unlock()

	o.logger.Info("analysis session started", zap.String("session_id", id))
	o.notify(snapshot)

	go o.run(sessionCtx, id, done)
	return true
}

// Retry returns a Failed or TimedOut orchestrator to Idle and starts again.
// Of several concurrent calls only one is accepted.
func (o *Orchestrator) Retry(ctx context.Context) bool {
	o.mu.Lock()
	if !o.status.State.Retryable() {
		o.mu.Unlock()
		return false
	}
	cancel, done := o.releaseLocked()
	o.status = Status{State: StateIdle, UpdatedAt: o.clock.Now()}
	snapshot := o.status
	o.mu.Unlock()

	o.wait(cancel, done)
	o.notify(snapshot)
	return o.Start(ctx)
}

// Reset stops any running session and returns to Idle. When it returns no
// timer of the previous session is armed and its goroutine has exited.
func (o *Orchestrator) Reset() {
	o.stop()
	o.setIdle()
}

// Close resets the orchestrator and drops all subscribers.
func (o *Orchestrator) Close() {
	o.Reset()
	o.mu.Lock()
	o.subscribers = make(map[string]func(Status))
	o.mu.Unlock()
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Subscribe registers fn for every state transition until the returned func
// is called. fn runs on whichever goroutine made the transition: the caller
// of Start, Retry or Reset, or the session goroutine. It must not call
// Reset, Retry or Close.
func (o *Orchestrator) Subscribe(fn func(Status)) (unsubscribe func()) {
	id := uuid.NewString()
	o.mu.Lock()
	o.subscribers[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.subscribers, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) stop() {
	o.mu.Lock()
	cancel, done := o.releaseLocked()
	o.mu.Unlock()
	o.wait(cancel, done)
}

// releaseLocked detaches the current session so nothing it still reports
// is accepted.
func (o *Orchestrator) releaseLocked() (context.CancelFunc, chan struct{}) {
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.status.SessionID = ""
	o.disarmLocked()
	return cancel, done
}

func (o *Orchestrator) wait(cancel context.CancelFunc, done chan struct{}) {
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (o *Orchestrator) setIdle() {
	o.mu.Lock()
	if o.status.State == StateIdle {
		o.mu.Unlock()
		return
	}
	o.status = Status{State: StateIdle, UpdatedAt: o.clock.Now()}
	snapshot := o.status
	o.mu.Unlock()
	o.notify(snapshot)
}

func (o *Orchestrator) run(ctx context.Context, id string, done chan struct{}) {
	defer close(done)

	url, err := o.backend.AcquireVideo(ctx)
	if err != nil {
		o.fail(ctx, id, fmt.Errorf("acquiring video: %w", err))
		return
	}
	if !o.transition(id, StateAcquiringVideo, StateProcessing, func(s *Status) { s.VideoURL = url }) {
		return
	}
	o.logger.Info("video acquired", zap.String("session_id", id), zap.String("video_url", url))

	cached, err := o.backend.ProcessVideo(ctx)
	if err != nil {
		o.fail(ctx, id, fmt.Errorf("starting analysis: %w", err))
		return
	}

	if cached {
		o.logger.Info("analysis cached, fetching once", zap.String("session_id", id))
		data, err := o.backend.FaceData(ctx)
		switch {
		case err == nil && data != nil:
			o.complete(id, StateProcessing, data)
			return
		case err == nil, errors.Is(err, models.ErrNotReady):
			o.logger.Warn("cached analysis not available, polling", zap.String("session_id", id))
		default:
			o.fail(ctx, id, fmt.Errorf("fetching face data: %w", err))
			return
		}
	}

	o.poll(ctx, id)
}

type pollResult struct {
	data *models.FaceData
	err  error
}

func (o *Orchestrator) poll(ctx context.Context, id string) {
	o.mu.Lock()
	if o.status.SessionID != id || o.status.State != StateProcessing {
		o.mu.Unlock()
		return
	}
	o.ticker = o.clock.Ticker(o.pollInterval)
	o.timer = o.clock.Timer(o.timeout)
	ticks, timeout := o.ticker.C, o.timer.C
	o.status.State = StatePolling
	o.status.UpdatedAt = o.clock.Now()
	snapshot := o.status
	o.mu.Unlock()

	o.logger.Info("polling for face data",
		zap.String("session_id", id),
		zap.Duration("interval", o.pollInterval),
		zap.Duration("timeout", o.timeout))
	o.notify(snapshot)

	defer o.disarm(id)

	var (
		inflight    chan pollResult
		cancelFetch context.CancelFunc = func() {}
		due         bool
	)
	defer func() { cancelFetch() }()

	fetch := func() {
		var fetchCtx context.Context
		fetchCtx, cancelFetch = context.WithCancel(ctx)
		inflight = make(chan pollResult, 1)
		go func(ch chan<- pollResult) {
			data, err := o.backend.FaceData(fetchCtx)
			ch <- pollResult{data: data, err: err}
		}(inflight)
	}

	for {
		select {
		case <-ctx.Done():
			cancelFetch()
			o.fail(ctx, id, ctx.Err())
			return

		case <-timeout:
			cancelFetch()
			o.timeOut(id)
			return

		case <-ticks:
			if inflight != nil {
				due = true
				continue
			}
			fetch()

		case res := <-inflight:
			inflight = nil
			cancelFetch()
			switch {
			case res.err == nil && res.data != nil:
				o.complete(id, StatePolling, res.data)
				return
			case res.err == nil, errors.Is(res.err, models.ErrNotReady):
				o.logger.Debug("face data not ready", zap.String("session_id", id))
			case ctx.Err() != nil:
				// Cancellation is handled by the ctx.Done case.
				continue
			default:
				o.fail(ctx, id, fmt.Errorf("fetching face data: %w", res.err))
				return
			}
			if due {
				due = false
				fetch()
			}
		}
	}
}

// disarm stops both polling timers if they still belong to session id.
func (o *Orchestrator) disarm(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.SessionID == id {
		o.disarmLocked()
	}
}

func (o *Orchestrator) disarmLocked() {
	if o.ticker != nil {
		o.ticker.Stop()
		o.ticker = nil
	}
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (o *Orchestrator) complete(id string, from State, data *models.FaceData) {
	ok := o.transition(id, from, StateCompleted, func(s *Status) {
		s.Data = data
		s.Reason = ""
	})
	if ok {
		o.logger.Info("analysis completed",
			zap.String("session_id", id),
			zap.Int("detections", len(data.FaceDetections)))
	}
}

func (o *Orchestrator) timeOut(id string) {
	ok := o.transition(id, StatePolling, StateTimedOut, func(s *Status) {
		s.Reason = fmt.Sprintf("no face data after %s", o.timeout)
	})
	if ok {
		o.logger.Warn("analysis timed out", zap.String("session_id", id), zap.Duration("timeout", o.timeout))
	}
}

func (o *Orchestrator) fail(ctx context.Context, id string, err error) {
	reason := err.Error()
	if ctx.Err() != nil {
		reason = "cancelled"
	}

	o.mu.Lock()
	if o.status.SessionID != id || !o.status.State.Active() {
		o.mu.Unlock()
		return
	}
	o.disarmLocked()
	o.status.State = StateFailed
	o.status.Reason = reason
	o.status.UpdatedAt = o.clock.Now()
	snapshot := o.status
	o.mu.Unlock()

	o.logger.Error("analysis failed", zap.String("session_id", id), zap.String("reason", reason))
	o.notify(snapshot)
}

// transition moves session id from one state to another. It is a no-op when
// the session has been superseded or the state already moved on.
func (o *Orchestrator) transition(id string, from, to State, mutate func(*Status)) bool {
	o.mu.Lock()
	if o.status.SessionID != id || o.status.State != from {
		o.mu.Unlock()
		return false
	}
	if from == StatePolling {
		o.disarmLocked()
	}
	o.status.State = to
	if mutate != nil {
		mutate(&o.status)
	}
	o.status.UpdatedAt = o.clock.Now()
	snapshot := o.status
	o.mu.Unlock()

	o.notify(snapshot)
	return true
}

func (o *Orchestrator) notify(status Status) {
	o.mu.Lock()
	fns := make([]func(Status), 0, len(o.subscribers))
	for _, fn := range o.subscribers {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

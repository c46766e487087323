package liveedge

import (
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/kdimtricp/facesync/internal/playback"
)

type mockSession struct {
	live         bool
	current      float64
	fragments    []Fragment
	fragmentsErr error
	bufferedEnd  float64
	hasBuffered  bool
	seeks        []float64
}

func (m *mockSession) Live() bool           { return m.live }
func (m *mockSession) CurrentTime() float64 { return m.current }

func (m *mockSession) Fragments() ([]Fragment, error) {
	return m.fragments, m.fragmentsErr
}

func (m *mockSession) BufferedEnd() (float64, bool) {
	return m.bufferedEnd, m.hasBuffered
}

func (m *mockSession) Seek(t float64) error {
	m.seeks = append(m.seeks, t)
	m.current = t
	return nil
}

type mockSource struct {
	listeners []func(playback.Event)
}

func (m *mockSource) Subscribe(fn func(playback.Event)) func() {
	m.listeners = append(m.listeners, fn)
	idx := len(m.listeners) - 1
	return func() { m.listeners[idx] = nil }
}

func (m *mockSource) emit(ev playback.Event) {
	for _, fn := range m.listeners {
		if fn != nil {
			fn(ev)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name                    string
		start, duration, played float64
		want                    Status
	}{
		{name: "at edge", start: 54, duration: 6, played: 60, want: StatusLive},
		{name: "exactly threshold", start: 54, duration: 6, played: 50, want: StatusLive},
		{name: "just past threshold", start: 54, duration: 6, played: 49.99, want: StatusBehind},
		{name: "far behind", start: 120, duration: 6, played: 10, want: StatusBehind},
		{name: "ahead of edge", start: 0, duration: 6, played: 7, want: StatusLive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.start, tt.duration, tt.played); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestResyncTarget(t *testing.T) {
	for _, edge := range []float64{0, 2, 5, 5.5, 60, 3600} {
		got := ResyncTarget(edge)
		if got < 0 {
			t.Errorf("edge %v: target %v is negative", edge, got)
		}
		want := edge - 5
		if want < 0 {
			want = 0
		}
		if got != want {
			t.Errorf("edge %v: expected %v, got %v", edge, want, got)
		}
	}
}

func TestTracker_Evaluate(t *testing.T) {
	session := &mockSession{
		live:      true,
		current:   40,
		fragments: []Fragment{{Start: 0, Duration: 6}, {Start: 6, Duration: 6}, {Start: 54, Duration: 6}},
	}
	tracker := NewTracker(session, zaptest.NewLogger(t))

	state := tracker.Evaluate()
	if state.Status != StatusBehind || !state.ShowResync() {
		t.Fatalf("expected behind with resync offered, got %+v", state)
	}
	if state.LiveEdge != 60 || state.Lag != 20 {
		t.Errorf("expected edge 60 lag 20, got edge %v lag %v", state.LiveEdge, state.Lag)
	}

	session.current = 55
	state = tracker.Evaluate()
	if !state.IsLive() || state.ShowResync() {
		t.Errorf("expected live without resync, got %+v", state)
	}
}

func TestTracker_UnknownStates(t *testing.T) {
	t.Run("not live", func(t *testing.T) {
		session := &mockSession{live: false, fragments: []Fragment{{Start: 0, Duration: 6}}, current: 100}
		if got := NewTracker(session, zaptest.NewLogger(t)).Evaluate(); got.Status != StatusUnknown {
			t.Errorf("expected unknown for recorded stream, got %s", got.Status)
		}
	})

	t.Run("no fragments", func(t *testing.T) {
		session := &mockSession{live: true}
		if got := NewTracker(session, zaptest.NewLogger(t)).Evaluate(); got.Status != StatusUnknown {
			t.Errorf("expected unknown without fragments, got %s", got.Status)
		}
	})

	t.Run("fragment error keeps previous state", func(t *testing.T) {
		session := &mockSession{live: true, current: 0, fragments: []Fragment{{Start: 54, Duration: 6}}}
		tracker := NewTracker(session, zaptest.NewLogger(t))
		if tracker.Evaluate().Status != StatusBehind {
			t.Fatal("expected behind")
		}

		session.fragmentsErr = errors.New("levels not populated")
		session.current = 58
		if got := tracker.Evaluate(); got.Status != StatusBehind {
			t.Errorf("expected deferred evaluation to keep behind, got %s", got.Status)
		}
	})
}

func TestTracker_Resync(t *testing.T) {
	session := &mockSession{
		live:      true,
		current:   3,
		fragments: []Fragment{{Start: 54, Duration: 6}},
	}
	tracker := NewTracker(session, zaptest.NewLogger(t))
	tracker.Evaluate()

	target, err := tracker.Resync()
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if target != 55 {
		t.Errorf("expected target 55, got %v", target)
	}
	if len(session.seeks) != 1 || session.seeks[0] != 55 {
		t.Errorf("expected one seek to 55, got %v", session.seeks)
	}
	if !tracker.State().IsLive() {
		t.Errorf("expected live after resync, got %s", tracker.State().Status)
	}
}

func TestTracker_ResyncNearZero(t *testing.T) {
	session := &mockSession{live: true, fragments: []Fragment{{Start: 0, Duration: 3}}}
	target, err := NewTracker(session, zaptest.NewLogger(t)).Resync()
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if target != 0 {
		t.Errorf("expected target clamped to 0, got %v", target)
	}
}

func TestTracker_ResyncFallsBackToBufferedRange(t *testing.T) {
	session := &mockSession{
		live:         true,
		fragmentsErr: errors.New("not ready"),
		bufferedEnd:  42,
		hasBuffered:  true,
	}
	target, err := NewTracker(session, zaptest.NewLogger(t)).Resync()
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if target != 40 {
		t.Errorf("expected buffered fallback target 40, got %v", target)
	}

	session.hasBuffered = false
	if _, err := NewTracker(session, zaptest.NewLogger(t)).Resync(); !errors.Is(err, ErrNoLiveEdge) {
		t.Errorf("expected ErrNoLiveEdge, got %v", err)
	}
}

func TestTracker_ResyncRecordedStream(t *testing.T) {
	session := &mockSession{live: false, current: 3, fragments: []Fragment{{Start: 0, Duration: 60}}}
	if _, err := NewTracker(session, zaptest.NewLogger(t)).Resync(); !errors.Is(err, ErrNotLive) {
		t.Fatalf("expected ErrNotLive, got %v", err)
	}
	if len(session.seeks) != 0 {
		t.Errorf("recorded stream was seeked to %v", session.seeks)
	}
}

func TestTracker_WatchAndSubscribe(t *testing.T) {
	session := &mockSession{live: true, current: 0, fragments: []Fragment{{Start: 0, Duration: 6}}}
	tracker := NewTracker(session, zaptest.NewLogger(t))
	source := &mockSource{}

	var changes []StreamViewState
	unsubscribeState := tracker.Subscribe(func(s StreamViewState) { changes = append(changes, s) })
	defer unsubscribeState()

	unwatch := tracker.Watch(source)

	source.emit(playback.Event{Kind: playback.EventManifestLoaded})
	session.fragments = append(session.fragments, Fragment{Start: 6, Duration: 6}, Fragment{Start: 12, Duration: 6})
	source.emit(playback.Event{Kind: playback.EventFragmentLoaded})
	source.emit(playback.Event{Kind: playback.EventTimeUpdate, Time: 0})

	if len(changes) != 2 {
		t.Fatalf("expected 2 status changes (live, behind), got %d: %+v", len(changes), changes)
	}
	if changes[0].Status != StatusLive || changes[1].Status != StatusBehind {
		t.Errorf("unexpected transitions %s -> %s", changes[0].Status, changes[1].Status)
	}

	unwatch()
	session.current = 17
	source.emit(playback.Event{Kind: playback.EventTimeUpdate, Time: 17})
	if tracker.State().Status != StatusBehind {
		t.Errorf("expected no evaluation after unwatch")
	}
}

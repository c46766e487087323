// Package analysis drives a backend face-analysis job from video
// acquisition through polling to a terminal state.
package analysis

import (
	"time"

	"github.com/kdimtricp/facesync/internal/models"
)

type State int

const (
	StateIdle State = iota
	StateAcquiringVideo
	StateProcessing
	StatePolling
	StateCompleted
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringVideo:
		return "acquiring_video"
	case StateProcessing:
		return "processing"
	case StatePolling:
		return "polling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Active reports whether a session is in flight.
func (s State) Active() bool {
	return s == StateAcquiringVideo || s == StateProcessing || s == StatePolling
}

// Retryable reports whether Retry is accepted from s.
func (s State) Retryable() bool {
	return s == StateFailed || s == StateTimedOut
}

// Status is a point-in-time copy of the orchestrator state.
type Status struct {
	State     State
	SessionID string
	Reason    string
	VideoURL  string
	Data      *models.FaceData
	StartedAt time.Time
	UpdatedAt time.Time
}

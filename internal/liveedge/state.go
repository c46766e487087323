// Package liveedge decides whether playback of a live stream sits at the
// live edge and computes where to seek to rejoin it.
package liveedge

import (
	"errors"
	"math"
)

const (
	// LiveThreshold is the largest lag, in seconds, still classified as live.
	LiveThreshold = 10.0
	// ResyncMargin is how far behind the edge a resync lands.
	ResyncMargin = 5.0
	// BufferedMargin is the resync margin used when only the buffered range
	// end is known.
	BufferedMargin = 2.0
)

// ErrNoLiveEdge is returned by Resync when the session exposes neither
// fragments nor a buffered range.
var ErrNoLiveEdge = errors.New("live edge unknown")

// ErrNotLive is returned by Resync for recorded streams.
var ErrNotLive = errors.New("stream is not live")

// Fragment is a loaded media segment of the active rendition.
type Fragment struct {
	Start    float64
	Duration float64
}

func (f Fragment) End() float64 {
	return f.Start + f.Duration
}

type Status int

const (
	StatusUnknown Status = iota
	StatusLive
	StatusBehind
)

func (s Status) String() string {
	switch s {
	case StatusLive:
		return "live"
	case StatusBehind:
		return "behind"
	default:
		return "unknown"
	}
}

// StreamViewState is the tracker's complete view of the stream. A new value
// is produced on every evaluation; fields are never updated individually.
type StreamViewState struct {
	Status      Status
	LiveEdge    float64
	CurrentTime float64
	Lag         float64
}

// ShowResync reports whether the viewer should be offered a jump to live.
func (s StreamViewState) ShowResync() bool {
	return s.Status == StatusBehind
}

func (s StreamViewState) IsLive() bool {
	return s.Status == StatusLive
}

// Classify is the pure live/behind decision for the last loaded fragment.
func Classify(lastStart, lastDuration, currentTime float64) Status {
	if lastStart+lastDuration-currentTime <= LiveThreshold {
		return StatusLive
	}
	return StatusBehind
}

// ResyncTarget is where a resync seeks to for a given live edge.
func ResyncTarget(liveEdge float64) float64 {
	return math.Max(0, liveEdge-ResyncMargin)
}

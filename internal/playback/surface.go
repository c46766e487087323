// Package playback keeps the active face annotations in step with a
// playback surface's clock.
package playback

import (
	"context"
	"errors"
)

var (
	// ErrUnsupported means the surface cannot play the source format at all.
	ErrUnsupported = errors.New("playback format not supported")
	// ErrPlaybackFailed is reported after the surface hit an unrecoverable error.
	ErrPlaybackFailed = errors.New("playback failed")
)

type EventKind int

const (
	EventMetadataLoaded EventKind = iota
	EventTimeUpdate
	EventManifestLoaded
	EventFragmentLoaded
	EventEnded
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMetadataLoaded:
		return "metadata_loaded"
	case EventTimeUpdate:
		return "time_update"
	case EventManifestLoaded:
		return "manifest_loaded"
	case EventFragmentLoaded:
		return "fragment_loaded"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is something a surface reports about the attached source.
type Event struct {
	Kind  EventKind
	Time  float64
	Err   error
	Fatal bool
}

// Surface is the playback element a source gets attached to.
type Surface interface {
	// Load attaches src. It returns ErrUnsupported when src cannot be played.
	Load(ctx context.Context, src string) error
	// Subscribe registers fn for surface events until the returned func is called.
	Subscribe(fn func(Event)) (unsubscribe func())
	CurrentTime() float64
	Seek(t float64) error
	// Destroy releases the current source and stops event delivery.
	Destroy()
}

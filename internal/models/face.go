package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Reference frame the detector reports box coordinates in.
const (
	ReferenceWidth  = 640
	ReferenceHeight = 360
)

// ErrNotReady is returned while analysis results do not exist yet.
var ErrNotReady = errors.New("face data not ready")

type FaceBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FaceDetection holds the boxes found on one sampled frame.
type FaceDetection struct {
	Frame     int       `json:"frame"`
	Timestamp string    `json:"timestamp"`
	Faces     []FaceBox `json:"faces"`
}

// Seconds parses Timestamp, accepting plain seconds ("1.5") as well as
// "H:MM:SS[.ffffff]".
func (d FaceDetection) Seconds() (float64, error) {
	ts := strings.TrimSpace(d.Timestamp)
	if ts == "" {
		return 0, fmt.Errorf("empty timestamp for frame %d", d.Frame)
	}
	if !strings.Contains(ts, ":") {
		secs, err := strconv.ParseFloat(ts, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp %q: %w", ts, err)
		}
		return secs, nil
	}

	parts := strings.Split(ts, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid timestamp %q", ts)
	}
	var total float64
	for i, unit := range []float64{3600, 60, 1} {
		v, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp %q: %w", ts, err)
		}
		total += v * unit
	}
	return total, nil
}

type FaceMetadata struct {
	TotalFrames     int     `json:"total_frames"`
	FPS             float64 `json:"fps"`
	ProcessedFrames int     `json:"processed_frames,omitempty"`
	StepSize        int     `json:"step_size,omitempty"`
}

// FaceData is a complete analysis result. Holders treat it as read-only and
// replace it wholesale.
type FaceData struct {
	FaceDetections []FaceDetection `json:"face_detections"`
	Metadata       FaceMetadata    `json:"metadata"`
}

// Validate checks the ordering and metadata invariants readers rely on.
func (fd *FaceData) Validate() error {
	if fd == nil {
		return errors.New("face data is nil")
	}
	if fd.Metadata.FPS <= 0 {
		return fmt.Errorf("invalid fps: %v", fd.Metadata.FPS)
	}
	for i, d := range fd.FaceDetections {
		if d.Frame < 0 {
			return fmt.Errorf("detection %d has negative frame %d", i, d.Frame)
		}
		if i > 0 && d.Frame <= fd.FaceDetections[i-1].Frame {
			return fmt.Errorf("detections not ascending at index %d (frame %d after %d)",
				i, d.Frame, fd.FaceDetections[i-1].Frame)
		}
	}
	return nil
}

// Package annotation maps playback time onto sparsely sampled face
// detection frames.
package annotation

import (
	"math"
	"sort"

	"github.com/kdimtricp/facesync/internal/models"
)

const (
	// FrameTolerance is how many frames a detection may sit away from the
	// playback frame and still be shown.
	FrameTolerance = 1
	// SeekTolerance is the window, in seconds, for timeline seek lookups.
	SeekTolerance = 1.0
)

// Index answers time queries over one FaceData. It never modifies the
// detections it was built from.
type Index struct {
	detections []models.FaceDetection
	fps        float64
}

func NewIndex(data *models.FaceData) *Index {
	if data == nil {
		return &Index{}
	}
	return &Index{
		detections: data.FaceDetections,
		fps:        data.Metadata.FPS,
	}
}

// FrameAt converts a playback time to a frame number.
func FrameAt(t, fps float64) int {
	return int(math.Floor(t * fps))
}

func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.detections)
}

func (ix *Index) FPS() float64 {
	if ix == nil {
		return 0
	}
	return ix.fps
}

// At returns the first detection, in frame order, within FrameTolerance of
// the frame playing at time t. Times just before zero still match frame 0.
func (ix *Index) At(t float64) (models.FaceDetection, bool) {
	if ix.Len() == 0 || ix.fps <= 0 || math.IsNaN(t) || math.IsInf(t, 0) {
		return models.FaceDetection{}, false
	}

	frame := FrameAt(t, ix.fps)
	i := sort.Search(len(ix.detections), func(i int) bool {
		return ix.detections[i].Frame >= frame-FrameTolerance
	})
	if i < len(ix.detections) && ix.detections[i].Frame <= frame+FrameTolerance {
		return ix.detections[i], true
	}
	return models.FaceDetection{}, false
}

// NearestToSeek returns the detection closest to a timeline seek target,
// provided it lies strictly within SeekTolerance seconds. Ties go to the
// lower frame.
func (ix *Index) NearestToSeek(t float64) (models.FaceDetection, bool) {
	if ix.Len() == 0 || ix.fps <= 0 || math.IsNaN(t) {
		return models.FaceDetection{}, false
	}

	// Detections are sorted by frame, so only the window around t matters.
	lo := sort.Search(len(ix.detections), func(i int) bool {
		return float64(ix.detections[i].Frame)/ix.fps > t-SeekTolerance
	})

	best := -1
	bestDiff := SeekTolerance
	for i := lo; i < len(ix.detections); i++ {
		at := float64(ix.detections[i].Frame) / ix.fps
		if at-t >= SeekTolerance {
			break
		}
		if diff := math.Abs(t - at); diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	if best < 0 {
		return models.FaceDetection{}, false
	}
	return ix.detections[best], true
}

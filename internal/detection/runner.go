// Package detection runs the external face detector over the source video
// and imports its JSON output.
package detection

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kdimtricp/facesync/internal/database"
	"github.com/kdimtricp/facesync/internal/models"
)

var (
	ErrBusy          = errors.New("face detection already running")
	ErrNotConfigured = errors.New("no face detector configured")
)

// FaceStore persists detector results.
type FaceStore interface {
	Save(ctx context.Context, videoID string, data *models.FaceData) error
	UpdatedAt(ctx context.Context, videoID string) (time.Time, error)
}

type Runner struct {
	command []string
	store   FaceStore
	logger  *zap.Logger

	mu         sync.Mutex
	processing bool
	done       chan struct{}
	lastErr    error
}

// NewRunner returns a runner for command. The video path and output JSON
// path are appended to command's arguments on each run.
func NewRunner(command []string, store FaceStore, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		command: command,
		store:   store,
		logger:  logger.Named("detector"),
	}
}

// ShouldProcess reports whether the stored results for videoID are missing
// or older than the file at videoPath. A missing video never needs
// processing.
func (r *Runner) ShouldProcess(ctx context.Context, videoID, videoPath string) (bool, error) {
	info, err := os.Stat(videoPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat video: %w", err)
	}

	updated, err := r.store.UpdatedAt(ctx, videoID)
	if errors.Is(err, database.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return info.ModTime().After(updated), nil
}

func (r *Runner) Processing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processing
}

// Start launches the detector for videoID in the background. It returns
// ErrBusy while a previous run is still going. The detector is killed when
// ctx is cancelled.
func (r *Runner) Start(ctx context.Context, videoID, videoPath string) error {
	if len(r.command) == 0 {
		return ErrNotConfigured
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processing {
		return ErrBusy
	}

	out, err := os.CreateTemp("", "facesync-faces-*.json")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	outPath := out.Name()
	out.Close()

	args := append(append([]string(nil), r.command[1:]...), videoPath, outPath)
	cmd := exec.CommandContext(ctx, r.command[0], args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.Remove(outPath)
		return fmt.Errorf("failed to attach detector stderr: %w", err)
	}

	r.logger.Info("starting face detection", zap.String("video", videoPath), zap.Strings("command", r.command))
	if err := cmd.Start(); err != nil {
		os.Remove(outPath)
		return fmt.Errorf("failed to start detector: %w", err)
	}

	r.processing = true
	r.lastErr = nil
	r.done = make(chan struct{})
	go r.wait(ctx, cmd, stderr, videoID, outPath, r.done)
	return nil
}

func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, stderr io.Reader, videoID, outPath string, done chan struct{}) {
	defer os.Remove(outPath)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		r.logger.Debug("detector", zap.String("line", scanner.Text()))
	}

	start := time.Now()
	err := cmd.Wait()
	if err != nil {
		err = fmt.Errorf("detector failed: %w", err)
	} else {
		err = r.Import(ctx, videoID, outPath)
	}

	if err != nil {
		r.logger.Error("face detection failed", zap.String("video_id", videoID), zap.Error(err))
	} else {
		r.logger.Info("face detection completed", zap.String("video_id", videoID), zap.Duration("import", time.Since(start)))
	}

	r.mu.Lock()
	r.processing = false
	r.lastErr = err
	r.mu.Unlock()
	close(done)
}

// Wait blocks until the current run finishes and returns its error.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Import validates the detector JSON at path and stores it for videoID.
func (r *Runner) Import(ctx context.Context, videoID, path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to open detector output: %w", err)
	}
	defer f.Close()

	var data models.FaceData
	if err := json.NewDecoder(f).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode detector output: %w", err)
	}
	if err := data.Validate(); err != nil {
		return fmt.Errorf("invalid detector output: %w", err)
	}
	if err := r.store.Save(ctx, videoID, &data); err != nil {
		return err
	}

	r.logger.Info("face data imported",
		zap.String("video_id", videoID),
		zap.Int("detections", len(data.FaceDetections)),
		zap.Float64("fps", data.Metadata.FPS))
	return nil
}

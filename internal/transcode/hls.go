// Package transcode turns the source video into an HLS stream with ffmpeg.
package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kdimtricp/facesync/internal/storage"
)

var ErrPlaylistTimeout = errors.New("timed out waiting for playlist")

type Config struct {
	FFmpegPath   string
	PlaylistName string
	// PlaylistWait bounds WaitForPlaylist.
	PlaylistWait time.Duration
	PollInterval time.Duration
}

// Converter runs at most one ffmpeg process at a time, writing the stream
// into a storage directory.
type Converter struct {
	cfg     Config
	storage storage.Storage
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	lastErr error
}

func NewConverter(cfg Config, st storage.Storage, logger *zap.Logger) (*Converter, error) {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	ffmpegPath, err := exec.LookPath(cfg.FFmpegPath)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	cfg.FFmpegPath = ffmpegPath
	if cfg.PlaylistName == "" {
		cfg.PlaylistName = "playlist.m3u8"
	}
	if cfg.PlaylistWait <= 0 {
		cfg.PlaylistWait = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{cfg: cfg, storage: st, logger: logger.Named("transcode")}, nil
}

// Args is the ffmpeg command line for a real-time HLS conversion of input
// into outDir. Segments are six seconds long and the playlist keeps every
// segment, so it grows like a live stream until ffmpeg finishes.
func Args(input, outDir, playlistPath string) []string {
	return []string{
		"-re",
		"-i", input,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-b:v", "1.5M",
		"-b:a", "128k",
		"-f", "hls",
		"-hls_time", "6",
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(outDir, "segment_%03d.ts"),
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_type", "mpegts",
		playlistPath,
	}
}

// Start clears stream's directory and launches ffmpeg on input. It returns
// false without doing anything when a conversion is already running. The
// process is killed when ctx is cancelled.
func (c *Converter) Start(ctx context.Context, input, stream string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false, nil
	}

	outDir, err := c.storage.Path(stream)
	if err != nil {
		return false, err
	}
	playlistPath, err := c.storage.Path(stream + "/" + c.cfg.PlaylistName)
	if err != nil {
		return false, err
	}

	removed, err := c.storage.Clear(stream, ".ts", ".m3u8")
	if err != nil {
		return false, fmt.Errorf("failed to clear old segments: %w", err)
	}
	if removed > 0 {
		c.logger.Debug("cleared old segments", zap.String("stream", stream), zap.Int("files", removed))
	}

	cmd := exec.CommandContext(ctx, c.cfg.FFmpegPath, Args(input, outDir, playlistPath)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, fmt.Errorf("failed to attach ffmpeg stderr: %w", err)
	}

	c.logger.Info("starting ffmpeg", zap.String("input", input), zap.String("output", playlistPath))
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	c.running = true
	c.lastErr = nil
	c.done = make(chan struct{})
	go c.wait(cmd, stderr, c.done)
	return true, nil
}

func (c *Converter) wait(cmd *exec.Cmd, stderr io.Reader, done chan struct{}) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.logger.Debug("ffmpeg", zap.String("line", scanner.Text()))
	}

	err := cmd.Wait()
	if err != nil {
		c.logger.Error("ffmpeg exited with error", zap.Error(err))
	} else {
		c.logger.Info("ffmpeg completed conversion")
	}

	c.mu.Lock()
	c.running = false
	c.lastErr = err
	c.mu.Unlock()
	close(done)
}

func (c *Converter) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Wait blocks until the current conversion exits and returns its error.
func (c *Converter) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// PlaylistReady reports whether stream's playlist exists and is non-empty.
func (c *Converter) PlaylistReady(stream string) bool {
	return PlaylistReady(c.storage, stream+"/"+c.cfg.PlaylistName)
}

func PlaylistReady(st storage.Storage, name string) bool {
	info, err := st.Stat(name)
	return err == nil && !info.IsDir() && info.Size() > 0
}

// WaitForPlaylist polls until stream's playlist is ready, the configured
// wait elapses, or ffmpeg exits without producing one.
func (c *Converter) WaitForPlaylist(ctx context.Context, stream string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PlaylistWait)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if c.PlaylistReady(stream) {
			c.logger.Info("playlist created", zap.String("stream", stream))
			return nil
		}
		c.mu.Lock()
		running, lastErr := c.running, c.lastErr
		c.mu.Unlock()
		if !running {
			if c.PlaylistReady(stream) {
				return nil
			}
			if lastErr != nil {
				return fmt.Errorf("ffmpeg exited before writing a playlist: %w", lastErr)
			}
			return errors.New("ffmpeg exited before writing a playlist")
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrPlaylistTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

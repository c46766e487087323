// Package config reads process configuration from the environment, after
// loading an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kdimtricp/facesync/internal/database"
)

// Server configures cmd/server.
type Server struct {
	Port string
	// PublicURL prefixes video URLs handed to clients. Empty means relative
	// URLs, which clients resolve against the API base.
	PublicURL string

	UploadDir     string
	StreamDir     string
	VideoFilename string
	StreamName    string
	PlaylistName  string

	ConvertOnStartup bool
	FFmpegPath       string
	PlaylistWait     time.Duration

	// DetectorCmd is the face detector command line. The input video path
	// and output JSON path are appended as the last two arguments.
	DetectorCmd []string

	DB             database.Config
	MigrationsPath string

	CORSOrigins []string

	LogLevel       string
	LogDevelopment bool
}

// Watch configures cmd/watch. Flags override these values.
type Watch struct {
	APIURL       string
	Simple       bool
	PollInterval time.Duration
	Timeout      time.Duration

	LogLevel       string
	LogDevelopment bool
}

// LoadDotEnv loads files (default ".env") into the environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func LoadServer() (*Server, error) {
	var errs []error
	e := env{errs: &errs}

	cfg := &Server{
		Port:             e.str("PORT", "5000"),
		PublicURL:        strings.TrimRight(e.str("PUBLIC_URL", ""), "/"),
		UploadDir:        e.str("UPLOAD_DIR", "./uploads"),
		StreamDir:        e.str("STREAM_DIR", "./streams"),
		VideoFilename:    e.str("VIDEO_FILENAME", "sample.mp4"),
		StreamName:       e.str("STREAM_NAME", "sample"),
		PlaylistName:     e.str("PLAYLIST_NAME", "playlist.m3u8"),
		ConvertOnStartup: e.boolean("CONVERT_ON_STARTUP", true),
		FFmpegPath:       e.str("FFMPEG_PATH", "ffmpeg"),
		PlaylistWait:     e.duration("PLAYLIST_WAIT", 60*time.Second),
		DetectorCmd:      strings.Fields(e.str("DETECTOR_CMD", "")),
		MigrationsPath:   e.str("MIGRATIONS_PATH", "./migrations"),
		CORSOrigins:      splitList(e.str("CORS_ORIGINS", "*")),
		LogLevel:         e.str("LOG_LEVEL", "info"),
		LogDevelopment:   e.boolean("LOG_DEVELOPMENT", false),
	}

	cfg.DB.Type = e.str("DB_TYPE", "sqlite")
	switch cfg.DB.Type {
	case "postgres":
		cfg.DB.Host = e.str("DB_HOST", "localhost")
		cfg.DB.Port = e.integer("DB_PORT", 5432)
		cfg.DB.User = e.str("DB_USER", "facesync")
		cfg.DB.Password = e.str("DB_PASSWORD", "facesync_dev")
		cfg.DB.Name = e.str("DB_NAME", "facesync")
	case "sqlite":
		cfg.DB.SQLitePath = e.str("DB_PATH", "./facesync.db")
	default:
		errs = append(errs, fmt.Errorf("DB_TYPE: unsupported database type %q", cfg.DB.Type))
	}

	if strings.ContainsAny(cfg.StreamName, `/\`) || cfg.StreamName == "" || cfg.StreamName == ".." {
		errs = append(errs, fmt.Errorf("STREAM_NAME: invalid stream name %q", cfg.StreamName))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	return cfg, nil
}

func LoadWatch() (*Watch, error) {
	var errs []error
	e := env{errs: &errs}

	cfg := &Watch{
		APIURL:         e.str("FACESYNC_API_URL", "http://localhost:5000"),
		Simple:         e.boolean("FACESYNC_SIMPLE", false),
		PollInterval:   e.duration("FACESYNC_POLL_INTERVAL", time.Second),
		Timeout:        e.duration("FACESYNC_TIMEOUT", 30*time.Second),
		LogLevel:       e.str("LOG_LEVEL", "info"),
		LogDevelopment: e.boolean("LOG_DEVELOPMENT", false),
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid watch configuration: %w", err)
	}
	return cfg, nil
}

// env reads typed variables, collecting parse errors instead of failing on
// the first one.
type env struct {
	errs *[]error
}

func (e env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (e env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e env) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

// duration accepts Go durations ("1s") or plain milliseconds ("1000").
func (e env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*e.errs = append(*e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

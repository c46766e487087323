package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kdimtricp/facesync/internal/database"
	"github.com/kdimtricp/facesync/internal/detection"
	"github.com/kdimtricp/facesync/internal/models"
	"github.com/kdimtricp/facesync/internal/storage"
	"github.com/kdimtricp/facesync/internal/transcode"
)

type Config struct {
	// PublicURL prefixes returned video URLs; empty yields relative URLs.
	PublicURL     string
	UploadDir     string
	VideoFilename string
	StreamName    string
	PlaylistName  string
	CORSOrigins   []string
}

type VideoStore interface {
	UpsertVideo(ctx context.Context, video *models.Video) error
	GetVideoByFilename(ctx context.Context, filename string) (*models.Video, error)
	ListVideos(ctx context.Context) ([]models.Video, error)
}

type FaceStore interface {
	Get(ctx context.Context, videoID string) (*models.FaceData, error)
}

type Converter interface {
	Start(ctx context.Context, input, stream string) (bool, error)
	WaitForPlaylist(ctx context.Context, stream string) error
}

type Detector interface {
	ShouldProcess(ctx context.Context, videoID, videoPath string) (bool, error)
	Start(ctx context.Context, videoID, videoPath string) error
	Processing() bool
}

type App struct {
	Config  Config
	Storage storage.Storage
	Videos  VideoStore
	Faces   FaceStore
	// Converter is nil when ffmpeg is unavailable.
	Converter Converter
	Detector  Detector
	Logger    *zap.Logger
	// BaseContext bounds background work started by requests.
	BaseContext context.Context
}

func PingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

func (app *App) GetVideoHandler(w http.ResponseWriter, r *http.Request) {
	if !app.playlistReady() {
		app.logger().Warn("HLS stream not ready")
		app.renderError(w, http.StatusServiceUnavailable, "HLS stream not ready yet, please try again in a moment")
		return
	}
	app.renderJSON(w, http.StatusOK, map[string]string{"video_url": app.videoURL()})
}

// StartStreamHandler starts the conversion if it is not already running and
// waits for the playlist before answering like GetVideoHandler.
func (app *App) StartStreamHandler(w http.ResponseWriter, r *http.Request) {
	if app.playlistReady() {
		app.renderJSON(w, http.StatusOK, map[string]string{"video_url": app.videoURL()})
		return
	}
	if app.Converter == nil {
		app.renderError(w, http.StatusServiceUnavailable, "stream conversion is not available")
		return
	}

	started, err := app.Converter.Start(app.baseContext(), app.videoPath(), app.Config.StreamName)
	if err != nil {
		app.logger().Error("failed to start stream", zap.Error(err))
		app.renderError(w, http.StatusInternalServerError, "failed to start stream")
		return
	}
	if started {
		app.logger().Info("stream conversion started", zap.String("stream", app.Config.StreamName))
	}

	if err := app.Converter.WaitForPlaylist(r.Context(), app.Config.StreamName); err != nil {
		app.logger().Warn("stream not ready", zap.Error(err))
		app.renderError(w, http.StatusServiceUnavailable, "HLS stream not ready yet, please try again in a moment")
		return
	}
	app.renderJSON(w, http.StatusOK, map[string]string{"video_url": app.videoURL()})
}

// ProcessVideoHandler answers cached=true when stored face data is newer
// than the video, otherwise makes sure the detector is running.
func (app *App) ProcessVideoHandler(w http.ResponseWriter, r *http.Request) {
	video, err := app.registerVideo(r.Context())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			app.renderError(w, http.StatusInternalServerError, "video file not found")
			return
		}
		app.logger().Error("failed to register video", zap.Error(err))
		app.renderError(w, http.StatusInternalServerError, "failed to register video")
		return
	}

	stale, err := app.Detector.ShouldProcess(r.Context(), video.ID, app.videoPath())
	if err != nil {
		app.logger().Error("failed to check face data freshness", zap.Error(err))
		app.renderError(w, http.StatusInternalServerError, "failed to check face data")
		return
	}
	if !stale {
		app.renderJSON(w, http.StatusOK, map[string]bool{"cached": true})
		return
	}

	err = app.Detector.Start(app.baseContext(), video.ID, app.videoPath())
	switch {
	case err == nil, errors.Is(err, detection.ErrBusy):
		app.renderJSON(w, http.StatusOK, map[string]bool{"cached": false})
	case errors.Is(err, detection.ErrNotConfigured):
		app.renderError(w, http.StatusConflict, "face detection is not configured")
	default:
		app.logger().Error("failed to start face detection", zap.Error(err))
		app.renderError(w, http.StatusInternalServerError, "failed to start face detection")
	}
}

// FaceDataHandler returns stored face data, or 404 while none is ready.
func (app *App) FaceDataHandler(w http.ResponseWriter, r *http.Request) {
	if app.Detector != nil && app.Detector.Processing() {
		app.renderError(w, http.StatusNotFound, models.ErrNotReady.Error())
		return
	}

	video, err := app.Videos.GetVideoByFilename(r.Context(), app.Config.VideoFilename)
	if err == nil {
		var data *models.FaceData
		data, err = app.Faces.Get(r.Context(), video.ID)
		if err == nil {
			app.renderJSON(w, http.StatusOK, data)
			return
		}
	}
	if errors.Is(err, database.ErrNotFound) {
		app.renderError(w, http.StatusNotFound, models.ErrNotReady.Error())
		return
	}
	app.logger().Error("failed to load face data", zap.Error(err))
	app.renderError(w, http.StatusInternalServerError, "failed to load face data")
}

// ListVideosHandler lists the registered source videos, newest first.
func (app *App) ListVideosHandler(w http.ResponseWriter, r *http.Request) {
	videos, err := app.Videos.ListVideos(r.Context())
	if err != nil {
		app.logger().Error("failed to list videos", zap.Error(err))
		app.renderError(w, http.StatusInternalServerError, "failed to list videos")
		return
	}
	if videos == nil {
		videos = []models.Video{}
	}
	app.renderJSON(w, http.StatusOK, map[string]any{"videos": videos})
}

func (app *App) StreamFileHandler(w http.ResponseWriter, r *http.Request) {
	name := path.Join(chi.URLParam(r, "name"), chi.URLParam(r, "*"))

	file, err := app.Storage.OpenFile(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer file.Close()

	stat, err := app.Storage.Stat(name)
	if err != nil || stat.IsDir() {
		http.NotFound(w, r)
		return
	}

	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		// live playlists change under the same name
		w.Header().Set("Cache-Control", "no-cache")
	case ".ts":
		w.Header().Set("Content-Type", "video/mp2t")
	default:
		if ct := mime.TypeByExtension(ext); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
	}

	app.logger().Debug("serving stream file", zap.String("file", name))
	http.ServeContent(w, r, stat.Name(), stat.ModTime(), file)
}

func (app *App) registerVideo(ctx context.Context) (*models.Video, error) {
	info, err := os.Stat(app.videoPath())
	if err != nil {
		return nil, err
	}
	contentType := mime.TypeByExtension(filepath.Ext(app.Config.VideoFilename))
	if contentType == "" {
		contentType = "video/mp4"
	}
	video := models.NewVideo(app.Config.VideoFilename, contentType, info.Size(), info.ModTime())
	if err := app.Videos.UpsertVideo(ctx, video); err != nil {
		return nil, err
	}
	return video, nil
}

func (app *App) playlistReady() bool {
	return transcode.PlaylistReady(app.Storage, app.Config.StreamName+"/"+app.Config.PlaylistName)
}

func (app *App) videoURL() string {
	return app.Config.PublicURL + "/streams/" + app.Config.StreamName + "/" + app.Config.PlaylistName
}

func (app *App) videoPath() string {
	return filepath.Join(app.Config.UploadDir, app.Config.VideoFilename)
}

func (app *App) baseContext() context.Context {
	if app.BaseContext != nil {
		return app.BaseContext
	}
	return context.Background()
}

func (app *App) logger() *zap.Logger {
	if app.Logger == nil {
		return zap.NewNop()
	}
	return app.Logger
}

func (app *App) renderJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		app.logger().Warn("failed to write response", zap.Error(err))
	}
}

func (app *App) renderError(w http.ResponseWriter, status int, message string) {
	app.renderJSON(w, status, map[string]string{"error": message})
}

package api_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kdimtricp/facesync/internal/analysis"
	"github.com/kdimtricp/facesync/internal/api"
	"github.com/kdimtricp/facesync/internal/backend"
	"github.com/kdimtricp/facesync/internal/database"
	"github.com/kdimtricp/facesync/internal/detection"
	"github.com/kdimtricp/facesync/internal/storage"
)

type TestServer struct {
	Server    *httptest.Server
	App       *api.App
	DB        *database.DB
	FaceRepo  *database.FaceDataRepo
	Detector  *detection.Runner
	UploadDir string
}

const detectorJSON = `{
  "face_detections": [
    {"frame": 0, "timestamp": "0:00:00", "faces": [{"x": 10, "y": 20, "width": 30, "height": 40}]},
    {"frame": 15, "timestamp": "0:00:00.500000", "faces": []},
    {"frame": 30, "timestamp": "0:00:01", "faces": [{"x": 12, "y": 22, "width": 30, "height": 40}]}
  ],
  "metadata": {"total_frames": 45, "fps": 30.0, "processed_frames": 45, "step_size": 15}
}`

// setupTestServer wires the real router, sqlite repositories and detection
// runner. The detector is a shell script that sleeps briefly and then writes
// detectorJSON.
func setupTestServer(t *testing.T) *TestServer {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake detector needs a POSIX shell")
	}
	tempDir := t.TempDir()

	uploadDir := filepath.Join(tempDir, "uploads")
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		t.Fatalf("Failed to create upload dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(uploadDir, "sample.mp4"), []byte("fake mp4 content"), 0644); err != nil {
		t.Fatalf("Failed to write video: %v", err)
	}

	streams, err := storage.NewLocalStorage(filepath.Join(tempDir, "streams"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	db, err := database.NewDB(database.Config{Type: "sqlite", SQLitePath: filepath.Join(tempDir, "test.db")})
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	payload := filepath.Join(tempDir, "payload.json")
	if err := os.WriteFile(payload, []byte(detectorJSON), 0644); err != nil {
		t.Fatal(err)
	}
	script := filepath.Join(tempDir, "detect.sh")
	body := fmt.Sprintf("#!/bin/sh\nfor last; do :; done\nsleep 0.2\ncat %q > \"$last\"\n", payload)
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}

	logger := zaptest.NewLogger(t)
	faceRepo := database.NewFaceDataRepo(db)
	detector := detection.NewRunner([]string{"/bin/sh", script}, faceRepo, logger)

	app := &api.App{
		Config: api.Config{
			UploadDir:     uploadDir,
			VideoFilename: "sample.mp4",
			StreamName:    "sample",
			PlaylistName:  "playlist.m3u8",
			CORSOrigins:   []string{"*"},
		},
		Storage:  streams,
		Videos:   database.NewVideoRepository(db),
		Faces:    faceRepo,
		Detector: detector,
		Logger:   logger,
	}

	if err := os.MkdirAll(filepath.Join(tempDir, "streams", "sample"), 0755); err != nil {
		t.Fatal(err)
	}
	playlist := "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nsegment_000.ts\n"
	if err := os.WriteFile(filepath.Join(tempDir, "streams", "sample", "playlist.m3u8"), []byte(playlist), 0644); err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(api.NewRouter(app))
	t.Cleanup(server.Close)

	return &TestServer{
		Server:    server,
		App:       app,
		DB:        db,
		FaceRepo:  faceRepo,
		Detector:  detector,
		UploadDir: uploadDir,
	}
}

func runAnalysis(t *testing.T, ts *TestServer) analysis.Status {
	t.Helper()
	client, err := backend.NewClient(ts.Server.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	orch := analysis.New(client, analysis.Config{
		PollInterval: 50 * time.Millisecond,
		Timeout:      5 * time.Second,
		Logger:       zaptest.NewLogger(t),
	})
	defer orch.Close()

	finished := make(chan analysis.Status, 1)
	unsubscribe := orch.Subscribe(func(st analysis.Status) {
		if st.State == analysis.StateCompleted || st.State.Retryable() {
			select {
			case finished <- st:
			default:
			}
		}
	})
	defer unsubscribe()

	if !orch.Start(context.Background()) {
		t.Fatal("Start refused")
	}

	select {
	case st := <-finished:
		return st
	case <-time.After(10 * time.Second):
		t.Fatalf("analysis did not finish, last status %+v", orch.Status())
		return analysis.Status{}
	}
}

func TestAnalysisEndToEnd(t *testing.T) {
	ts := setupTestServer(t)

	st := runAnalysis(t, ts)
	if st.State != analysis.StateCompleted {
		t.Fatalf("Expected completed, got %s (%s)", st.State, st.Reason)
	}
	if want := ts.Server.URL + "/streams/sample/playlist.m3u8"; st.VideoURL != want {
		t.Errorf("Expected video URL %s, got %s", want, st.VideoURL)
	}
	if st.Data == nil || len(st.Data.FaceDetections) != 3 {
		t.Fatalf("Unexpected face data %+v", st.Data)
	}
	if st.Data.FaceDetections[1].Faces == nil {
		t.Error("Expected empty face list to survive the round trip")
	}
}

func TestAnalysisUsesCachedResults(t *testing.T) {
	ts := setupTestServer(t)

	if st := runAnalysis(t, ts); st.State != analysis.StateCompleted {
		t.Fatalf("First run: expected completed, got %s (%s)", st.State, st.Reason)
	}

	client, err := backend.NewClient(ts.Server.URL)
	if err != nil {
		t.Fatal(err)
	}
	cached, err := client.ProcessVideo(context.Background())
	if err != nil {
		t.Fatalf("ProcessVideo: %v", err)
	}
	if !cached {
		t.Error("Expected stored results to be reported as cached")
	}

	// A newer video file invalidates the stored results.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(ts.UploadDir, "sample.mp4"), future, future); err != nil {
		t.Fatal(err)
	}
	cached, err = client.ProcessVideo(context.Background())
	if err != nil {
		t.Fatalf("ProcessVideo: %v", err)
	}
	if cached {
		t.Error("Expected a modified video to be reprocessed")
	}
	if err := ts.Detector.Wait(context.Background()); err != nil {
		t.Errorf("Reprocessing failed: %v", err)
	}
}

package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kdimtricp/facesync/internal/models"
)

func TestVideoRepository_UpsertVideo(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *DB) {
		repo := NewVideoRepository(db)
		ctx := context.Background()

		modTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		video := models.NewVideo("video.mp4", "video/mp4", 1024, modTime)
		if err := repo.UpsertVideo(ctx, video); err != nil {
			t.Fatalf("Failed to insert video: %v", err)
		}

		retrieved, err := repo.GetVideoByFilename(ctx, "video.mp4")
		if err != nil {
			t.Fatalf("Failed to retrieve video: %v", err)
		}
		if retrieved.ID != video.ID {
			t.Errorf("Expected ID %s, got %s", video.ID, retrieved.ID)
		}
		if !retrieved.ModTime.Equal(modTime) {
			t.Errorf("Expected mod time %v, got %v", modTime, retrieved.ModTime)
		}

		// Re-registering the same file keeps the original ID.
		updated := models.NewVideo("video.mp4", "video/mp4", 2048, modTime.Add(time.Hour))
		if err := repo.UpsertVideo(ctx, updated); err != nil {
			t.Fatalf("Failed to update video: %v", err)
		}
		if updated.ID != video.ID {
			t.Errorf("Expected upsert to keep ID %s, got %s", video.ID, updated.ID)
		}

		retrieved, err = repo.GetVideoByFilename(ctx, "video.mp4")
		if err != nil {
			t.Fatalf("Failed to retrieve video: %v", err)
		}
		if retrieved.Size != 2048 {
			t.Errorf("Expected size 2048, got %d", retrieved.Size)
		}
	})
}

func TestVideoRepository_GetVideoByFilename_NotFound(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *DB) {
		repo := NewVideoRepository(db)

		_, err := repo.GetVideoByFilename(context.Background(), "missing.mp4")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestVideoRepository_ListVideos(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *DB) {
		repo := NewVideoRepository(db)
		ctx := context.Background()

		video1 := models.NewVideo("video1.mp4", "video/mp4", 1024, time.Now())
		video2 := models.NewVideo("video2.mp4", "video/mp4", 2048, time.Now())
		video2.RegisteredAt = video1.RegisteredAt.Add(time.Second)

		if err := repo.UpsertVideo(ctx, video1); err != nil {
			t.Fatalf("Failed to insert video1: %v", err)
		}
		if err := repo.UpsertVideo(ctx, video2); err != nil {
			t.Fatalf("Failed to insert video2: %v", err)
		}

		videos, err := repo.ListVideos(ctx)
		if err != nil {
			t.Fatalf("Failed to list videos: %v", err)
		}
		if len(videos) != 2 {
			t.Fatalf("Expected 2 videos, got %d", len(videos))
		}
		if videos[0].ID != video2.ID {
			t.Errorf("Expected most recent video first, got %s", videos[0].Filename)
		}
	})
}

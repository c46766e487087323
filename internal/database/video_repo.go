package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kdimtricp/facesync/internal/models"
)

type VideoRepository struct {
	db *DB
}

func NewVideoRepository(db *DB) *VideoRepository {
	return &VideoRepository{db: db}
}

// UpsertVideo registers video by filename. An existing row keeps its ID and
// gets the new size and modification time; video.ID is updated to match.
func (r *VideoRepository) UpsertVideo(ctx context.Context, video *models.Video) error {
	query := r.db.rebind(`
		INSERT INTO videos (id, filename, content_type, size, mod_time, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (filename) DO UPDATE SET
			content_type = excluded.content_type,
			size = excluded.size,
			mod_time = excluded.mod_time`)

	if _, err := r.db.conn.ExecContext(ctx, query,
		video.ID,
		video.Filename,
		video.ContentType,
		video.Size,
		video.ModTime.UTC(),
		video.RegisteredAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to upsert video: %w", err)
	}

	stored, err := r.GetVideoByFilename(ctx, video.Filename)
	if err != nil {
		return err
	}
	video.ID = stored.ID
	video.RegisteredAt = stored.RegisteredAt
	return nil
}

func (r *VideoRepository) GetVideoByFilename(ctx context.Context, filename string) (*models.Video, error) {
	query := r.db.rebind(`
		SELECT id, filename, content_type, size, mod_time, registered_at
		FROM videos WHERE filename = ?`)

	var v models.Video
	err := r.db.conn.QueryRowContext(ctx, query, filename).Scan(
		&v.ID, &v.Filename, &v.ContentType, &v.Size, &v.ModTime, &v.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("video %q: %w", filename, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}
	return &v, nil
}

func (r *VideoRepository) ListVideos(ctx context.Context) ([]models.Video, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT id, filename, content_type, size, mod_time, registered_at
		FROM videos ORDER BY registered_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		var v models.Video
		if err := rows.Scan(&v.ID, &v.Filename, &v.ContentType, &v.Size, &v.ModTime, &v.RegisteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

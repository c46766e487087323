package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kdimtricp/facesync/internal/models"
)

// FaceDataRepo stores one FaceData document per video, split into a metadata
// row and one row per detection frame.
type FaceDataRepo struct {
	db *DB
}

func NewFaceDataRepo(db *DB) *FaceDataRepo {
	return &FaceDataRepo{db: db}
}

// Save replaces the stored face data of videoID in one transaction, so
// readers see either the old document or the new one.
func (r *FaceDataRepo) Save(ctx context.Context, videoID string, data *models.FaceData) error {
	if err := data.Validate(); err != nil {
		return fmt.Errorf("refusing to store face data: %w", err)
	}

	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.db.rebind(`DELETE FROM face_detections WHERE video_id = ?`), videoID); err != nil {
		return fmt.Errorf("failed to clear detections: %w", err)
	}

	insert := r.db.rebind(`INSERT INTO face_detections (video_id, frame, timestamp, faces) VALUES (?, ?, ?, ?)`)
	for _, d := range data.FaceDetections {
		faces := d.Faces
		if faces == nil {
			faces = []models.FaceBox{}
		}
		facesJSON, err := json.Marshal(faces)
		if err != nil {
			return fmt.Errorf("failed to marshal faces of frame %d: %w", d.Frame, err)
		}
		if _, err := tx.ExecContext(ctx, insert, videoID, d.Frame, d.Timestamp, string(facesJSON)); err != nil {
			return fmt.Errorf("failed to insert frame %d: %w", d.Frame, err)
		}
	}

	meta := r.db.rebind(`
		INSERT INTO face_metadata (video_id, total_frames, fps, processed_frames, step_size, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (video_id) DO UPDATE SET
			total_frames = excluded.total_frames,
			fps = excluded.fps,
			processed_frames = excluded.processed_frames,
			step_size = excluded.step_size,
			updated_at = excluded.updated_at`)
	m := data.Metadata
	if _, err := tx.ExecContext(ctx, meta, videoID, m.TotalFrames, m.FPS, m.ProcessedFrames, m.StepSize, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit face data: %w", err)
	}
	return nil
}

// Get returns the stored document with detections in frame order, or
// ErrNotFound when the video has never been analysed.
func (r *FaceDataRepo) Get(ctx context.Context, videoID string) (*models.FaceData, error) {
	data := &models.FaceData{FaceDetections: []models.FaceDetection{}}

	err := r.db.conn.QueryRowContext(ctx, r.db.rebind(`
		SELECT total_frames, fps, processed_frames, step_size
		FROM face_metadata WHERE video_id = ?`), videoID).Scan(
		&data.Metadata.TotalFrames,
		&data.Metadata.FPS,
		&data.Metadata.ProcessedFrames,
		&data.Metadata.StepSize,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("face data for %s: %w", videoID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get face metadata: %w", err)
	}

	rows, err := r.db.conn.QueryContext(ctx, r.db.rebind(`
		SELECT frame, timestamp, faces
		FROM face_detections
		WHERE video_id = ?
		ORDER BY frame`), videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d models.FaceDetection
		var facesJSON []byte
		if err := rows.Scan(&d.Frame, &d.Timestamp, &facesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		if err := json.Unmarshal(facesJSON, &d.Faces); err != nil {
			return nil, fmt.Errorf("failed to decode faces of frame %d: %w", d.Frame, err)
		}
		data.FaceDetections = append(data.FaceDetections, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read detections: %w", err)
	}
	return data, nil
}

// UpdatedAt reports when face data for videoID was last stored.
func (r *FaceDataRepo) UpdatedAt(ctx context.Context, videoID string) (time.Time, error) {
	var updated time.Time
	err := r.db.conn.QueryRowContext(ctx, r.db.rebind(
		`SELECT updated_at FROM face_metadata WHERE video_id = ?`), videoID).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("face data for %s: %w", videoID, ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get face data timestamp: %w", err)
	}
	return updated, nil
}

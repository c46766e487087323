package models

import (
	"time"

	"github.com/google/uuid"
)

// Video is a source file the backend streams and analyses.
type Video struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mod_time"`
	RegisteredAt time.Time `json:"registered_at"`
}

func NewVideo(filename, contentType string, size int64, modTime time.Time) *Video {
	return &Video{
		ID:           uuid.New().String(),
		Filename:     filename,
		ContentType:  contentType,
		Size:         size,
		ModTime:      modTime,
		RegisteredAt: time.Now(),
	}
}

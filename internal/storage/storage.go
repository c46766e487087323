package storage

import (
	"errors"
	"io"
	"io/fs"
)

var ErrInvalidPath = errors.New("invalid path")

// Storage holds generated stream files. Names are slash-separated and
// relative to the storage root.
type Storage interface {
	OpenFile(name string) (io.ReadSeekCloser, error)
	Stat(name string) (fs.FileInfo, error)
	Path(name string) (string, error)
	DeleteFile(name string) error
	Clear(dir string, exts ...string) (int, error)
}

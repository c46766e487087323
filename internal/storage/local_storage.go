package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

type LocalStorage struct {
	basePath string
}

func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Path resolves name inside the storage root, rejecting anything that would
// escape it.
func (ls *LocalStorage) Path(name string) (string, error) {
	cleanPath := filepath.Clean(filepath.FromSlash(name))
	if cleanPath == "." || !filepath.IsLocal(cleanPath) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return filepath.Join(ls.basePath, cleanPath), nil
}

func (ls *LocalStorage) OpenFile(name string) (io.ReadSeekCloser, error) {
	fullPath, err := ls.Path(name)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

func (ls *LocalStorage) Stat(name string) (fs.FileInfo, error) {
	fullPath, err := ls.Path(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	return info, nil
}

func (ls *LocalStorage) DeleteFile(name string) error {
	fullPath, err := ls.Path(name)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

// Clear removes the files directly inside dir whose extension is one of
// exts, creating dir if needed. It returns how many files were removed.
func (ls *LocalStorage) Clear(dir string, exts ...string) (int, error) {
	fullPath, err := ls.Path(dir)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read directory: %w", err)
	}

	removed := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !slices.Contains(exts, strings.ToLower(filepath.Ext(entry.Name()))) {
			continue
		}
		if err := os.Remove(filepath.Join(fullPath, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

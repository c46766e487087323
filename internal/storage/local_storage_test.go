package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStorage(t *testing.T) {
	tmpDir := t.TempDir()
	storage, err := NewLocalStorage(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	t.Run("OpenFile", func(t *testing.T) {
		content := []byte("#EXTM3U\n")
		if err := os.MkdirAll(filepath.Join(tmpDir, "video"), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(tmpDir, "video", "index.m3u8"), content, 0644); err != nil {
			t.Fatalf("Failed to create test file: %v", err)
		}

		file, err := storage.OpenFile("video/index.m3u8")
		if err != nil {
			t.Fatalf("Failed to open file: %v", err)
		}
		defer file.Close()

		got, err := io.ReadAll(file)
		if err != nil {
			t.Fatalf("Failed to read file: %v", err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("File content mismatch")
		}

		info, err := storage.Stat("video/index.m3u8")
		if err != nil {
			t.Fatalf("Failed to stat file: %v", err)
		}
		if info.Size() != int64(len(content)) {
			t.Errorf("Expected size %d, got %d", len(content), info.Size())
		}
	})

	t.Run("DeleteFile", func(t *testing.T) {
		testFile := "delete-test.ts"
		fullPath := filepath.Join(tmpDir, testFile)

		if err := os.WriteFile(fullPath, []byte("test"), 0644); err != nil {
			t.Fatalf("Failed to create test file: %v", err)
		}

		if err := storage.DeleteFile(testFile); err != nil {
			t.Fatalf("Failed to delete file: %v", err)
		}

		if _, err := os.Stat(fullPath); !os.IsNotExist(err) {
			t.Errorf("File was not deleted")
		}
	})

	t.Run("Clear", func(t *testing.T) {
		dir := filepath.Join(tmpDir, "clear")
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		for _, name := range []string{"index.m3u8", "segment_000.ts", "segment_001.ts", "keep.mp4"} {
			if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
				t.Fatal(err)
			}
		}

		n, err := storage.Clear("clear", ".ts", ".m3u8")
		if err != nil {
			t.Fatalf("Failed to clear: %v", err)
		}
		if n != 3 {
			t.Errorf("Expected 3 files removed, got %d", n)
		}
		if _, err := os.Stat(filepath.Join(dir, "keep.mp4")); err != nil {
			t.Errorf("Unrelated file was removed: %v", err)
		}
	})

	t.Run("ClearCreatesDirectory", func(t *testing.T) {
		n, err := storage.Clear("fresh", ".ts")
		if err != nil || n != 0 {
			t.Fatalf("Clear on missing dir = %d, %v", n, err)
		}
		if info, err := os.Stat(filepath.Join(tmpDir, "fresh")); err != nil || !info.IsDir() {
			t.Errorf("Expected directory to be created")
		}
	})

	t.Run("PathTraversalPrevention", func(t *testing.T) {
		for _, name := range []string{"../../../etc/passwd", "/etc/passwd", "video/../../x", ""} {
			if _, err := storage.OpenFile(name); !errors.Is(err, ErrInvalidPath) {
				t.Errorf("OpenFile(%q): expected ErrInvalidPath, got %v", name, err)
			}
			if err := storage.DeleteFile(name); !errors.Is(err, ErrInvalidPath) {
				t.Errorf("DeleteFile(%q): expected ErrInvalidPath, got %v", name, err)
			}
		}
		if _, err := storage.Clear("..", ".ts"); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Clear(..): expected ErrInvalidPath, got %v", err)
		}
	})
}

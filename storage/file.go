package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/onnwee/checksum-sentinel/errclass"
)

// FileName is the cursor file name inside the store directory.
const FileName = CursorKey + ".txt"

// FileStore keeps the cursor as the entire content of one file.
type FileStore struct {
	Path string
}

// NewFileStore returns a store whose file lives in dir, or in the current
// working directory when dir is empty.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errclass.Io("resolve store location", err)
		}
		dir = wd
	}
	return &FileStore{Path: filepath.Join(dir, FileName)}, nil
}

// Read returns the stored cursor, or ErrNotFound when the file does not exist.
func (s *FileStore) Read(_ context.Context) (string, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", errclass.Io("read cursor", err)
	}
	// Cursors never contain line breaks; tolerate a hand-edited file.
	token := strings.TrimRight(string(b), "\r\n")
	slog.Debug("read cursor", slog.String("cursor", token), slog.String("path", s.Path), slog.String("component", "cursor_store"))
	return token, nil
}

// Write replaces the stored cursor. The value is written to a temporary file
// in the same directory, flushed, and renamed over the old file, so a crash
// leaves either the old or the new cursor on disk.
func (s *FileStore) Write(_ context.Context, cursor string) error {
	slog.Debug("storing cursor", slog.String("cursor", cursor), slog.String("path", s.Path), slog.String("component", "cursor_store"))
	if err := s.write(cursor); err != nil {
		return errclass.Io("write cursor", err)
	}
	return nil
}

func (s *FileStore) write(cursor string) (err error) {
	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, "."+FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.WriteString(cursor); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

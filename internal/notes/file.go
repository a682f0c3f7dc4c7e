package notes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"warden/internal/logging"
)

// FileStore keeps one file per note path under a root directory.
// Writes go through a temp file and os.Rename so readers never
// observe a partially written note.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed and returns a
// file-backed store.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("note store root directory required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating note store root: %w", err)
	}
	logging.Store("FileStore initialized at %s", root)
	return &FileStore{root: root}, nil
}

// Root returns the directory backing this store.
func (f *FileStore) Root() string { return f.root }

// NotePath returns the filesystem location backing the given note
// path. Used by the session watcher to map fsnotify events back to
// note paths.
func (f *FileStore) NotePath(path string) string {
	return filepath.Join(f.root, filepath.FromSlash(path))
}

func (f *FileStore) Write(ctx context.Context, path, content string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := f.NotePath(path)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating note directory: %w", err)
	}

	// Temp file in the same directory so the rename is atomic.
	tmp, err := os.CreateTemp(dir, ".note-*.tmp")
	if err != nil {
		return fmt.Errorf("writing note %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing note %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("writing note %s: %w", path, err)
	}
	if err = os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("writing note %s: %w", path, err)
	}

	logging.StoreDebug("Wrote note %s (%d bytes)", path, len(content))
	return nil
}

func (f *FileStore) Read(ctx context.Context, path string) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := os.ReadFile(f.NotePath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("reading note %s: %w", path, err)
	}
	return string(data), nil
}

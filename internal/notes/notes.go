// Package notes is the thin client over the durable note store: a
// key/value document surface addressed by string paths, with exactly
// two operations. The store offers no transactions or locks; all
// concurrency safety is built above this package.
package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Read when no note exists at the path.
// Not-found is a valid null result, not a transport failure.
var ErrNotFound = errors.New("note not found")

// Store is the full contract the rest of warden relies on.
type Store interface {
	// Write stores content at path, overwriting any existing note.
	// Idempotent.
	Write(ctx context.Context, path, content string) error

	// Read returns the note content at path, or ErrNotFound.
	Read(ctx context.Context, path string) (string, error)
}

// validatePath rejects paths that could escape the store namespace or
// collide with path machinery of a backing filesystem.
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("note path is empty")
	}
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("note path %q is absolute", path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("note path %q contains invalid segment", path)
		}
	}
	return nil
}

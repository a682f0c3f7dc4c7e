package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"warden/internal/logging"
	"warden/internal/notes"
)

// Watcher invalidates cached session entries when their backing note
// file changes on disk, so writes from an external process (another
// CLI invocation, a reconciliation job) are observed on the next
// read instead of being shadowed by a stale cache. Only meaningful
// with a file-backed note store.
type Watcher struct {
	svc  *Service
	fw   *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher starts watching the sessions directory of the given
// file store. Close must be called to release the watch.
func NewWatcher(svc *Service, store *notes.FileStore) (*Watcher, error) {
	dir := filepath.Join(store.Root(), "sessions")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating sessions directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	w := &Watcher{svc: svc, fw: fw, done: make(chan struct{})}
	go w.run()

	logging.Get(logging.CategoryWatcher).Info("Watching %s for external session writes", dir)
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			id, ok := sessionIDFromFilename(filepath.Base(event.Name))
			if !ok {
				continue
			}
			logging.Get(logging.CategoryWatcher).Debug("External change to session %s (%s)", id, event.Op)
			w.svc.Invalidate(id)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatcher).Warn("Watcher error: %v", err)
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}

// sessionIDFromFilename maps a note filename back to a session id.
// Agent-context and history-archive notes carry suffixes after the
// id; invalidating their full name is harmless because no cache
// entry exists under it, but plain session bodies must resolve
// exactly.
func sessionIDFromFilename(name string) (string, bool) {
	if name == "current-session" || strings.HasPrefix(name, ".") {
		return "", false
	}
	id, ok := strings.CutPrefix(name, "session-")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

package notes

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests and by callers that
// need a throwaway namespace. The fault-injection fields simulate an
// unreachable or slow note store.
type MemStore struct {
	mu    sync.RWMutex
	notes map[string]string

	// FailReads, when non-nil, is returned by every Read. Simulates
	// transport failure.
	FailReads error

	// FailWrites, when non-nil, is returned by every Write.
	FailWrites error

	// ReadDelay stalls each Read, letting tests exercise context
	// timeouts.
	ReadDelay time.Duration
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{notes: make(map[string]string)}
}

func (m *MemStore) Write(ctx context.Context, path, content string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.notes[path] = content
	return nil
}

func (m *MemStore) Read(ctx context.Context, path string) (string, error) {
	if err := validatePath(path); err != nil {
		return "", err
	}

	m.mu.RLock()
	failure := m.FailReads
	delay := m.ReadDelay
	m.mu.RUnlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if failure != nil {
		return "", failure
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.notes[path]
	if !ok {
		return "", ErrNotFound
	}
	return content, nil
}

// SetFailReads toggles read fault injection; safe to call while other
// goroutines use the store.
func (m *MemStore) SetFailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailReads = err
}

// Len returns the number of stored notes.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.notes)
}

// Paths returns every stored note path; order is unspecified.
func (m *MemStore) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.notes))
	for p := range m.notes {
		out = append(out, p)
	}
	return out
}

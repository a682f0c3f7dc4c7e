// Package persist maps session identifiers to note paths and moves
// session state in and out of the note store, signing on save and
// verifying on load. It distinguishes three failure classes that
// callers must never confuse: not-found (a valid null result),
// integrity failure (always an error), and store-unavailable (a
// transport error, never a null session).
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden/internal/logging"
	"warden/internal/notes"
	"warden/internal/signer"
	"warden/internal/state"
)

// ErrIntegrity marks a session note whose signature did not verify.
// A tampered or corrupted record must never be treated as valid
// state, so this is always surfaced, never swallowed.
var ErrIntegrity = errors.New("session state failed integrity verification")

// ErrUnavailable marks a transport-level failure talking to the note
// store: timeouts, I/O errors, anything that is not a clean
// not-found.
var ErrUnavailable = errors.New("note store unavailable")

// DefaultTimeout bounds each individual note store call.
const DefaultTimeout = 5 * time.Second

// Persistence is the durable read/write surface for session state.
type Persistence struct {
	store   notes.Store
	signer  signer.Signer
	timeout time.Duration
}

// New wires a Persistence over the given store and signer. A zero
// timeout falls back to DefaultTimeout.
func New(store notes.Store, sig signer.Signer, timeout time.Duration) *Persistence {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Persistence{store: store, signer: sig, timeout: timeout}
}

// SaveSession signs the state, writes the session body, then updates
// the current-session pointer. The two writes are sequential with no
// two-phase commit: a crash in between leaves a stale pointer, which
// callers recover from by loading the session by id directly.
func (p *Persistence) SaveSession(ctx context.Context, st *state.SessionState) error {
	if st == nil || st.ID == "" {
		return fmt.Errorf("cannot save session without an id")
	}

	if err := p.signer.Sign(st); err != nil {
		return err
	}
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("serializing session %s: %w", st.ID, err)
	}

	wctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.store.Write(wctx, SessionNotePath(st.ID), string(body)); err != nil {
		return fmt.Errorf("save session %s: %w", st.ID, errors.Join(ErrUnavailable, err))
	}

	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.store.Write(pctx, currentSessionPath, st.ID); err != nil {
		return fmt.Errorf("save current-session pointer for %s: %w", st.ID, errors.Join(ErrUnavailable, err))
	}

	logging.SessionDebug("Saved session %s at version %d", st.ID, st.Version)
	return nil
}

// LoadSession reads and verifies the session body. Returns (nil, nil)
// when no such session exists; an ErrIntegrity-wrapped error when the
// signature does not verify; an ErrUnavailable-wrapped error on
// transport failure.
func (p *Persistence) LoadSession(ctx context.Context, id string) (*state.SessionState, error) {
	if id == "" {
		return nil, fmt.Errorf("session id required")
	}

	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	raw, err := p.store.Read(rctx, SessionNotePath(id))
	if errors.Is(err, notes.ErrNotFound) {
		logging.SessionDebug("Session %s not found", id)
		return nil, nil
	}
	if err != nil {
		logging.Get(logging.CategorySession).Error("Load session %s: store unavailable: %v", id, err)
		return nil, fmt.Errorf("load session %s: %w", id, errors.Join(ErrUnavailable, err))
	}

	var st state.SessionState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		// Unparseable content is indistinguishable in severity from a
		// bad signature: the record cannot be trusted.
		logging.Get(logging.CategorySession).Error("Load session %s: unparseable note: %v", id, err)
		return nil, fmt.Errorf("load session %s: %w: %v", id, ErrIntegrity, err)
	}
	if !p.signer.Verify(&st) {
		logging.Get(logging.CategorySession).Error("Load session %s: signature verification failed", id)
		return nil, fmt.Errorf("load session %s: %w", id, ErrIntegrity)
	}
	return &st, nil
}

// GetCurrentSession resolves the current-session pointer and loads
// the session it names. Returns (nil, nil) when no pointer exists or
// the pointer names a session that no longer exists.
func (p *Persistence) GetCurrentSession(ctx context.Context) (*state.SessionState, error) {
	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	id, err := p.store.Read(rctx, currentSessionPath)
	if errors.Is(err, notes.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current-session pointer: %w", errors.Join(ErrUnavailable, err))
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	return p.LoadSession(ctx, id)
}

// SaveAgentContext writes a per-agent snapshot note so specialist
// context survives even if the main record is later compacted or
// lost. Snapshots are advisory and unsigned.
func (p *Persistence) SaveAgentContext(ctx context.Context, id string, agent state.AgentKind, inv state.AgentInvocation) error {
	if id == "" {
		return fmt.Errorf("session id required")
	}
	if !agent.Valid() {
		return fmt.Errorf("unknown agent kind %q", agent)
	}

	body, err := json.MarshalIndent(inv, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing agent context %s/%s: %w", id, agent, err)
	}

	wctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.store.Write(wctx, AgentContextPath(id, agent), string(body)); err != nil {
		return fmt.Errorf("save agent context %s/%s: %w", id, agent, errors.Join(ErrUnavailable, err))
	}
	logging.SessionDebug("Saved agent context for %s/%s", id, agent)
	return nil
}

// WriteArchive stores a compaction archive note and returns nothing
// the caller does not already know; it exists so the compactor does
// not talk to the raw store.
func (p *Persistence) WriteArchive(ctx context.Context, path, content string) error {
	wctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.store.Write(wctx, path, content); err != nil {
		return fmt.Errorf("write archive %s: %w", path, errors.Join(ErrUnavailable, err))
	}
	return nil
}

package session

import (
	"context"
	"fmt"
	"time"

	"warden/internal/logging"
	"warden/internal/state"
)

// UpdateWithLocking is the optimistic read-modify-write loop. Each
// attempt loads the authoritative record, applies the mutation to a
// copy at version v+1, persists it, then re-loads to check that this
// writer's version won. A mismatch means a concurrent writer got
// there first; the attempt is retried from a fresh load, up to the
// retry budget.
//
// This is last-write-wins at the storage layer with version-based
// detection of the race, not prevention: the note store offers no
// locks, and the system assumes a single dominant writer per session
// with only brief overlap.
func (s *Service) UpdateWithLocking(ctx context.Context, id string, apply func(*state.SessionState) error) (*state.SessionState, error) {
	if id == "" {
		return nil, fmt.Errorf("session id required")
	}

	timer := logging.StartTimer(logging.CategoryLocking, "UpdateWithLocking")
	defer timer.StopWithThreshold(time.Second)

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		current, err := s.persist.LoadSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, fmt.Errorf("update session %s: %w", id, ErrSessionNotFound)
		}
		base := current.Version

		next := current.Clone()
		if err := apply(next); err != nil {
			// Mutation errors (contract violations, validation) are
			// the caller's problem; retrying would not change them.
			return nil, err
		}
		next.Version = base + 1
		next.UpdatedAt = time.Now().UTC()

		if err := s.persist.SaveSession(ctx, next); err != nil {
			return nil, err
		}

		persisted, err := s.persist.LoadSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if persisted != nil && persisted.Version == base+1 {
			s.cachePut(persisted)
			s.setCurrent(persisted.ID)
			logging.AuditWithSession(id).SessionUpdate(id, persisted.Version, 0)
			return persisted.Clone(), nil
		}

		got := -1
		if persisted != nil {
			got = persisted.Version
		}
		logging.Locking("Conflict on session %s (attempt %d/%d): expected version %d, found %d",
			id, attempt, s.maxRetries, base+1, got)
		logging.AuditWithSession(id).ConflictDetected(id, attempt)
	}

	logging.AuditWithSession(id).ConflictGaveUp(id, s.maxRetries)
	return nil, &ConflictError{SessionID: id, Attempts: s.maxRetries}
}

package session

import (
	"errors"
	"fmt"
)

// ErrCompactionNotNeeded is returned when a compaction is requested
// but the invocation history is at or under the threshold.
var ErrCompactionNotNeeded = errors.New("compaction not needed")

// ErrSessionExists is returned by CreateSession when a record already
// exists for the id.
var ErrSessionExists = errors.New("session already exists")

// ErrSessionNotFound is returned by mutators asked to update a
// session that does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ConflictError is the terminal result of the optimistic update
// protocol once the retry budget is exhausted: a concurrent writer
// kept winning the race.
type ConflictError struct {
	SessionID string
	Attempts  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("update conflict on session %s after %d attempts", e.SessionID, e.Attempts)
}

// ContractViolationError marks a programming error by the caller,
// e.g. completing an invocation that was never started. These must
// raise loudly, never degrade gracefully.
type ContractViolationError struct {
	SessionID string
	Op        string
	Detail    string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("contract violation in %s on session %s: %s", e.Op, e.SessionID, e.Detail)
}

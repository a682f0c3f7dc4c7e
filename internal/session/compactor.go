package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"warden/internal/logging"
	"warden/internal/persist"
	"warden/internal/state"
)

// ArchivedHistory is the payload written to a compaction archive
// note: the invocations that were moved out of the live record,
// tagged with their session and the compaction time.
type ArchivedHistory struct {
	SessionID   string                  `json:"session_id"`
	CompactedAt time.Time               `json:"compacted_at"`
	Invocations []state.AgentInvocation `json:"invocations"`
}

// compact rewrites an oversized invocation history in place: all but
// the most recent entries move to a timestamped archive note and a
// CompactionEntry pointing at it is appended. Decisions and verdicts
// are never touched, regardless of size; they are permanently
// significant where raw invocation transcripts are not.
func (s *Service) compact(ctx context.Context, st *state.SessionState) (string, error) {
	if st.Workflow == nil || len(st.Workflow.Invocations) <= s.compactionThreshold {
		return "", fmt.Errorf("session %s has %d invocations (threshold %d): %w",
			st.ID, invocationCount(st), s.compactionThreshold, ErrCompactionNotNeeded)
	}

	timer := logging.StartTimer(logging.CategoryCompaction, "compact")
	defer timer.Stop()

	cut := len(st.Workflow.Invocations) - s.compactionKeep
	archived := st.Workflow.Invocations[:cut]
	kept := st.Workflow.Invocations[cut:]

	now := time.Now().UTC()
	archivePath := persist.HistoryArchivePath(st.ID, now)

	payload, err := json.MarshalIndent(ArchivedHistory{
		SessionID:   st.ID,
		CompactedAt: now,
		Invocations: archived,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serializing archive for session %s: %w", st.ID, err)
	}
	if err := s.persist.WriteArchive(ctx, archivePath, string(payload)); err != nil {
		return "", err
	}

	st.Workflow.Invocations = append([]state.AgentInvocation(nil), kept...)
	st.Workflow.Compactions = append(st.Workflow.Compactions, state.CompactionEntry{
		NotePath:      archivePath,
		Timestamp:     now,
		ArchivedCount: len(archived),
	})

	logging.Compaction("Compacted session %s: archived %d invocations to %s, kept %d",
		st.ID, len(archived), archivePath, len(kept))
	return archivePath, nil
}

// MaybeCompact checks the history threshold and compacts when
// exceeded, committing the rewritten record through the locking
// protocol. Returns the archive note path and whether a compaction
// ran. A retried attempt can leave an orphan archive note behind;
// archive paths are timestamped, so orphans never collide with the
// committed one.
func (s *Service) MaybeCompact(ctx context.Context, id string) (string, bool, error) {
	var archivePath string
	_, err := s.UpdateWithLocking(ctx, id, func(st *state.SessionState) error {
		path, err := s.compact(ctx, st)
		if err != nil {
			return err
		}
		archivePath = path
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCompactionNotNeeded) {
			return "", false, nil
		}
		return "", false, err
	}

	logging.AuditWithSession(id).CompactionRun(id, archivePath, 0)
	return archivePath, true, nil
}

func invocationCount(st *state.SessionState) int {
	if st.Workflow == nil {
		return 0
	}
	return len(st.Workflow.Invocations)
}

package persist

import (
	"fmt"
	"time"

	"warden/internal/state"
)

// Note path conventions. The pointer note body is the raw session id
// string, everything else is signed JSON.
const currentSessionPath = "sessions/current-session"

// SessionNotePath returns the note path holding the session body.
func SessionNotePath(id string) string {
	return fmt.Sprintf("sessions/session-%s", id)
}

// AgentContextPath returns the note path for a per-agent snapshot.
func AgentContextPath(id string, agent state.AgentKind) string {
	return fmt.Sprintf("sessions/session-%s-agent-%s", id, agent)
}

// HistoryArchivePath returns the note path for a compaction archive.
// The timestamp keeps repeated compactions from colliding.
func HistoryArchivePath(id string, ts time.Time) string {
	return fmt.Sprintf("sessions/session-%s-history-%d", id, ts.UnixMilli())
}

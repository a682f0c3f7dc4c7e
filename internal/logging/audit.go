// Audit logging: structured JSONL events describing everything that
// changed or gated a session. One line per event, machine-parseable,
// append-only. The audit file is separate from category logs because
// it is a record of what happened, not a debugging aid.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event.
type AuditEventType string

const (
	// Session lifecycle
	AuditSessionCreate AuditEventType = "session_create"
	AuditSessionUpdate AuditEventType = "session_update"
	AuditModeChange    AuditEventType = "mode_change"

	// Agent delegation
	AuditInvocationStart    AuditEventType = "invocation_start"
	AuditInvocationComplete AuditEventType = "invocation_complete"

	// Audit trail entries
	AuditDecisionRecorded AuditEventType = "decision_recorded"
	AuditVerdictRecorded  AuditEventType = "verdict_recorded"

	// Storage events
	AuditConflictDetected AuditEventType = "conflict_detected"
	AuditConflictGaveUp   AuditEventType = "conflict_gave_up"
	AuditCompactionRun    AuditEventType = "compaction_run"
	AuditIntegrityFailure AuditEventType = "integrity_failure"

	// Gate decisions
	AuditGateAllow AuditEventType = "gate_allow"
	AuditGateBlock AuditEventType = "gate_block"
)

// AuditEvent is one structured audit log entry.
type AuditEvent struct {
	Timestamp  int64          `json:"ts"` // Unix milliseconds
	EventType  AuditEventType `json:"event"`
	SessionID  string         `json:"session,omitempty"`
	Agent      string         `json:"agent,omitempty"`
	Target     string         `json:"target,omitempty"` // operation, note path, etc.
	Success    bool           `json:"success"`
	DurationMs int64          `json:"dur_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
	Message    string         `json:"msg,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger handles structured audit logging, optionally scoped to
// a session.
type AuditLogger struct {
	sessionID string
}

// InitAudit initializes the audit logging system. No-op unless debug
// mode is enabled.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.jsonl", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithSession creates an audit logger scoped to a session.
func AuditWithSession(sessionID string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID}
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.SessionID == "" && a.sessionID != "" {
		event.SessionID = a.sessionID
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// SessionCreate records creation of a fresh session record.
func (a *AuditLogger) SessionCreate(sessionID string) {
	a.Log(AuditEvent{
		EventType: AuditSessionCreate,
		SessionID: sessionID,
		Success:   true,
	})
}

// SessionUpdate records one committed optimistic update.
func (a *AuditLogger) SessionUpdate(sessionID string, version int, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditSessionUpdate,
		SessionID:  sessionID,
		Success:    true,
		DurationMs: durationMs,
		Fields:     map[string]any{"version": version},
	})
}

// ModeChange records a workflow mode transition.
func (a *AuditLogger) ModeChange(sessionID, from, to string) {
	a.Log(AuditEvent{
		EventType: AuditModeChange,
		SessionID: sessionID,
		Success:   true,
		Fields:    map[string]any{"from": from, "to": to},
	})
}

// InvocationStart records delegation to a sub-agent.
func (a *AuditLogger) InvocationStart(sessionID, agent string) {
	a.Log(AuditEvent{
		EventType: AuditInvocationStart,
		SessionID: sessionID,
		Agent:     agent,
		Success:   true,
	})
}

// InvocationComplete records an agent returning with a terminal
// status.
func (a *AuditLogger) InvocationComplete(sessionID, agent, status string, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditInvocationComplete,
		SessionID:  sessionID,
		Agent:      agent,
		Success:    status == "completed",
		DurationMs: durationMs,
		Fields:     map[string]any{"status": status},
	})
}

// DecisionRecorded records an appended decision.
func (a *AuditLogger) DecisionRecorded(sessionID, decisionID string) {
	a.Log(AuditEvent{
		EventType: AuditDecisionRecorded,
		SessionID: sessionID,
		Target:    decisionID,
		Success:   true,
	})
}

// VerdictRecorded records an appended verdict.
func (a *AuditLogger) VerdictRecorded(sessionID, agent, outcome string) {
	a.Log(AuditEvent{
		EventType: AuditVerdictRecorded,
		SessionID: sessionID,
		Agent:     agent,
		Success:   true,
		Fields:    map[string]any{"outcome": outcome},
	})
}

// ConflictDetected records one lost optimistic-locking race.
func (a *AuditLogger) ConflictDetected(sessionID string, attempt int) {
	a.Log(AuditEvent{
		EventType: AuditConflictDetected,
		SessionID: sessionID,
		Success:   false,
		Fields:    map[string]any{"attempt": attempt},
	})
}

// ConflictGaveUp records retry-budget exhaustion.
func (a *AuditLogger) ConflictGaveUp(sessionID string, attempts int) {
	a.Log(AuditEvent{
		EventType: AuditConflictGaveUp,
		SessionID: sessionID,
		Success:   false,
		Fields:    map[string]any{"attempts": attempts},
	})
}

// CompactionRun records a history compaction and where the archive
// went.
func (a *AuditLogger) CompactionRun(sessionID, archivePath string, archived int) {
	a.Log(AuditEvent{
		EventType: AuditCompactionRun,
		SessionID: sessionID,
		Target:    archivePath,
		Success:   true,
		Fields:    map[string]any{"archived": archived},
	})
}

// IntegrityFailure records a signature verification failure on load.
func (a *AuditLogger) IntegrityFailure(sessionID string, err error) {
	a.Log(AuditEvent{
		EventType: AuditIntegrityFailure,
		SessionID: sessionID,
		Success:   false,
		Error:     err.Error(),
	})
}

// GateDecision records an allow/block result for an operation.
func (a *AuditLogger) GateDecision(sessionID, operation string, allowed bool, reason string) {
	eventType := AuditGateBlock
	if allowed {
		eventType = AuditGateAllow
	}
	a.Log(AuditEvent{
		EventType: eventType,
		SessionID: sessionID,
		Target:    operation,
		Success:   allowed,
		Message:   reason,
	})
}

// Package state defines the session record and its sub-records: the
// workflow mode, the orchestrator workflow with its agent invocations,
// and the append-only decision/verdict audit trail. Types here are
// foundational data structures with no dependencies on the rest of
// warden, so every other package can import them freely.
package state

import (
	"time"
)

// Mode is the operating stance of a session. It governs which
// operations the gate permits.
type Mode string

const (
	ModeAnalysis Mode = "analysis"
	ModePlanning Mode = "planning"
	ModeCoding   Mode = "coding"

	// ModeDisabled is the explicit human opt-out: gating is bypassed
	// entirely. It is never a default.
	ModeDisabled Mode = "disabled"
)

// Valid reports whether m is a member of the closed mode set.
func (m Mode) Valid() bool {
	switch m {
	case ModeAnalysis, ModePlanning, ModeCoding, ModeDisabled:
		return true
	}
	return false
}

// AgentKind identifies a sub-agent that work can be delegated to.
type AgentKind string

const (
	AgentArchitect  AgentKind = "architect"
	AgentCoder      AgentKind = "coder"
	AgentTester     AgentKind = "tester"
	AgentReviewer   AgentKind = "reviewer"
	AgentResearcher AgentKind = "researcher"
)

// Valid reports whether k is a member of the closed agent set.
func (k AgentKind) Valid() bool {
	switch k {
	case AgentArchitect, AgentCoder, AgentTester, AgentReviewer, AgentResearcher:
		return true
	}
	return false
}

// Phase is the coarse progress marker of the orchestrator workflow.
// Phases advance only by explicit caller instruction, in order:
// planning -> implementation -> validation -> complete.
type Phase string

const (
	PhasePlanning       Phase = "planning"
	PhaseImplementation Phase = "implementation"
	PhaseValidation     Phase = "validation"
	PhaseComplete       Phase = "complete"
)

// Next returns the phase that follows p, and false when p is terminal
// or unknown.
func (p Phase) Next() (Phase, bool) {
	switch p {
	case PhasePlanning:
		return PhaseImplementation, true
	case PhaseImplementation:
		return PhaseValidation, true
	case PhaseValidation:
		return PhaseComplete, true
	}
	return "", false
}

// InvocationStatus is the lifecycle state of one agent invocation.
// An invocation is created in_progress and transitions exactly once
// to a terminal status.
type InvocationStatus string

const (
	StatusInProgress InvocationStatus = "in_progress"
	StatusCompleted  InvocationStatus = "completed"
	StatusFailed     InvocationStatus = "failed"
	StatusBlocked    InvocationStatus = "blocked"
)

// Terminal reports whether s is a terminal invocation status.
func (s InvocationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// VerdictOutcome is the result class of a recorded verdict.
type VerdictOutcome string

const (
	OutcomeApproved     VerdictOutcome = "approved"
	OutcomeRejected     VerdictOutcome = "rejected"
	OutcomeNeedsChanges VerdictOutcome = "needs_changes"
)

// SessionState is the single mutable record for a working session.
// The note store is the durable owner of record; in-memory copies are
// reconstructed from it on process start, never the reverse.
type SessionState struct {
	ID   string `json:"id"`
	Mode Mode   `json:"mode"`

	// ModeHistory is the append-only log of mode transitions.
	ModeHistory []ModeTransition `json:"mode_history,omitempty"`

	// StartComplete / EndComplete mark whether the session-start and
	// session-end procedures finished; the evidence maps record what
	// each procedure produced.
	StartComplete bool              `json:"start_complete"`
	StartEvidence map[string]string `json:"start_evidence,omitempty"`
	EndComplete   bool              `json:"end_complete"`
	EndEvidence   map[string]string `json:"end_evidence,omitempty"`

	Workflow *OrchestratorWorkflow `json:"workflow,omitempty"`

	// Version strictly increases by exactly 1 on every successfully
	// committed update. Never decreases, never skips under a single
	// writer.
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Signature is the keyed integrity tag attached by the signer.
	// It is excluded from its own computation.
	Signature string `json:"signature,omitempty"`
}

// ModeTransition records one entry in the mode audit log.
type ModeTransition struct {
	From Mode      `json:"from"`
	To   Mode      `json:"to"`
	At   time.Time `json:"at"`
}

// OrchestratorWorkflow tracks delegation activity within one session.
type OrchestratorWorkflow struct {
	// ActiveAgent is the agent currently holding the baton, nil when
	// no delegation is in flight.
	ActiveAgent *AgentKind `json:"active_agent,omitempty"`

	Phase Phase `json:"phase"`

	// Invocations is ordered: insertion order is chronological order.
	Invocations []AgentInvocation `json:"invocations,omitempty"`

	// Decisions and Verdicts are append-only and are never compacted
	// away; they are the permanent record even when invocation detail
	// is archived.
	Decisions []Decision `json:"decisions,omitempty"`
	Verdicts  []Verdict  `json:"verdicts,omitempty"`

	PendingHandoffs []Handoff         `json:"pending_handoffs,omitempty"`
	Compactions     []CompactionEntry `json:"compactions,omitempty"`

	StartedAt       time.Time `json:"started_at"`
	LastAgentChange time.Time `json:"last_agent_change"`
}

// AgentInvocation is one record per delegation to a sub-agent.
// Immutable after reaching a terminal status, except for relocation
// into an archival note during compaction.
type AgentInvocation struct {
	Agent       AgentKind        `json:"agent"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Status      InvocationStatus `json:"status"`

	Input  InvocationInput   `json:"input"`
	Output *InvocationOutput `json:"output,omitempty"`

	// Handoff records provenance when this invocation was reached via
	// a handoff from another agent.
	Handoff *Handoff `json:"handoff,omitempty"`
}

// InvocationInput is the snapshot of what an agent was asked to do.
type InvocationInput struct {
	Prompt    string            `json:"prompt,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	Artifacts []string          `json:"artifacts,omitempty"`
}

// InvocationOutput is the snapshot of what an agent returned. Nil
// until the invocation completes.
type InvocationOutput struct {
	Artifacts       []string `json:"artifacts,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Blockers        []string `json:"blockers,omitempty"`
}

// Handoff describes a transfer of work between two agents.
type Handoff struct {
	From   AgentKind `json:"from"`
	To     AgentKind `json:"to"`
	Reason string    `json:"reason,omitempty"`
}

// Decision is one append-only audit entry describing a choice made
// during the session.
type Decision struct {
	ID          string    `json:"id"`
	Type        string    `json:"type,omitempty"`
	Description string    `json:"description"`
	Rationale   string    `json:"rationale,omitempty"`
	Author      string    `json:"author,omitempty"`
	Approvers   []string  `json:"approvers,omitempty"`
	Rejecters   []string  `json:"rejecters,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Verdict is one append-only audit entry recording an agent's
// judgment on a piece of work.
type Verdict struct {
	Agent      AgentKind      `json:"agent"`
	Outcome    VerdictOutcome `json:"outcome"`
	Confidence int            `json:"confidence"` // 0-100
	Reasoning  string         `json:"reasoning,omitempty"`
	Conditions []string       `json:"conditions,omitempty"`
	Blockers   []string       `json:"blockers,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// CompactionEntry is an archival pointer appended when older
// invocations are moved out of the live record. Never removed.
type CompactionEntry struct {
	NotePath      string    `json:"note_path"`
	Timestamp     time.Time `json:"timestamp"`
	ArchivedCount int       `json:"archived_count"`
}

// NewSessionState returns a fresh record at version 0 with an empty
// workflow, both completion flags false, and mode analysis.
func NewSessionState(id string, now time.Time) *SessionState {
	return &SessionState{
		ID:   id,
		Mode: ModeAnalysis,
		Workflow: &OrchestratorWorkflow{
			Phase:           PhasePlanning,
			StartedAt:       now,
			LastAgentChange: now,
		},
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ActiveInvocation returns the index of the most recent in_progress
// invocation for the given agent, or -1 when there is none.
func (w *OrchestratorWorkflow) ActiveInvocation(agent AgentKind) int {
	if w == nil {
		return -1
	}
	for i := len(w.Invocations) - 1; i >= 0; i-- {
		inv := &w.Invocations[i]
		if inv.Agent == agent && inv.Status == StatusInProgress {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the state. The optimistic update
// protocol mutates copies, never the cached original.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	out := *s
	out.ModeHistory = append([]ModeTransition(nil), s.ModeHistory...)
	out.StartEvidence = cloneStringMap(s.StartEvidence)
	out.EndEvidence = cloneStringMap(s.EndEvidence)
	out.Workflow = s.Workflow.clone()
	return &out
}

func (w *OrchestratorWorkflow) clone() *OrchestratorWorkflow {
	if w == nil {
		return nil
	}
	out := *w
	if w.ActiveAgent != nil {
		agent := *w.ActiveAgent
		out.ActiveAgent = &agent
	}
	out.Invocations = make([]AgentInvocation, len(w.Invocations))
	for i := range w.Invocations {
		out.Invocations[i] = w.Invocations[i].clone()
	}
	out.Decisions = make([]Decision, len(w.Decisions))
	for i := range w.Decisions {
		out.Decisions[i] = w.Decisions[i]
		out.Decisions[i].Approvers = append([]string(nil), w.Decisions[i].Approvers...)
		out.Decisions[i].Rejecters = append([]string(nil), w.Decisions[i].Rejecters...)
	}
	out.Verdicts = make([]Verdict, len(w.Verdicts))
	for i := range w.Verdicts {
		out.Verdicts[i] = w.Verdicts[i]
		out.Verdicts[i].Conditions = append([]string(nil), w.Verdicts[i].Conditions...)
		out.Verdicts[i].Blockers = append([]string(nil), w.Verdicts[i].Blockers...)
	}
	out.PendingHandoffs = append([]Handoff(nil), w.PendingHandoffs...)
	out.Compactions = append([]CompactionEntry(nil), w.Compactions...)
	return &out
}

func (inv AgentInvocation) clone() AgentInvocation {
	out := inv
	if inv.CompletedAt != nil {
		t := *inv.CompletedAt
		out.CompletedAt = &t
	}
	out.Input.Context = cloneStringMap(inv.Input.Context)
	out.Input.Artifacts = append([]string(nil), inv.Input.Artifacts...)
	if inv.Output != nil {
		o := *inv.Output
		o.Artifacts = append([]string(nil), inv.Output.Artifacts...)
		o.Recommendations = append([]string(nil), inv.Output.Recommendations...)
		o.Blockers = append([]string(nil), inv.Output.Blockers...)
		out.Output = &o
	}
	if inv.Handoff != nil {
		h := *inv.Handoff
		out.Handoff = &h
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

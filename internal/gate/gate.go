// Package gate answers the question an interceptor asks immediately
// before any side-effecting action runs: is this operation permitted
// under the current session state? The answer is deterministic and
// never mutates state, and when authoritative state cannot be
// obtained the gate fails closed: failing loud and failing closed
// must be the same observable behavior at this boundary.
package gate

import (
	"context"
	"fmt"

	"warden/internal/logging"
	"warden/internal/state"
)

// StateSource is the query interface the gate consumes. The session
// service implements it. An error means state could not be obtained;
// a nil state with nil error means no session exists. Both fail
// closed.
type StateSource interface {
	CurrentSession(ctx context.Context) (*state.SessionState, error)
}

// Decision is the gate's answer for one operation.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow constructs a positive decision.
func Allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }

// Block constructs a negative decision.
func Block(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// OpClass partitions operation names by their effect.
type OpClass int

const (
	// OpRead operations observe without changing anything.
	OpRead OpClass = iota
	// OpExec operations run things (tests, builds) whose effects are
	// contained and reproducible.
	OpExec
	// OpWrite is everything else: mutations, deletions, publishes.
	// Unknown operation names land here so new tools default to the
	// most restricted class.
	OpWrite
)

// readOnlyOps is the fixed whitelist of operations that remain
// allowed even when state is unavailable, so diagnosis stays
// possible while everything else is blocked.
var readOnlyOps = map[string]bool{
	"read-file":   true,
	"list-files":  true,
	"search":      true,
	"grep":        true,
	"get-state":   true,
	"git-status":  true,
	"git-diff":    true,
	"git-log":     true,
	"gate-check":  true,
	"show-config": true,
}

// execOps are contained executions permitted from planning mode
// onward.
var execOps = map[string]bool{
	"run-tests":   true,
	"run-build":   true,
	"run-linter":  true,
	"run-command": true,
}

// Classify returns the effect class for an operation name.
func Classify(operation string) OpClass {
	switch {
	case readOnlyOps[operation]:
		return OpRead
	case execOps[operation]:
		return OpExec
	default:
		return OpWrite
	}
}

// modeAllows is the static mode -> operation-class table.
func modeAllows(mode state.Mode, class OpClass) bool {
	switch mode {
	case state.ModeAnalysis:
		return class == OpRead
	case state.ModePlanning:
		return class == OpRead || class == OpExec
	case state.ModeCoding:
		return true
	case state.ModeDisabled:
		return true
	default:
		// Unknown mode in a stored record: treat like unavailable
		// state and permit nothing side-effecting.
		return class == OpRead
	}
}

// Decider evaluates gate checks against a state source.
type Decider struct {
	states StateSource
}

// New returns a Decider over the given state source.
func New(states StateSource) *Decider {
	return &Decider{states: states}
}

// Decide returns allow/block for the requested operation. It never
// writes state and never returns an error: every failure mode maps
// to a policy decision.
func (d *Decider) Decide(ctx context.Context, operation string) Decision {
	st, err := d.states.CurrentSession(ctx)
	if err != nil || st == nil {
		dec := decideUnavailable(operation, err)
		record("", operation, dec)
		return dec
	}

	var dec Decision
	switch {
	case st.Mode == state.ModeDisabled:
		dec = Allow("gating disabled by explicit override")
	case !st.StartComplete:
		dec = Block(fmt.Sprintf(
			"%q blocked: session-start protocol has not completed for session %s", operation, st.ID))
	case modeAllows(st.Mode, Classify(operation)):
		dec = Allow(fmt.Sprintf("%q permitted in %s mode", operation, st.Mode))
	default:
		dec = Block(fmt.Sprintf("%q blocked in %s mode", operation, st.Mode))
	}
	record(st.ID, operation, dec)
	return dec
}

// record writes each decision to the gate log and the audit trail.
// Both are no-ops outside debug mode.
func record(sessionID, operation string, dec Decision) {
	verdict := "block"
	if dec.Allowed {
		verdict = "allow"
	}
	logging.Gate("%s %q: %s", verdict, operation, dec.Reason)
	logging.Audit().GateDecision(sessionID, operation, dec.Allowed, dec.Reason)
}

// decideUnavailable is the fail-closed path: state is unreachable,
// unverifiable, or absent. Read-only operations stay allowed as a
// safety valve so an operator can diagnose the outage.
func decideUnavailable(operation string, err error) Decision {
	if Classify(operation) == OpRead {
		return Allow(fmt.Sprintf("%q is read-only and allowed while session state is unavailable", operation))
	}
	detail := "no current session"
	if err != nil {
		detail = "session state unavailable"
	}
	return Block(fmt.Sprintf(
		"%q blocked: %s; set the session mode to %q to bypass gating deliberately",
		operation, detail, state.ModeDisabled))
}

package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/notes"
	"warden/internal/persist"
	"warden/internal/session"
	"warden/internal/signer"
	"warden/internal/state"
)

var testSecret = []byte("session-test-secret-0123456789ab")

func newService(t *testing.T) (*session.Service, *notes.MemStore) {
	t.Helper()
	sig, err := signer.New(testSecret)
	require.NoError(t, err)
	store := notes.NewMemStore()
	p := persist.New(store, sig, time.Second)
	return session.NewService(context.Background(), p, session.Options{}), store
}

func TestCreateSession(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	st, err := svc.CreateSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", st.ID)
	assert.Equal(t, 0, st.Version)
	assert.Equal(t, state.ModeAnalysis, st.Mode)
	assert.False(t, st.StartComplete)
	assert.False(t, st.EndComplete)
	require.NotNil(t, st.Workflow)
	assert.Empty(t, st.Workflow.Invocations)

	_, err = svc.CreateSession(ctx, "s1")
	assert.ErrorIs(t, err, session.ErrSessionExists)
}

func TestCreateSessionGeneratesID(t *testing.T) {
	svc, _ := newService(t)

	st, err := svc.CreateSession(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, st.ID)
}

func TestGetSession(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "s1")
	require.NoError(t, err)

	t.Run("cache hit", func(t *testing.T) {
		st, err := svc.GetSession(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, "s1", st.ID)
	})

	t.Run("missing session is nil, nil", func(t *testing.T) {
		st, err := svc.GetSession(ctx, "ghost")
		assert.NoError(t, err)
		assert.Nil(t, st)
	})

	t.Run("cache survives store outage", func(t *testing.T) {
		store.SetFailReads(errors.New("down"))
		defer store.SetFailReads(nil)

		st, err := svc.GetSession(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, st)
	})

	t.Run("callers get independent copies", func(t *testing.T) {
		a, err := svc.GetSession(ctx, "s1")
		require.NoError(t, err)
		a.Mode = state.ModeDisabled

		b, err := svc.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, state.ModeAnalysis, b.Mode, "cache must not observe caller mutations")
	})
}

func TestServiceResumesCurrentSession(t *testing.T) {
	sig, err := signer.New(testSecret)
	require.NoError(t, err)
	store := notes.NewMemStore()
	p := persist.New(store, sig, time.Second)
	ctx := context.Background()

	first := session.NewService(ctx, p, session.Options{})
	_, err = first.CreateSession(ctx, "s1")
	require.NoError(t, err)

	// A second service over the same store reconstructs its view
	// from the current-session pointer.
	second := session.NewService(ctx, p, session.Options{})
	store.SetFailReads(errors.New("down"))
	st, err := second.GetSession(ctx, "s1")
	require.NoError(t, err, "warm cache should cover the outage")
	require.NotNil(t, st)
	assert.Equal(t, "s1", st.ID)
}

func TestUpdateSessionFields(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "s1")
	require.NoError(t, err)

	mode := state.ModeCoding
	st, err := svc.UpdateSession(ctx, "s1", session.Updates{Mode: &mode})
	require.NoError(t, err)
	assert.Equal(t, state.ModeCoding, st.Mode)
	assert.Equal(t, 1, st.Version)
	require.Len(t, st.ModeHistory, 1)
	assert.Equal(t, state.ModeAnalysis, st.ModeHistory[0].From)
	assert.Equal(t, state.ModeCoding, st.ModeHistory[0].To)

	bad := state.Mode("turbo")
	_, err = svc.UpdateSession(ctx, "s1", session.Updates{Mode: &bad})
	assert.Error(t, err)

	_, err = svc.UpdateSession(ctx, "ghost", session.Updates{Mode: &mode})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestAdvancePhase(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "s1")
	require.NoError(t, err)

	want := []state.Phase{state.PhaseImplementation, state.PhaseValidation, state.PhaseComplete}
	for _, phase := range want {
		st, err := svc.AdvancePhase(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, phase, st.Workflow.Phase)
	}

	_, err = svc.AdvancePhase(ctx, "s1")
	assert.Error(t, err, "complete is terminal")
}

func TestPhaseCannotMoveBackwards(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "s1")
	require.NoError(t, err)
	_, err = svc.AdvancePhase(ctx, "s1")
	require.NoError(t, err)

	back := state.PhasePlanning
	_, err = svc.UpdateSession(ctx, "s1", session.Updates{Phase: &back})
	assert.Error(t, err)

	skip := state.PhaseComplete
	_, err = svc.UpdateSession(ctx, "s1", session.Updates{Phase: &skip})
	assert.Error(t, err, "phases advance one step at a time")
}

// The delegation scenario: invoke the architect, complete it, and the
// record shows exactly one completed invocation for that agent.
func TestAgentInvocationLifecycle(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "s1")
	require.NoError(t, err)

	st, err := svc.AddAgentInvocation(ctx, "s1", state.AgentArchitect,
		state.InvocationInput{Prompt: "design the storage layout"}, nil)
	require.NoError(t, err)
	require.Len(t, st.Workflow.Invocations, 1)
	assert.Equal(t, state.StatusInProgress, st.Workflow.Invocations[0].Status)
	assert.Nil(t, st.Workflow.Invocations[0].Output)
	require.NotNil(t, st.Workflow.ActiveAgent)
	assert.Equal(t, state.AgentArchitect, *st.Workflow.ActiveAgent)

	st, err = svc.CompleteAgentInvocation(ctx, "s1", state.AgentArchitect,
		state.StatusCompleted, &state.InvocationOutput{Blockers: []string{}})
	require.NoError(t, err)

	loaded, err := svc.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, loaded.Workflow.Invocations, 1)
	inv := loaded.Workflow.Invocations[0]
	assert.Equal(t, state.AgentArchitect, inv.Agent)
	assert.Equal(t, state.StatusCompleted, inv.Status)
	require.NotNil(t, inv.CompletedAt)
	require.NotNil(t, inv.Output)
	assert.Nil(t, loaded.Workflow.ActiveAgent)
}

func TestAgentContextSnapshotOnCompletion(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "s1")
	require.NoError(t, err)
	_, err = svc.AddAgentInvocation(ctx, "s1", state.AgentCoder, state.InvocationInput{Prompt: "build it"}, nil)
	require.NoError(t, err)
	_, err = svc.CompleteAgentInvocation(ctx, "s1", state.AgentCoder,
		state.StatusCompleted, &state.InvocationOutput{Summary: "built"})
	require.NoError(t, err)

	raw, err := store.Read(ctx, persist.AgentContextPath("s1", state.AgentCoder))
	require.NoError(t, err)

	var snap state.AgentInvocation
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))
	assert.Equal(t, state.StatusCompleted, snap.Status)
	assert.Equal(t, "built", snap.Output.Summary)
}

func TestDuplicateInProgressInvocationRejected(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "s1")
	require.NoError(t, err)
	_, err = svc.AddAgentInvocation(ctx, "s1", state.AgentCoder, state.InvocationInput{}, nil)
	require.NoError(t, err)

	_, err = svc.AddAgentInvocation(ctx, "s1", state.AgentCoder, state.InvocationInput{}, nil)
	var violation *session.ContractViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "s1", violation.SessionID)

	// A different agent can still be invoked concurrently.
	_, err = svc.AddAgentInvocation(ctx, "s1", state.AgentTester, state.InvocationInput{}, nil)
	assert.NoError(t, err)
}

func TestCompleteWithoutStartIsContractViolation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "s1")
	require.NoError(t, err)

	_, err = svc.CompleteAgentInvocation(ctx, "s1", state.AgentReviewer,
		state.StatusCompleted, nil)
	var violation *session.ContractViolationError
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, violation.Error(), "reviewer")
}

func TestCompleteRequiresTerminalStatus(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "s1")
	require.NoError(t, err)
	_, err = svc.AddAgentInvocation(ctx, "s1", state.AgentCoder, state.InvocationInput{}, nil)
	require.NoError(t, err)

	_, err = svc.CompleteAgentInvocation(ctx, "s1", state.AgentCoder, state.StatusInProgress, nil)
	assert.Error(t, err)
}

func TestAddDecisionAndVerdict(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "s1")
	require.NoError(t, err)

	st, err := svc.AddDecision(ctx, "s1", state.Decision{
		Description: "store sessions as signed notes",
		Rationale:   "tamper evidence without a database",
		Author:      "architect",
	})
	require.NoError(t, err)
	require.Len(t, st.Workflow.Decisions, 1)
	assert.NotEmpty(t, st.Workflow.Decisions[0].ID, "decision ids are generated when absent")
	assert.False(t, st.Workflow.Decisions[0].Timestamp.IsZero())

	st, err = svc.AddVerdict(ctx, "s1", state.Verdict{
		Agent:      state.AgentReviewer,
		Outcome:    state.OutcomeApproved,
		Confidence: 85,
		Reasoning:  "matches the agreed layout",
	})
	require.NoError(t, err)
	require.Len(t, st.Workflow.Verdicts, 1)

	_, err = svc.AddVerdict(ctx, "s1", state.Verdict{Agent: state.AgentReviewer, Outcome: state.OutcomeApproved, Confidence: 150})
	assert.Error(t, err, "confidence over 100 rejected")

	_, err = svc.AddDecision(ctx, "s1", state.Decision{})
	assert.Error(t, err, "decision requires a description")
}

func TestMarkSessionStartAndEndComplete(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "s1")
	require.NoError(t, err)

	st, err := svc.MarkSessionStartComplete(ctx, "s1", map[string]string{"checklist": "ran"})
	require.NoError(t, err)
	assert.True(t, st.StartComplete)
	assert.Equal(t, "ran", st.StartEvidence["checklist"])

	st, err = svc.MarkSessionEndComplete(ctx, "s1", map[string]string{"summary": "written"})
	require.NoError(t, err)
	assert.True(t, st.EndComplete)
	assert.Equal(t, "written", st.EndEvidence["summary"])
}

func TestCurrentSession(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	st, err := svc.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, st, "no current session yet")

	_, err = svc.CreateSession(ctx, "s1")
	require.NoError(t, err)

	st, err = svc.CurrentSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "s1", st.ID)

	// During an outage the last known current session keeps being
	// served from cache.
	store.SetFailReads(errors.New("down"))
	st, err = svc.CurrentSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "s1", st.ID)

	// Once the cache entry is gone too, the error propagates so the
	// gate can fail closed.
	svc.Invalidate("s1")
	_, err = svc.CurrentSession(ctx)
	assert.ErrorIs(t, err, persist.ErrUnavailable)
}

func TestCurrentSessionFailsClosedOnFreshProcess(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	// A fresh service that never saw the session has nothing cached;
	// the outage surfaces as an error.
	store.SetFailReads(errors.New("down"))
	_, err := svc.CurrentSession(ctx)
	assert.ErrorIs(t, err, persist.ErrUnavailable)
}

func TestInvalidateDropsCache(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "s1")
	require.NoError(t, err)

	svc.Invalidate("s1")
	store.SetFailReads(errors.New("down"))

	_, err = svc.GetSession(ctx, "s1")
	assert.Error(t, err, "after invalidation the service must hit the store")
}

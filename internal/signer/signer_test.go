package signer_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"warden/internal/signer"
	"warden/internal/state"
)

var testSecret = []byte("test-secret-0123456789abcdef0123")

// generateTime produces an arbitrary time.Time at second precision to
// match JSON round-trip fidelity.
func generateTime(t *rapid.T) time.Time {
	sec := rapid.Int64Range(0, 1_700_000_000).Draw(t, "unix_sec")
	return time.Unix(sec, 0).UTC()
}

// generateState produces an arbitrary session record.
func generateState(t *rapid.T) *state.SessionState {
	modes := []state.Mode{state.ModeAnalysis, state.ModePlanning, state.ModeCoding, state.ModeDisabled}
	agents := []state.AgentKind{state.AgentArchitect, state.AgentCoder, state.AgentTester, state.AgentReviewer, state.AgentResearcher}

	st := state.NewSessionState(rapid.StringN(1, 36, -1).Draw(t, "id"), generateTime(t))
	st.Mode = rapid.SampledFrom(modes).Draw(t, "mode")
	st.Version = rapid.IntRange(0, 1000).Draw(t, "version")
	st.StartComplete = rapid.Bool().Draw(t, "start_complete")
	if rapid.Bool().Draw(t, "has_evidence") {
		st.StartEvidence = map[string]string{
			rapid.StringN(1, 20, -1).Draw(t, "ev_key"): rapid.StringN(0, 50, -1).Draw(t, "ev_val"),
		}
	}

	n := rapid.IntRange(0, 5).Draw(t, "num_invocations")
	for i := 0; i < n; i++ {
		inv := state.AgentInvocation{
			Agent:     rapid.SampledFrom(agents).Draw(t, "agent"),
			StartedAt: generateTime(t),
			Status:    state.StatusInProgress,
			Input: state.InvocationInput{
				Prompt: rapid.StringN(0, 100, -1).Draw(t, "prompt"),
			},
		}
		if rapid.Bool().Draw(t, "completed") {
			done := generateTime(t)
			inv.CompletedAt = &done
			inv.Status = state.StatusCompleted
			inv.Output = &state.InvocationOutput{
				Summary: rapid.StringN(0, 100, -1).Draw(t, "summary"),
			}
		}
		st.Workflow.Invocations = append(st.Workflow.Invocations, inv)
	}
	return st
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := signer.New(nil)
	require.Error(t, err)

	_, err = signer.New([]byte{})
	require.Error(t, err)

	s, err := signer.New(testSecret)
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := signer.New(testSecret)
	require.NoError(t, err)

	rapid.Check(t, func(rt *rapid.T) {
		st := generateState(rt)
		if err := s.Sign(st); err != nil {
			rt.Fatalf("Sign failed: %v", err)
		}
		if st.Signature == "" {
			rt.Fatalf("Sign attached no tag")
		}
		if !s.Verify(st) {
			rt.Fatalf("Verify rejected a freshly signed state")
		}
	})
}

func TestVerifyDetectsMutation(t *testing.T) {
	s, err := signer.New(testSecret)
	require.NoError(t, err)

	rapid.Check(t, func(rt *rapid.T) {
		st := generateState(rt)
		if err := s.Sign(st); err != nil {
			rt.Fatalf("Sign failed: %v", err)
		}

		mutated := st.Clone()
		switch rapid.IntRange(0, 4).Draw(rt, "mutation") {
		case 0:
			mutated.Version++
		case 1:
			mutated.Mode = state.ModeDisabled
			if st.Mode == state.ModeDisabled {
				mutated.Mode = state.ModeCoding
			}
		case 2:
			mutated.StartComplete = !mutated.StartComplete
		case 3:
			mutated.ID += "x"
		case 4:
			mutated.Workflow.Phase = state.PhaseComplete
			if st.Workflow.Phase == state.PhaseComplete {
				mutated.Workflow.Phase = state.PhasePlanning
			}
		}
		if s.Verify(mutated) {
			rt.Fatalf("Verify accepted a mutated state")
		}
	})
}

func TestVerifyRejectsMissingOrMalformedTag(t *testing.T) {
	s, err := signer.New(testSecret)
	require.NoError(t, err)

	now := time.Now().UTC()
	st := state.NewSessionState("s1", now)

	assert.False(t, s.Verify(st), "unsigned state must not verify")

	require.NoError(t, s.Sign(st))

	cases := map[string]string{
		"empty":        "",
		"not hex":      "zzzz",
		"truncated":    st.Signature[:10],
		"wrong length": st.Signature + "00",
		"flipped":      flipHexDigit(st.Signature),
	}
	for name, sig := range cases {
		t.Run(name, func(t *testing.T) {
			tampered := st.Clone()
			tampered.Signature = sig
			assert.False(t, s.Verify(tampered))
		})
	}

	assert.False(t, s.Verify(nil))
}

func TestVerifyRejectsTagFromOtherKey(t *testing.T) {
	s1, err := signer.New(testSecret)
	require.NoError(t, err)
	s2, err := signer.New([]byte("another-secret-entirely-32bytes!"))
	require.NoError(t, err)

	st := state.NewSessionState("s1", time.Now().UTC())
	require.NoError(t, s1.Sign(st))

	assert.True(t, s1.Verify(st))
	assert.False(t, s2.Verify(st))
}

func TestResignAfterUpdate(t *testing.T) {
	s, err := signer.New(testSecret)
	require.NoError(t, err)

	st := state.NewSessionState("s1", time.Now().UTC())
	require.NoError(t, s.Sign(st))
	first := st.Signature

	st.Version = 1
	require.NoError(t, s.Sign(st))

	assert.NotEqual(t, first, st.Signature, "tag must change with content")
	assert.True(t, s.Verify(st))
}

func TestCanonicalizeIsKeySorted(t *testing.T) {
	canon, err := signer.Canonicalize(map[string]any{
		"zebra":     1,
		"alpha":     2,
		"signature": "stripped",
		"nested":    map[string]any{"b": 1, "a": 2},
	})
	require.NoError(t, err)

	got := string(canon)
	assert.Equal(t, `{"alpha":2,"nested":{"a":2,"b":1},"zebra":1}`, got)
	assert.NotContains(t, got, "signature")
	assert.NotContains(t, got, " ", "canonical form has no whitespace")

	// Stable across calls.
	again, err := signer.Canonicalize(map[string]any{
		"zebra":     1,
		"alpha":     2,
		"signature": "stripped",
		"nested":    map[string]any{"b": 1, "a": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, canon, again)
}

func TestCanonicalizeFieldOrderIndependent(t *testing.T) {
	// Two JSON encodings of the same object differing only in key
	// order must canonicalize identically.
	var a, b map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"x":1,"y":{"k":"v","j":2}}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"y":{"j":2,"k":"v"},"x":1}`), &b))

	ca, err := signer.Canonicalize(a)
	require.NoError(t, err)
	cb, err := signer.Canonicalize(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestDisabledSigner(t *testing.T) {
	s := signer.Disabled()

	st := state.NewSessionState("s1", time.Now().UTC())
	st.Signature = "stale-tag"

	require.NoError(t, s.Sign(st))
	assert.Empty(t, st.Signature, "disabled signer attaches no tag")
	assert.True(t, s.Verify(st))

	st.Version = 99
	assert.True(t, s.Verify(st), "disabled signer accepts everything")
}

func flipHexDigit(sig string) string {
	replacement := "0"
	if strings.HasPrefix(sig, "0") {
		replacement = "1"
	}
	return replacement + sig[1:]
}

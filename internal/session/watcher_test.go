package session_test

import (
	"context"
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

func TestWatcherInvalidatesOnExternalWrite(t *testing.T) {
	sig, err := signer.New(testSecret)
	require.NoError(t, err)

	store, err := notes.NewFileStore(t.TempDir())
	require.NoError(t, err)
	p := persist.New(store, sig, time.Second)

	ctx := context.Background()
	svc := session.NewService(ctx, p, session.Options{})

	_, err = svc.CreateSession(ctx, "s1")
	require.NoError(t, err)

	watcher, err := session.NewWatcher(svc, store)
	require.NoError(t, err)
	defer watcher.Close()

	// Populate the cache.
	st, err := svc.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, state.ModeAnalysis, st.Mode)

	// An external process (a second CLI invocation) updates the same
	// note through its own persistence stack.
	external := session.NewService(ctx, persist.New(store, sig, time.Second), session.Options{})
	_, err = external.SetMode(ctx, "s1", state.ModeCoding)
	require.NoError(t, err)

	// The watcher drops the stale cache entry, so the next read
	// observes the external write.
	require.Eventually(t, func() bool {
		st, err := svc.GetSession(ctx, "s1")
		return err == nil && st != nil && st.Mode == state.ModeCoding
	}, 2*time.Second, 10*time.Millisecond, "external mode change never became visible")
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	sig, err := signer.New(testSecret)
	require.NoError(t, err)

	store, err := notes.NewFileStore(t.TempDir())
	require.NoError(t, err)
	p := persist.New(store, sig, time.Second)

	ctx := context.Background()
	svc := session.NewService(ctx, p, session.Options{})

	_, err = svc.CreateSession(ctx, "s1")
	require.NoError(t, err)

	watcher, err := session.NewWatcher(svc, store)
	require.NoError(t, err)
	defer watcher.Close()

	// Pointer updates and agent snapshots must not disturb the
	// session body cache.
	require.NoError(t, store.Write(ctx, "sessions/current-session", "s1"))
	require.NoError(t, p.SaveAgentContext(ctx, "s1", state.AgentCoder, state.AgentInvocation{
		Agent: state.AgentCoder, StartedAt: time.Now().UTC(), Status: state.StatusCompleted,
	}))

	// Give the watcher a moment, then verify the cached entry still
	// serves reads even with the store unreachable through a fresh
	// failing read path.
	time.Sleep(100 * time.Millisecond)
	st, err := svc.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", st.ID)
}

func TestWatcherCloseStopsGoroutine(t *testing.T) {
	sig, err := signer.New(testSecret)
	require.NoError(t, err)
	store, err := notes.NewFileStore(t.TempDir())
	require.NoError(t, err)
	svc := session.NewService(context.Background(), persist.New(store, sig, time.Second), session.Options{})

	watcher, err := session.NewWatcher(svc, store)
	require.NoError(t, err)
	require.NoError(t, watcher.Close())
	// goleak in TestMain verifies the run loop exited.
}

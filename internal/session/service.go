// Package session is the façade over persistence, the optimistic
// update protocol, and the compactor. A single Service instance owns
// the in-memory representation of every session it has touched; the
// note store remains the durable owner of record.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"warden/internal/logging"
	"warden/internal/persist"
	"warden/internal/state"
)

// Defaults for the update and compaction knobs.
const (
	DefaultMaxRetries          = 3
	DefaultCompactionThreshold = 10
	DefaultCompactionKeep      = 3
)

// Options tunes a Service. Zero values fall back to the defaults.
type Options struct {
	MaxRetries          int
	CompactionThreshold int
	CompactionKeep      int
}

// Service coordinates all reads and writes of session state within
// one process. The cache is mutated only by this instance; the cache
// lock is held for map access only, never across store I/O.
type Service struct {
	persist *persist.Persistence

	mu    sync.RWMutex
	cache map[string]*state.SessionState

	// currentID tracks which session the current-session pointer
	// named the last time a write or a pointer read succeeded, so
	// CurrentSession can keep answering from cache through a store
	// outage. A fresh process with a dead store has no currentID and
	// stays fail-closed.
	currentID string

	// group collapses concurrent cache-miss loads of the same id
	// into one store read.
	group singleflight.Group

	maxRetries          int
	compactionThreshold int
	compactionKeep      int
}

// NewService wires a Service and warms the cache from the
// current-session pointer when one exists. A store that is
// unreachable at start is logged and tolerated: the cache simply
// starts empty and operations surface their own errors.
func NewService(ctx context.Context, p *persist.Persistence, opts Options) *Service {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.CompactionThreshold <= 0 {
		opts.CompactionThreshold = DefaultCompactionThreshold
	}
	if opts.CompactionKeep <= 0 {
		opts.CompactionKeep = DefaultCompactionKeep
	}

	s := &Service{
		persist:             p,
		cache:               make(map[string]*state.SessionState),
		maxRetries:          opts.MaxRetries,
		compactionThreshold: opts.CompactionThreshold,
		compactionKeep:      opts.CompactionKeep,
	}

	if st, err := p.GetCurrentSession(ctx); err != nil {
		logging.Get(logging.CategorySession).Warn("Cache warm-up skipped: %v", err)
	} else if st != nil {
		s.cachePut(st)
		s.setCurrent(st.ID)
		logging.Session("Resumed current session %s at version %d", st.ID, st.Version)
	}
	return s
}

// CreateSession initializes a fresh record at version 0. An empty id
// gets a generated UUID. Fails with ErrSessionExists when a record
// for the id is already stored.
func (s *Service) CreateSession(ctx context.Context, id string) (*state.SessionState, error) {
	if id == "" {
		id = uuid.NewString()
	}

	existing, err := s.persist.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("create session %s: %w", id, ErrSessionExists)
	}

	st := state.NewSessionState(id, time.Now().UTC())
	if err := s.persist.SaveSession(ctx, st); err != nil {
		return nil, err
	}
	s.cachePut(st)
	s.setCurrent(st.ID)

	logging.Session("Created session %s", id)
	logging.AuditWithSession(id).SessionCreate(id)
	return st.Clone(), nil
}

// GetSession returns the session, from cache when possible. Returns
// (nil, nil) when no such session exists. Concurrent misses for the
// same id share one store read.
func (s *Service) GetSession(ctx context.Context, id string) (*state.SessionState, error) {
	if id == "" {
		return nil, fmt.Errorf("session id required")
	}

	s.mu.RLock()
	cached, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		st, err := s.persist.LoadSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if st != nil {
			s.cachePut(st)
		}
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	st, _ := v.(*state.SessionState)
	return st.Clone(), nil
}

// CurrentSession resolves the current-session pointer. It is the
// query interface the gate consumes. When the store is unreachable
// the last known current session is served from cache, so an
// operator who already set the mode to disabled is not locked out by
// the outage; with nothing cached the error propagates and the gate
// fails closed.
func (s *Service) CurrentSession(ctx context.Context) (*state.SessionState, error) {
	st, err := s.persist.GetCurrentSession(ctx)
	if err != nil {
		if errors.Is(err, persist.ErrUnavailable) {
			if cached := s.cachedCurrent(); cached != nil {
				logging.Session("Store unreachable, serving cached current session %s", cached.ID)
				return cached, nil
			}
		}
		return nil, err
	}
	if st != nil {
		s.cachePut(st)
		s.setCurrent(st.ID)
	}
	return st.Clone(), nil
}

func (s *Service) setCurrent(id string) {
	s.mu.Lock()
	s.currentID = id
	s.mu.Unlock()
}

// cachedCurrent returns a copy of the cached current session, or nil
// when the current session is unknown or its cache entry was
// invalidated.
func (s *Service) cachedCurrent() *state.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentID == "" {
		return nil
	}
	return s.cache[s.currentID].Clone()
}

// Updates is the set of directly settable fields for UpdateSession.
// Nil pointers leave the field untouched.
type Updates struct {
	Mode          *state.Mode
	Phase         *state.Phase
	StartComplete *bool
	EndComplete   *bool
	StartEvidence map[string]string
	EndEvidence   map[string]string
}

// UpdateSession applies field updates through the locking protocol
// and refreshes the cache entry.
func (s *Service) UpdateSession(ctx context.Context, id string, u Updates) (*state.SessionState, error) {
	return s.UpdateWithLocking(ctx, id, func(st *state.SessionState) error {
		now := time.Now().UTC()
		if u.Mode != nil {
			if !u.Mode.Valid() {
				return fmt.Errorf("unknown mode %q", *u.Mode)
			}
			if st.Mode != *u.Mode {
				st.ModeHistory = append(st.ModeHistory, state.ModeTransition{From: st.Mode, To: *u.Mode, At: now})
				logging.Audit().ModeChange(id, string(st.Mode), string(*u.Mode))
				st.Mode = *u.Mode
			}
		}
		if u.Phase != nil {
			if err := setPhase(st, *u.Phase); err != nil {
				return err
			}
		}
		if u.StartComplete != nil {
			st.StartComplete = *u.StartComplete
		}
		if u.EndComplete != nil {
			st.EndComplete = *u.EndComplete
		}
		for k, v := range u.StartEvidence {
			if st.StartEvidence == nil {
				st.StartEvidence = make(map[string]string)
			}
			st.StartEvidence[k] = v
		}
		for k, v := range u.EndEvidence {
			if st.EndEvidence == nil {
				st.EndEvidence = make(map[string]string)
			}
			st.EndEvidence[k] = v
		}
		return nil
	})
}

// SetMode records a mode transition.
func (s *Service) SetMode(ctx context.Context, id string, mode state.Mode) (*state.SessionState, error) {
	return s.UpdateSession(ctx, id, Updates{Mode: &mode})
}

// AdvancePhase moves the workflow to the next phase in the fixed
// order. Phases never advance implicitly from invocation activity.
func (s *Service) AdvancePhase(ctx context.Context, id string) (*state.SessionState, error) {
	return s.UpdateWithLocking(ctx, id, func(st *state.SessionState) error {
		if st.Workflow == nil {
			return &ContractViolationError{SessionID: id, Op: "AdvancePhase", Detail: "session has no workflow"}
		}
		next, ok := st.Workflow.Phase.Next()
		if !ok {
			return fmt.Errorf("phase %q is terminal", st.Workflow.Phase)
		}
		st.Workflow.Phase = next
		return nil
	})
}

// MarkSessionStartComplete stamps the session-start procedure done
// and records its evidence.
func (s *Service) MarkSessionStartComplete(ctx context.Context, id string, evidence map[string]string) (*state.SessionState, error) {
	done := true
	return s.UpdateSession(ctx, id, Updates{StartComplete: &done, StartEvidence: evidence})
}

// MarkSessionEndComplete stamps the session-end procedure done and
// records its evidence.
func (s *Service) MarkSessionEndComplete(ctx context.Context, id string, evidence map[string]string) (*state.SessionState, error) {
	done := true
	return s.UpdateSession(ctx, id, Updates{EndComplete: &done, EndEvidence: evidence})
}

// AddAgentInvocation records delegation to a sub-agent. The protocol
// does not support overlapping invocations of the same agent within
// one session, so a second in_progress invocation for the agent is a
// contract violation.
func (s *Service) AddAgentInvocation(ctx context.Context, id string, agent state.AgentKind, input state.InvocationInput, handoff *state.Handoff) (*state.SessionState, error) {
	if !agent.Valid() {
		return nil, fmt.Errorf("unknown agent kind %q", agent)
	}

	updated, err := s.UpdateWithLocking(ctx, id, func(st *state.SessionState) error {
		if st.Workflow == nil {
			st.Workflow = &state.OrchestratorWorkflow{Phase: state.PhasePlanning, StartedAt: time.Now().UTC()}
		}
		if idx := st.Workflow.ActiveInvocation(agent); idx >= 0 {
			return &ContractViolationError{
				SessionID: id,
				Op:        "AddAgentInvocation",
				Detail:    fmt.Sprintf("agent %s already has an in_progress invocation", agent),
			}
		}
		now := time.Now().UTC()
		st.Workflow.Invocations = append(st.Workflow.Invocations, state.AgentInvocation{
			Agent:     agent,
			StartedAt: now,
			Status:    state.StatusInProgress,
			Input:     input,
			Handoff:   handoff,
		})
		st.Workflow.ActiveAgent = &agent
		st.Workflow.LastAgentChange = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.AuditWithSession(id).InvocationStart(id, string(agent))
	return updated, nil
}

// CompleteAgentInvocation locates the most recent in_progress
// invocation for the agent and stamps it terminal with the given
// output. Completing an invocation that was never started is a
// contract violation, not a silent no-op.
func (s *Service) CompleteAgentInvocation(ctx context.Context, id string, agent state.AgentKind, status state.InvocationStatus, output *state.InvocationOutput) (*state.SessionState, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("completion status %q is not terminal", status)
	}

	var completed state.AgentInvocation
	updated, err := s.UpdateWithLocking(ctx, id, func(st *state.SessionState) error {
		idx := st.Workflow.ActiveInvocation(agent)
		if idx < 0 {
			return &ContractViolationError{
				SessionID: id,
				Op:        "CompleteAgentInvocation",
				Detail:    fmt.Sprintf("no in_progress invocation for agent %s", agent),
			}
		}
		now := time.Now().UTC()
		inv := &st.Workflow.Invocations[idx]
		inv.Status = status
		inv.CompletedAt = &now
		inv.Output = output
		completed = *inv

		if st.Workflow.ActiveAgent != nil && *st.Workflow.ActiveAgent == agent {
			st.Workflow.ActiveAgent = nil
			st.Workflow.LastAgentChange = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Preserve the specialist's context independently of the main
	// record, so it survives later compaction of the live history.
	if err := s.persist.SaveAgentContext(ctx, id, agent, completed); err != nil {
		logging.Get(logging.CategorySession).Warn("Agent context snapshot for %s/%s failed: %v", id, agent, err)
	}

	duration := int64(0)
	if completed.CompletedAt != nil {
		duration = completed.CompletedAt.Sub(completed.StartedAt).Milliseconds()
	}
	logging.AuditWithSession(id).InvocationComplete(id, string(agent), string(status), duration)
	return updated, nil
}

// AddDecision appends an audit decision. Decisions are permanent:
// they are never mutated and never compacted away.
func (s *Service) AddDecision(ctx context.Context, id string, d state.Decision) (*state.SessionState, error) {
	if d.Description == "" {
		return nil, fmt.Errorf("decision requires a description")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}

	updated, err := s.UpdateWithLocking(ctx, id, func(st *state.SessionState) error {
		if st.Workflow == nil {
			st.Workflow = &state.OrchestratorWorkflow{Phase: state.PhasePlanning, StartedAt: time.Now().UTC()}
		}
		st.Workflow.Decisions = append(st.Workflow.Decisions, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.AuditWithSession(id).DecisionRecorded(id, d.ID)
	return updated, nil
}

// AddVerdict appends an audit verdict. Verdicts are permanent, like
// decisions.
func (s *Service) AddVerdict(ctx context.Context, id string, v state.Verdict) (*state.SessionState, error) {
	if !v.Agent.Valid() {
		return nil, fmt.Errorf("unknown agent kind %q", v.Agent)
	}
	if v.Confidence < 0 || v.Confidence > 100 {
		return nil, fmt.Errorf("verdict confidence %d out of range 0-100", v.Confidence)
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}

	updated, err := s.UpdateWithLocking(ctx, id, func(st *state.SessionState) error {
		if st.Workflow == nil {
			st.Workflow = &state.OrchestratorWorkflow{Phase: state.PhasePlanning, StartedAt: time.Now().UTC()}
		}
		st.Workflow.Verdicts = append(st.Workflow.Verdicts, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.AuditWithSession(id).VerdictRecorded(id, string(v.Agent), string(v.Outcome))
	return updated, nil
}

// Invalidate drops the cache entry for id. Called by the watcher
// when an external writer touched the backing note.
func (s *Service) Invalidate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, id)
}

func (s *Service) cachePut(st *state.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[st.ID] = st.Clone()
}

// setPhase validates an explicit phase assignment: the new phase must
// be the current one (no-op) or the next in the fixed order.
func setPhase(st *state.SessionState, phase state.Phase) error {
	if st.Workflow == nil {
		return fmt.Errorf("session has no workflow")
	}
	if phase == st.Workflow.Phase {
		return nil
	}
	next, ok := st.Workflow.Phase.Next()
	if !ok || phase != next {
		return fmt.Errorf("cannot move phase from %q to %q", st.Workflow.Phase, phase)
	}
	st.Workflow.Phase = phase
	return nil
}

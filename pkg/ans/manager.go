package ans

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/authority"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/notify"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/observability"
)

// StateChangeHook is invoked after a committed transition. The reflex arc
// implements it.
type StateChangeHook interface {
	OnStateChange(ctx context.Context, caller contracts.Principal, executorID contracts.ExecutorID, newState contracts.ANSState) error
}

// Repository persists executor safety states.
type Repository interface {
	SaveSafetyState(ctx context.Context, executorID contracts.ExecutorID, s ExecutorSafetyState) error
	LoadSafetyStates(ctx context.Context) (map[contracts.ExecutorID]ExecutorSafetyState, error)
}

// Manager owns one ExecutorSafetyState per executor. Every mutating call is
// one critical section; unknown executors start SAFE.
type Manager struct {
	mu     sync.RWMutex
	cfg    HysteresisConfig
	states map[contracts.ExecutorID]ExecutorSafetyState
	hook   StateChangeHook

	authz   *authority.Registry
	repo    Repository
	events  notify.Emitter
	metrics *observability.Instruments
	clock   contracts.Clock
	logger  *slog.Logger
}

// NewManager creates a manager. cfg must be valid.
func NewManager(cfg HysteresisConfig, authz *authority.Registry) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if authz == nil {
		return nil, fmt.Errorf("ans: authority registry required")
	}
	return &Manager{
		cfg:    cfg,
		states: make(map[contracts.ExecutorID]ExecutorSafetyState),
		authz:  authz,
		events: notify.Nop{},
		clock:  contracts.WallClock{},
		logger: slog.Default().With("component", "ans"),
	}, nil
}

// SetClock overrides the clock (for testing).
func (m *Manager) SetClock(c contracts.Clock) { m.clock = c }

// SetRepository enables persistence. Writes happen before in-memory commit.
func (m *Manager) SetRepository(r Repository) { m.repo = r }

// SetEmitter sets the notification emitter.
func (m *Manager) SetEmitter(e notify.Emitter) { m.events = e }

// SetInstruments sets the metrics recorder.
func (m *Manager) SetInstruments(i *observability.Instruments) { m.metrics = i }

// SetStateChangeHook registers or replaces the reflex hook.
func (m *Manager) SetStateChangeHook(h StateChangeHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = h
}

// Load restores persisted states. It replaces everything held in memory.
func (m *Manager) Load(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	loaded, err := m.repo.LoadSafetyStates(ctx)
	if err != nil {
		return fmt.Errorf("ans: load states: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = loaded
	if m.states == nil {
		m.states = make(map[contracts.ExecutorID]ExecutorSafetyState)
	}
	m.logger.InfoContext(ctx, "restored executor safety states", "count", len(loaded))
	return nil
}

// UpdateTone feeds one tone reading for executorID.
func (m *Manager) UpdateTone(ctx context.Context, caller contracts.Principal, executorID contracts.ExecutorID, tone uint32) (ExecutorSafetyState, error) {
	const op = "ans.update_tone"
	if err := m.authz.Require(op, caller, authority.RoleToneOracle); err != nil {
		return ExecutorSafetyState{}, err
	}
	if tone > contracts.MaxTone {
		return ExecutorSafetyState{}, contracts.Errorf(contracts.KindInvalidInput, op, "tone %d exceeds %d", tone, contracts.MaxTone)
	}
	now, err := m.now(op)
	if err != nil {
		return ExecutorSafetyState{}, err
	}

	m.mu.Lock()
	cur := m.states[executorID]
	next, transitioned := Step(cur, m.cfg, tone, now)
	if err := m.commitLocked(ctx, executorID, next); err != nil {
		m.mu.Unlock()
		return ExecutorSafetyState{}, contracts.Wrap(contracts.KindInternal, op, err)
	}
	hook := m.hook
	m.mu.Unlock()

	m.metrics.ToneUpdated(ctx)
	if transitioned {
		m.metrics.Transition(ctx, cur.State.String(), next.State.String())
		m.logger.InfoContext(ctx, "safety state transition",
			"executor_id", executorID, "from", cur.State, "to", next.State, "tone", tone)
		m.invokeHook(ctx, hook, executorID, next.State)
	}
	return next, nil
}

// commitLocked persists s and stores it in memory. Must be called with mu held.
func (m *Manager) commitLocked(ctx context.Context, executorID contracts.ExecutorID, s ExecutorSafetyState) error {
	if m.repo != nil {
		if err := m.repo.SaveSafetyState(ctx, executorID, s); err != nil {
			return err
		}
	}
	m.states[executorID] = s
	m.events.Emit(ctx, notify.ToneUpdated{
		ExecutorID: executorID,
		Tone:       s.Tone,
		State:      s.State,
		UpdatedAt:  s.UpdatedAt,
	})
	return nil
}

// invokeHook calls the reflex hook outside the state lock. A failing or
// panicking hook never unwinds the committed transition.
func (m *Manager) invokeHook(ctx context.Context, hook StateChangeHook, executorID contracts.ExecutorID, state contracts.ANSState) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "reflex hook panicked", "executor_id", executorID, "panic", r)
		}
	}()
	if err := hook.OnStateChange(ctx, authority.SystemANS, executorID, state); err != nil {
		m.logger.WarnContext(ctx, "reflex hook failed", "executor_id", executorID, "state", state, "error", err)
	}
}

// GuardFor returns the guard derived from the executor's current state.
// actionID is reserved for per-action policy.
func (m *Manager) GuardFor(_ context.Context, executorID contracts.ExecutorID, _ contracts.Hash) contracts.Guard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return contracts.GuardOf(m.states[executorID].State)
}

// Snapshot returns the executor's record and whether it has ever been updated.
func (m *Manager) Snapshot(executorID contracts.ExecutorID) (ExecutorSafetyState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[executorID]
	return s, ok
}

// Executors lists every executor with a record, sorted.
func (m *Manager) Executors() []contracts.ExecutorID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.ExecutorID, 0, len(m.states))
	for id := range m.states {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Config returns the active hysteresis configuration.
func (m *Manager) Config() HysteresisConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// SetConfig replaces the hysteresis configuration. Governor only.
func (m *Manager) SetConfig(ctx context.Context, caller contracts.Principal, cfg HysteresisConfig) error {
	const op = "ans.set_config"
	if err := m.authz.Require(op, caller, authority.RoleGovernor); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return contracts.Wrap(contracts.KindInvalidInput, op, err)
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.logger.InfoContext(ctx, "hysteresis config updated", "by", caller)
	return nil
}

// now reads the clock. Zero LastTransitionAt means "never transitioned", so
// readings at or before the Unix epoch are refused.
func (m *Manager) now(op string) (int64, error) {
	now := contracts.Unix(m.clock)
	if now <= 0 {
		return 0, contracts.Errorf(contracts.KindInternal, op, "clock at %d is not after the Unix epoch", now)
	}
	return now, nil
}

// ResetShutdown moves an executor from SHUTDOWN back to DANGER with cleared
// counters. Governor only. Like any transition it waits out the dwell time
// since the SHUTDOWN entry, and the dwell timer restarts.
func (m *Manager) ResetShutdown(ctx context.Context, caller contracts.Principal, executorID contracts.ExecutorID) (ExecutorSafetyState, error) {
	const op = "ans.reset_shutdown"
	if err := m.authz.Require(op, caller, authority.RoleGovernor); err != nil {
		return ExecutorSafetyState{}, err
	}
	now, err := m.now(op)
	if err != nil {
		return ExecutorSafetyState{}, err
	}

	m.mu.Lock()
	cur := m.states[executorID]
	if cur.State != contracts.StateShutdown {
		m.mu.Unlock()
		return ExecutorSafetyState{}, contracts.Errorf(contracts.KindInvalidInput, op, "executor %d is %s, not SHUTDOWN", executorID, cur.State)
	}
	if dwell := m.cfg.DwellMinSec; now-cur.LastTransitionAt < dwell {
		m.mu.Unlock()
		return ExecutorSafetyState{}, contracts.Errorf(contracts.KindInvalidInput, op,
			"executor %d entered SHUTDOWN at %d, reset allowed from %d", executorID, cur.LastTransitionAt, cur.LastTransitionAt+dwell)
	}
	next := cur
	next.State = contracts.StateDanger
	next.UpdatedAt = now
	next.LastTransitionAt = now
	next.CtrDanger, next.CtrSafe, next.CtrShutdown = 0, 0, 0
	if err := m.commitLocked(ctx, executorID, next); err != nil {
		m.mu.Unlock()
		return ExecutorSafetyState{}, contracts.Wrap(contracts.KindInternal, op, err)
	}
	hook := m.hook
	m.mu.Unlock()

	m.metrics.Transition(ctx, cur.State.String(), next.State.String())
	m.logger.WarnContext(ctx, "shutdown reset by governor", "executor_id", executorID, "by", caller)
	m.invokeHook(ctx, hook, executorID, next.State)
	return next, nil
}

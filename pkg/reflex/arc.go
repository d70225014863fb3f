// Package reflex implements the reflex arc: explicitly triggered, bounded and
// resumable bulk revocation of an executor's capability tokens.
//
// The arc never listens for events on its own. The state machine calls
// OnStateChange after a transition, the evidence inbox calls OnAEP after an
// accepted packet, a keeper continues long revocations with Pulse and an
// operator can fire ManualTrigger. Every entry point checks its caller's role.
package reflex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/authority"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/capability"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/notify"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/observability"
)

// Revoker runs one page pass over an executor's active tokens.
// *capability.Issuer implements it.
type Revoker interface {
	Sweep(ctx context.Context, caller contracts.Principal, executorID contracts.ExecutorID, start, max int) (capability.SweepResult, error)
}

// EvidenceReader returns the latest evidence packet. *afferent.Inbox
// implements it.
type EvidenceReader interface {
	Latest(ctx context.Context, executorID contracts.ExecutorID) (contracts.Evidence, bool)
}

// Config tunes the arc.
type Config struct {
	CooldownSec    int64 `json:"cooldownSec" yaml:"cooldown_sec"`
	PageSize       int   `json:"pageSize" yaml:"page_size"`
	ManualPageSize int   `json:"manualPageSize" yaml:"manual_page_size"`
}

// DefaultConfig returns a 30s cooldown, pages of 50 and manual pages of 200.
func DefaultConfig() Config {
	return Config{CooldownSec: 30, PageSize: 50, ManualPageSize: 200}
}

// Validate checks the bounds.
func (c Config) Validate() error {
	if c.CooldownSec < 0 {
		return fmt.Errorf("reflex: cooldown must not be negative")
	}
	if c.PageSize <= 0 || c.ManualPageSize <= 0 {
		return fmt.Errorf("reflex: page sizes must be positive")
	}
	return nil
}

// PageResult reports one revocation pass. NextIndex is the cursor to pass
// to Pulse while Remaining is non-zero.
type PageResult struct {
	Revoked   uint64 `json:"revoked"`
	NextIndex int    `json:"nextIndex"`
	Remaining int    `json:"remaining"`
}

// Arc is the reflex arc.
type Arc struct {
	mu        sync.Mutex
	cfg       Config
	lastPass  map[contracts.ExecutorID]int64
	predicate DangerPredicate

	self     contracts.Principal
	revoker  Revoker
	evidence EvidenceReader
	authz    *authority.Registry

	events  notify.Emitter
	metrics *observability.Instruments
	clock   contracts.Clock
	logger  *slog.Logger
}

// NewArc creates an arc that revokes through revoker as SystemReflex.
func NewArc(cfg Config, revoker Revoker, evidence EvidenceReader, authz *authority.Registry) (*Arc, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if revoker == nil || evidence == nil || authz == nil {
		return nil, fmt.Errorf("reflex: revoker, evidence reader and authority registry required")
	}
	return &Arc{
		cfg:       cfg,
		lastPass:  make(map[contracts.ExecutorID]int64),
		predicate: Never{},
		self:      authority.SystemReflex,
		revoker:   revoker,
		evidence:  evidence,
		authz:     authz,
		events:    notify.Nop{},
		clock:     contracts.WallClock{},
		logger:    slog.Default().With("component", "reflex"),
	}, nil
}

// SetClock overrides the clock (for testing).
func (a *Arc) SetClock(c contracts.Clock) { a.clock = c }

// SetEmitter sets the notification emitter.
func (a *Arc) SetEmitter(e notify.Emitter) { a.events = e }

// SetInstruments sets the metrics recorder.
func (a *Arc) SetInstruments(m *observability.Instruments) { a.metrics = m }

// SetPredicate replaces the evidence danger predicate.
func (a *Arc) SetPredicate(p DangerPredicate) {
	if p == nil {
		p = Never{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.predicate = p
}

// Config returns the active configuration.
func (a *Arc) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// SetConfig replaces the configuration. Governor only.
func (a *Arc) SetConfig(ctx context.Context, caller contracts.Principal, cfg Config) error {
	const op = "reflex.set_config"
	if err := a.authz.Require(op, caller, authority.RoleGovernor); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return contracts.Wrap(contracts.KindInvalidInput, op, err)
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	a.logger.InfoContext(ctx, "reflex config updated", "by", caller, "cooldown_sec", cfg.CooldownSec)
	return nil
}

// LastPass returns when the executor's last cooldown-stamping pass ran.
func (a *Arc) LastPass(executorID contracts.ExecutorID) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.lastPass[executorID]
	return t, ok
}

// OnStateChange fires a pass when the executor entered DANGER or SHUTDOWN.
// Calls inside the cooldown are silent no-ops.
func (a *Arc) OnStateChange(ctx context.Context, caller contracts.Principal, executorID contracts.ExecutorID, state contracts.ANSState) error {
	const op = "reflex.on_state_change"
	if err := a.authz.Require(op, caller, authority.RoleStateManager); err != nil {
		return err
	}
	if state != contracts.StateDanger && state != contracts.StateShutdown {
		return nil
	}
	_, err := a.fire(ctx, executorID, "state:"+state.String(), "state_change")
	return err
}

// OnAEP fires a pass when the danger predicate holds over the executor's
// latest evidence. Calls inside the cooldown are silent no-ops.
func (a *Arc) OnAEP(ctx context.Context, caller contracts.Principal, executorID contracts.ExecutorID) error {
	const op = "reflex.on_aep"
	if err := a.authz.Require(op, caller, authority.RoleEvidenceSource); err != nil {
		return err
	}
	ev, ok := a.evidence.Latest(ctx, executorID)
	if !ok {
		return nil
	}
	a.mu.Lock()
	pred := a.predicate
	a.mu.Unlock()
	danger, err := pred.Dangerous(ctx, ev)
	if err != nil {
		return contracts.Wrap(contracts.KindInternal, op, err)
	}
	if !danger {
		return nil
	}
	_, err = a.fire(ctx, executorID, "evidence", "evidence")
	return err
}

// Pulse continues a revocation from cursor start. It ignores the cooldown
// and does not restart it. max <= 0 selects the configured page size.
func (a *Arc) Pulse(ctx context.Context, caller contracts.Principal, executorID contracts.ExecutorID, start, max int) (PageResult, error) {
	const op = "reflex.pulse"
	if err := a.authz.Require(op, caller, authority.RoleKeeper); err != nil {
		return PageResult{}, err
	}
	if start < 0 {
		return PageResult{}, contracts.Errorf(contracts.KindInvalidInput, op, "negative start %d", start)
	}
	if max <= 0 {
		max = a.Config().PageSize
	}
	return a.triggerPaginated(ctx, executorID, "pulse", "pulse", start, max)
}

// ManualTrigger is the operator escape hatch. Unlike the automatic entry
// points it rejects calls inside the cooldown.
func (a *Arc) ManualTrigger(ctx context.Context, caller contracts.Principal, executorID contracts.ExecutorID, reason string) (PageResult, error) {
	const op = "reflex.manual_trigger"
	if err := a.authz.Require(op, caller, authority.RoleOperator); err != nil {
		return PageResult{}, err
	}
	if reason == "" {
		return PageResult{}, contracts.E(contracts.KindInvalidInput, op, "reason required")
	}
	now := contracts.Unix(a.clock)
	a.mu.Lock()
	if a.coolingLocked(executorID, now) {
		until := a.lastPass[executorID] + a.cfg.CooldownSec
		a.mu.Unlock()
		return PageResult{}, contracts.Errorf(contracts.KindInvalidInput, op, "executor %d in cooldown until %d", executorID, until)
	}
	a.lastPass[executorID] = now
	page := a.cfg.ManualPageSize
	a.mu.Unlock()

	a.logger.WarnContext(ctx, "manual reflex trigger", "executor_id", executorID, "by", caller, "reason", reason)
	return a.triggerPaginated(ctx, executorID, reason, "manual", 0, page)
}

// fire stamps the cooldown and runs the first page, unless the executor is
// still cooling down.
func (a *Arc) fire(ctx context.Context, executorID contracts.ExecutorID, reason, trigger string) (PageResult, error) {
	now := contracts.Unix(a.clock)
	a.mu.Lock()
	if a.coolingLocked(executorID, now) {
		a.mu.Unlock()
		a.logger.DebugContext(ctx, "reflex in cooldown", "executor_id", executorID, "trigger", trigger)
		return PageResult{}, nil
	}
	a.lastPass[executorID] = now
	page := a.cfg.PageSize
	a.mu.Unlock()
	return a.triggerPaginated(ctx, executorID, reason, trigger, 0, page)
}

func (a *Arc) coolingLocked(executorID contracts.ExecutorID, now int64) bool {
	last, ok := a.lastPass[executorID]
	return ok && now < last+a.cfg.CooldownSec
}

// triggerPaginated revokes one page of the executor's active index and
// reports where to continue.
func (a *Arc) triggerPaginated(ctx context.Context, executorID contracts.ExecutorID, reason, trigger string, start, max int) (PageResult, error) {
	res, err := a.revoker.Sweep(ctx, a.self, executorID, start, max)
	n := len(res.Revoked)
	if n > 0 {
		a.events.Emit(ctx, notify.ReflexTriggered{
			ExecutorID:   executorID,
			Reason:       reason,
			RevokedCount: uint64(n),
			TriggeredAt:  contracts.Unix(a.clock),
		})
	}
	a.metrics.ReflexPass(ctx, trigger, n)
	if err != nil {
		return PageResult{Revoked: uint64(n), NextIndex: start, Remaining: res.Remaining}, err
	}
	if n > 0 || res.Pruned > 0 {
		a.logger.InfoContext(ctx, "reflex pass",
			"executor_id", executorID, "trigger", trigger, "revoked", n, "pruned", res.Pruned, "remaining", res.Remaining)
	}
	return PageResult{Revoked: uint64(n), NextIndex: res.NextIndex, Remaining: res.Remaining}, nil
}

// Package capability implements the capability issuer: it mints, validates
// and revokes short-lived tokens that authorize an executor to perform one
// bounded action.
//
// Issuance runs a fixed chain of preconditions (circuit breaker, sliding
// window, time window, scaling gate recomputation, pre-state freshness).
// Admission state is only committed once every precondition has passed, so a
// rejected call changes nothing.
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/admission"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/authority"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/brake"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/canonicalize"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/notify"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/observability"
)

// Previewer recomputes the gate's decision. *brake.Gate implements it.
type Previewer interface {
	PreviewBrake(ctx context.Context, in contracts.Intent) (brake.Preview, error)
}

// StateRootSource supplies the latest pre-state commitment per executor.
// *afferent.Inbox implements it. A zero hash means no evidence yet.
type StateRootSource interface {
	LatestStateRoot(ctx context.Context, executorID contracts.ExecutorID) contracts.Hash
}

// Repository persists token records.
type Repository interface {
	SaveToken(ctx context.Context, t contracts.CapabilityToken) error
	LoadTokens(ctx context.Context) ([]contracts.CapabilityToken, error)
}

type nonceKey struct {
	requester contracts.Principal
	nonce     uint64
}

// Issuer owns every token record and the per-executor active index.
type Issuer struct {
	mu     sync.Mutex
	tokens []contracts.CapabilityToken // arena; token id n lives at n-1
	active map[contracts.ExecutorID]*activeIndex
	nonces map[nonceKey]struct{}
	paused bool
	reflex contracts.Principal

	gate     Previewer
	roots    StateRootSource
	limiter  admission.Limiter
	breakers *admission.Breakers
	authz    *authority.Registry

	repo    Repository
	events  notify.Emitter
	metrics *observability.Instruments
	clock   contracts.Clock
	logger  *slog.Logger
}

// Config bundles the issuer's collaborators.
type Config struct {
	Gate     Previewer
	Roots    StateRootSource
	Limiter  admission.Limiter
	Breakers *admission.Breakers
	Authz    *authority.Registry
}

// NewIssuer creates an issuer with no tokens.
func NewIssuer(cfg Config) (*Issuer, error) {
	switch {
	case cfg.Gate == nil:
		return nil, fmt.Errorf("capability: gate required")
	case cfg.Roots == nil:
		return nil, fmt.Errorf("capability: state root source required")
	case cfg.Limiter == nil:
		return nil, fmt.Errorf("capability: limiter required")
	case cfg.Breakers == nil:
		return nil, fmt.Errorf("capability: breakers required")
	case cfg.Authz == nil:
		return nil, fmt.Errorf("capability: authority registry required")
	}
	return &Issuer{
		active:   make(map[contracts.ExecutorID]*activeIndex),
		nonces:   make(map[nonceKey]struct{}),
		gate:     cfg.Gate,
		roots:    cfg.Roots,
		limiter:  cfg.Limiter,
		breakers: cfg.Breakers,
		authz:    cfg.Authz,
		events:   notify.Nop{},
		clock:    contracts.WallClock{},
		logger:   slog.Default().With("component", "capability"),
	}, nil
}

// SetClock overrides the clock (for testing).
func (i *Issuer) SetClock(c contracts.Clock) { i.clock = c }

// SetRepository enables persistence. Writes happen before in-memory commit.
func (i *Issuer) SetRepository(r Repository) { i.repo = r }

// SetEmitter sets the notification emitter.
func (i *Issuer) SetEmitter(e notify.Emitter) { i.events = e }

// SetInstruments sets the metrics recorder.
func (i *Issuer) SetInstruments(m *observability.Instruments) { i.metrics = m }

// Load restores token records from the repository and rebuilds the active
// index from the unrevoked ones and the used (requester, nonce) pairs from all
// of them. Token ids must be contiguous from 1.
func (i *Issuer) Load(ctx context.Context) error {
	if i.repo == nil {
		return nil
	}
	loaded, err := i.repo.LoadTokens(ctx)
	if err != nil {
		return fmt.Errorf("capability: load tokens: %w", err)
	}
	sort.Slice(loaded, func(a, b int) bool { return loaded[a].TokenID < loaded[b].TokenID })
	active := make(map[contracts.ExecutorID]*activeIndex)
	nonces := make(map[nonceKey]struct{})
	for n, t := range loaded {
		if t.TokenID != contracts.TokenID(n+1) {
			return fmt.Errorf("capability: load tokens: gap before token %d", t.TokenID)
		}
		if !t.Revoked {
			indexFor(active, t.ExecutorID).add(t.TokenID)
		}
		if t.Nonce != 0 {
			nonces[nonceKey{requester: t.Requester, nonce: t.Nonce}] = struct{}{}
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.tokens = loaded
	i.active = active
	i.nonces = nonces
	i.logger.InfoContext(ctx, "restored capability tokens", "count", len(loaded))
	return nil
}

func indexFor(m map[contracts.ExecutorID]*activeIndex, id contracts.ExecutorID) *activeIndex {
	x, ok := m[id]
	if !ok {
		x = newActiveIndex()
		m[id] = x
	}
	return x
}

// IssueCapability mints a token for in after every precondition holds.
// Only the scaling gate may call it.
func (i *Issuer) IssueCapability(ctx context.Context, caller contracts.Principal, in contracts.Intent, scaledLimitsHash contracts.Hash) (contracts.CapabilityToken, error) {
	tok, err := i.issue(ctx, caller, in, scaledLimitsHash)
	if err != nil {
		i.metrics.Rejected(ctx, string(contracts.KindOf(err)))
		i.logger.DebugContext(ctx, "issuance rejected",
			"executor_id", in.ExecutorID, "action_id", in.ActionID, "kind", contracts.KindOf(err), "error", err)
		return contracts.CapabilityToken{}, err
	}
	i.metrics.Issued(ctx)
	return tok, nil
}

func (i *Issuer) issue(ctx context.Context, caller contracts.Principal, in contracts.Intent, scaledLimitsHash contracts.Hash) (contracts.CapabilityToken, error) {
	const op = "capability.issue"
	if err := i.authz.Require(op, caller, authority.RoleGate); err != nil {
		return contracts.CapabilityToken{}, err
	}
	if in.Requester == "" {
		return contracts.CapabilityToken{}, contracts.E(contracts.KindInvalidInput, op, "requester required")
	}
	now := contracts.Unix(i.clock)
	key := admission.Key{ExecutorID: in.ExecutorID, ActionID: in.ActionID}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.paused {
		return contracts.CapabilityToken{}, contracts.E(contracts.KindPaused, op, "issuance is paused")
	}
	nk := nonceKey{requester: in.Requester, nonce: in.Nonce}
	if in.Nonce != 0 {
		if _, used := i.nonces[nk]; used {
			return contracts.CapabilityToken{}, contracts.Errorf(contracts.KindNonceAlreadyUsed, op, "nonce %d already used by %q", in.Nonce, in.Requester)
		}
	}

	// 1. circuit breaker
	if _, err := i.breakers.Check(key, now); err != nil {
		next := i.breakers.Status(key).NextAttemptTime
		return contracts.CapabilityToken{}, contracts.Errorf(contracts.KindCircuitBreakerOpen, op, "circuit for %s open until %d", key, next)
	}

	// 2. sliding window
	ok, err := i.limiter.Allow(ctx, key, now)
	if err != nil {
		return contracts.CapabilityToken{}, contracts.Wrap(contracts.KindInternal, op, err)
	}
	if !ok {
		l := i.limiter.Limits()
		return contracts.CapabilityToken{}, contracts.Errorf(contracts.KindRateLimited, op, "%s exceeded %d requests per %ds", key, l.Max, l.WindowSec)
	}

	// 3. time window
	if now < in.NotBefore || now > in.NotAfter {
		return contracts.CapabilityToken{}, contracts.Errorf(contracts.KindIntentExpired, op, "now %d outside [%d, %d]", now, in.NotBefore, in.NotAfter)
	}

	// 4. gate recomputation
	p, err := i.gate.PreviewBrake(ctx, in)
	if err != nil {
		return contracts.CapabilityToken{}, err
	}
	if !p.Allowed {
		return contracts.CapabilityToken{}, contracts.Errorf(contracts.KindANSBlocked, op, "executor %d is blocked", in.ExecutorID)
	}
	if scaledLimitsHash.IsZero() {
		return contracts.CapabilityToken{}, contracts.E(contracts.KindInvalidInput, op, "scaled limits hash is zero")
	}
	if scaledLimitsHash != p.ScaledLimitsHash {
		return contracts.CapabilityToken{}, contracts.Errorf(contracts.KindInvalidInput, op, "scaled limits hash %s does not match gate %s", scaledLimitsHash, p.ScaledLimitsHash)
	}

	// 5. pre-state freshness
	root := i.roots.LatestStateRoot(ctx, in.ExecutorID)
	if root.IsZero() {
		return contracts.CapabilityToken{}, contracts.Errorf(contracts.KindStateMismatch, op, "no evidence for executor %d", in.ExecutorID)
	}
	if root != in.PreStateRoot {
		return contracts.CapabilityToken{}, contracts.Errorf(contracts.KindStateMismatch, op, "pre-state root %s is stale, latest %s", in.PreStateRoot, root)
	}

	// 6. mint and commit
	tok := contracts.CapabilityToken{
		TokenID:          contracts.TokenID(len(i.tokens) + 1),
		ExecutorID:       in.ExecutorID,
		ActionID:         in.ActionID,
		ScaledLimitsHash: scaledLimitsHash,
		IssuedAt:         now,
		ExpiresAt:        in.NotAfter,
		Issuer:           caller,
		Requester:        in.Requester,
		Nonce:            in.Nonce,
	}
	if i.repo != nil {
		if err := i.repo.SaveToken(ctx, tok); err != nil {
			return contracts.CapabilityToken{}, contracts.Wrap(contracts.KindInternal, op, err)
		}
	}
	i.tokens = append(i.tokens, tok)
	indexFor(i.active, tok.ExecutorID).add(tok.TokenID)
	if in.Nonce != 0 {
		i.nonces[nk] = struct{}{}
	}
	if err := i.limiter.Record(ctx, key, now); err != nil {
		i.logger.WarnContext(ctx, "rate window record failed", "key", key.String(), "error", err)
	}
	i.breakers.RecordSuccess(key, now)

	d := canonicalize.DigestIntent(in)
	i.events.Emit(ctx, notify.CapabilityIssued{
		TokenID:       tok.TokenID,
		ExecutorID:    tok.ExecutorID,
		Requester:     tok.Requester,
		ActionID:      tok.ActionID,
		ExpiresAt:     tok.ExpiresAt,
		ParamsHashA:   d.Params.SHA256,
		ParamsHashB:   d.Params.Keccak256,
		PreStateHashA: d.PreState.SHA256,
		PreStateHashB: d.PreState.Keccak256,
	})
	i.logger.InfoContext(ctx, "capability issued",
		"token_id", tok.TokenID, "executor_id", tok.ExecutorID, "requester", tok.Requester, "expires_at", tok.ExpiresAt)
	return tok, nil
}

// CountsAsFailure reports whether an issuance rejection should be recorded
// against the circuit breaker. Admission rejections themselves never count.
func CountsAsFailure(err error) bool {
	var e *contracts.Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case contracts.KindIntentExpired, contracts.KindStateMismatch, contracts.KindANSBlocked, contracts.KindInvalidInput:
		return true
	}
	return false
}

// RecordFailure records a breaker failure for (executorID, actionID) outside
// any issuance call.
func (i *Issuer) RecordFailure(ctx context.Context, executorID contracts.ExecutorID, actionID contracts.Hash) admission.BreakerStatus {
	key := admission.Key{ExecutorID: executorID, ActionID: actionID}
	s := i.breakers.RecordFailure(key, contracts.Unix(i.clock))
	if s.State == admission.BreakerOpen {
		i.logger.WarnContext(ctx, "circuit open", "key", key.String(), "next_attempt", s.NextAttemptTime)
	}
	return s
}

// BreakerState returns the stored breaker record for (executorID, actionID).
func (i *Issuer) BreakerState(executorID contracts.ExecutorID, actionID contracts.Hash) admission.BreakerStatus {
	return i.breakers.Status(admission.Key{ExecutorID: executorID, ActionID: actionID})
}

// Revoke revokes tokenID. The token's requester, the governor and the
// registered reflex principal may revoke.
func (i *Issuer) Revoke(ctx context.Context, caller contracts.Principal, tokenID contracts.TokenID, reason contracts.RevocationReason) error {
	const op = "capability.revoke"
	if !reason.Valid() {
		return contracts.Errorf(contracts.KindInvalidInput, op, "unknown revocation reason %q", reason)
	}
	now := contracts.Unix(i.clock)

	i.mu.Lock()
	defer i.mu.Unlock()
	tok, ok := i.lookupLocked(tokenID)
	if !ok {
		return contracts.Errorf(contracts.KindTokenNotFound, op, "token %d", tokenID)
	}
	if caller != tok.Requester && caller != i.reflex && !i.authz.Has(caller, authority.RoleGovernor) {
		return contracts.Errorf(contracts.KindUnauthorized, op, "principal %q may not revoke token %d", caller, tokenID)
	}
	if tok.Revoked {
		return contracts.Errorf(contracts.KindTokenAlreadyRevoked, op, "token %d", tokenID)
	}
	return i.revokeLocked(ctx, tok, reason, now)
}

// revokeLocked flips tok to revoked, persists it and drops it from the
// active index. Must be called with mu held.
func (i *Issuer) revokeLocked(ctx context.Context, tok contracts.CapabilityToken, reason contracts.RevocationReason, now int64) error {
	tok.Revoked = true
	tok.RevokedAt = now
	tok.RevocationReason = reason
	if i.repo != nil {
		if err := i.repo.SaveToken(ctx, tok); err != nil {
			return contracts.Wrap(contracts.KindInternal, "capability.revoke", err)
		}
	}
	i.tokens[tok.TokenID-1] = tok
	if x, ok := i.active[tok.ExecutorID]; ok && x.remove(tok.TokenID) {
		i.metrics.Deactivated(ctx, 1)
	}
	i.metrics.Revoked(ctx, string(reason))
	i.events.Emit(ctx, notify.CapabilityRevoked{TokenID: tok.TokenID, Reason: reason})
	i.logger.InfoContext(ctx, "capability revoked", "token_id", tok.TokenID, "executor_id", tok.ExecutorID, "reason", reason)
	return nil
}

func (i *Issuer) lookupLocked(id contracts.TokenID) (contracts.CapabilityToken, bool) {
	if id == 0 || uint64(id) > uint64(len(i.tokens)) {
		return contracts.CapabilityToken{}, false
	}
	return i.tokens[id-1], true
}

// SweepResult describes one page pass over an executor's active index.
type SweepResult struct {
	Revoked   []contracts.TokenID `json:"revoked"`
	Pruned    int                 `json:"pruned"`
	NextIndex int                 `json:"nextIndex"`
	Remaining int                 `json:"remaining"`
}

// Sweep scans at most max active-index entries of executorID starting at
// start, revokes the valid ones with REFLEX_TRIGGER and drops expired ones
// from the index. Every scanned entry leaves the index, so NextIndex equals
// start and Remaining is what is left from there on. Only the registered
// reflex principal may sweep.
//
// A sweep is not all-or-nothing: if the repository fails mid-page, the
// revocations and prunes before the failing entry are kept and reported in
// the returned result alongside the error.
func (i *Issuer) Sweep(ctx context.Context, caller contracts.Principal, executorID contracts.ExecutorID, start, max int) (SweepResult, error) {
	const op = "capability.sweep"
	if start < 0 || max <= 0 {
		return SweepResult{}, contracts.Errorf(contracts.KindInvalidInput, op, "invalid page start=%d max=%d", start, max)
	}
	now := contracts.Unix(i.clock)

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.reflex == "" || caller != i.reflex {
		return SweepResult{}, contracts.Errorf(contracts.KindUnauthorized, op, "principal %q is not the registered reflex", caller)
	}

	res := SweepResult{NextIndex: start}
	x, ok := i.active[executorID]
	if !ok {
		return res, nil
	}
	for _, id := range x.page(start, max) {
		tok := i.tokens[id-1]
		if !tok.ValidAt(now) {
			x.remove(id)
			res.Pruned++
			continue
		}
		if err := i.revokeLocked(ctx, tok, contracts.ReasonReflexTrigger, now); err != nil {
			// Work already done on this page stays committed.
			i.metrics.Deactivated(ctx, res.Pruned)
			res.Remaining = x.len() - start
			return res, err
		}
		res.Revoked = append(res.Revoked, id)
	}
	i.metrics.Deactivated(ctx, res.Pruned)
	if r := x.len() - start; r > 0 {
		res.Remaining = r
	}
	if x.len() == 0 {
		delete(i.active, executorID)
	}
	return res, nil
}

// IsValid reports whether tokenID exists, is unrevoked and unexpired.
func (i *Issuer) IsValid(_ context.Context, tokenID contracts.TokenID) bool {
	now := contracts.Unix(i.clock)
	i.mu.Lock()
	defer i.mu.Unlock()
	tok, ok := i.lookupLocked(tokenID)
	return ok && tok.ValidAt(now)
}

// Token returns the record of tokenID.
func (i *Issuer) Token(tokenID contracts.TokenID) (contracts.CapabilityToken, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	tok, ok := i.lookupLocked(tokenID)
	if !ok {
		return contracts.CapabilityToken{}, contracts.Errorf(contracts.KindTokenNotFound, "capability.token", "token %d", tokenID)
	}
	return tok, nil
}

// ActiveTokensOf returns the executor's active index in index order.
func (i *Issuer) ActiveTokensOf(executorID contracts.ExecutorID) []contracts.TokenID {
	i.mu.Lock()
	defer i.mu.Unlock()
	x, ok := i.active[executorID]
	if !ok {
		return []contracts.TokenID{}
	}
	return x.snapshot()
}

// ActiveCount returns the size of the executor's active index.
func (i *Issuer) ActiveCount(executorID contracts.ExecutorID) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if x, ok := i.active[executorID]; ok {
		return x.len()
	}
	return 0
}

// Package brake implements the scaling gate ("vagal brake") that sits
// between planners and the capability issuer.
//
// The gate reads the executor's guard, scales the requested limits by the
// guard's factor, and either blocks the intent or forwards it together with a
// commitment to the scaled limits. Previews never enforce the absolute caps;
// issuance always does.
package brake

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/authority"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/canonicalize"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

// GuardReader supplies guards. *ans.Manager implements it.
type GuardReader interface {
	GuardFor(ctx context.Context, executorID contracts.ExecutorID, actionID contracts.Hash) contracts.Guard
}

// Issuer mints tokens for approved intents. *capability.Issuer implements it.
type Issuer interface {
	IssueCapability(ctx context.Context, caller contracts.Principal, in contracts.Intent, scaledLimitsHash contracts.Hash) (contracts.CapabilityToken, error)
}

// HardCaps are absolute ceilings on scaled limits, independent of state.
type HardCaps struct {
	MaxDurationMs uint64 `json:"maxDurationMs" yaml:"max_duration_ms"`
	MaxEnergyJ    uint64 `json:"maxEnergyJ" yaml:"max_energy_j"`
}

// DefaultHardCaps returns the production ceilings.
func DefaultHardCaps() HardCaps {
	return HardCaps{MaxDurationMs: 30_000, MaxEnergyJ: 1_000}
}

// Preview is the result of scaling an intent without enforcing caps.
type Preview struct {
	ScaledMaxDurationMs uint64         `json:"scaledMaxDurationMs"`
	ScaledMaxEnergyJ    uint64         `json:"scaledMaxEnergyJ"`
	ScalingFactor       uint32         `json:"scalingFactor"`
	Allowed             bool           `json:"allowed"`
	ScaledLimitsHash    contracts.Hash `json:"scaledLimitsHash"`
}

// Gate is the scaling gate.
type Gate struct {
	guards GuardReader
	authz  *authority.Registry
	logger *slog.Logger

	mu     sync.RWMutex
	caps   HardCaps
	issuer Issuer
}

// NewGate creates a gate reading guards from guards.
func NewGate(guards GuardReader, authz *authority.Registry, caps HardCaps) *Gate {
	return &Gate{
		guards: guards,
		authz:  authz,
		caps:   caps,
		logger: slog.Default().With("component", "brake"),
	}
}

// SetIssuer wires the downstream issuer.
func (g *Gate) SetIssuer(i Issuer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.issuer = i
}

// Caps returns the active hard caps.
func (g *Gate) Caps() HardCaps {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.caps
}

// SetCaps replaces the hard caps. Governor only.
func (g *Gate) SetCaps(ctx context.Context, caller contracts.Principal, caps HardCaps) error {
	const op = "brake.set_caps"
	if err := g.authz.Require(op, caller, authority.RoleGovernor); err != nil {
		return err
	}
	if caps.MaxDurationMs == 0 || caps.MaxEnergyJ == 0 {
		return contracts.E(contracts.KindInvalidInput, op, "caps must be positive")
	}
	g.mu.Lock()
	g.caps = caps
	g.mu.Unlock()
	g.logger.InfoContext(ctx, "hard caps updated", "by", caller, "max_duration_ms", caps.MaxDurationMs, "max_energy_j", caps.MaxEnergyJ)
	return nil
}

// scale returns floor(v * factor / 10000) without intermediate overflow.
func scale(v uint64, factor uint32) uint64 {
	hi, lo := bits.Mul64(v, uint64(factor))
	q, _ := bits.Div64(hi, lo, contracts.BasisPoints)
	return q
}

// PreviewBrake scales in against the current guard. It is read-only and
// does not enforce caps. A blocked intent yields Allowed=false and a zero
// commitment.
func (g *Gate) PreviewBrake(ctx context.Context, in contracts.Intent) (Preview, error) {
	guard := g.guards.GuardFor(ctx, in.ExecutorID, in.ActionID)
	if !guard.Allowed {
		return Preview{ScalingFactor: guard.ScalingFactor}, nil
	}
	return Commit(in, guard.ScalingFactor)
}

// Commit scales in by factor (basis points) and computes the scaled limits
// commitment, independent of any executor state.
func Commit(in contracts.Intent, factor uint32) (Preview, error) {
	p := Preview{
		ScaledMaxDurationMs: scale(in.MaxDurationMs, factor),
		ScaledMaxEnergyJ:    scale(in.MaxEnergyJ, factor),
		ScalingFactor:       factor,
		Allowed:             true,
	}
	h, err := canonicalize.ScaledLimitsCommitment(canonicalize.ScaledLimits{
		ActionID:            in.ActionID,
		ScaledMaxDurationMs: p.ScaledMaxDurationMs,
		ScaledMaxEnergyJ:    p.ScaledMaxEnergyJ,
		ScalingFactor:       p.ScalingFactor,
	})
	if err != nil {
		return Preview{}, contracts.Wrap(contracts.KindInternal, "brake.commit", err)
	}
	p.ScaledLimitsHash = h
	return p, nil
}

// IssueWithBrake is the enforcing path: it blocks disallowed intents,
// rejects scaled values over the hard caps, and forwards the rest to the
// issuer. The caller becomes the token's requester.
func (g *Gate) IssueWithBrake(ctx context.Context, caller contracts.Principal, in contracts.Intent) (contracts.CapabilityToken, error) {
	const op = "brake.issue"
	if err := g.authz.Require(op, caller, authority.RolePlanner); err != nil {
		return contracts.CapabilityToken{}, err
	}
	switch in.Requester {
	case "":
		in.Requester = caller
	case caller:
	default:
		return contracts.CapabilityToken{}, contracts.Errorf(contracts.KindUnauthorized, op, "requester %q does not match caller %q", in.Requester, caller)
	}

	p, err := g.PreviewBrake(ctx, in)
	if err != nil {
		return contracts.CapabilityToken{}, err
	}
	if !p.Allowed {
		return contracts.CapabilityToken{}, contracts.Errorf(contracts.KindANSBlocked, op, "executor %d is blocked", in.ExecutorID)
	}

	g.mu.RLock()
	caps, issuer := g.caps, g.issuer
	g.mu.RUnlock()

	if p.ScaledMaxDurationMs > caps.MaxDurationMs {
		return contracts.CapabilityToken{}, contracts.Errorf(contracts.KindANSLimitExceeded, op,
			"scaled duration %dms exceeds cap %dms", p.ScaledMaxDurationMs, caps.MaxDurationMs)
	}
	if p.ScaledMaxEnergyJ > caps.MaxEnergyJ {
		return contracts.CapabilityToken{}, contracts.Errorf(contracts.KindANSLimitExceeded, op,
			"scaled energy %dJ exceeds cap %dJ", p.ScaledMaxEnergyJ, caps.MaxEnergyJ)
	}
	if issuer == nil {
		return contracts.CapabilityToken{}, contracts.Wrap(contracts.KindInternal, op, fmt.Errorf("issuer not configured"))
	}
	return issuer.IssueCapability(ctx, authority.SystemBrake, in, p.ScaledLimitsHash)
}

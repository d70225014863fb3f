package capability

import (
	"context"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/admission"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/authority"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

// SetReflex registers or replaces the reflex principal. Governor only.
func (i *Issuer) SetReflex(ctx context.Context, caller, reflex contracts.Principal) error {
	const op = "capability.set_reflex"
	if err := i.authz.Require(op, caller, authority.RoleGovernor); err != nil {
		return err
	}
	if reflex == "" {
		return contracts.E(contracts.KindInvalidInput, op, "reflex principal required")
	}
	i.mu.Lock()
	prev := i.reflex
	i.reflex = reflex
	i.mu.Unlock()
	i.logger.InfoContext(ctx, "reflex registered", "by", caller, "reflex", reflex, "previous", prev)
	return nil
}

// Reflex returns the registered reflex principal.
func (i *Issuer) Reflex() contracts.Principal {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.reflex
}

// SetRateLimit replaces the sliding-window limits. Governor only.
func (i *Issuer) SetRateLimit(ctx context.Context, caller contracts.Principal, l admission.Limits) error {
	const op = "capability.set_rate_limit"
	if err := i.authz.Require(op, caller, authority.RoleGovernor); err != nil {
		return err
	}
	if err := i.limiter.Configure(l); err != nil {
		return contracts.Wrap(contracts.KindInvalidInput, op, err)
	}
	i.logger.InfoContext(ctx, "rate limit updated", "by", caller, "window_sec", l.WindowSec, "max", l.Max)
	return nil
}

// RateLimit returns the active sliding-window limits.
func (i *Issuer) RateLimit() admission.Limits { return i.limiter.Limits() }

// SetCircuitBreaker replaces the breaker configuration. Governor only.
func (i *Issuer) SetCircuitBreaker(ctx context.Context, caller contracts.Principal, cfg admission.BreakerConfig) error {
	const op = "capability.set_circuit_breaker"
	if err := i.authz.Require(op, caller, authority.RoleGovernor); err != nil {
		return err
	}
	if err := i.breakers.Configure(cfg); err != nil {
		return contracts.Wrap(contracts.KindInvalidInput, op, err)
	}
	i.logger.InfoContext(ctx, "circuit breaker updated", "by", caller,
		"threshold", cfg.Threshold, "timeout_sec", cfg.TimeoutSec, "recovery", cfg.Recovery)
	return nil
}

// CircuitBreaker returns the active breaker configuration.
func (i *Issuer) CircuitBreaker() admission.BreakerConfig { return i.breakers.Config() }

// Pause stops issuance. Revocation and validity checks keep working.
func (i *Issuer) Pause(ctx context.Context, caller contracts.Principal) error {
	return i.setPaused(ctx, caller, true)
}

// Unpause resumes issuance.
func (i *Issuer) Unpause(ctx context.Context, caller contracts.Principal) error {
	return i.setPaused(ctx, caller, false)
}

// Paused reports whether issuance is paused.
func (i *Issuer) Paused() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.paused
}

func (i *Issuer) setPaused(ctx context.Context, caller contracts.Principal, paused bool) error {
	const op = "capability.pause"
	if err := i.authz.Require(op, caller, authority.RoleGovernor); err != nil {
		return err
	}
	i.mu.Lock()
	i.paused = paused
	i.mu.Unlock()
	i.logger.WarnContext(ctx, "issuance pause toggled", "by", caller, "paused", paused)
	return nil
}

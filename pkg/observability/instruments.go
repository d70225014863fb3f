package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments records safety-domain metrics. A nil *Instruments is valid
// and records nothing.
type Instruments struct {
	toneUpdates  metric.Int64Counter
	transitions  metric.Int64Counter
	issued       metric.Int64Counter
	rejected     metric.Int64Counter
	revoked      metric.Int64Counter
	reflexPasses metric.Int64Counter
	evidence     metric.Int64Counter
	activeTokens metric.Int64UpDownCounter
}

// NewInstruments creates the counters on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	i := &Instruments{}
	var err error
	if i.toneUpdates, err = meter.Int64Counter("vagus.ans.tone_updates",
		metric.WithDescription("Accepted tone updates")); err != nil {
		return nil, err
	}
	if i.transitions, err = meter.Int64Counter("vagus.ans.transitions",
		metric.WithDescription("Safety state transitions")); err != nil {
		return nil, err
	}
	if i.issued, err = meter.Int64Counter("vagus.capability.issued",
		metric.WithDescription("Capability tokens minted")); err != nil {
		return nil, err
	}
	if i.rejected, err = meter.Int64Counter("vagus.capability.rejected",
		metric.WithDescription("Issuance requests rejected, by error kind")); err != nil {
		return nil, err
	}
	if i.revoked, err = meter.Int64Counter("vagus.capability.revoked",
		metric.WithDescription("Capability tokens revoked, by reason")); err != nil {
		return nil, err
	}
	if i.reflexPasses, err = meter.Int64Counter("vagus.reflex.passes",
		metric.WithDescription("Reflex revocation passes executed")); err != nil {
		return nil, err
	}
	if i.evidence, err = meter.Int64Counter("vagus.afferent.evidence",
		metric.WithDescription("Evidence packets accepted")); err != nil {
		return nil, err
	}
	if i.activeTokens, err = meter.Int64UpDownCounter("vagus.capability.active",
		metric.WithDescription("Tokens currently in the active index")); err != nil {
		return nil, err
	}
	return i, nil
}

func (i *Instruments) ToneUpdated(ctx context.Context) {
	if i == nil {
		return
	}
	i.toneUpdates.Add(ctx, 1)
}

func (i *Instruments) Transition(ctx context.Context, from, to string) {
	if i == nil {
		return
	}
	i.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (i *Instruments) Issued(ctx context.Context) {
	if i == nil {
		return
	}
	i.issued.Add(ctx, 1)
	i.activeTokens.Add(ctx, 1)
}

func (i *Instruments) Rejected(ctx context.Context, kind string) {
	if i == nil {
		return
	}
	i.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Deactivated records tokens leaving the active index (revoked or pruned).
func (i *Instruments) Deactivated(ctx context.Context, n int) {
	if i == nil || n == 0 {
		return
	}
	i.activeTokens.Add(ctx, -int64(n))
}

func (i *Instruments) Revoked(ctx context.Context, reason string) {
	if i == nil {
		return
	}
	i.revoked.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (i *Instruments) ReflexPass(ctx context.Context, trigger string, revoked int) {
	if i == nil {
		return
	}
	i.reflexPasses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.Bool("revoked_any", revoked > 0),
	))
}

func (i *Instruments) EvidenceAccepted(ctx context.Context) {
	if i == nil {
		return
	}
	i.evidence.Add(ctx, 1)
}

package reflex

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

// DangerPredicate decides whether an evidence packet indicates danger.
type DangerPredicate interface {
	Dangerous(ctx context.Context, ev contracts.Evidence) (bool, error)
}

// Never is the predicate that never fires.
type Never struct{}

func (Never) Dangerous(context.Context, contracts.Evidence) (bool, error) { return false, nil }

// ToneThreshold fires when the packet carries a tone at or above Threshold.
type ToneThreshold struct {
	Threshold uint32
}

func (p ToneThreshold) Dangerous(_ context.Context, ev contracts.Evidence) (bool, error) {
	return ev.Tone != nil && *ev.Tone >= p.Threshold, nil
}

// CELPredicate evaluates a boolean CEL expression over the packet, exposed
// as the map variable "evidence" with keys tone (int, -1 when absent),
// metrics (map of double), timestamp (int) and executor_id (uint).
type CELPredicate struct {
	expr string
	prg  cel.Program
}

// NewCELPredicate compiles expr.
func NewCELPredicate(expr string) (*CELPredicate, error) {
	env, err := cel.NewEnv(
		cel.Variable("evidence", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("reflex: cel environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("reflex: compile %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("reflex: program %q: %w", expr, err)
	}
	return &CELPredicate{expr: expr, prg: prg}, nil
}

// Expr returns the source expression.
func (p *CELPredicate) Expr() string { return p.expr }

func (p *CELPredicate) Dangerous(ctx context.Context, ev contracts.Evidence) (bool, error) {
	tone := int64(-1)
	if ev.Tone != nil {
		tone = int64(*ev.Tone)
	}
	metrics := make(map[string]any, len(ev.Metrics))
	for k, v := range ev.Metrics {
		metrics[k] = v
	}
	out, _, err := p.prg.ContextEval(ctx, map[string]any{
		"evidence": map[string]any{
			"tone":        tone,
			"metrics":     metrics,
			"timestamp":   ev.Timestamp,
			"executor_id": uint64(ev.ExecutorID),
		},
	})
	if err != nil {
		return false, fmt.Errorf("reflex: eval %q: %w", p.expr, err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("reflex: %q did not evaluate to a bool", p.expr)
	}
	return v, nil
}

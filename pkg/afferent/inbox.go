// Package afferent is the evidence boundary of the engine. Attestors post
// evidence packets carrying dual-digest commitments of an executor's state
// root and metrics; the inbox keeps the latest packet per executor and
// exposes its state root as the freshness commitment the issuer checks.
package afferent

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/authority"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/canonicalize"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/notify"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/observability"
)

// Listener is told about every accepted packet. The reflex arc implements it.
type Listener interface {
	OnAEP(ctx context.Context, caller contracts.Principal, executorID contracts.ExecutorID) error
}

// Inbox stores the latest evidence packet per executor.
type Inbox struct {
	mu       sync.RWMutex
	latest   map[contracts.ExecutorID]contracts.Evidence
	listener Listener

	authz   *authority.Registry
	events  notify.Emitter
	metrics *observability.Instruments
	clock   contracts.Clock
	logger  *slog.Logger
}

// NewInbox creates an empty inbox.
func NewInbox(authz *authority.Registry) (*Inbox, error) {
	if authz == nil {
		return nil, fmt.Errorf("afferent: authority registry required")
	}
	return &Inbox{
		latest: make(map[contracts.ExecutorID]contracts.Evidence),
		authz:  authz,
		events: notify.Nop{},
		clock:  contracts.WallClock{},
		logger: slog.Default().With("component", "afferent"),
	}, nil
}

// SetClock overrides the clock (for testing).
func (in *Inbox) SetClock(c contracts.Clock) { in.clock = c }

// SetEmitter sets the notification emitter.
func (in *Inbox) SetEmitter(e notify.Emitter) { in.events = e }

// SetInstruments sets the metrics recorder.
func (in *Inbox) SetInstruments(m *observability.Instruments) { in.metrics = m }

// SetListener registers or replaces the listener. Governor only; a nil
// listener detaches it.
func (in *Inbox) SetListener(ctx context.Context, caller contracts.Principal, l Listener) error {
	if err := in.authz.Require("afferent.set_listener", caller, authority.RoleGovernor); err != nil {
		return err
	}
	in.mu.Lock()
	in.listener = l
	in.mu.Unlock()
	in.logger.InfoContext(ctx, "evidence listener updated", "by", caller, "attached", l != nil)
	return nil
}

// PostEvidence validates and stores ev as the executor's latest packet. The
// inbox stamps Attestor and Timestamp itself. When Metrics are supplied they
// must hash to the packet's metrics commitments.
func (in *Inbox) PostEvidence(ctx context.Context, caller contracts.Principal, ev contracts.Evidence) (contracts.Evidence, error) {
	const op = "afferent.post_evidence"
	if !in.authz.Has(caller, authority.RoleAttestor) {
		return contracts.Evidence{}, contracts.Errorf(contracts.KindUnauthorizedAttestor, op, "principal %q is not an attestor", caller)
	}
	if ev.StateRootSHA256.IsZero() || ev.StateRootKeccak.IsZero() || ev.MetricsHashSHA256.IsZero() || ev.MetricsHashKeccak.IsZero() {
		return contracts.Evidence{}, contracts.E(contracts.KindInvalidInput, op, "all four commitments are required")
	}
	if ev.Tone != nil && *ev.Tone > contracts.MaxTone {
		return contracts.Evidence{}, contracts.Errorf(contracts.KindInvalidInput, op, "tone %d exceeds %d", *ev.Tone, contracts.MaxTone)
	}
	if ev.Metrics != nil {
		d, err := canonicalize.EvidenceMetrics(ev.Metrics)
		if err != nil {
			return contracts.Evidence{}, contracts.Wrap(contracts.KindInvalidInput, op, err)
		}
		if d.SHA256 != ev.MetricsHashSHA256 || d.Keccak256 != ev.MetricsHashKeccak {
			return contracts.Evidence{}, contracts.E(contracts.KindInvalidInput, op, "metrics do not match their commitments")
		}
	}
	ev.Metrics = maps.Clone(ev.Metrics)
	if ev.Tone != nil {
		tone := *ev.Tone
		ev.Tone = &tone
	}
	ev.Attestor = caller
	ev.Timestamp = contracts.Unix(in.clock)

	in.mu.Lock()
	in.latest[ev.ExecutorID] = ev
	listener := in.listener
	in.mu.Unlock()

	in.metrics.EvidenceAccepted(ctx)
	in.events.Emit(ctx, notify.EvidencePosted{
		ExecutorID:        ev.ExecutorID,
		StateRootSHA256:   ev.StateRootSHA256,
		StateRootKeccak:   ev.StateRootKeccak,
		MetricsHashSHA256: ev.MetricsHashSHA256,
		MetricsHashKeccak: ev.MetricsHashKeccak,
		Attestor:          ev.Attestor,
		Timestamp:         ev.Timestamp,
	})
	in.logger.DebugContext(ctx, "evidence accepted", "executor_id", ev.ExecutorID, "attestor", caller)

	if listener != nil {
		if err := listener.OnAEP(ctx, authority.SystemAfferent, ev.ExecutorID); err != nil {
			in.logger.WarnContext(ctx, "evidence listener failed", "executor_id", ev.ExecutorID, "error", err)
		}
	}
	return ev, nil
}

// LatestStateRoot returns the SHA-256 state root of the latest packet, or
// the zero hash when none was posted.
func (in *Inbox) LatestStateRoot(_ context.Context, executorID contracts.ExecutorID) contracts.Hash {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.latest[executorID].StateRootSHA256
}

// Latest returns the latest packet for executorID.
func (in *Inbox) Latest(_ context.Context, executorID contracts.ExecutorID) (contracts.Evidence, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	ev, ok := in.latest[executorID]
	return ev, ok
}

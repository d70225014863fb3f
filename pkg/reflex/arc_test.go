package reflex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/authority"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/capability"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/notify"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type sweepCall struct {
	caller     contracts.Principal
	start, max int
}

// fakeRevoker keeps an ordered active list per executor and revokes whole
// pages from it.
type fakeRevoker struct {
	active map[contracts.ExecutorID][]contracts.TokenID
	next   contracts.TokenID
	calls  []sweepCall
	err    error
}

func (r *fakeRevoker) Sweep(_ context.Context, caller contracts.Principal, id contracts.ExecutorID, start, max int) (capability.SweepResult, error) {
	r.calls = append(r.calls, sweepCall{caller, start, max})
	if r.err != nil {
		return capability.SweepResult{NextIndex: start}, r.err
	}
	ids := r.active[id]
	res := capability.SweepResult{NextIndex: start}
	if start >= len(ids) {
		return res, nil
	}
	end := start + max
	if end > len(ids) {
		end = len(ids)
	}
	res.Revoked = append(res.Revoked, ids[start:end]...)
	r.active[id] = append(append([]contracts.TokenID{}, ids[:start]...), ids[end:]...)
	res.Remaining = len(r.active[id]) - start
	return res, nil
}

func (r *fakeRevoker) add(id contracts.ExecutorID, n int) {
	for i := 0; i < n; i++ {
		r.next++
		r.active[id] = append(r.active[id], r.next)
	}
}

type evidenceMap map[contracts.ExecutorID]contracts.Evidence

func (m evidenceMap) Latest(_ context.Context, id contracts.ExecutorID) (contracts.Evidence, bool) {
	ev, ok := m[id]
	return ev, ok
}

type fixture struct {
	arc      *Arc
	revoker  *fakeRevoker
	evidence evidenceMap
	clock    *fakeClock
	rec      *notify.Recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	reg := authority.NewRegistry()
	reg.Grant(authority.SystemANS, authority.RoleStateManager)
	reg.Grant(authority.SystemAfferent, authority.RoleEvidenceSource)
	reg.Grant("keeper", authority.RoleKeeper)
	reg.Grant("operator", authority.RoleOperator)
	reg.Grant("gov", authority.RoleGovernor)

	rv := &fakeRevoker{active: make(map[contracts.ExecutorID][]contracts.TokenID)}
	ev := evidenceMap{}
	arc, err := NewArc(cfg, rv, ev, reg)
	require.NoError(t, err)
	clock := &fakeClock{t: time.Unix(10_000, 0)}
	rec := &notify.Recorder{}
	arc.SetClock(clock)
	arc.SetEmitter(notify.NewBus(clock, rec))
	return &fixture{arc: arc, revoker: rv, evidence: ev, clock: clock, rec: rec}
}

func TestOnStateChange_CooldownSuppressesSecondPass(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.revoker.add(1, 3)

	require.NoError(t, f.arc.OnStateChange(ctx, authority.SystemANS, 1, contracts.StateDanger))
	require.Len(t, f.revoker.calls, 1)
	assert.Equal(t, sweepCall{authority.SystemReflex, 0, 50}, f.revoker.calls[0])
	assert.Empty(t, f.revoker.active[1])

	f.revoker.add(1, 2)
	f.clock.Advance(29 * time.Second)
	require.NoError(t, f.arc.OnStateChange(ctx, authority.SystemANS, 1, contracts.StateDanger))
	assert.Len(t, f.revoker.calls, 1, "no second pass inside the cooldown")
	assert.Len(t, f.revoker.active[1], 2)

	triggered := f.rec.OfType(notify.TypeReflexTriggered)
	require.Len(t, triggered, 1)
	assert.Equal(t, notify.ReflexTriggered{
		ExecutorID: 1, Reason: "state:DANGER", RevokedCount: 3, TriggeredAt: 10_000,
	}, triggered[0])

	f.clock.Advance(time.Second)
	require.NoError(t, f.arc.OnStateChange(ctx, authority.SystemANS, 1, contracts.StateShutdown))
	assert.Len(t, f.revoker.calls, 2)
	assert.Empty(t, f.revoker.active[1])
}

func TestOnStateChange(t *testing.T) {
	ctx := context.Background()

	t.Run("safe is ignored", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		require.NoError(t, f.arc.OnStateChange(ctx, authority.SystemANS, 1, contracts.StateSafe))
		assert.Empty(t, f.revoker.calls)
		_, ok := f.arc.LastPass(1)
		assert.False(t, ok)
	})

	t.Run("caller must be state manager", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		err := f.arc.OnStateChange(ctx, "keeper", 1, contracts.StateDanger)
		assert.ErrorIs(t, err, contracts.ErrUnauthorized)
		assert.Empty(t, f.revoker.calls)
	})

	t.Run("no notification without revocations", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		require.NoError(t, f.arc.OnStateChange(ctx, authority.SystemANS, 1, contracts.StateDanger))
		assert.Len(t, f.revoker.calls, 1)
		assert.Empty(t, f.rec.Events())
		last, ok := f.arc.LastPass(1)
		require.True(t, ok)
		assert.Equal(t, int64(10_000), last)
	})

	t.Run("cooldown is per executor", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		require.NoError(t, f.arc.OnStateChange(ctx, authority.SystemANS, 1, contracts.StateDanger))
		require.NoError(t, f.arc.OnStateChange(ctx, authority.SystemANS, 2, contracts.StateDanger))
		assert.Len(t, f.revoker.calls, 2)
	})

	t.Run("revoker failure surfaces", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.revoker.err = errors.New("issuer down")
		assert.Error(t, f.arc.OnStateChange(ctx, authority.SystemANS, 1, contracts.StateDanger))
	})
}

func TestPaginationAndPulse(t *testing.T) {
	f := newFixture(t, Config{CooldownSec: 30, PageSize: 2, ManualPageSize: 4})
	ctx := context.Background()
	f.revoker.add(1, 5)

	require.NoError(t, f.arc.OnStateChange(ctx, authority.SystemANS, 1, contracts.StateDanger))
	assert.Len(t, f.revoker.active[1], 3)

	_, err := f.arc.Pulse(ctx, "operator", 1, 0, 2)
	assert.ErrorIs(t, err, contracts.ErrUnauthorized)
	_, err = f.arc.Pulse(ctx, "keeper", 1, -1, 2)
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)

	res, err := f.arc.Pulse(ctx, "keeper", 1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, PageResult{Revoked: 2, NextIndex: 0, Remaining: 1}, res)

	res, err = f.arc.Pulse(ctx, "keeper", 1, res.NextIndex, 10)
	require.NoError(t, err)
	assert.Equal(t, PageResult{Revoked: 1, NextIndex: 0, Remaining: 0}, res)

	res, err = f.arc.Pulse(ctx, "keeper", 1, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Revoked)

	assert.Len(t, f.rec.OfType(notify.TypeReflexTriggered), 3)
	last, _ := f.arc.LastPass(1)
	assert.Equal(t, int64(10_000), last, "pulse does not restart the cooldown")
}

func TestManualTrigger(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.revoker.add(1, 3)

	_, err := f.arc.ManualTrigger(ctx, "keeper", 1, "drill")
	assert.ErrorIs(t, err, contracts.ErrUnauthorized)
	_, err = f.arc.ManualTrigger(ctx, "operator", 1, "")
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)

	res, err := f.arc.ManualTrigger(ctx, "operator", 1, "operator drill")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Revoked)
	assert.Equal(t, 200, f.revoker.calls[0].max)

	_, err = f.arc.ManualTrigger(ctx, "operator", 1, "again")
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)

	// The manual pass also silences automatic triggers.
	require.NoError(t, f.arc.OnStateChange(ctx, authority.SystemANS, 1, contracts.StateDanger))
	assert.Len(t, f.revoker.calls, 1)

	triggered := f.rec.OfType(notify.TypeReflexTriggered)
	require.Len(t, triggered, 1)
	assert.Equal(t, "operator drill", triggered[0].(notify.ReflexTriggered).Reason)
}

func TestOnAEP(t *testing.T) {
	ctx := context.Background()
	tone := uint32(900_000)

	t.Run("predicate fires", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.arc.SetPredicate(ToneThreshold{Threshold: 800_000})
		f.revoker.add(4, 1)
		f.evidence[4] = contracts.Evidence{ExecutorID: 4, Tone: &tone}

		require.NoError(t, f.arc.OnAEP(ctx, authority.SystemAfferent, 4))
		assert.Len(t, f.revoker.calls, 1)
		triggered := f.rec.OfType(notify.TypeReflexTriggered)
		require.Len(t, triggered, 1)
		assert.Equal(t, "evidence", triggered[0].(notify.ReflexTriggered).Reason)
	})

	t.Run("default predicate never fires", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.evidence[4] = contracts.Evidence{ExecutorID: 4, Tone: &tone}
		require.NoError(t, f.arc.OnAEP(ctx, authority.SystemAfferent, 4))
		assert.Empty(t, f.revoker.calls)
		_, ok := f.arc.LastPass(4)
		assert.False(t, ok, "a quiet packet does not start the cooldown")
	})

	t.Run("no evidence", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.arc.SetPredicate(ToneThreshold{Threshold: 0})
		require.NoError(t, f.arc.OnAEP(ctx, authority.SystemAfferent, 4))
		assert.Empty(t, f.revoker.calls)
	})

	t.Run("caller must be evidence source", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		assert.ErrorIs(t, f.arc.OnAEP(ctx, authority.SystemANS, 4), contracts.ErrUnauthorized)
	})

	t.Run("predicate error", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		p, err := NewCELPredicate(`evidence.metrics["missing"] > 1.0`)
		require.NoError(t, err)
		f.arc.SetPredicate(p)
		f.evidence[4] = contracts.Evidence{ExecutorID: 4}
		assert.ErrorIs(t, f.arc.OnAEP(ctx, authority.SystemAfferent, 4), contracts.ErrInternal)
	})
}

func TestSetConfig(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	assert.ErrorIs(t, f.arc.SetConfig(ctx, "keeper", DefaultConfig()), contracts.ErrUnauthorized)
	assert.ErrorIs(t, f.arc.SetConfig(ctx, "gov", Config{PageSize: 0, ManualPageSize: 1}), contracts.ErrInvalidInput)
	require.NoError(t, f.arc.SetConfig(ctx, "gov", Config{CooldownSec: 0, PageSize: 1, ManualPageSize: 1}))
	assert.Equal(t, 1, f.arc.Config().PageSize)

	_, err := NewArc(Config{}, nil, nil, nil)
	assert.Error(t, err)
}

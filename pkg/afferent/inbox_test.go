package afferent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/authority"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/canonicalize"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/notify"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type listenerCall struct {
	caller   contracts.Principal
	executor contracts.ExecutorID
}

type recordingListener struct {
	calls []listenerCall
	err   error
}

func (l *recordingListener) OnAEP(_ context.Context, caller contracts.Principal, id contracts.ExecutorID) error {
	l.calls = append(l.calls, listenerCall{caller, id})
	return l.err
}

func newInbox(t *testing.T) (*Inbox, *notify.Recorder) {
	t.Helper()
	reg := authority.NewRegistry()
	reg.Grant("attestor-1", authority.RoleAttestor)
	reg.Grant("gov", authority.RoleGovernor)
	in, err := NewInbox(reg)
	require.NoError(t, err)
	in.SetClock(fixedClock{t: time.Unix(5_000, 0)})
	rec := &notify.Recorder{}
	in.SetEmitter(notify.NewBus(fixedClock{t: time.Unix(5_000, 0)}, rec))
	return in, rec
}

func packet(t *testing.T, metrics map[string]float64) contracts.Evidence {
	t.Helper()
	d, err := canonicalize.EvidenceMetrics(metrics)
	require.NoError(t, err)
	state := canonicalize.Digest([]byte("state-root-1"))
	return contracts.Evidence{
		ExecutorID:        3,
		StateRootSHA256:   state.SHA256,
		StateRootKeccak:   state.Keccak256,
		MetricsHashSHA256: d.SHA256,
		MetricsHashKeccak: d.Keccak256,
		Metrics:           metrics,
	}
}

func TestPostEvidence(t *testing.T) {
	in, rec := newInbox(t)
	ctx := context.Background()
	l := &recordingListener{}
	require.NoError(t, in.SetListener(ctx, "gov", l))

	assert.True(t, in.LatestStateRoot(ctx, 3).IsZero())

	ev := packet(t, map[string]float64{"temp_c": 81.5})
	ev.Attestor = "spoofed"
	ev.Timestamp = 1
	stored, err := in.PostEvidence(ctx, "attestor-1", ev)
	require.NoError(t, err)
	assert.Equal(t, contracts.Principal("attestor-1"), stored.Attestor)
	assert.Equal(t, int64(5_000), stored.Timestamp)

	assert.Equal(t, ev.StateRootSHA256, in.LatestStateRoot(ctx, 3))
	latest, ok := in.Latest(ctx, 3)
	require.True(t, ok)
	assert.Equal(t, 81.5, latest.Metrics["temp_c"])

	ev.Metrics["temp_c"] = 0
	latest, _ = in.Latest(ctx, 3)
	assert.Equal(t, 81.5, latest.Metrics["temp_c"], "inbox keeps its own copy")

	require.Len(t, rec.OfType(notify.TypeEvidencePosted), 1)
	assert.Equal(t, []listenerCall{{authority.SystemAfferent, 3}}, l.calls)
}

func TestPostEvidence_Rejections(t *testing.T) {
	in, rec := newInbox(t)
	ctx := context.Background()

	_, err := in.PostEvidence(ctx, "gov", packet(t, nil))
	assert.ErrorIs(t, err, contracts.ErrUnauthorizedAttestor)

	ev := packet(t, nil)
	ev.StateRootKeccak = contracts.ZeroHash
	_, err = in.PostEvidence(ctx, "attestor-1", ev)
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)

	ev = packet(t, nil)
	tone := uint32(contracts.MaxTone + 1)
	ev.Tone = &tone
	_, err = in.PostEvidence(ctx, "attestor-1", ev)
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)

	ev = packet(t, map[string]float64{"temp_c": 1})
	ev.Metrics = map[string]float64{"temp_c": 2}
	_, err = in.PostEvidence(ctx, "attestor-1", ev)
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)

	assert.Empty(t, rec.Events())
	_, ok := in.Latest(ctx, 3)
	assert.False(t, ok)
}

func TestPostEvidence_ListenerFailureIsSwallowed(t *testing.T) {
	in, _ := newInbox(t)
	ctx := context.Background()
	require.NoError(t, in.SetListener(ctx, "gov", &recordingListener{err: errors.New("reflex down")}))

	_, err := in.PostEvidence(ctx, "attestor-1", packet(t, nil))
	require.NoError(t, err)
	assert.False(t, in.LatestStateRoot(ctx, 3).IsZero())
}

func TestSetListener_GovernorOnly(t *testing.T) {
	in, _ := newInbox(t)
	err := in.SetListener(context.Background(), "attestor-1", &recordingListener{})
	assert.ErrorIs(t, err, contracts.ErrUnauthorized)

	_, err = NewInbox(nil)
	assert.Error(t, err)
}

package ans

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

func run(t *testing.T, s ExecutorSafetyState, cfg HysteresisConfig, tones []uint32, start int64) (ExecutorSafetyState, []bool) {
	t.Helper()
	var fired []bool
	for i, tone := range tones {
		var tr bool
		s, tr = Step(s, cfg, tone, start+int64(i))
		fired = append(fired, tr)
	}
	return s, fired
}

func TestStep_SafeToDangerAfterThreeReadings(t *testing.T) {
	s, fired := run(t, ExecutorSafetyState{}, DefaultConfig(), []uint32{350000, 350000, 350000}, 1000)

	assert.Equal(t, []bool{false, false, true}, fired)
	assert.Equal(t, contracts.StateDanger, s.State)
	assert.Equal(t, int64(1002), s.LastTransitionAt)
	assert.Equal(t, contracts.Guard{ScalingFactor: 6000, Allowed: true}, contracts.GuardOf(s.State))
}

func TestStep_DangerToSafeAfterDwell(t *testing.T) {
	cfg := DefaultConfig()
	s := ExecutorSafetyState{State: contracts.StateDanger, LastTransitionAt: 1000}

	s, fired := run(t, s, cfg, []uint32{100000, 100000, 100000, 100000, 100000}, 1000+cfg.DwellMinSec)

	assert.Equal(t, []bool{false, false, false, false, true}, fired)
	assert.Equal(t, contracts.StateSafe, s.State)
	assert.Zero(t, s.CtrDanger)
	assert.Zero(t, s.CtrSafe)
	assert.Zero(t, s.CtrShutdown)
}

func TestStep_BandReadingsDoNotAccumulate(t *testing.T) {
	cfg := DefaultConfig()
	s := ExecutorSafetyState{State: contracts.StateDanger, CtrSafe: 4, CtrShutdown: 1}

	for i := 0; i < 50; i++ {
		var tr bool
		s, tr = Step(s, cfg, 200000, int64(10000+i))
		require.False(t, tr)
		require.Equal(t, contracts.StateDanger, s.State)
		require.Zero(t, s.CtrSafe)
		require.Zero(t, s.CtrShutdown)
		require.Zero(t, s.CtrDanger)
	}
}

func TestStep_DwellBlocksTransition(t *testing.T) {
	cfg := DefaultConfig()
	s := ExecutorSafetyState{State: contracts.StateSafe, LastTransitionAt: 5000}

	s, fired := run(t, s, cfg, []uint32{900000, 900000, 900000, 900000}, 5010)
	assert.Equal(t, []bool{false, false, false, false}, fired)
	assert.Equal(t, contracts.StateSafe, s.State)
	assert.Equal(t, uint8(4), s.CtrDanger)

	s, tr := Step(s, cfg, 900000, 5000+cfg.DwellMinSec)
	assert.True(t, tr)
	assert.Equal(t, contracts.StateDanger, s.State)
}

func TestStep_CountersSaturate(t *testing.T) {
	cfg := DefaultConfig()
	s := ExecutorSafetyState{State: contracts.StateSafe, LastTransitionAt: 1 << 40, CtrDanger: 254}

	s, _ = Step(s, cfg, 400000, 1)
	assert.Equal(t, uint8(255), s.CtrDanger)
	s, _ = Step(s, cfg, 400000, 2)
	assert.Equal(t, uint8(255), s.CtrDanger)
}

func TestStep_ShutdownHasNoExit(t *testing.T) {
	cfg := DefaultConfig()
	s := ExecutorSafetyState{State: contracts.StateShutdown, LastTransitionAt: 1, CtrSafe: 3}

	for _, tone := range []uint32{0, 0, 0, 0, 0, 0, 500000, 900000} {
		var tr bool
		s, tr = Step(s, cfg, tone, 1_000_000)
		require.False(t, tr)
	}
	assert.Equal(t, contracts.StateShutdown, s.State)
	assert.Zero(t, s.CtrSafe)
	assert.Equal(t, uint32(900000), s.Tone)
}

func TestStep_ShutdownPriorityOverSafeExit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NShutdownEnter = 1
	s := ExecutorSafetyState{State: contracts.StateDanger, CtrSafe: 4}

	s, tr := Step(s, cfg, 950000, 100)
	assert.True(t, tr)
	assert.Equal(t, contracts.StateShutdown, s.State)
}

func TestStep_NoTransitionOnlyUpdatesToneAndTime(t *testing.T) {
	s := ExecutorSafetyState{State: contracts.StateSafe, UpdatedAt: 10, LastTransitionAt: 7}
	next, tr := Step(s, DefaultConfig(), 1000, 42)
	assert.False(t, tr)
	assert.Equal(t, uint32(1000), next.Tone)
	assert.Equal(t, int64(42), next.UpdatedAt)
	assert.Equal(t, int64(7), next.LastTransitionAt)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.SafeExitTone = bad.DangerEnterTone
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.ShutdownEnterTone = bad.DangerEnterTone - 1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.ShutdownEnterTone = contracts.MaxTone + 1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.NSafeExit = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.DwellMinSec = -1
	assert.Error(t, bad.Validate())
}

type tableRow struct {
	Step             int                `json:"step"`
	Tone             uint32             `json:"tone"`
	Now              int64              `json:"now"`
	State            contracts.ANSState `json:"state"`
	CtrDanger        uint8              `json:"ctrDanger"`
	CtrSafe          uint8              `json:"ctrSafe"`
	CtrShutdown      uint8              `json:"ctrShutdown"`
	LastTransitionAt int64              `json:"lastTransitionAt"`
	Transitioned     bool               `json:"transitioned"`
}

// TestStep_GoldenTable pins the transition function to a shared table that
// other runtimes hosting the state machine verify against.
func TestStep_GoldenTable(t *testing.T) {
	readings := []struct {
		tone uint32
		now  int64
	}{
		{350000, 1000}, {100000, 1001}, {350000, 1002}, {350000, 1003}, {350000, 1004},
		{100000, 1010}, {100000, 1011}, {100000, 1012}, {100000, 1013}, {100000, 1014}, {100000, 1015},
		{200000, 1020},
		{100000, 1070}, {100000, 1071}, {100000, 1072}, {100000, 1073}, {100000, 1074},
		{900000, 1080}, {900000, 1081}, {900000, 1140},
		{900000, 1150}, {900000, 1151}, {900000, 1200}, {900000, 1201},
		{0, 1300},
	}

	cfg := DefaultConfig()
	var s ExecutorSafetyState
	rows := make([]tableRow, 0, len(readings))
	for i, r := range readings {
		var tr bool
		s, tr = Step(s, cfg, r.tone, r.now)
		rows = append(rows, tableRow{
			Step:             i + 1,
			Tone:             r.tone,
			Now:              r.now,
			State:            s.State,
			CtrDanger:        s.CtrDanger,
			CtrSafe:          s.CtrSafe,
			CtrShutdown:      s.CtrShutdown,
			LastTransitionAt: s.LastTransitionAt,
			Transitioned:     tr,
		})
	}

	out, err := json.MarshalIndent(rows, "", "  ")
	require.NoError(t, err)
	out = append(out, '\n')

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "hysteresis_table", out)
}

// Package ans implements the autonomic safety state machine.
//
// Each executor owns one ExecutorSafetyState. Tone readings (parts per
// million) feed saturating consecutive-reading counters; a transition fires
// only when a counter reaches its threshold and the dwell time since the last
// transition has elapsed. The transition function Step is pure so that every
// runtime hosting the engine can be verified against the same table
// (testdata/golden).
package ans

import (
	"fmt"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

// CounterCap is the saturation point of the consecutive-reading counters.
const CounterCap = 255

// ExecutorSafetyState is the per-executor record owned by the Manager.
// Times are Unix seconds and always positive; LastTransitionAt is zero until
// the first transition.
type ExecutorSafetyState struct {
	State            contracts.ANSState `json:"state"`
	Tone             uint32             `json:"tone"`
	UpdatedAt        int64              `json:"updatedAt"`
	LastTransitionAt int64              `json:"lastTransitionAt"`
	CtrDanger        uint8              `json:"ctrDanger"`
	CtrSafe          uint8              `json:"ctrSafe"`
	CtrShutdown      uint8              `json:"ctrShutdown"`
}

// HysteresisConfig parameterizes Step.
type HysteresisConfig struct {
	DangerEnterTone   uint32 `json:"dangerEnterTone" yaml:"danger_enter_tone"`
	SafeExitTone      uint32 `json:"safeExitTone" yaml:"safe_exit_tone"`
	ShutdownEnterTone uint32 `json:"shutdownEnterTone" yaml:"shutdown_enter_tone"`
	NDangerEnter      uint8  `json:"nDangerEnter" yaml:"n_danger_enter"`
	NSafeExit         uint8  `json:"nSafeExit" yaml:"n_safe_exit"`
	NShutdownEnter    uint8  `json:"nShutdownEnter" yaml:"n_shutdown_enter"`
	DwellMinSec       int64  `json:"dwellMinSec" yaml:"dwell_min_sec"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() HysteresisConfig {
	return HysteresisConfig{
		DangerEnterTone:   300_000,
		SafeExitTone:      150_000,
		ShutdownEnterTone: 800_000,
		NDangerEnter:      3,
		NSafeExit:         5,
		NShutdownEnter:    2,
		DwellMinSec:       60,
	}
}

// Validate checks threshold ordering and non-zero counts.
func (c HysteresisConfig) Validate() error {
	if c.SafeExitTone >= c.DangerEnterTone {
		return fmt.Errorf("ans: safe exit tone %d must be below danger enter tone %d", c.SafeExitTone, c.DangerEnterTone)
	}
	if c.DangerEnterTone > c.ShutdownEnterTone {
		return fmt.Errorf("ans: danger enter tone %d must not exceed shutdown enter tone %d", c.DangerEnterTone, c.ShutdownEnterTone)
	}
	if c.ShutdownEnterTone > contracts.MaxTone {
		return fmt.Errorf("ans: shutdown enter tone %d exceeds %d", c.ShutdownEnterTone, contracts.MaxTone)
	}
	if c.NDangerEnter == 0 || c.NSafeExit == 0 || c.NShutdownEnter == 0 {
		return fmt.Errorf("ans: consecutive-reading thresholds must be positive")
	}
	if c.DwellMinSec < 0 {
		return fmt.Errorf("ans: dwell must not be negative")
	}
	return nil
}

func inc(c uint8) uint8 {
	if c == CounterCap {
		return c
	}
	return c + 1
}

// Step applies one tone reading observed at now (seconds) and reports
// whether a transition fired. Counters are driven by the current state only;
// at most one transition fires per call, in priority SHUTDOWN, DANGER, SAFE.
// now must be positive: a zero LastTransitionAt reads as "never transitioned".
func Step(cur ExecutorSafetyState, cfg HysteresisConfig, tone uint32, now int64) (ExecutorSafetyState, bool) {
	next := cur
	next.Tone = tone
	next.UpdatedAt = now

	switch cur.State {
	case contracts.StateSafe:
		if tone >= cfg.DangerEnterTone {
			next.CtrDanger = inc(cur.CtrDanger)
		} else {
			next.CtrDanger = 0
		}
		next.CtrSafe, next.CtrShutdown = 0, 0
	case contracts.StateDanger:
		if tone >= cfg.ShutdownEnterTone {
			next.CtrShutdown = inc(cur.CtrShutdown)
		} else {
			next.CtrShutdown = 0
		}
		if tone < cfg.SafeExitTone {
			next.CtrSafe = inc(cur.CtrSafe)
		} else {
			next.CtrSafe = 0
		}
		next.CtrDanger = 0
	default:
		// SHUTDOWN has no automatic exit.
		next.CtrDanger, next.CtrSafe, next.CtrShutdown = 0, 0, 0
		return next, false
	}

	canTransition := cur.LastTransitionAt == 0 || now-cur.LastTransitionAt >= cfg.DwellMinSec
	if !canTransition {
		return next, false
	}

	target := cur.State
	switch {
	case cur.State == contracts.StateDanger && next.CtrShutdown >= cfg.NShutdownEnter:
		target = contracts.StateShutdown
	case cur.State == contracts.StateSafe && next.CtrDanger >= cfg.NDangerEnter:
		target = contracts.StateDanger
	case cur.State == contracts.StateDanger && next.CtrSafe >= cfg.NSafeExit:
		target = contracts.StateSafe
	}
	if target == cur.State {
		return next, false
	}

	next.State = target
	next.LastTransitionAt = now
	next.CtrDanger, next.CtrSafe, next.CtrShutdown = 0, 0, 0
	return next, true
}

package admission

import (
	"fmt"
	"sync"
)

// BreakerState is the circuit state of one key.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerStatus is the per-key breaker record.
type BreakerStatus struct {
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failureCount"`
	SuccessCount    int          `json:"successCount"`
	LastFailureTime int64        `json:"lastFailureTime"`
	NextAttemptTime int64        `json:"nextAttemptTime"`
}

// BreakerConfig configures every key's breaker.
type BreakerConfig struct {
	Threshold  int   `json:"threshold" yaml:"threshold"`    // consecutive failures that open the circuit
	TimeoutSec int64 `json:"timeoutSec" yaml:"timeout_sec"` // how long the circuit stays open
	Recovery   int   `json:"recovery" yaml:"recovery"`      // half-open successes that close it
}

// DefaultBreakerConfig returns threshold 5, timeout 300s, recovery 3.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, TimeoutSec: 300, Recovery: 3}
}

// Validate checks that every bound is positive.
func (c BreakerConfig) Validate() error {
	if c.Threshold <= 0 || c.TimeoutSec <= 0 || c.Recovery <= 0 {
		return fmt.Errorf("admission: breaker threshold, timeout and recovery must be positive")
	}
	return nil
}

// ErrCircuitOpen is returned by Check while a circuit is open.
var ErrCircuitOpen = fmt.Errorf("admission: circuit open")

// Breakers holds one circuit per key. Check never mutates; the OPEN to
// HALF_OPEN move is applied by the next RecordSuccess or RecordFailure, so a
// call rejected after the check leaves the record untouched.
type Breakers struct {
	mu     sync.Mutex
	cfg    BreakerConfig
	status map[Key]BreakerStatus
}

// NewBreakers creates an empty set of closed circuits.
func NewBreakers(cfg BreakerConfig) (*Breakers, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Breakers{cfg: cfg, status: make(map[Key]BreakerStatus)}, nil
}

// Configure replaces the configuration. Existing records keep their state.
func (b *Breakers) Configure(cfg BreakerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	return nil
}

// Config returns the active configuration.
func (b *Breakers) Config() BreakerConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Check returns the state a call at now would run under, or ErrCircuitOpen.
func (b *Breakers) Check(key Key, now int64) (BreakerState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.effective(key, now)
	if s.State == BreakerOpen {
		return BreakerOpen, ErrCircuitOpen
	}
	return s.State, nil
}

// RecordSuccess applies a committed success.
func (b *Breakers) RecordSuccess(key Key, now int64) BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.effective(key, now)
	switch s.State {
	case BreakerHalfOpen:
		s.SuccessCount++
		if s.SuccessCount >= b.cfg.Recovery {
			s = BreakerStatus{State: BreakerClosed, LastFailureTime: s.LastFailureTime}
		}
	case BreakerClosed:
		s.FailureCount = 0
	}
	b.status[key] = s
	return s
}

// RecordFailure applies a failure observed for key.
func (b *Breakers) RecordFailure(key Key, now int64) BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.effective(key, now)
	s.LastFailureTime = now
	switch s.State {
	case BreakerHalfOpen:
		s.State = BreakerOpen
		s.SuccessCount = 0
		s.FailureCount = b.cfg.Threshold
		s.NextAttemptTime = now + b.cfg.TimeoutSec
	case BreakerClosed:
		s.FailureCount++
		if s.FailureCount >= b.cfg.Threshold {
			s.State = BreakerOpen
			s.NextAttemptTime = now + b.cfg.TimeoutSec
		}
	}
	b.status[key] = s
	return s
}

// Status returns the stored record for key.
func (b *Breakers) Status(key Key) BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.status[key]; ok {
		return s
	}
	return BreakerStatus{State: BreakerClosed}
}

// effective returns the record as seen at now. Must be called with mu held.
func (b *Breakers) effective(key Key, now int64) BreakerStatus {
	s, ok := b.status[key]
	if !ok {
		return BreakerStatus{State: BreakerClosed}
	}
	if s.State == BreakerOpen && now >= s.NextAttemptTime {
		s.State = BreakerHalfOpen
		s.SuccessCount = 0
	}
	return s
}

// Package admission provides the admission controls applied by the capability
// issuer per (executor, action) key: a sliding-window rate limiter (in-memory
// or Redis-backed) and a circuit breaker.
//
// Both controls separate checking from recording so that a call rejected by
// a later precondition leaves no trace.
package admission

import (
	"context"
	"fmt"
	"sync"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

// Key identifies an admission bucket.
type Key struct {
	ExecutorID contracts.ExecutorID
	ActionID   contracts.Hash
}

// String renders the key for logs and storage.
func (k Key) String() string {
	return fmt.Sprintf("%d:%s", k.ExecutorID, k.ActionID)
}

// Limits configures a sliding window: at most Max requests per WindowSec.
type Limits struct {
	WindowSec int64 `json:"windowSec" yaml:"window_sec"`
	Max       int   `json:"max" yaml:"max"`
}

// DefaultLimits returns 10 requests per minute.
func DefaultLimits() Limits {
	return Limits{WindowSec: 60, Max: 10}
}

// Validate checks that both bounds are positive.
func (l Limits) Validate() error {
	if l.WindowSec <= 0 || l.Max <= 0 {
		return fmt.Errorf("admission: window and max must be positive, got %ds/%d", l.WindowSec, l.Max)
	}
	return nil
}

// Limiter is a sliding-window rate limiter.
type Limiter interface {
	// Allow purges expired entries and reports whether one more request fits.
	Allow(ctx context.Context, key Key, now int64) (bool, error)
	// Record appends a request timestamp.
	Record(ctx context.Context, key Key, now int64) error
	// Configure replaces the limits.
	Configure(l Limits) error
	Limits() Limits
}

// SlidingWindow is the in-memory Limiter. Entries with ts <= now-window are
// outside the window.
type SlidingWindow struct {
	mu      sync.Mutex
	limits  Limits
	entries map[Key][]int64
}

// NewSlidingWindow creates an in-memory limiter.
func NewSlidingWindow(l Limits) (*SlidingWindow, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &SlidingWindow{limits: l, entries: make(map[Key][]int64)}, nil
}

// Allow implements Limiter.
func (w *SlidingWindow) Allow(_ context.Context, key Key, now int64) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prune(key, now)) < w.limits.Max, nil
}

// Record implements Limiter.
func (w *SlidingWindow) Record(_ context.Context, key Key, now int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[key] = append(w.prune(key, now), now)
	return nil
}

// Count returns the number of requests currently inside the window.
func (w *SlidingWindow) Count(key Key, now int64) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prune(key, now))
}

// Configure implements Limiter.
func (w *SlidingWindow) Configure(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limits = l
	return nil
}

// Limits implements Limiter.
func (w *SlidingWindow) Limits() Limits {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.limits
}

// prune drops expired entries. Must be called with mu held.
func (w *SlidingWindow) prune(key Key, now int64) []int64 {
	ts := w.entries[key]
	cutoff := now - w.limits.WindowSec
	i := 0
	for i < len(ts) && ts[i] <= cutoff {
		i++
	}
	if i == len(ts) {
		delete(w.entries, key)
		return nil
	}
	if i > 0 {
		ts = ts[i:]
		w.entries[key] = ts
	}
	return ts
}

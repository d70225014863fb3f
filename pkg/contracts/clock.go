package contracts

import "time"

// Clock abstracts time for deterministic testing.
type Clock interface {
	Now() time.Time
}

// WallClock is the production clock.
type WallClock struct{}

// Now returns the current wall-clock time.
func (WallClock) Now() time.Time { return time.Now() }

// Unix returns the clock's time in whole seconds. Sub-second precision is
// floor-truncated so every comparison in the engine happens on seconds.
func Unix(c Clock) int64 {
	return c.Now().Unix()
}

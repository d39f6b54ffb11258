// Package clock provides the time source and id minter injected into every
// component. Tests substitute deterministic implementations.
package clock

import "time"

// Clock is the single time surface. Now is wall-clock UTC for persisted
// timestamps; Instant/Since are monotonic readings for TTLs, rate limiters
// and latency measurement.
type Clock interface {
	Now() time.Time
	Instant() Instant
	Since(Instant) time.Duration
}

// Instant is an opaque monotonic reading.
type Instant struct {
	t time.Time
}

// InstantAt wraps an absolute time as a reading. Fake clocks use this.
func InstantAt(t time.Time) Instant {
	return Instant{t: t}
}

// InstantTime unwraps a reading. Fake clocks use this.
func InstantTime(i Instant) time.Time {
	return i.t
}

// SystemClock reads the operating system clock.
type SystemClock struct{}

// NewSystem returns the production clock.
func NewSystem() *SystemClock {
	return &SystemClock{}
}

// Now returns the current wall-clock time in UTC.
func (c *SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Instant returns a monotonic reading.
func (c *SystemClock) Instant() Instant {
	return Instant{t: time.Now()}
}

// Since returns the elapsed monotonic duration since a reading.
func (c *SystemClock) Since(i Instant) time.Duration {
	return time.Since(i.t)
}

// Package testing provides shared test doubles and fixtures.
package testing

import (
	"sync"
	"time"

	"github.com/aristath/tradewire/internal/clock"
)

// FakeClock is a manually advanced clock for deterministic tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts a fake clock at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start.UTC()}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Instant returns a monotonic reading backed by the fake time.
func (c *FakeClock) Instant() clock.Instant {
	return clock.InstantAt(c.Now())
}

// Since measures fake elapsed time.
func (c *FakeClock) Since(i clock.Instant) time.Duration {
	return c.Now().Sub(clock.InstantTime(i))
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to an absolute instant.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// SequenceMinter mints deterministic ids: prefix_000001, prefix_000002, ...
type SequenceMinter struct {
	mu sync.Mutex
	n  int
}

// NewSequenceMinter creates a deterministic id minter.
func NewSequenceMinter() *SequenceMinter {
	return &SequenceMinter{}
}

// NewID returns the next id in sequence.
func (m *SequenceMinter) NewID(prefix string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	return prefix + "_" + padInt(m.n)
}

func padInt(n int) string {
	const digits = "0123456789"
	buf := []byte("000000")
	for i := len(buf) - 1; i >= 0 && n > 0; i-- {
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf)
}

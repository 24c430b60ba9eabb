package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a thread-safe fake wall clock for tests.
//
// Every call to Now returns a strictly later instant: the clock advances by
// a fixed step per call, starting at a fixed epoch. The same test therefore
// stamps identical updated_at and entry timestamps on every run.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// Epoch is the first instant returned by a new DeterministicClock.
var Epoch = time.UnixMilli(1_700_000_000_000).UTC()

// NewDeterministicClock creates a clock starting at Epoch that advances
// by one millisecond per call to Now.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{now: Epoch, step: time.Millisecond}
}

// Now returns the current instant and advances the clock by one step.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the instant the next Now call will return.
func (c *DeterministicClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d without consuming a tick.
func (c *DeterministicClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset returns the clock to Epoch.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = Epoch
}

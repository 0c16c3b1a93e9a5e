package testutil

import (
	"sync"
	"time"
)

// DeterministicClock returns a fixed sequence of effective times for tests.
//
// Each call to Now() advances by Step from Start, so consecutive runs in a
// scenario get strictly increasing effective timestamps without reading the
// wall clock.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start time.Time
	step  time.Duration
	calls int
}

// NewDeterministicClock creates a clock whose first Now() returns start.
// A zero step defaults to one hour.
func NewDeterministicClock(start time.Time, step time.Duration) *DeterministicClock {
	if step == 0 {
		step = time.Hour
	}
	return &DeterministicClock{start: start.UTC(), step: step}
}

// Now returns the next effective time.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.start.Add(time.Duration(c.calls) * c.step)
	c.calls++
	return t
}

// Calls returns how many times Now has been called.
func (c *DeterministicClock) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Reset rewinds the clock so the next Now() returns start again.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = 0
}

// Package clock provides the engine time source used for all due-date and
// lock-expiration comparisons, so scheduling behavior can be tested without
// real sleeps.
package clock

import (
	"sync"
	"time"
)

// Clock is the engine time source. Every "now" comparison in the engine and
// the job subsystem goes through a Clock instead of calling time.Now directly.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FakeClock is a settable clock for tests. The zero value is not usable,
// create it with NewFakeClock.
type FakeClock struct {
	mu  sync.RWMutex
	now time.Time
}

func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now.UTC()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.now
}

// Set moves the clock to an absolute instant. Moving backwards is allowed,
// timers whose due date is now in the future stop being executable.
func (c *FakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = now.UTC()
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// Package clock provides the time source used for roll cycle resolution.
//
// Production code uses [System]. Tests use [Set], which only moves when told
// to, so a test can append into exactly the cycles it wants.
package clock

import (
	"sync"
	"time"
)

// Source supplies the current time.
type Source interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

// Now returns [time.Now].
func (System) Now() time.Time {
	return time.Now()
}

// Set is a manually driven clock, safe for concurrent use.
//
// The zero value reads as the Unix epoch.
type Set struct {
	mu  sync.Mutex
	now time.Time
	set bool
}

// NewSet returns a clock reading t.
func NewSet(t time.Time) *Set {
	return &Set{now: t, set: true}
}

// Now returns the clock's current reading.
func (c *Set) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.set {
		return time.UnixMilli(0).UTC()
	}

	return c.now
}

// Advance moves the clock forward by d and returns the new reading.
func (c *Set) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.set {
		c.now = time.UnixMilli(0).UTC()
		c.set = true
	}

	c.now = c.now.Add(d)

	return c.now
}

// SetTime moves the clock to t.
func (c *Set) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = t
	c.set = true
}

// Compile-time interface checks.
var (
	_ Source = System{}
	_ Source = (*Set)(nil)
)

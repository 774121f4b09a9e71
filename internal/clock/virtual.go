package clock

import (
	"sync"
	"time"
)

// VirtualClock is a controllable clock. Tests and the simulate command use it
// to step across window boundaries and bucket refills without sleeping.
//
// Thread-safe for concurrent use.
type VirtualClock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewVirtualClock creates a VirtualClock starting at the given time.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{current: start}
}

// Now returns the current virtual time.
func (c *VirtualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Advance moves the virtual clock forward by d.
// Panics if d is negative: strategies assume time never runs backwards.
func (c *VirtualClock) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: cannot advance by negative duration")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set moves the virtual clock to t. Panics if t is before the current time.
func (c *VirtualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.Before(c.current) {
		panic("clock: cannot set time to the past")
	}
	c.current = t
}

// SetMillis positions the clock at the given Unix millisecond, which is how
// window boundaries are expressed.
func (c *VirtualClock) SetMillis(ms int64) {
	c.Set(time.UnixMilli(ms))
}

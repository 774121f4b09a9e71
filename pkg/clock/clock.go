// Package clock re-exports the time sources the limiter runs on.
package clock

import (
	"time"

	internalclock "github.com/SmitUplenchwar2687/quota/internal/clock"
)

// Clock abstracts time so limiters can run on real or virtual time.
type Clock = internalclock.Clock

// RealClock delegates to the standard time package.
type RealClock = internalclock.RealClock

// VirtualClock is a manually advanced clock for deterministic tests.
type VirtualClock = internalclock.VirtualClock

// NewRealClock creates a wall-clock implementation.
func NewRealClock() *RealClock {
	return internalclock.NewRealClock()
}

// NewVirtualClock creates a virtual clock starting at start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return internalclock.NewVirtualClock(start)
}

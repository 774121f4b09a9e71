package clock

import "time"

// Clock abstracts time so strategies and stores work with both real and virtual time.
// Window indexes, TTL expiry and token refill all read Now() from a Clock.
type Clock interface {
	Now() time.Time
}

// RealClock delegates to the standard time package.
type RealClock struct{}

func NewRealClock() *RealClock {
	return &RealClock{}
}

func (c *RealClock) Now() time.Time {
	return time.Now()
}

// OrReal returns c, or a RealClock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return NewRealClock()
	}
	return c
}

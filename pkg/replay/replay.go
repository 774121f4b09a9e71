package replay

import (
	internalreplay "github.com/SmitUplenchwar2687/quota/internal/replay"
	"github.com/SmitUplenchwar2687/quota/pkg/clock"
	"github.com/SmitUplenchwar2687/quota/pkg/ratelimit"
)

// Filter selects recorded decisions for replay.
type Filter = internalreplay.Filter

// Replayer replays recorded decisions through a limiter.
type Replayer = internalreplay.Replayer

// Result captures the outcome of replaying a single decision.
type Result = internalreplay.Result

// Summary aggregates replay statistics.
type Summary = internalreplay.Summary

// KeySummary holds per-key replay stats.
type KeySummary = internalreplay.KeySummary

// ErrNoEvents is returned by Run when nothing was loaded.
var ErrNoEvents = internalreplay.ErrNoEvents

// New creates a new replayer. lim must read time from vc.
func New(lim *ratelimit.Limiter, vc *clock.VirtualClock, speed float64, filter Filter) *Replayer {
	return internalreplay.New(lim, vc, speed, filter)
}

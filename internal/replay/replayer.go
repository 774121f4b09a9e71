// Package replay re-runs recorded decisions through a limiter on a virtual
// clock, to see how different limits would have treated the same traffic.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"time"

	"github.com/SmitUplenchwar2687/quota/internal/clock"
	"github.com/SmitUplenchwar2687/quota/internal/ratelimit"
	"github.com/SmitUplenchwar2687/quota/internal/recorder"
	"github.com/SmitUplenchwar2687/quota/internal/strategy"
)

// ErrNoEvents is returned by Run when nothing was loaded.
var ErrNoEvents = errors.New("no decisions loaded")

// Replayer replays recorded decisions through a limiter at a configurable speed.
type Replayer struct {
	events  []ratelimit.Event
	limiter *ratelimit.Limiter
	clock   *clock.VirtualClock
	filter  Filter
	speed   float64 // 1.0 = real-time, 10.0 = 10x, 0 = instant
}

// Result captures the outcome of replaying a single decision.
type Result struct {
	Event    ratelimit.Event `json:"event"`
	Decision strategy.Result `json:"decision"`
	Time     time.Time       `json:"time"` // virtual time when the decision was made

	// Changed is set when the replayed decision differs from the recorded one.
	Changed bool `json:"changed"`
}

// Summary aggregates replay statistics.
type Summary struct {
	TotalRecords int                   `json:"total_records"`
	Filtered     int                   `json:"filtered"`
	Replayed     int                   `json:"replayed"`
	Allowed      int                   `json:"allowed"`
	Denied       int                   `json:"denied"`
	NewlyAllowed int                   `json:"newly_allowed"`
	NewlyDenied  int                   `json:"newly_denied"`
	Duration     time.Duration         `json:"duration"`      // virtual time span
	WallDuration time.Duration         `json:"wall_duration"` // actual wall clock time
	PerKey       map[string]KeySummary `json:"per_key"`
}

// KeySummary has per-key stats.
type KeySummary struct {
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
}

// New creates a replayer. lim must read time from vc.
func New(lim *ratelimit.Limiter, vc *clock.VirtualClock, speed float64, filter Filter) *Replayer {
	return &Replayer{
		limiter: lim,
		clock:   vc,
		speed:   max(speed, 0),
		filter:  filter,
	}
}

// Load reads a newline-delimited JSON decision log.
func (r *Replayer) Load(rd io.Reader) error {
	events, err := recorder.Load(rd)
	if err != nil {
		return fmt.Errorf("loading decisions: %w", err)
	}
	r.events = events
	return nil
}

// LoadEvents sets the decisions directly.
func (r *Replayer) LoadEvents(events []ratelimit.Event) {
	r.events = slices.Clone(events)
}

// Run replays the loaded decisions in time order. The virtual clock jumps to
// each decision's recorded time, so windows line up with the original
// traffic. cb, if non-nil, receives every replayed decision.
func (r *Replayer) Run(ctx context.Context, cb func(Result)) (*Summary, error) {
	if len(r.events) == 0 {
		return nil, ErrNoEvents
	}

	sorted := slices.Clone(r.events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	var filtered []ratelimit.Event
	for _, ev := range sorted {
		if r.filter.Match(ev) {
			filtered = append(filtered, ev)
		}
	}

	summary := &Summary{
		TotalRecords: len(sorted),
		Filtered:     len(filtered),
		PerKey:       make(map[string]KeySummary),
	}
	if len(filtered) == 0 {
		return summary, nil
	}

	wallStart := time.Now()
	if first := filtered[0].Time; first.After(r.clock.Now()) {
		r.clock.Set(first)
	}

	for i, ev := range filtered {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		if i > 0 {
			if gap := ev.Time.Sub(filtered[i-1].Time); gap > 0 {
				if err := r.wait(ctx, gap); err != nil {
					return summary, err
				}
				r.clock.Advance(gap)
			}
		}

		decision, err := r.limiter.Check(ctx, ev.Key)
		if err != nil {
			return summary, fmt.Errorf("replaying %q: %w", ev.Key, err)
		}
		res := Result{
			Event:    ev,
			Decision: decision,
			Time:     r.clock.Now(),
			Changed:  decision.Allowed != wasAllowed(ev),
		}
		summary.record(res)

		if cb != nil {
			cb(res)
		}
	}

	summary.Duration = filtered[len(filtered)-1].Time.Sub(filtered[0].Time)
	summary.WallDuration = time.Since(wallStart)
	return summary, nil
}

// wait sleeps for the scaled gap so a replay can be watched live.
func (r *Replayer) wait(ctx context.Context, gap time.Duration) error {
	if r.speed == 0 {
		return nil
	}
	scaled := time.Duration(float64(gap) / r.speed)
	if scaled <= time.Millisecond {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(scaled):
		return nil
	}
}

func (s *Summary) record(res Result) {
	s.Replayed++
	ks := s.PerKey[res.Event.Key]
	if res.Decision.Allowed {
		s.Allowed++
		ks.Allowed++
	} else {
		s.Denied++
		ks.Denied++
	}
	s.PerKey[res.Event.Key] = ks

	if res.Changed {
		if res.Decision.Allowed {
			s.NewlyAllowed++
		} else {
			s.NewlyDenied++
		}
	}
}

// wasAllowed reports whether the recorded request reached the handler.
func wasAllowed(ev ratelimit.Event) bool {
	return ev.Outcome != ratelimit.OutcomeRejected
}

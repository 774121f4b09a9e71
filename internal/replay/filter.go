package replay

import (
	"slices"
	"strings"
	"time"

	"github.com/SmitUplenchwar2687/quota/internal/ratelimit"
)

// Filter selects recorded decisions for replay.
type Filter struct {
	Keys     []string  // Only include these keys (empty = all)
	Limiters []string  // Only include decisions made by these limiters (empty = all)
	Paths    []string  // Only include paths containing one of these (empty = all)
	After    time.Time // Only include decisions after this time (zero = no limit)
	Before   time.Time // Only include decisions before this time (zero = no limit)
}

// Match reports whether ev passes the filter. Decisions that never reached
// the store (skipped requests, or no key) never match.
func (f *Filter) Match(ev ratelimit.Event) bool {
	if ev.Key == "" || ev.Outcome == ratelimit.OutcomeSkipped {
		return false
	}
	if len(f.Keys) > 0 && !slices.Contains(f.Keys, ev.Key) {
		return false
	}
	if len(f.Limiters) > 0 && !slices.Contains(f.Limiters, ev.Limiter) {
		return false
	}
	if len(f.Paths) > 0 && !matchPath(f.Paths, ev.Path) {
		return false
	}
	if !f.After.IsZero() && !ev.Time.After(f.After) {
		return false
	}
	if !f.Before.IsZero() && !ev.Time.Before(f.Before) {
		return false
	}
	return true
}

func matchPath(patterns []string, p string) bool {
	for _, pattern := range patterns {
		if strings.Contains(p, pattern) {
			return true
		}
	}
	return false
}

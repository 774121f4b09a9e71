// Package generate produces synthetic decision logs, so replay can be tried
// before any production traffic has been recorded.
package generate

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/SmitUplenchwar2687/quota/internal/ratelimit"
)

// Pattern shapes the arrival times of generated requests.
type Pattern string

const (
	// PatternSteady spreads requests evenly.
	PatternSteady Pattern = "steady"
	// PatternBurst packs requests into four one-second bursts.
	PatternBurst Pattern = "burst"
	// PatternRamp makes requests denser over time.
	PatternRamp Pattern = "ramp"
)

// DefaultEndpoints is the endpoint pool used when Options.Endpoints is empty.
var DefaultEndpoints = []string{
	"GET /api/users",
	"GET /api/data",
	"POST /api/events",
	"GET /api/search",
	"PUT /api/settings",
}

// Options controls how synthetic traffic is generated.
type Options struct {
	Count     int
	Keys      int
	Duration  time.Duration
	Pattern   Pattern
	Start     time.Time
	Seed      int64
	Limiter   string
	Endpoints []string // "METHOD /path"
}

// DefaultOptions returns the defaults of quota generate.
func DefaultOptions() Options {
	return Options{
		Count:    100,
		Keys:     3,
		Duration: 5 * time.Minute,
		Pattern:  PatternSteady,
		Limiter:  "default",
	}
}

type endpoint struct {
	method string
	path   string
}

// Traffic creates synthetic decisions, all recorded as admitted. Steady and
// ramp traffic comes out in time order; burst traffic does not.
func Traffic(opts Options) ([]ratelimit.Event, error) {
	if opts.Count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", opts.Count)
	}
	if opts.Keys <= 0 {
		return nil, fmt.Errorf("keys must be positive, got %d", opts.Keys)
	}
	if opts.Duration <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %s", opts.Duration)
	}

	switch opts.Pattern {
	case "":
		opts.Pattern = PatternSteady
	case PatternSteady, PatternBurst, PatternRamp:
	default:
		return nil, fmt.Errorf("unknown pattern %q, must be one of: steady, burst, ramp", opts.Pattern)
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().Truncate(time.Second)
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Limiter == "" {
		opts.Limiter = "default"
	}
	if len(opts.Endpoints) == 0 {
		opts.Endpoints = DefaultEndpoints
	}
	endpoints := make([]endpoint, len(opts.Endpoints))
	for i, e := range opts.Endpoints {
		method, path, ok := strings.Cut(strings.TrimSpace(e), " ")
		if !ok {
			method, path = "GET", e
		}
		endpoints[i] = endpoint{method: method, path: strings.TrimSpace(path)}
	}

	g := &generator{
		rng:       rand.New(rand.NewSource(opts.Seed)),
		keys:      makeUserKeys(opts.Keys),
		endpoints: endpoints,
		limiter:   opts.Limiter,
	}

	switch opts.Pattern {
	case PatternBurst:
		return g.burst(opts.Start, opts.Count, opts.Duration), nil
	case PatternRamp:
		return g.ramp(opts.Start, opts.Count, opts.Duration), nil
	default:
		return g.steady(opts.Start, opts.Count, opts.Duration), nil
	}
}

func makeUserKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("user-%d", i+1)
	}
	return keys
}

type generator struct {
	rng       *rand.Rand
	keys      []string
	endpoints []endpoint
	limiter   string
}

func (g *generator) event(at time.Time) ratelimit.Event {
	e := g.endpoints[g.rng.Intn(len(g.endpoints))]
	return ratelimit.Event{
		Time:    at,
		Limiter: g.limiter,
		Key:     g.keys[g.rng.Intn(len(g.keys))],
		Method:  e.method,
		Path:    e.path,
		Outcome: ratelimit.OutcomeAllowed,
	}
}

func (g *generator) steady(start time.Time, count int, dur time.Duration) []ratelimit.Event {
	interval := dur / time.Duration(count)
	events := make([]ratelimit.Event, count)
	for i := range events {
		events[i] = g.event(start.Add(time.Duration(i) * interval))
	}
	return events
}

func (g *generator) burst(start time.Time, count int, dur time.Duration) []ratelimit.Event {
	const numBursts = 4
	events := make([]ratelimit.Event, 0, count)
	burstSize := count / numBursts
	burstGap := dur / numBursts

	for b := 0; b < numBursts; b++ {
		burstStart := start.Add(time.Duration(b) * burstGap)
		for i := 0; i < burstSize; i++ {
			offset := time.Duration(g.rng.Intn(1000)) * time.Millisecond
			events = append(events, g.event(burstStart.Add(offset)))
		}
	}

	for len(events) < count {
		events = append(events, g.event(start.Add(time.Duration(g.rng.Int63n(int64(dur))))))
	}
	return events
}

func (g *generator) ramp(start time.Time, count int, dur time.Duration) []ratelimit.Event {
	events := make([]ratelimit.Event, 0, count)
	for i := 0; i < count; i++ {
		frac := float64(i) / float64(count)
		events = append(events, g.event(start.Add(time.Duration(frac*frac*float64(dur)))))
	}
	return events
}

package replay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/quota/internal/clock"
	"github.com/SmitUplenchwar2687/quota/internal/ratelimit"
	"github.com/SmitUplenchwar2687/quota/internal/strategy"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func makeEvents(count int, key string, interval time.Duration, outcome ratelimit.Outcome) []ratelimit.Event {
	events := make([]ratelimit.Event, count)
	for i := range events {
		events[i] = ratelimit.Event{
			Time:    epoch.Add(time.Duration(i) * interval),
			Limiter: "api",
			Key:     key,
			Method:  "GET",
			Path:    "/api/data",
			Outcome: outcome,
		}
	}
	return events
}

func newReplayer(t *testing.T, max int, filter Filter) *Replayer {
	t.Helper()
	vc := clock.NewVirtualClock(time.Time{})
	lim, err := ratelimit.New(ratelimit.Config{
		Name:     "replay",
		Strategy: strategy.KindFixed,
		Max:      max,
		Window:   time.Minute,
		Clock:    vc,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("ratelimit.New() error = %v", err)
	}
	t.Cleanup(func() { _ = lim.Close() })
	return New(lim, vc, 0, filter)
}

func TestReplayer_BasicReplay(t *testing.T) {
	r := newReplayer(t, 5, Filter{})
	r.LoadEvents(makeEvents(10, "user1", time.Second, ratelimit.OutcomeAllowed))

	var results []Result
	summary, err := r.Run(context.Background(), func(res Result) {
		results = append(results, res)
	})
	if err != nil {
		t.Fatal(err)
	}

	if summary.Replayed != 10 {
		t.Errorf("Replayed = %d, want 10", summary.Replayed)
	}
	if summary.Allowed != 5 || summary.Denied != 5 {
		t.Errorf("Allowed/Denied = %d/%d, want 5/5", summary.Allowed, summary.Denied)
	}
	// Everything was admitted originally, so the 5 denials are new.
	if summary.NewlyDenied != 5 || summary.NewlyAllowed != 0 {
		t.Errorf("NewlyDenied/NewlyAllowed = %d/%d, want 5/0", summary.NewlyDenied, summary.NewlyAllowed)
	}
	if summary.Duration != 9*time.Second {
		t.Errorf("Duration = %v, want 9s", summary.Duration)
	}
	if len(results) != 10 {
		t.Fatalf("got %d results, want 10", len(results))
	}
	if !results[0].Time.Equal(epoch) {
		t.Errorf("first replay at %v, want the recorded time %v", results[0].Time, epoch)
	}
	if results[4].Changed || !results[5].Changed {
		t.Errorf("Changed flags = %v, %v; want false, true", results[4].Changed, results[5].Changed)
	}
}

func TestReplayer_AdvancesClock(t *testing.T) {
	r := newReplayer(t, 5, Filter{})

	// 5 decisions at t=0..4s and 5 at t=61..65s, in the next window.
	events := append(
		makeEvents(5, "user1", time.Second, ratelimit.OutcomeAllowed),
		makeEvents(5, "user1", time.Second, ratelimit.OutcomeAllowed)...,
	)
	for i := 5; i < 10; i++ {
		events[i].Time = epoch.Add(61*time.Second + time.Duration(i-5)*time.Second)
	}
	r.LoadEvents(events)

	summary, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Allowed != 10 {
		t.Errorf("Allowed = %d, want 10 (clock should cross the window boundary)", summary.Allowed)
	}
}

func TestReplayer_SortsByTime(t *testing.T) {
	r := newReplayer(t, 100, Filter{})
	events := makeEvents(3, "user1", time.Second, ratelimit.OutcomeAllowed)
	events[0], events[2] = events[2], events[0]
	r.LoadEvents(events)

	var times []time.Time
	if _, err := r.Run(context.Background(), func(res Result) {
		times = append(times, res.Event.Time)
	}); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(times); i++ {
		if times[i].Before(times[i-1]) {
			t.Fatalf("replay out of order: %v", times)
		}
	}
}

func TestReplayer_LooserLimitAllowsRejected(t *testing.T) {
	r := newReplayer(t, 100, Filter{})
	r.LoadEvents(makeEvents(4, "user1", time.Second, ratelimit.OutcomeRejected))

	summary, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.NewlyAllowed != 4 || summary.NewlyDenied != 0 {
		t.Errorf("NewlyAllowed/NewlyDenied = %d/%d, want 4/0", summary.NewlyAllowed, summary.NewlyDenied)
	}
}

func TestReplayer_FailOpenCountsAsAllowed(t *testing.T) {
	r := newReplayer(t, 100, Filter{})
	r.LoadEvents(makeEvents(2, "user1", time.Second, ratelimit.OutcomeFailOpen))

	summary, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Replayed != 2 || summary.NewlyAllowed != 0 || summary.NewlyDenied != 0 {
		t.Errorf("summary = %+v, want 2 replayed and no changes", summary)
	}
}

func TestReplayer_SkipsUnreplayable(t *testing.T) {
	r := newReplayer(t, 100, Filter{})
	events := makeEvents(3, "user1", time.Second, ratelimit.OutcomeAllowed)
	events[1].Outcome = ratelimit.OutcomeSkipped
	events[2].Key = ""
	r.LoadEvents(events)

	summary, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalRecords != 3 || summary.Filtered != 1 || summary.Replayed != 1 {
		t.Errorf("summary = %+v, want 3 total, 1 filtered, 1 replayed", summary)
	}
}

func TestReplayer_Filter_Keys(t *testing.T) {
	r := newReplayer(t, 100, Filter{Keys: []string{"user1"}})
	r.LoadEvents(append(
		makeEvents(5, "user1", time.Second, ratelimit.OutcomeAllowed),
		makeEvents(5, "user2", time.Second, ratelimit.OutcomeAllowed)...,
	))

	summary, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Filtered != 5 || summary.Replayed != 5 {
		t.Errorf("Filtered/Replayed = %d/%d, want 5/5", summary.Filtered, summary.Replayed)
	}
	if _, ok := summary.PerKey["user2"]; ok {
		t.Error("user2 should have been filtered out")
	}
}

func TestReplayer_Filter_TimeRange(t *testing.T) {
	r := newReplayer(t, 100, Filter{
		After:  epoch.Add(2 * time.Minute),
		Before: epoch.Add(6 * time.Minute),
	})
	r.LoadEvents(makeEvents(10, "user1", time.Minute, ratelimit.OutcomeAllowed)) // t=0, 1m, ..., 9m

	summary, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	// After 2m (exclusive) and before 6m (exclusive): 3m, 4m, 5m.
	if summary.Filtered != 3 {
		t.Errorf("Filtered = %d, want 3", summary.Filtered)
	}
}

func TestReplayer_NothingMatches(t *testing.T) {
	r := newReplayer(t, 100, Filter{Keys: []string{"nobody"}})
	r.LoadEvents(makeEvents(3, "user1", time.Second, ratelimit.OutcomeAllowed))

	summary, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Replayed != 0 || summary.TotalRecords != 3 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestReplayer_NoEvents(t *testing.T) {
	r := newReplayer(t, 5, Filter{})
	if _, err := r.Run(context.Background(), nil); !errors.Is(err, ErrNoEvents) {
		t.Fatalf("error = %v, want ErrNoEvents", err)
	}
}

func TestReplayer_Load(t *testing.T) {
	r := newReplayer(t, 1, Filter{})
	log := `{"time":"2024-01-01T00:00:00Z","limiter":"api","key":"k","outcome":"allowed"}
{"time":"2024-01-01T00:00:01Z","limiter":"api","key":"k","outcome":"rejected"}
`
	if err := r.Load(strings.NewReader(log)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	summary, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Allowed != 1 || summary.Denied != 1 || summary.NewlyAllowed+summary.NewlyDenied != 0 {
		t.Errorf("summary = %+v, want the recorded outcomes reproduced", summary)
	}

	if err := r.Load(strings.NewReader("{")); err == nil {
		t.Error("expected error for truncated log")
	}
}

func TestReplayer_CancelledContext(t *testing.T) {
	r := newReplayer(t, 5, Filter{})
	r.LoadEvents(makeEvents(3, "user1", time.Second, ratelimit.OutcomeAllowed))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Run(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestReplayer_SpeedWaitsForGaps(t *testing.T) {
	r := newReplayer(t, 5, Filter{})
	r.speed = 1
	r.LoadEvents(makeEvents(2, "user1", time.Hour, ratelimit.OutcomeAllowed))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	summary, err := r.Run(ctx, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded", err)
	}
	if summary.Replayed != 1 {
		t.Errorf("Replayed = %d, want 1 before the wait", summary.Replayed)
	}
}

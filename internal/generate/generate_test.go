package generate

import (
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/quota/internal/ratelimit"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTraffic_AllPatterns(t *testing.T) {
	for _, p := range []Pattern{PatternSteady, PatternBurst, PatternRamp} {
		t.Run(string(p), func(t *testing.T) {
			events, err := Traffic(Options{
				Count:    32,
				Keys:     3,
				Duration: 2 * time.Minute,
				Pattern:  p,
				Start:    start,
				Seed:     7,
				Limiter:  "api",
			})
			if err != nil {
				t.Fatalf("Traffic() error = %v", err)
			}
			if len(events) != 32 {
				t.Fatalf("len(events) = %d, want 32", len(events))
			}
			end := start.Add(2 * time.Minute)
			for _, ev := range events {
				if ev.Key == "" || ev.Method == "" || ev.Path == "" {
					t.Fatalf("event should have key, method and path: %+v", ev)
				}
				if ev.Limiter != "api" || ev.Outcome != ratelimit.OutcomeAllowed {
					t.Fatalf("event = %+v, want limiter api and allowed", ev)
				}
				if ev.Time.Before(start) || ev.Time.After(end) {
					t.Fatalf("event time %v outside [%v, %v]", ev.Time, start, end)
				}
			}
		})
	}
}

func TestTraffic_SteadyInterval(t *testing.T) {
	events, err := Traffic(Options{
		Count:    10,
		Keys:     2,
		Duration: 10 * time.Second,
		Start:    start,
		Seed:     1,
	})
	if err != nil {
		t.Fatalf("Traffic() error = %v", err)
	}
	if !events[1].Time.Equal(start.Add(time.Second)) {
		t.Fatalf("unexpected time at index 1: got %v", events[1].Time)
	}
	if events[0].Limiter != "default" {
		t.Errorf("Limiter = %q, want default", events[0].Limiter)
	}
}

func TestTraffic_SeedIsDeterministic(t *testing.T) {
	opts := Options{Count: 20, Keys: 5, Duration: time.Minute, Pattern: PatternBurst, Start: start, Seed: 42}
	a, err := Traffic(opts)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Traffic(opts)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("event %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestTraffic_Endpoints(t *testing.T) {
	events, err := Traffic(Options{
		Count:     5,
		Keys:      1,
		Duration:  time.Second,
		Start:     start,
		Seed:      3,
		Endpoints: []string{"/bare"},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range events {
		if ev.Method != "GET" || ev.Path != "/bare" {
			t.Fatalf("event = %s %s, want GET /bare", ev.Method, ev.Path)
		}
		if ev.Key != "user-1" {
			t.Fatalf("Key = %q, want user-1", ev.Key)
		}
	}
}

func TestTraffic_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"zero count", Options{Count: 0, Keys: 1, Duration: time.Minute}},
		{"zero keys", Options{Count: 1, Keys: 0, Duration: time.Minute}},
		{"zero duration", Options{Count: 1, Keys: 1}},
		{"unknown pattern", Options{Count: 1, Keys: 1, Duration: time.Minute, Pattern: "wave"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Traffic(tt.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

package replay

import (
	"context"
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/quota/pkg/clock"
	"github.com/SmitUplenchwar2687/quota/pkg/ratelimit"
)

func TestReplayBasic(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	vc := clock.NewVirtualClock(start)
	lim, err := ratelimit.New(ratelimit.Config{
		Strategy: ratelimit.StrategyToken,
		Max:      2,
		Window:   time.Minute,
		Clock:    vc,
	})
	if err != nil {
		t.Fatalf("ratelimit.New() failed: %v", err)
	}
	defer lim.Close()

	r := New(lim, vc, 0, Filter{})
	r.LoadEvents([]ratelimit.Event{
		{Time: start, Limiter: "api", Key: "u1", Outcome: ratelimit.OutcomeAllowed},
		{Time: start.Add(time.Second), Limiter: "api", Key: "u1", Outcome: ratelimit.OutcomeAllowed},
		{Time: start.Add(2 * time.Second), Limiter: "api", Key: "u1", Outcome: ratelimit.OutcomeAllowed},
	})

	summary, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if summary.Replayed != 3 {
		t.Fatalf("Replayed = %d, want 3", summary.Replayed)
	}
	if summary.Allowed != 2 || summary.Denied != 1 {
		t.Fatalf("Allowed/Denied = %d/%d, want 2/1", summary.Allowed, summary.Denied)
	}
}

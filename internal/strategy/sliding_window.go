package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/SmitUplenchwar2687/quota/internal/clock"
	"github.com/SmitUplenchwar2687/quota/internal/store"
)

// SlidingWindow approximates a sliding window by blending the current fixed
// window's count with the previous window's count, weighted by how much of
// the previous window still overlaps a window ending now:
//
//	weighted = current + previous * (1 - elapsedInWindow/window)
//
// It smooths the fixed window's boundary burst with two counters per key
// instead of a per-request log. It is a heuristic: the true count over the
// trailing window can differ from the weighted total.
type SlidingWindow struct {
	store    store.Store
	clock    clock.Clock
	max      int
	windowMS int64
	ttl      time.Duration
}

// NewSlidingWindow creates a sliding window strategy. Options are assumed
// valid; use New to validate them.
func NewSlidingWindow(st store.Store, opts Options) *SlidingWindow {
	return &SlidingWindow{
		store:    st,
		clock:    clock.OrReal(opts.Clock),
		max:      opts.Max,
		windowMS: opts.Window.Milliseconds(),
		// A counter must outlive its own window to be read as "previous".
		ttl: 2 * opts.Window,
	}
}

func (sw *SlidingWindow) CheckLimit(ctx context.Context, key string) (Result, error) {
	nowMS := sw.clock.Now().UnixMilli()
	index := nowMS / sw.windowMS
	progress := float64(nowMS%sw.windowMS) / float64(sw.windowMS)

	previous, err := sw.previousCount(ctx, key, index)
	if err != nil {
		return Result{}, err
	}
	weightedPrevious := float64(previous) * (1 - progress)

	// The current window is counted whether or not the request is admitted,
	// so rejected traffic keeps weighing on the next window.
	c, err := sw.store.Increment(ctx, windowKey(key, index), 1, store.Counter{CreatedAt: nowMS}, sw.ttl)
	if err != nil {
		return Result{}, fmt.Errorf("sliding window increment: %w", err)
	}

	before := float64(c.Count-1) + weightedPrevious
	after := float64(c.Count) + weightedPrevious

	return Result{
		Allowed:   before < float64(sw.max),
		Remaining: max(0, int(math.Floor(float64(sw.max)-after))),
		Limit:     sw.max,
		Used:      int(c.Count),
		Reset:     time.UnixMilli((index + 1) * sw.windowMS),
		Weighted:  before,
	}, nil
}

func (sw *SlidingWindow) previousCount(ctx context.Context, key string, index int64) (int64, error) {
	raw, err := sw.store.Get(ctx, windowKey(key, index-1))
	if err != nil {
		return 0, fmt.Errorf("sliding window previous count: %w", err)
	}
	if raw == nil {
		return 0, nil
	}
	c, err := store.DecodeCounter(raw)
	if err != nil {
		return 0, fmt.Errorf("sliding window previous count: %w", err)
	}
	return c.Count, nil
}

func (sw *SlidingWindow) DecrementCounter(ctx context.Context, key string) error {
	index := sw.clock.Now().UnixMilli() / sw.windowMS
	if _, _, err := sw.store.Decrement(ctx, windowKey(key, index), 1, 0); err != nil {
		return fmt.Errorf("sliding window decrement: %w", err)
	}
	return nil
}

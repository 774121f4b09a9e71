package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/SmitUplenchwar2687/quota/internal/clock"
	"github.com/SmitUplenchwar2687/quota/internal/store"
)

// FixedWindow implements the fixed window counter algorithm.
//
// Time is cut into windows of length Window; window index is
// floor(nowMs / windowMs) and each (key, index) pair has its own counter
// that expires with the window. Simple and cheap, but a client can pass up
// to 2x Max around a window boundary.
type FixedWindow struct {
	store    store.Store
	clock    clock.Clock
	max      int
	windowMS int64
	ttl      time.Duration
}

// NewFixedWindow creates a fixed window strategy. Options are assumed valid;
// use New to validate them.
func NewFixedWindow(st store.Store, opts Options) *FixedWindow {
	return &FixedWindow{
		store:    st,
		clock:    clock.OrReal(opts.Clock),
		max:      opts.Max,
		windowMS: opts.Window.Milliseconds(),
		ttl:      opts.Window,
	}
}

func (fw *FixedWindow) CheckLimit(ctx context.Context, key string) (Result, error) {
	nowMS := fw.clock.Now().UnixMilli()
	index := nowMS / fw.windowMS

	c, err := fw.store.Increment(ctx, windowKey(key, index), 1, store.Counter{CreatedAt: nowMS}, fw.ttl)
	if err != nil {
		return Result{}, fmt.Errorf("fixed window increment: %w", err)
	}

	count := int(c.Count)
	return Result{
		Allowed:   count <= fw.max,
		Remaining: max(0, fw.max-count),
		Limit:     fw.max,
		Used:      count,
		Reset:     time.UnixMilli((index + 1) * fw.windowMS),
	}, nil
}

func (fw *FixedWindow) DecrementCounter(ctx context.Context, key string) error {
	index := fw.clock.Now().UnixMilli() / fw.windowMS
	if _, _, err := fw.store.Decrement(ctx, windowKey(key, index), 1, 0); err != nil {
		return fmt.Errorf("fixed window decrement: %w", err)
	}
	return nil
}

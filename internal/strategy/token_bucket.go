package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/SmitUplenchwar2687/quota/internal/clock"
	"github.com/SmitUplenchwar2687/quota/internal/store"
)

// TokenBucket implements the token bucket algorithm.
//
// Each key owns a bucket of Max tokens that refills continuously. A request
// consumes one token; when fewer than one token is left the request is
// denied. The whole read-refill-consume step is one atomic store operation:
// a server-side script on stores implementing store.BucketStore, otherwise
// a store.Transform. Concurrent requests never double-spend a token.
type TokenBucket struct {
	store    store.Store
	buckets  store.BucketStore // nil unless store runs the step itself
	clock    clock.Clock
	capacity float64
	rate     float64 // tokens per millisecond
	ttl      time.Duration
}

// NewTokenBucket creates a token bucket strategy. Options are assumed valid;
// use New to validate them.
func NewTokenBucket(st store.Store, opts Options) *TokenBucket {
	rate := opts.RefillRate
	if rate == 0 {
		rate = float64(opts.Max) / float64(opts.Window.Milliseconds())
	}
	tb := &TokenBucket{
		store:    st,
		clock:    clock.OrReal(opts.Clock),
		capacity: float64(opts.Max),
		rate:     rate,
		ttl:      10 * opts.Window,
	}
	if bs, ok := st.(store.BucketStore); ok {
		tb.buckets = bs
	}
	return tb
}

func (tb *TokenBucket) params(nowMS int64) store.BucketParams {
	return store.BucketParams{Capacity: tb.capacity, Rate: tb.rate, NowMS: nowMS, TTL: tb.ttl}
}

func (tb *TokenBucket) CheckLimit(ctx context.Context, key string) (Result, error) {
	nowMS := tb.clock.Now().UnixMilli()

	state, allowed, err := tb.take(ctx, key, nowMS)
	if err != nil {
		return Result{}, err
	}

	remaining := int(math.Floor(state.Tokens))
	limit := int(tb.capacity)
	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		Limit:     limit,
		Used:      limit - remaining,
		Reset:     tb.resetAt(nowMS, state.Tokens),
	}, nil
}

func (tb *TokenBucket) take(ctx context.Context, key string, nowMS int64) (store.Bucket, bool, error) {
	if tb.buckets != nil {
		b, allowed, err := tb.buckets.TakeToken(ctx, key, tb.params(nowMS))
		if err != nil {
			return store.Bucket{}, false, fmt.Errorf("token bucket take: %w", err)
		}
		return b, allowed, nil
	}

	var state store.Bucket
	var allowed bool
	err := tb.store.Transform(ctx, key, tb.ttl, func(current []byte) ([]byte, error) {
		b, err := tb.load(current, nowMS)
		if err != nil {
			return nil, err
		}
		elapsed := max(0, nowMS-b.LastRefill)
		b.Tokens = math.Min(tb.capacity, b.Tokens+float64(elapsed)*tb.rate)
		b.LastRefill = nowMS

		allowed = b.Tokens >= 1
		if allowed {
			b.Tokens--
		}
		state = b
		return json.Marshal(b)
	})
	if err != nil {
		return store.Bucket{}, false, fmt.Errorf("token bucket transform: %w", err)
	}
	return state, allowed, nil
}

// DecrementCounter refunds one token, never beyond capacity. A missing
// bucket is already full, so there is nothing to refund.
func (tb *TokenBucket) DecrementCounter(ctx context.Context, key string) error {
	if tb.buckets != nil {
		if err := tb.buckets.ReturnToken(ctx, key, tb.params(tb.clock.Now().UnixMilli())); err != nil {
			return fmt.Errorf("token bucket refund: %w", err)
		}
		return nil
	}

	err := tb.store.Transform(ctx, key, tb.ttl, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil
		}
		b, err := store.DecodeBucket(current)
		if err != nil {
			return nil, err
		}
		b.Tokens = math.Min(tb.capacity, b.Tokens+1)
		return json.Marshal(b)
	})
	if err != nil {
		return fmt.Errorf("token bucket refund: %w", err)
	}
	return nil
}

func (tb *TokenBucket) load(raw []byte, nowMS int64) (store.Bucket, error) {
	if raw == nil {
		return store.Bucket{Tokens: tb.capacity, LastRefill: nowMS}, nil
	}
	return store.DecodeBucket(raw)
}

// resetAt is when the bucket will be full again.
func (tb *TokenBucket) resetAt(nowMS int64, tokens float64) time.Time {
	missing := tb.capacity - tokens
	if missing <= 0 {
		return time.UnixMilli(nowMS)
	}
	return time.UnixMilli(nowMS + int64(math.Ceil(missing/tb.rate)))
}

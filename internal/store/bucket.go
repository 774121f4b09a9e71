package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Bucket is the record kept by the token bucket strategy.
type Bucket struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"lastRefill"` // Unix milliseconds
}

// UnmarshalJSON accepts a lastRefill written in floating-point notation.
func (b *Bucket) UnmarshalJSON(data []byte) error {
	var raw struct {
		Tokens     float64 `json:"tokens"`
		LastRefill float64 `json:"lastRefill"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Tokens = raw.Tokens
	b.LastRefill = int64(math.Round(raw.LastRefill))
	return nil
}

// DecodeBucket parses a raw bucket value.
func DecodeBucket(raw []byte) (Bucket, error) {
	var b Bucket
	if err := json.Unmarshal(raw, &b); err != nil {
		return Bucket{}, fmt.Errorf("decoding bucket: %w", err)
	}
	return b, nil
}

// BucketParams describe one token bucket step.
type BucketParams struct {
	Capacity float64
	Rate     float64 // tokens per millisecond
	NowMS    int64
	TTL      time.Duration
}

// BucketStore is implemented by backends that run the token bucket step as
// a single server-side operation instead of a client-side Transform. The
// token bucket strategy uses it when the store provides it.
type BucketStore interface {
	// TakeToken refills the bucket at key up to NowMS, consumes one token
	// if at least one is available and persists the result with TTL.
	// A missing bucket starts full.
	TakeToken(ctx context.Context, key string, p BucketParams) (b Bucket, allowed bool, err error)

	// ReturnToken adds one token to the bucket at key, never beyond
	// Capacity. A missing bucket is left alone.
	ReturnToken(ctx context.Context, key string, p BucketParams) error
}

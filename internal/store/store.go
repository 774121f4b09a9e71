package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrClosed is returned by operations on a store after Close.
	ErrClosed = errors.New("store: closed")

	// ErrConflict is returned when an optimistic Transform keeps losing races
	// with concurrent writers and gives up.
	ErrConflict = errors.New("store: transform conflict")
)

// TransformFunc receives the current raw value of a key (nil if absent or
// expired) and returns its replacement. Returning a nil slice deletes the key.
//
// Backends may call the function more than once, so it must not have side
// effects beyond capturing its result.
type TransformFunc func(current []byte) ([]byte, error)

// Store is the key-value contract the strategies run against.
// Implementations must be safe for concurrent use and every mutation of a
// single key must be linearizable.
type Store interface {
	// Get returns the raw value for key, or nil, nil if it is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set unconditionally overwrites key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Increment atomically adds by to the counter stored at key. When the key
	// does not exist it is created from initial before by is applied, and ttl
	// is set. Existing keys keep their remaining ttl.
	Increment(ctx context.Context, key string, by int64, initial Counter, ttl time.Duration) (Counter, error)

	// Decrement atomically subtracts by from the counter at key, flooring at
	// zero. ok is false when the key does not exist. A positive ttl replaces
	// the expiry; zero keeps it.
	Decrement(ctx context.Context, key string, by int64, ttl time.Duration) (c Counter, ok bool, err error)

	// Transform atomically replaces the value at key with fn's result,
	// written with ttl.
	Transform(ctx context.Context, key string, ttl time.Duration, fn TransformFunc) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Reset removes every key in the store's namespace.
	Reset(ctx context.Context) error

	// Close releases timers and connections. It is idempotent.
	Close() error
}

// Counter is the record kept by window strategies.
type Counter struct {
	Count     int64 `json:"count"`
	CreatedAt int64 `json:"createdAt"` // Unix milliseconds
}

// UnmarshalJSON accepts numbers in floating-point notation, which is how
// server-side scripts write them back.
func (c *Counter) UnmarshalJSON(data []byte) error {
	var raw struct {
		Count     float64 `json:"count"`
		CreatedAt float64 `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Count = int64(math.Round(raw.Count))
	c.CreatedAt = int64(math.Round(raw.CreatedAt))
	return nil
}

// Encode returns the JSON form of the counter.
func (c Counter) Encode() []byte {
	// A struct of two int64 fields cannot fail to marshal.
	b, _ := json.Marshal(c)
	return b
}

// DecodeCounter parses a raw counter value.
func DecodeCounter(b []byte) (Counter, error) {
	var c Counter
	if err := json.Unmarshal(b, &c); err != nil {
		return Counter{}, fmt.Errorf("decoding counter: %w", err)
	}
	return c, nil
}

// expiry returns the absolute expiry for ttl, or the zero time for no expiry.
func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}
	return nil
}

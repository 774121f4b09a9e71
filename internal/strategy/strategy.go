// Package strategy implements the admission algorithms. Each strategy keeps
// its state in a store.Store, so the same algorithm runs unchanged against
// the in-process map, a shared Redis or SQLite.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/SmitUplenchwar2687/quota/internal/clock"
	"github.com/SmitUplenchwar2687/quota/internal/store"
)

// Kind identifies a rate limiting algorithm.
type Kind string

const (
	KindFixed   Kind = "fixed"
	KindSliding Kind = "sliding"
	KindToken   Kind = "token"
)

// ErrUnknownKind is returned for algorithm names outside the closed set.
var ErrUnknownKind = errors.New("unknown strategy")

// Kinds lists every supported algorithm.
func Kinds() []Kind {
	return []Kind{KindFixed, KindSliding, KindToken}
}

// ParseKind resolves an algorithm name. The empty string selects the fixed
// window; the long names (fixed_window, sliding_window, token_bucket) are
// accepted too.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fixed", "fixed_window":
		return KindFixed, nil
	case "sliding", "sliding_window":
		return KindSliding, nil
	case "token", "token_bucket":
		return KindToken, nil
	default:
		return "", fmt.Errorf("%w %q, must be one of: fixed, sliding, token", ErrUnknownKind, s)
	}
}

// Strategy decides whether a request identified by key is admitted.
type Strategy interface {
	// CheckLimit consumes one unit of quota for key and reports the outcome.
	CheckLimit(ctx context.Context, key string) (Result, error)

	// DecrementCounter returns one unit to key's quota. The limiter calls it
	// when a request that was counted should not have been.
	DecrementCounter(ctx context.Context, key string) error
}

// Result captures the outcome of one check. It is derived on every call and
// never persisted.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Reset     time.Time `json:"reset"`

	// Weighted is the blended count the sliding window decided on.
	Weighted float64 `json:"weighted,omitempty"`
}

// RetryAfter is the time left until Reset, never negative.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if d := r.Reset.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Options are the algorithm parameters shared by every strategy.
type Options struct {
	Max    int
	Window time.Duration

	// RefillRate overrides the token bucket's refill rate, in tokens per
	// millisecond. Zero means Max per Window.
	RefillRate float64

	Clock clock.Clock
}

func (o Options) validate() error {
	if o.Max < 1 {
		return fmt.Errorf("max must be at least 1, got %d", o.Max)
	}
	if o.Window < time.Millisecond {
		return fmt.Errorf("window must be at least 1ms, got %s", o.Window)
	}
	if o.RefillRate < 0 {
		return fmt.Errorf("refill rate must not be negative, got %g", o.RefillRate)
	}
	return nil
}

// New builds the strategy selected by kind on top of st.
func New(kind Kind, opts Options, st store.Store) (Strategy, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.Clock = clock.OrReal(opts.Clock)

	switch kind {
	case KindFixed:
		return NewFixedWindow(st, opts), nil
	case KindSliding:
		return NewSlidingWindow(st, opts), nil
	case KindToken:
		return NewTokenBucket(st, opts), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
}

// windowKey appends the window index to the partition key.
func windowKey(key string, index int64) string {
	return key + ":" + strconv.FormatInt(index, 10)
}

// Package ratelimit is the admission-control facade: it resolves a Config
// into a store and a strategy and enforces the result on HTTP handlers.
//
// Backend failures never block traffic. When the key generator, the store
// or the strategy fails, the limiter logs the error and lets the request
// through.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/SmitUplenchwar2687/quota/internal/store"
	"github.com/SmitUplenchwar2687/quota/internal/strategy"
)

// Limiter enforces one Config. It is safe for concurrent use.
type Limiter struct {
	cfg       Config
	store     store.Store
	strategy  strategy.Strategy
	ownsStore bool

	closeOnce sync.Once
	closeErr  error
}

// New resolves cfg, builds the configured store and strategy and returns
// the limiter. Unknown strategy or store names and invalid limits are
// reported here rather than at request time.
func New(cfg Config) (*Limiter, error) {
	resolved, err := cfg.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("ratelimit config: %w", err)
	}
	st, err := store.New(resolved.Store, resolved.Name, resolved.StoreOptions, resolved.Clock)
	if err != nil {
		return nil, fmt.Errorf("creating %s store: %w", resolved.Store, err)
	}
	l, err := newLimiter(resolved, st, true)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return l, nil
}

// NewWithStore is New with a caller-owned store. cfg.Store and
// cfg.StoreOptions are ignored and Close leaves st open.
func NewWithStore(cfg Config, st store.Store) (*Limiter, error) {
	if st == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	resolved, err := cfg.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("ratelimit config: %w", err)
	}
	return newLimiter(resolved, st, false)
}

func newLimiter(cfg Config, st store.Store, owns bool) (*Limiter, error) {
	s, err := strategy.New(cfg.Strategy, cfg.strategyOptions(), st)
	if err != nil {
		return nil, fmt.Errorf("creating %s strategy: %w", cfg.Strategy, err)
	}
	return &Limiter{cfg: cfg, store: st, strategy: s, ownsStore: owns}, nil
}

// Name is the limiter's label.
func (l *Limiter) Name() string { return l.cfg.Name }

// Config returns the resolved configuration.
func (l *Limiter) Config() Config { return l.cfg }

// Check consumes one unit for key. The call is bounded by the configured
// timeout and a panicking strategy is reported as an error.
func (l *Limiter) Check(ctx context.Context, key string) (res strategy.Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("strategy panic: %v", p)
		}
	}()

	start := time.Now()
	res, err = l.strategy.CheckLimit(ctx, key)
	l.cfg.Metrics.observe(l.cfg.Name, time.Since(start))
	return res, err
}

// Refund returns one unit to key's quota.
func (l *Limiter) Refund(ctx context.Context, key string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("strategy panic: %v", p)
		}
	}()

	if err := l.strategy.DecrementCounter(ctx, key); err != nil {
		return err
	}
	l.cfg.Metrics.refund(l.cfg.Name)
	return nil
}

// Reset clears every counter in the limiter's store namespace.
func (l *Limiter) Reset(ctx context.Context) error {
	return l.store.Reset(ctx)
}

// Middleware enforces the limit on next.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.cfg.Skip != nil && l.cfg.Skip(r) {
			l.emit(r, "", OutcomeSkipped, nil, nil)
			next.ServeHTTP(w, r)
			return
		}

		key, err := l.key(r)
		if err != nil {
			l.failOpen(r, key, err)
			next.ServeHTTP(w, r)
			return
		}

		res, err := l.Check(r.Context(), key)
		if err != nil {
			l.failOpen(r, key, err)
			next.ServeHTTP(w, r)
			return
		}

		setHeaders(w.Header(), res)
		r = r.WithContext(context.WithValue(r.Context(), resultKey{}, res))

		if !res.Allowed {
			l.emit(r, key, OutcomeRejected, &res, nil)
			l.cfg.Handler(w, r, res)
			return
		}
		l.emit(r, key, OutcomeAllowed, &res, nil)

		if !l.cfg.SkipSuccessful {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		// Not reached when next panics, so a crashed request keeps its unit.
		if rec.Status() < http.StatusBadRequest {
			l.refundAfterResponse(r, key)
		}
	})
}

// Handler is Middleware for use with routers that take a
// func(http.Handler) http.Handler.
func (l *Limiter) Handler() func(http.Handler) http.Handler {
	return l.Middleware
}

func (l *Limiter) refundAfterResponse(r *http.Request, key string) {
	// The client may already be gone; the refund must still land.
	ctx := context.WithoutCancel(r.Context())
	if err := l.Refund(ctx, key); err != nil {
		l.cfg.Logger.Warn("rate limit refund failed",
			"limiter", l.cfg.Name,
			"key", key,
			"error", err,
		)
	}
}

func (l *Limiter) key(r *http.Request) (key string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("key generator panic: %v", p)
		}
	}()

	key, err = l.cfg.KeyGenerator(r)
	if err != nil {
		return key, fmt.Errorf("generating key: %w", err)
	}
	if key == "" {
		return "", errors.New("generating key: empty key")
	}
	return key, nil
}

func (l *Limiter) failOpen(r *http.Request, key string, err error) {
	l.cfg.Logger.Warn("rate limit check failed, allowing request",
		"limiter", l.cfg.Name,
		"key", key,
		"error", err,
	)
	l.emit(r, key, OutcomeFailOpen, nil, err)
}

func (l *Limiter) emit(r *http.Request, key string, outcome Outcome, res *strategy.Result, err error) {
	l.cfg.Metrics.decision(l.cfg.Name, outcome)
	if l.cfg.OnDecision == nil {
		return
	}
	ev := Event{
		Time:    l.cfg.Clock.Now(),
		Limiter: l.cfg.Name,
		Key:     key,
		Method:  r.Method,
		Path:    r.URL.Path,
		Outcome: outcome,
		Result:  res,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	l.cfg.OnDecision(ev)
}

// Close releases the store when the limiter created it. It is idempotent.
func (l *Limiter) Close() error {
	l.closeOnce.Do(func() {
		if l.ownsStore {
			l.closeErr = l.store.Close()
		}
	})
	return l.closeErr
}

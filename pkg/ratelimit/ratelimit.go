// Package ratelimit is the public entry point of quota. It re-exports the
// limiter facade, its configuration and the strategy kinds.
//
//	l, err := ratelimit.New(ratelimit.Config{
//		Max:      100,
//		Window:   15 * time.Minute,
//		Strategy: ratelimit.StrategySliding,
//		Store:    ratelimit.StoreShared,
//		StoreOptions: map[string]any{"addr": "localhost:6379"},
//	})
//	if err != nil {
//		return err
//	}
//	defer l.Close()
//	http.Handle("/api/", l.Middleware(apiHandler))
package ratelimit

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	internalratelimit "github.com/SmitUplenchwar2687/quota/internal/ratelimit"
	"github.com/SmitUplenchwar2687/quota/internal/strategy"
	"github.com/SmitUplenchwar2687/quota/pkg/clock"
	"github.com/SmitUplenchwar2687/quota/pkg/store"
)

type (
	// Limiter enforces one Config.
	Limiter = internalratelimit.Limiter

	// Config configures a Limiter. Zero values take defaults.
	Config = internalratelimit.Config

	// Handler writes the response for a rejected request.
	Handler = internalratelimit.Handler

	// KeyGenerator derives the partition key for a request.
	KeyGenerator = internalratelimit.KeyGenerator

	// Event describes one decision.
	Event = internalratelimit.Event

	// Outcome is what the limiter did with a request.
	Outcome = internalratelimit.Outcome

	// Metrics holds the Prometheus collectors.
	Metrics = internalratelimit.Metrics

	// Result is the outcome of one check.
	Result = strategy.Result

	// StrategyKind selects an algorithm.
	StrategyKind = strategy.Kind
)

const (
	StrategyFixed   = strategy.KindFixed
	StrategySliding = strategy.KindSliding
	StrategyToken   = strategy.KindToken

	StoreMemory = store.KindMemory
	StoreShared = store.KindShared
	StoreSQL    = store.KindSQL

	OutcomeAllowed  = internalratelimit.OutcomeAllowed
	OutcomeRejected = internalratelimit.OutcomeRejected
	OutcomeSkipped  = internalratelimit.OutcomeSkipped
	OutcomeFailOpen = internalratelimit.OutcomeFailOpen

	DefaultPrefix  = internalratelimit.DefaultPrefix
	DefaultWindow  = internalratelimit.DefaultWindow
	DefaultMax     = internalratelimit.DefaultMax
	DefaultMessage = internalratelimit.DefaultMessage
	DefaultTimeout = internalratelimit.DefaultTimeout
)

// ErrUnknownStrategy is returned for algorithm names outside the supported set.
var ErrUnknownStrategy = strategy.ErrUnknownKind

// New builds a limiter and the store it owns.
func New(cfg Config) (*Limiter, error) {
	return internalratelimit.New(cfg)
}

// NewWithStore builds a limiter on a caller-owned store.
func NewWithStore(cfg Config, st store.Store) (*Limiter, error) {
	return internalratelimit.NewWithStore(cfg, st)
}

// NewMetrics creates the limiter collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	return internalratelimit.NewMetrics(reg)
}

// DefaultKeyGenerator partitions by client IP, route, identity and tenant.
func DefaultKeyGenerator(prefix string) KeyGenerator {
	return internalratelimit.DefaultKeyGenerator(prefix)
}

// DefaultHandler answers rejected requests with 429 and a JSON body.
func DefaultHandler(message string, c clock.Clock) Handler {
	return internalratelimit.DefaultHandler(message, c)
}

// ParseStrategy resolves an algorithm name.
func ParseStrategy(s string) (StrategyKind, error) {
	return strategy.ParseKind(s)
}

// WithIdentity attaches the authenticated principal's id to ctx.
func WithIdentity(ctx context.Context, id string) context.Context {
	return internalratelimit.WithIdentity(ctx, id)
}

// WithTenant attaches the tenant id to ctx.
func WithTenant(ctx context.Context, id string) context.Context {
	return internalratelimit.WithTenant(ctx, id)
}

// ResultFromContext returns the decision for the current request.
func ResultFromContext(ctx context.Context) (Result, bool) {
	return internalratelimit.ResultFromContext(ctx)
}

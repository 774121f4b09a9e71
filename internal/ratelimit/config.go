package ratelimit

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/SmitUplenchwar2687/quota/internal/clock"
	"github.com/SmitUplenchwar2687/quota/internal/store"
	"github.com/SmitUplenchwar2687/quota/internal/strategy"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultPrefix  = "rl"
	DefaultWindow  = 15 * time.Minute
	DefaultMax     = 100
	DefaultMessage = "Too many requests, please try again later."
	DefaultTimeout = 500 * time.Millisecond
)

// Handler writes the response for a rejected request.
type Handler func(w http.ResponseWriter, r *http.Request, res strategy.Result)

// Config configures a Limiter. Zero values take the package defaults.
type Config struct {
	// Name labels the limiter in logs, metrics and events, and namespaces
	// its store. Defaults to Prefix.
	Name string

	Prefix   string
	Window   time.Duration
	Max      int
	Strategy strategy.Kind
	Store    store.Kind

	// StoreOptions are decoded by the selected backend, see store.New.
	StoreOptions map[string]any

	// RefillRate overrides the token bucket refill rate in tokens per
	// millisecond.
	RefillRate float64

	// Message is the body text of the default rejection response.
	Message string

	// SkipSuccessful returns the consumed unit when the protected handler
	// responds with a status below 400.
	SkipSuccessful bool

	// Skip bypasses the limiter entirely for matching requests.
	Skip func(r *http.Request) bool

	KeyGenerator KeyGenerator
	Handler      Handler

	// Timeout bounds every store round trip. The request fails open when it
	// expires.
	Timeout time.Duration

	Logger     *slog.Logger
	Clock      clock.Clock
	Metrics    *Metrics
	OnDecision func(Event)
}

// withDefaults returns a copy of c with defaults filled in and enums parsed.
func (c Config) withDefaults() (Config, error) {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.Name == "" {
		c.Name = c.Prefix
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.Max == 0 {
		c.Max = DefaultMax
	}
	if c.Message == "" {
		c.Message = DefaultMessage
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Clock = clock.OrReal(c.Clock)

	var err error
	if c.Strategy, err = strategy.ParseKind(string(c.Strategy)); err != nil {
		return Config{}, err
	}
	if c.Store, err = store.ParseKind(string(c.Store)); err != nil {
		return Config{}, err
	}

	if c.Window < 0 {
		return Config{}, fmt.Errorf("window must be positive, got %s", c.Window)
	}
	if c.Max < 0 {
		return Config{}, fmt.Errorf("max must be at least 1, got %d", c.Max)
	}
	if c.Timeout < 0 {
		return Config{}, fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}

	if c.KeyGenerator == nil {
		c.KeyGenerator = DefaultKeyGenerator(c.Prefix)
	}
	if c.Handler == nil {
		c.Handler = DefaultHandler(c.Message, c.Clock)
	}
	return c, nil
}

func (c Config) strategyOptions() strategy.Options {
	return strategy.Options{
		Max:        c.Max,
		Window:     c.Window,
		RefillRate: c.RefillRate,
		Clock:      c.Clock,
	}
}

// Package config loads the quota server configuration.
//
// Files are YAML or JSON. Values may reference the environment as ${VAR},
// ${VAR:-default} or $VAR; a .env file next to the config file is loaded
// first without overriding variables already set.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/SmitUplenchwar2687/quota/internal/ratelimit"
	"github.com/SmitUplenchwar2687/quota/internal/store"
	"github.com/SmitUplenchwar2687/quota/internal/strategy"
)

// Config is the top-level configuration of a quota server.
type Config struct {
	Server   ServerConfig    `yaml:"server" json:"server"`
	Log      LogConfig       `yaml:"log" json:"log"`
	Limiters []LimiterConfig `yaml:"limiters" json:"limiters"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// Metrics exposes Prometheus metrics on /metrics.
	Metrics bool `yaml:"metrics" json:"metrics"`

	// Events streams decisions to WebSocket clients on /ws.
	Events bool `yaml:"events" json:"events"`

	// Record appends every decision to this file as newline-delimited
	// JSON, for "quota replay". Empty disables recording.
	Record string `yaml:"record" json:"record,omitempty"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// LimiterConfig is one named limiter mounted on a route prefix.
type LimiterConfig struct {
	Name           string         `yaml:"name" json:"name"`
	Mount          string         `yaml:"mount" json:"mount"`
	Prefix         string         `yaml:"prefix" json:"prefix,omitempty"`
	Window         time.Duration  `yaml:"window" json:"window,omitempty"`
	Max            int            `yaml:"max" json:"max,omitempty"`
	Strategy       string         `yaml:"strategy" json:"strategy,omitempty"`
	Store          string         `yaml:"store" json:"store,omitempty"`
	StoreOptions   map[string]any `yaml:"store_options" json:"store_options,omitempty"`
	RefillRate     float64        `yaml:"refill_rate" json:"refill_rate,omitempty"`
	Message        string         `yaml:"message" json:"message,omitempty"`
	SkipSuccessful bool           `yaml:"skip_successful" json:"skip_successful,omitempty"`
	SkipPaths      []string       `yaml:"skip_paths" json:"skip_paths,omitempty"`
	Timeout        time.Duration  `yaml:"timeout" json:"timeout,omitempty"`
}

// Default returns a Config with sensible defaults: one general limiter on
// every route, in memory.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			Metrics:         true,
			Events:          true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Limiters: []LimiterConfig{DefaultLimiter()},
	}
}

// DefaultLimiter is the limiter used when a file lists none.
func DefaultLimiter() LimiterConfig {
	return LimiterConfig{
		Name:     "default",
		Mount:    "/",
		Window:   ratelimit.DefaultWindow,
		Max:      ratelimit.DefaultMax,
		Strategy: string(strategy.KindFixed),
		Store:    string(store.KindMemory),
	}
}

// Validate checks that the config is usable.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must not be negative, got %s", c.Server.ShutdownTimeout)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q, must be one of: text, json", c.Log.Format)
	}

	seen := make(map[string]bool, len(c.Limiters))
	for i, l := range c.Limiters {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("limiters[%d]: %w", i, err)
		}
		if seen[l.Name] {
			return fmt.Errorf("limiters[%d]: duplicate name %q", i, l.Name)
		}
		seen[l.Name] = true
	}
	return nil
}

// Validate checks a single limiter entry.
func (l LimiterConfig) Validate() error {
	if l.Name == "" {
		return errors.New("name is required")
	}
	if l.Mount != "" && !strings.HasPrefix(l.Mount, "/") {
		return fmt.Errorf("mount must start with /, got %q", l.Mount)
	}
	if l.Max < 0 {
		return fmt.Errorf("max must be at least 1, got %d", l.Max)
	}
	if l.Window < 0 {
		return fmt.Errorf("window must be positive, got %s", l.Window)
	}
	if l.Timeout < 0 {
		return fmt.Errorf("timeout must be positive, got %s", l.Timeout)
	}
	if l.RefillRate < 0 {
		return fmt.Errorf("refill_rate must not be negative, got %g", l.RefillRate)
	}
	if _, err := strategy.ParseKind(l.Strategy); err != nil {
		return err
	}
	if _, err := store.ParseKind(l.Store); err != nil {
		return err
	}
	return nil
}

// RateLimit converts the entry into a limiter Config. Runtime collaborators
// (logger, clock, metrics, event sink) are left for the caller.
func (l LimiterConfig) RateLimit() ratelimit.Config {
	cfg := ratelimit.Config{
		Name:           l.Name,
		Prefix:         l.Prefix,
		Window:         l.Window,
		Max:            l.Max,
		Strategy:       strategy.Kind(l.Strategy),
		Store:          store.Kind(l.Store),
		StoreOptions:   l.StoreOptions,
		RefillRate:     l.RefillRate,
		Message:        l.Message,
		SkipSuccessful: l.SkipSuccessful,
		Timeout:        l.Timeout,
	}
	if cfg.Prefix == "" {
		cfg.Prefix = l.Name
	}
	if len(l.SkipPaths) > 0 {
		cfg.Skip = SkipPaths(l.SkipPaths)
	}
	return cfg
}

// SkipPaths matches requests whose path equals one of paths. An entry
// ending in * matches every path with that prefix.
func SkipPaths(paths []string) func(*http.Request) bool {
	exact := make(map[string]bool, len(paths))
	var prefixes []string
	for _, p := range paths {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			prefixes = append(prefixes, prefix)
			continue
		}
		exact[p] = true
	}
	return func(r *http.Request) bool {
		if exact[r.URL.Path] {
			return true
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				return true
			}
		}
		return false
	}
}

// Load reads a YAML or JSON config file. Server and log settings missing
// from the file keep their defaults; a file without limiters gets the
// default limiter.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	// A decoded slice would be merged element-wise into the defaults.
	cfg.Limiters = nil
	if err := decode(expandEnvVars(raw), &cfg); err != nil {
		return Default(), fmt.Errorf("decoding config file: %w", err)
	}
	if len(cfg.Limiters) == 0 {
		cfg.Limiters = []LimiterConfig{DefaultLimiter()}
	}
	for i := range cfg.Limiters {
		if cfg.Limiters[i].Mount == "" {
			cfg.Limiters[i].Mount = "/"
		}
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func decode(input map[string]any, output *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(input)
}

// envVarPattern matches ${VAR}, ${VAR:-default} and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(input map[string]any) map[string]any {
	result := make(map[string]any, len(input))
	for k, v := range input {
		result[k] = expandValue(v)
	}
	return result
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]any:
		return expandEnvVars(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = expandValue(item)
		}
		return result
	default:
		return v
	}
}

func expandEnvString(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if inner, ok := strings.CutPrefix(match, "${"); ok {
			inner = strings.TrimSuffix(inner, "}")
			if name, def, found := strings.Cut(inner, ":-"); found {
				if val := os.Getenv(name); val != "" {
					return val
				}
				return def
			}
			return os.Getenv(inner)
		}
		return os.Getenv(match[1:])
	})
}

// WriteExample writes an example config file to path.
func WriteExample(path string) error {
	return os.WriteFile(path, []byte(exampleConfig), 0o644)
}

const exampleConfig = `# quota server configuration.
# Values may reference the environment: ${REDIS_ADDR:-localhost:6379}.
server:
  addr: ":8080"
  shutdown_timeout: 10s
  metrics: true
  events: true
  # record: decisions.jsonl

log:
  level: info
  format: text

limiters:
  # General API traffic: 100 requests per 15 minutes per client.
  - name: api
    mount: /api
    window: 15m
    max: 100
    strategy: sliding
    store: memory
    skip_paths:
      - /api/health

  # Login attempts: 5 failures per 15 minutes, successful logins are refunded.
  - name: auth
    mount: /auth
    window: 15m
    max: 5
    strategy: fixed
    store: memory
    skip_successful: true
    message: Too many login attempts, please try again later.

  # Bursty webhook ingestion shared across replicas through Redis.
  # - name: webhooks
  #   mount: /webhooks
  #   window: 1m
  #   max: 60
  #   strategy: token
  #   store: shared
  #   store_options:
  #     addr: ${REDIS_ADDR:-localhost:6379}
  #     password: ${REDIS_PASSWORD}
`

package config

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/quota/internal/store"
	"github.com/SmitUplenchwar2687/quota/internal/strategy"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Server.Addr)
	}
	if len(cfg.Limiters) != 1 || cfg.Limiters[0].Mount != "/" {
		t.Fatalf("Limiters = %+v, want one limiter on /", cfg.Limiters)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"unknown strategy", func(c *Config) { c.Limiters[0].Strategy = "leaky" }, "unknown strategy"},
		{"unknown store", func(c *Config) { c.Limiters[0].Store = "etcd" }, "unknown store"},
		{"negative max", func(c *Config) { c.Limiters[0].Max = -1 }, "max"},
		{"negative window", func(c *Config) { c.Limiters[0].Window = -time.Second }, "window"},
		{"relative mount", func(c *Config) { c.Limiters[0].Mount = "api" }, "mount"},
		{"missing name", func(c *Config) { c.Limiters[0].Name = "" }, "name is required"},
		{"duplicate name", func(c *Config) { c.Limiters = append(c.Limiters, c.Limiters[0]) }, "duplicate name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Fatalf("Validate() error = %q, want it to contain %q", err, tt.errMsg)
			}
		})
	}
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "quota.yaml", `
server:
  addr: ":9090"
limiters:
  - name: api
    mount: /api
    window: 1m
    max: 20
    strategy: sliding
    skip_paths: /api/health,/api/ready
  - name: auth
    window: 15m
    max: 5
    skip_successful: true
    store: shared
    store_options:
      addr: localhost:6379
      dial_timeout: 2s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second || cfg.Log.Level != "info" {
		t.Errorf("unset fields lost their defaults: %+v %+v", cfg.Server, cfg.Log)
	}
	if len(cfg.Limiters) != 2 {
		t.Fatalf("len(Limiters) = %d, want 2", len(cfg.Limiters))
	}

	api := cfg.Limiters[0]
	if api.Window != time.Minute || api.Max != 20 || api.Strategy != "sliding" {
		t.Errorf("api = %+v", api)
	}
	if len(api.SkipPaths) != 2 || api.SkipPaths[1] != "/api/ready" {
		t.Errorf("SkipPaths = %v", api.SkipPaths)
	}

	auth := cfg.Limiters[1]
	if auth.Mount != "/" {
		t.Errorf("auth.Mount = %q, want default /", auth.Mount)
	}
	if !auth.SkipSuccessful || auth.Store != "shared" {
		t.Errorf("auth = %+v", auth)
	}
	if auth.StoreOptions["addr"] != "localhost:6379" {
		t.Errorf("StoreOptions = %v", auth.StoreOptions)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "quota.json", `{
  "server": {"addr": ":7070", "metrics": false},
  "limiters": [{"name": "api", "max": 3, "window": "10s", "strategy": "token", "refill_rate": 0.5}]
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":7070" || cfg.Server.Metrics {
		t.Errorf("Server = %+v", cfg.Server)
	}
	l := cfg.Limiters[0]
	if l.Max != 3 || l.Window != 10*time.Second || l.RefillRate != 0.5 {
		t.Errorf("limiter = %+v", l)
	}
}

func TestLoad_NoLimitersUsesDefault(t *testing.T) {
	path := writeFile(t, t.TempDir(), "quota.yaml", "server:\n  addr: \":1234\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Limiters) != 1 || cfg.Limiters[0].Name != "default" {
		t.Fatalf("Limiters = %+v, want the default limiter", cfg.Limiters)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("QUOTA_TEST_ADDR", ":6060")
	t.Setenv("QUOTA_TEST_MAX", "42")

	path := writeFile(t, t.TempDir(), "quota.yaml", `
server:
  addr: ${QUOTA_TEST_ADDR}
limiters:
  - name: api
    max: $QUOTA_TEST_MAX
    store_options:
      addr: ${QUOTA_TEST_UNSET:-redis:6379}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":6060" {
		t.Errorf("Addr = %q, want :6060", cfg.Server.Addr)
	}
	if cfg.Limiters[0].Max != 42 {
		t.Errorf("Max = %d, want 42", cfg.Limiters[0].Max)
	}
	if got := cfg.Limiters[0].StoreOptions["addr"]; got != "redis:6379" {
		t.Errorf("store addr = %v, want default redis:6379", got)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	const name = "QUOTA_TEST_DOTENV_ADDR"
	t.Setenv(name, "")
	os.Unsetenv(name)

	dir := t.TempDir()
	writeFile(t, dir, ".env", name+"=:5050\n")
	path := writeFile(t, dir, "quota.yaml", "server:\n  addr: ${"+name+"}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":5050" {
		t.Errorf("Addr = %q, want :5050 from .env", cfg.Server.Addr)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load(missing) error = nil")
	}

	bad := writeFile(t, dir, "bad.yaml", "server: [unclosed")
	if _, err := Load(bad); err == nil {
		t.Error("Load(bad yaml) error = nil")
	}

	typo := writeFile(t, dir, "typo.yaml", "limiters:\n  - name: api\n    maxx: 5\n")
	if _, err := Load(typo); err == nil {
		t.Error("Load(unknown key) error = nil")
	}

	badDuration := writeFile(t, dir, "duration.yaml", "limiters:\n  - name: api\n    window: soon\n")
	if _, err := Load(badDuration); err == nil {
		t.Error("Load(bad duration) error = nil")
	}
}

func TestWriteExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.yaml")
	if err := WriteExample(path); err != nil {
		t.Fatalf("WriteExample() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(example) error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("example config invalid: %v", err)
	}
	if len(cfg.Limiters) != 2 {
		t.Fatalf("example limiters = %d, want 2", len(cfg.Limiters))
	}
	if cfg.Limiters[1].Name != "auth" || !cfg.Limiters[1].SkipSuccessful {
		t.Errorf("auth limiter = %+v", cfg.Limiters[1])
	}
}

func TestLimiterConfig_RateLimit(t *testing.T) {
	lc := LimiterConfig{
		Name:      "api",
		Window:    time.Minute,
		Max:       10,
		Strategy:  "token",
		Store:     "sqlite",
		SkipPaths: []string{"/api/health", "/api/internal/*"},
	}
	cfg := lc.RateLimit()

	if cfg.Prefix != "api" {
		t.Errorf("Prefix = %q, want name as default", cfg.Prefix)
	}
	if cfg.Strategy != strategy.KindToken || cfg.Store != store.Kind("sqlite") {
		t.Errorf("Strategy/Store = %q/%q", cfg.Strategy, cfg.Store)
	}
	if cfg.Skip == nil {
		t.Fatal("Skip should be set from skip_paths")
	}

	tests := []struct {
		path string
		want bool
	}{
		{"/api/health", true},
		{"/api/healthz", false},
		{"/api/internal/debug", true},
		{"/api/items", false},
	}
	for _, tt := range tests {
		if got := cfg.Skip(httptest.NewRequest("GET", tt.path, nil)); got != tt.want {
			t.Errorf("Skip(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}

	if (LimiterConfig{Name: "x"}).RateLimit().Skip != nil {
		t.Error("Skip should be nil without skip_paths")
	}
}

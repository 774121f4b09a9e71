package config

import internalconfig "github.com/SmitUplenchwar2687/quota/internal/config"

// Config is the top-level configuration of a quota server.
type Config = internalconfig.Config

// ServerConfig holds HTTP server settings.
type ServerConfig = internalconfig.ServerConfig

// LogConfig selects the slog handler.
type LogConfig = internalconfig.LogConfig

// LimiterConfig is one named limiter mounted on a route prefix.
type LimiterConfig = internalconfig.LimiterConfig

// Default returns a Config with sensible defaults.
func Default() Config {
	return internalconfig.Default()
}

// Load reads a YAML or JSON config file and merges it with defaults.
func Load(path string) (Config, error) {
	return internalconfig.Load(path)
}

// WriteExample writes an example config file to the given path.
func WriteExample(path string) error {
	return internalconfig.WriteExample(path)
}

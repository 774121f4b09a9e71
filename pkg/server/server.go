package server

import (
	"log/slog"

	internalserver "github.com/SmitUplenchwar2687/quota/internal/server"
	"github.com/SmitUplenchwar2687/quota/pkg/clock"
	"github.com/SmitUplenchwar2687/quota/pkg/config"
)

// Server is the quota demo HTTP server.
type Server = internalserver.Server

// Options configures a Server.
type Options = internalserver.Options

// Mount applies a limiter to every request under a path prefix.
type Mount = internalserver.Mount

// Instance is a server together with the limiters it owns.
type Instance = internalserver.Instance

// Hub manages WebSocket clients and broadcasts decision events.
type Hub = internalserver.Hub

// New creates a server from explicit mounts.
func New(opts Options) *Server {
	return internalserver.New(opts)
}

// NewFromConfig builds every configured limiter and returns a server owning them.
func NewFromConfig(cfg config.Config, logger *slog.Logger, clk clock.Clock) (*Instance, error) {
	return internalserver.NewFromConfig(cfg, logger, clk)
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	return internalserver.NewHub(logger)
}

package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/SmitUplenchwar2687/quota/internal/config"
	"github.com/SmitUplenchwar2687/quota/internal/server"
)

const defaultShutdownTimeout = 10 * time.Second

type limitFlags struct {
	strategy   string
	max        int
	window     time.Duration
	refillRate float64
}

func (f *limitFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.strategy, "strategy", "fixed", "rate limiting strategy (fixed, sliding, token)")
	cmd.Flags().IntVar(&f.max, "max", 100, "requests allowed per window")
	cmd.Flags().DurationVar(&f.window, "window", 15*time.Minute, "rate limit window duration")
	cmd.Flags().Float64Var(&f.refillRate, "refill-rate", 0, "token bucket refill rate in tokens per millisecond (0 = max per window)")
}

// applyIfSet overrides lc with the flags the user set explicitly.
func (f *limitFlags) applyIfSet(cmd *cobra.Command, lc *config.LimiterConfig) {
	if cmd.Flags().Changed("strategy") {
		lc.Strategy = f.strategy
	}
	if cmd.Flags().Changed("max") {
		lc.Max = f.max
	}
	if cmd.Flags().Changed("window") {
		lc.Window = f.window
	}
	if cmd.Flags().Changed("refill-rate") {
		lc.RefillRate = f.refillRate
	}
}

func newServeCmd() *cobra.Command {
	var (
		configFile string
		addr       string
		record     string
		limits     limitFlags
		stores     storeOptions
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the demo HTTP server with the configured limiters",
		Long: `Starts an HTTP server with every configured limiter mounted on its
route prefix. Limit flags override every limiter from the config file.

Endpoints:
  GET  /                 Server info and configured limiters
  GET  /health           Health check (never limited)
  GET  /metrics          Prometheus metrics
  WS   /ws               Stream of rate limit decisions
  POST /auth/login       Demo login, password "quota"
  GET  /api/users/{id}   Demo echo with a route pattern
  *    /*                Demo echo`,
		Example: `  quota serve
  quota serve --config quota.yaml
  quota serve --addr :9090 --strategy sliding --max 100 --window 1m
  quota serve --store shared --redis-addr localhost:6379 --strategy token
  quota serve --config quota.yaml --record decisions.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configFile != "" {
				var err error
				if cfg, err = config.Load(configFile); err != nil {
					return err
				}
			}

			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("record") {
				cfg.Server.Record = record
			}
			for i := range cfg.Limiters {
				limits.applyIfSet(cmd, &cfg.Limiters[i])
				if err := stores.applyIfSet(cmd, &cfg.Limiters[i]); err != nil {
					return err
				}
			}

			logger, err := loggerFor(cmd, cfg.Log)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "path to YAML or JSON config file")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	cmd.Flags().StringVar(&record, "record", "", "append every decision to this file for quota replay")
	limits.addFlags(cmd)
	stores.addFlags(cmd)

	return cmd
}

// loggerFor builds the logger from the config file's log section. Explicit
// --log-level and --log-format flags take precedence.
func loggerFor(cmd *cobra.Command, lc config.LogConfig) (*slog.Logger, error) {
	level, format := lc.Level, lc.Format
	if level == "" || cmd.Flags().Changed("log-level") {
		level, _ = cmd.Flags().GetString("log-level")
	}
	if format == "" || cmd.Flags().Changed("log-format") {
		format, _ = cmd.Flags().GetString("log-format")
	}
	if level == "" {
		level = "info"
	}
	return newLogger(cmd.ErrOrStderr(), level, format)
}

// runServe serves until ctx is cancelled or the listener fails.
func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	inst, err := server.NewFromConfig(cfg, logger, nil)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return inst.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), timeout)
		defer cancel()
		return inst.Shutdown(shutdownCtx)
	})

	return errors.Join(g.Wait(), inst.Close())
}

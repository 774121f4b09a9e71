package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/quota/internal/config"
	"github.com/SmitUplenchwar2687/quota/internal/store"
)

func newResetCmd() *cobra.Command {
	var (
		configFile string
		name       string
		timeout    time.Duration
		stores     storeOptions
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear every counter of a limiter",
		Long: `Deletes all counters in a limiter's namespace on a shared (Redis) or
sql (SQLite) store. In-memory counters live inside the serving process
and are cleared by restarting it.`,
		Example: `  quota reset --config quota.yaml --limiter api
  quota reset --limiter api --store shared --redis-addr localhost:6379
  quota reset --limiter auth --store sql --sql-dsn /var/lib/quota/quota.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			lc := config.LimiterConfig{Name: name}
			if configFile != "" {
				cfg, err := config.Load(configFile)
				if err != nil {
					return err
				}
				found := false
				for _, l := range cfg.Limiters {
					if l.Name == name {
						lc, found = l, true
						break
					}
				}
				if !found {
					return fmt.Errorf("limiter %q not found in %s", name, configFile)
				}
			}
			if err := stores.applyIfSet(cmd, &lc); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := resetLimiter(ctx, lc); err != nil {
				return err
			}
			slog.Info("limiter reset", "name", lc.Name, "store", lc.Store)
			fmt.Fprintf(cmd.OutOrStdout(), "reset limiter %q\n", lc.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "path to YAML or JSON config file")
	cmd.Flags().StringVar(&name, "limiter", "default", "name of the limiter to reset")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "time allowed for the reset")
	stores.addFlags(cmd)

	return cmd
}

var errMemoryReset = errors.New("memory store counters live in the serving process; restart it to reset them")

// resetLimiter clears the namespace the limiter's store uses.
func resetLimiter(ctx context.Context, lc config.LimiterConfig) error {
	kind, err := store.ParseKind(lc.Store)
	if err != nil {
		return err
	}
	if kind == store.KindMemory {
		return errMemoryReset
	}

	st, err := store.New(kind, lc.Name, lc.StoreOptions, nil)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", kind, err)
	}
	defer st.Close()

	if err := st.Reset(ctx); err != nil {
		return fmt.Errorf("resetting limiter %q: %w", lc.Name, err)
	}
	return nil
}

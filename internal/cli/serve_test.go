package cli

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/quota/internal/config"
)

func TestRunServe_StopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServe() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not return after cancel")
	}
}

func TestRunServe_InvalidLimiter(t *testing.T) {
	cfg := config.Default()
	cfg.Limiters[0].Strategy = "leaky"

	if err := runServe(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for invalid limiter")
	}
}

func TestLimitFlags_ApplyIfSet(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	var limits limitFlags
	limits.addFlags(cmd)
	if err := cmd.Flags().Parse([]string{"--max", "7", "--strategy", "sliding"}); err != nil {
		t.Fatal(err)
	}

	lc := config.DefaultLimiter()
	lc.Window = time.Hour
	limits.applyIfSet(cmd, &lc)

	if lc.Max != 7 || lc.Strategy != "sliding" {
		t.Errorf("limiter = %+v, want max 7 sliding", lc)
	}
	if lc.Window != time.Hour {
		t.Errorf("Window = %v, unset flag overrode config", lc.Window)
	}
}

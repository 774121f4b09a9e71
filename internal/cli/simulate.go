package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/quota/internal/clock"
	"github.com/SmitUplenchwar2687/quota/internal/ratelimit"
	"github.com/SmitUplenchwar2687/quota/internal/strategy"
)

func newSimulateCmd() *cobra.Command {
	var (
		limits      limitFlags
		requests    int
		keys        []string
		fastForward time.Duration
		outputJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a strategy against a virtual clock",
		Long: `Runs rate limit checks against the in-memory store on a virtual
clock, so hours of traffic can be inspected in milliseconds.

The simulation sends a batch of requests per key, optionally
fast-forwards time, then sends another batch to show how the quota
recovers under the chosen strategy.`,
		Example: `  quota simulate --requests 20 --max 10 --window 1m
  quota simulate --strategy sliding --max 5 --window 30s --fast-forward 45s
  quota simulate --strategy token --keys user1,user2 --max 10 --window 1m --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(keys) == 0 {
				keys = []string{"test-user"}
			}
			if requests < 1 {
				return fmt.Errorf("requests must be at least 1, got %d", requests)
			}

			// Window-aligned start makes fixed window output reproducible.
			vc := clock.NewVirtualClock(time.Now().Truncate(limits.window))
			lim, err := ratelimit.New(ratelimit.Config{
				Name:       "simulate",
				Strategy:   strategy.Kind(limits.strategy),
				Max:        limits.max,
				Window:     limits.window,
				RefillRate: limits.refillRate,
				Clock:      vc,
			})
			if err != nil {
				return err
			}
			defer lim.Close()

			result, err := runSimulation(cmd.Context(), vc, lim, keys, requests, fastForward)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			printSimulation(out, &result)
			return nil
		},
	}

	limits.addFlags(cmd)
	cmd.Flags().IntVar(&requests, "requests", 15, "number of requests to send per key per batch")
	cmd.Flags().StringSliceVar(&keys, "keys", nil, "comma-separated rate limit keys")
	cmd.Flags().DurationVar(&fastForward, "fast-forward", 0, "time to fast-forward between batches")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")

	return cmd
}

// SimulationResult captures the full output of a simulation.
type SimulationResult struct {
	Strategy    string             `json:"strategy"`
	Max         int                `json:"max"`
	Window      string             `json:"window"`
	FastForward string             `json:"fast_forward,omitempty"`
	Batches     []BatchResult      `json:"batches"`
	Summary     map[string]Summary `json:"summary"`
}

// BatchResult captures results for one batch of requests.
type BatchResult struct {
	Label     string           `json:"label"`
	Time      string           `json:"time"`
	Decisions []DecisionRecord `json:"decisions"`
}

// DecisionRecord is a single rate limit check result.
type DecisionRecord struct {
	Key    string          `json:"key"`
	Result strategy.Result `json:"result"`
}

// Summary aggregates stats per key.
type Summary struct {
	TotalRequests int `json:"total_requests"`
	Allowed       int `json:"allowed"`
	Denied        int `json:"denied"`
}

func runSimulation(ctx context.Context, vc *clock.VirtualClock, lim *ratelimit.Limiter, keys []string, requests int, fastForward time.Duration) (SimulationResult, error) {
	cfg := lim.Config()
	result := SimulationResult{
		Strategy: string(cfg.Strategy),
		Max:      cfg.Max,
		Window:   cfg.Window.String(),
		Summary:  make(map[string]Summary),
	}

	runBatch := func(label string) error {
		batch := BatchResult{Label: label, Time: vc.Now().Format(time.RFC3339)}
		for i := 0; i < requests; i++ {
			for _, key := range keys {
				res, err := lim.Check(ctx, key)
				if err != nil {
					return fmt.Errorf("checking %q: %w", key, err)
				}
				batch.Decisions = append(batch.Decisions, DecisionRecord{Key: key, Result: res})

				s := result.Summary[key]
				s.TotalRequests++
				if res.Allowed {
					s.Allowed++
				} else {
					s.Denied++
				}
				result.Summary[key] = s
			}
		}
		result.Batches = append(result.Batches, batch)
		return nil
	}

	if err := runBatch("Initial requests"); err != nil {
		return result, err
	}
	if fastForward > 0 {
		vc.Advance(fastForward)
		result.FastForward = fastForward.String()
		if err := runBatch(fmt.Sprintf("After fast-forward %s", fastForward)); err != nil {
			return result, err
		}
	}
	return result, nil
}

func printSimulation(w io.Writer, r *SimulationResult) {
	fmt.Fprintf(w, "=== quota simulation: %s, %d per %s ===\n\n", r.Strategy, r.Max, r.Window)

	for _, batch := range r.Batches {
		fmt.Fprintf(w, "--- %s (at %s) ---\n", batch.Label, batch.Time)
		for i, dr := range batch.Decisions {
			status := "ALLOW"
			if !dr.Result.Allowed {
				status = "DENY "
			}
			fmt.Fprintf(w, "  #%03d [%s] key=%s remaining=%d/%d reset=%s\n",
				i+1, status, dr.Key, dr.Result.Remaining, dr.Result.Limit, dr.Result.Reset.Format(time.RFC3339))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "--- Summary ---")
	for key, s := range r.Summary {
		fmt.Fprintf(w, "  %s: %d total, %d allowed, %d denied\n", key, s.TotalRequests, s.Allowed, s.Denied)
	}

	if r.FastForward != "" && recovered(r) {
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.Repeat("=", 50))
		fmt.Fprintf(w, "Quota recovered after fast-forwarding %s.\n", r.FastForward)
		fmt.Fprintln(w, strings.Repeat("=", 50))
	}
}

// recovered reports whether the first batch saw denials and the second
// batch admitted requests again.
func recovered(r *SimulationResult) bool {
	if len(r.Batches) < 2 {
		return false
	}
	denied := false
	for _, dr := range r.Batches[0].Decisions {
		if !dr.Result.Allowed {
			denied = true
			break
		}
	}
	for _, dr := range r.Batches[1].Decisions {
		if dr.Result.Allowed {
			return denied
		}
	}
	return false
}

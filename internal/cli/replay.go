package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/quota/internal/clock"
	"github.com/SmitUplenchwar2687/quota/internal/config"
	"github.com/SmitUplenchwar2687/quota/internal/ratelimit"
	"github.com/SmitUplenchwar2687/quota/internal/replay"
	"github.com/SmitUplenchwar2687/quota/internal/store"
)

func newReplayCmd() *cobra.Command {
	var (
		file       string
		configFile string
		name       string
		limits     limitFlags
		speed      float64
		keys       []string
		limiters   []string
		paths      []string
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded decision log through a limiter",
		Long: `Replays decisions recorded by "quota serve --record" through a limiter
on a virtual clock, to see how different limits would have treated the
same traffic. Counters live in memory; the recorded store is untouched.

Decisions are replayed in time order and the clock jumps to each
recorded timestamp, so windows line up with the original traffic.

Speed: 0 = instant, 1 = real-time, 10 = 10x, 100 = 100x`,
		Example: `  quota replay --file decisions.jsonl --max 50 --window 1m
  quota replay --file decisions.jsonl --config quota.yaml --limiter api --strategy token
  quota replay --file decisions.jsonl --limiters auth --keys 10.0.0.1 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			lc := config.DefaultLimiter()
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
			limits.applyIfSet(cmd, &lc)

			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("opening file: %w", err)
			}
			defer f.Close()

			vc := clock.NewVirtualClock(time.Time{})
			rc := lc.RateLimit()
			rc.Store = store.KindMemory
			rc.StoreOptions = nil
			rc.Clock = vc
			lim, err := ratelimit.New(rc)
			if err != nil {
				return err
			}
			defer lim.Close()

			r := replay.New(lim, vc, speed, replay.Filter{
				Keys:     keys,
				Limiters: limiters,
				Paths:    paths,
			})
			if err := r.Load(f); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			cfg := lim.Config()
			if !outputJSON {
				fmt.Fprintf(out, "Replaying %s through %s, %d per %s...\n\n", file, cfg.Strategy, cfg.Max, cfg.Window)
			}

			var results []replay.Result
			summary, err := r.Run(cmd.Context(), func(res replay.Result) {
				if outputJSON {
					results = append(results, res)
					return
				}
				printReplayResult(out, res)
			})
			if err != nil {
				return err
			}

			if outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"results": results,
					"summary": summary,
				})
			}
			printReplaySummary(out, summary)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "path to a recorded decision log (required)")
	cmd.Flags().StringVar(&configFile, "config", "", "take the limiter settings from this config file")
	cmd.Flags().StringVar(&name, "limiter", "default", "limiter to take from --config")
	limits.addFlags(cmd)
	cmd.Flags().Float64Var(&speed, "speed", 0, "replay speed (0=instant, 1=real-time, 10=10x)")
	cmd.Flags().StringSliceVar(&keys, "keys", nil, "filter by keys (comma-separated)")
	cmd.Flags().StringSliceVar(&limiters, "limiters", nil, "filter by recording limiter (comma-separated)")
	cmd.Flags().StringSliceVar(&paths, "paths", nil, "filter by request path substring (comma-separated)")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")

	return cmd
}

func printReplayResult(w io.Writer, res replay.Result) {
	status := "ALLOW"
	if !res.Decision.Allowed {
		status = "DENY "
	}
	changed := ""
	if res.Changed {
		changed = fmt.Sprintf(" (was %s)", res.Event.Outcome)
	}
	fmt.Fprintf(w, "  [%s] %s key=%s remaining=%d/%d%s\n",
		status,
		res.Event.Time.Format("15:04:05"),
		res.Event.Key,
		res.Decision.Remaining,
		res.Decision.Limit,
		changed)
}

func printReplaySummary(w io.Writer, s *replay.Summary) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "--- Replay Summary ---")
	fmt.Fprintf(w, "  Total records:  %d\n", s.TotalRecords)
	fmt.Fprintf(w, "  Filtered:       %d\n", s.Filtered)
	fmt.Fprintf(w, "  Replayed:       %d\n", s.Replayed)
	fmt.Fprintf(w, "  Allowed:        %d\n", s.Allowed)
	fmt.Fprintf(w, "  Denied:         %d\n", s.Denied)
	fmt.Fprintf(w, "  Newly allowed:  %d\n", s.NewlyAllowed)
	fmt.Fprintf(w, "  Newly denied:   %d\n", s.NewlyDenied)
	fmt.Fprintf(w, "  Virtual time:   %s\n", s.Duration)
	fmt.Fprintf(w, "  Wall time:      %s\n", s.WallDuration.Round(time.Millisecond))

	if len(s.PerKey) > 1 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Per key:")
		for key, ks := range s.PerKey {
			fmt.Fprintf(w, "    %s: %d allowed, %d denied\n", key, ks.Allowed, ks.Denied)
		}
	}

	if s.Denied > 0 && s.Allowed > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.Repeat("=", 50))
		denyRate := float64(s.Denied) / float64(s.Replayed) * 100
		fmt.Fprintf(w, "Deny rate: %.1f%% (%d/%d requests denied)\n", denyRate, s.Denied, s.Replayed)
		fmt.Fprintln(w, strings.Repeat("=", 50))
	}
}

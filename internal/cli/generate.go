package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/quota/internal/generate"
	"github.com/SmitUplenchwar2687/quota/internal/recorder"
)

func newGenerateCmd() *cobra.Command {
	var (
		output  string
		pattern string
		opts    = generate.DefaultOptions()
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a synthetic decision log for replay",
		Long: `Creates a decision log in the format written by "quota serve --record",
with every request recorded as admitted.

Patterns:
  steady    Evenly distributed requests
  burst     Concentrated bursts with quiet periods
  ramp      Gradually increasing request rate`,
		Example: `  quota generate --output decisions.jsonl --count 100 --keys 5
  quota generate --output burst.jsonl --count 200 --pattern burst --duration 10m
  quota replay --file burst.jsonl --strategy token --max 20 --window 1m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Pattern = generate.Pattern(pattern)
			events, err := generate.Traffic(opts)
			if err != nil {
				return err
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating file: %w", err)
			}
			defer f.Close()

			rec := recorder.New(f, 0)
			for _, ev := range events {
				if err := rec.Record(ev); err != nil {
					return err
				}
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("writing %s: %w", output, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Generated %d decisions to %s\n", len(events), output)
			fmt.Fprintf(out, "  Keys:     %d\n", opts.Keys)
			fmt.Fprintf(out, "  Duration: %s\n", opts.Duration)
			fmt.Fprintf(out, "  Pattern:  %s\n", opts.Pattern)
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "decisions.jsonl", "output file path")
	cmd.Flags().IntVar(&opts.Count, "count", opts.Count, "number of requests to generate")
	cmd.Flags().IntVar(&opts.Keys, "keys", opts.Keys, "number of distinct client keys")
	cmd.Flags().DurationVar(&opts.Duration, "duration", opts.Duration, "time span for generated traffic")
	cmd.Flags().StringVar(&pattern, "pattern", string(generate.PatternSteady), "traffic pattern (steady, burst, ramp)")
	cmd.Flags().StringVar(&opts.Limiter, "limiter", opts.Limiter, "limiter name recorded on each decision")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "random seed (0 = time based)")
	cmd.Flags().StringSliceVar(&opts.Endpoints, "endpoints", nil, `endpoint pool, e.g. "GET /api/users,POST /api/events"`)

	return cmd
}

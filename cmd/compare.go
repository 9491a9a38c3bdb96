package cmd

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/clockwork/clockwork"
	"github.com/ollama/clockwork/ml"
	"github.com/ollama/clockwork/pipeline"
	"github.com/ollama/clockwork/scheduler"
	"github.com/ollama/clockwork/unet"
)

// CompareHandler samples once with the plain network and once per clock,
// --jobs variants at a time, and reports how far each clockwork result drifts from the
// baseline. Each run gets its own network and wrapper.
func CompareHandler(cmd *cobra.Command, _ []string) error {
	clocks, err := cmd.Flags().GetIntSlice("clock")
	if err != nil {
		return err
	}

	jobs, err := cmd.Flags().GetInt("jobs")
	if err != nil {
		return err
	}

	// validate before starting any work
	if jobs < 1 {
		return fmt.Errorf("jobs must be at least 1, got %d", jobs)
	}

	for _, c := range clocks {
		if c < 1 {
			return fmt.Errorf("clock must be at least 1, got %d", c)
		}
	}

	results := make([]*pipeline.Result, len(clocks)+1)

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(jobs)
	for i := range results {
		g.Go(func() error {
			net, err := loadNetwork(cmd)
			if err != nil {
				return err
			}

			opts, err := generateOptions(cmd, net.Config())
			if err != nil {
				return err
			}

			var denoiser unet.Denoiser = net
			if i > 0 {
				w, err := clockwork.New(net, clockwork.WithClock(clocks[i-1]))
				if err != nil {
					return err
				}
				defer w.Close()

				denoiser = w
			}

			results[i], err = pipeline.New(denoiser, scheduler.NewFlowMatchEuler(nil), slog.Default()).Generate(ctx, opts)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	baseline := results[0]
	rows := [][]string{{"baseline", strconv.Itoa(baseline.FullSteps()), "0", baseline.Duration.Round(time.Microsecond).String(), "1.00x", "0"}}
	for i, r := range results[1:] {
		diff, err := ml.MaxAbsDiff(baseline.Latents, r.Latents)
		if err != nil {
			return err
		}

		rows = append(rows, []string{
			fmt.Sprintf("clock=%d", clocks[i]),
			strconv.Itoa(r.FullSteps()),
			strconv.Itoa(len(r.Steps) - r.FullSteps()),
			r.Duration.Round(time.Microsecond).String(),
			fmt.Sprintf("%.2fx", baseline.Duration.Seconds()/max(r.Duration.Seconds(), 1e-9)),
			strconv.FormatFloat(diff, 'g', 4, 64),
		})
	}

	renderTable(cmd.OutOrStdout(), []string{"VARIANT", "FULL", "ADAPTOR", "DURATION", "SPEEDUP", "MAX DIFF"}, rows)
	return nil
}

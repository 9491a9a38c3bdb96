package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/pdevine/tensor"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ollama/clockwork/clockwork"
	"github.com/ollama/clockwork/ml"
	"github.com/ollama/clockwork/pipeline"
	"github.com/ollama/clockwork/progress"
	"github.com/ollama/clockwork/scheduler"
	"github.com/ollama/clockwork/unet"
)

func RunHandler(cmd *cobra.Command, _ []string) error {
	net, err := loadNetwork(cmd)
	if err != nil {
		return err
	}

	opts, err := generateOptions(cmd, net.Config())
	if err != nil {
		return err
	}

	baseline, err := cmd.Flags().GetBool("baseline")
	if err != nil {
		return err
	}

	var denoiser unet.Denoiser = net
	if !baseline {
		period, err := cmd.Flags().GetInt("clock")
		if err != nil {
			return err
		}

		w, err := clockwork.New(net, clockwork.WithClock(period))
		if err != nil {
			return err
		}
		defer w.Close()

		denoiser = w
	}

	stopProgress := func() {}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progress.NewStepBar("Denoising", opts.Steps)
		p := progress.NewProgress(os.Stderr, bar)
		defer p.Stop()
		stopProgress = p.Stop

		opts.OnStep = func(s pipeline.Step) {
			bar.Done(s.Full)
		}
	}

	result, err := pipeline.New(denoiser, scheduler.NewFlowMatchEuler(nil), slog.Default()).Generate(cmd.Context(), opts)
	stopProgress()
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(result.Steps))
	for _, s := range result.Steps {
		rows = append(rows, []string{
			strconv.Itoa(s.Index),
			strconv.FormatFloat(s.Timestep, 'f', 1, 64),
			s.Mode(),
			s.Duration.Round(time.Microsecond).String(),
		})
	}

	renderTable(cmd.OutOrStdout(), []string{"STEP", "TIMESTEP", "MODE", "DURATION"}, rows)
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d steps, %d full, %s, latent norm %.6f\n",
		len(result.Steps), result.FullSteps(), result.Duration.Round(time.Microsecond), ml.Norm(result.Latents))

	return nil
}

// generateOptions reads the sampling flags. Prompt embeddings are drawn from
// the seed so runs are reproducible without a text encoder.
func generateOptions(cmd *cobra.Command, cfg unet.Config) (pipeline.Options, error) {
	steps, err := cmd.Flags().GetInt("steps")
	if err != nil {
		return pipeline.Options{}, err
	}

	seed, err := cmd.Flags().GetInt64("seed")
	if err != nil {
		return pipeline.Options{}, err
	}

	batch, err := cmd.Flags().GetInt("batch")
	if err != nil {
		return pipeline.Options{}, err
	}

	if batch < 1 {
		return pipeline.Options{}, fmt.Errorf("batch must be positive, got %d", batch)
	}

	var embeds *tensor.Dense
	if cfg.CrossAttentionDim > 0 {
		embeds = scheduler.InitNoise(seed+1, batch, 8, cfg.CrossAttentionDim)
	}

	return pipeline.Options{
		Steps:        steps,
		Seed:         seed,
		Batch:        batch,
		PromptEmbeds: embeds,
	}, nil
}

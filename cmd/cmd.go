package cmd

import (
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"github.com/ollama/clockwork/envconfig"
	"github.com/ollama/clockwork/logutil"
	"github.com/ollama/clockwork/unet"
	"github.com/ollama/clockwork/unet/tiny"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clockwork",
		Short: "Clockwork diffusion sampler",
		Long:  "Run diffusion sampling with a UNet that skips its low resolution stages on most steps",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.PersistentFlags().String("config", envconfig.ConfigPath, "UNet config JSON file (default: built-in)")
	rootCmd.PersistentFlags().Int("steps", envconfig.Steps, "Number of denoising steps")
	rootCmd.PersistentFlags().Int64("seed", envconfig.Seed, "Seed for the initial noise")
	rootCmd.PersistentFlags().Int("batch", 1, "Number of latents denoised together")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Sample once and print per-step timings",
		Args:  cobra.NoArgs,
		RunE:  RunHandler,
	}
	runCmd.Flags().Int("clock", envconfig.Clock, "Steps between full UNet passes")
	runCmd.Flags().Bool("baseline", false, "Run the plain UNet without clockwork")

	compareCmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare clockwork runs against the plain UNet",
		Args:  cobra.NoArgs,
		RunE:  CompareHandler,
	}
	compareCmd.Flags().IntSlice("clock", []int{1, 2, 4, 8}, "Clocks to compare")
	compareCmd.Flags().Int("jobs", 1, "Variants sampled at the same time; durations are only comparable with 1")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment variables and their values",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}

	rootCmd.AddCommand(runCmd, compareCmd, envCmd)

	return rootCmd
}

func EnvHandler(cmd *cobra.Command, _ []string) error {
	vars := envconfig.AsMap()
	values := envconfig.Values()
	names := maps.Keys(vars)
	slices.Sort(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, values[name], vars[name].Description})
	}

	renderTable(cmd.OutOrStdout(), []string{"NAME", "VALUE", "DESCRIPTION"}, rows)
	return nil
}

// loadNetwork builds the reference UNet from --config, or from the built-in
// layout when no config is given.
func loadNetwork(cmd *cobra.Command) (*tiny.Network, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	cfg := unet.DefaultConfig()
	if path != "" {
		cfg, err = unet.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}

	return tiny.New(cfg)
}

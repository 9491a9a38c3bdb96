// Package pipeline runs the denoising loop of a latent diffusion sampler
// against any unet.Denoiser.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pdevine/tensor"

	"github.com/ollama/clockwork/scheduler"
	"github.com/ollama/clockwork/unet"
)

var ErrInvalidOptions = errors.New("pipeline: invalid options")

type Options struct {
	Steps int
	Seed  int64
	Batch int

	// PromptEmbeds conditions every step. It may be nil for unconditional
	// sampling.
	PromptEmbeds *tensor.Dense

	// Kwargs are passed to every denoiser call.
	Kwargs map[string]any

	// Init, if set, is a latent to start from instead of pure noise. It is
	// noised to the level of the first step Strength selects.
	Init     *tensor.Dense
	Strength float64

	// OnStep, if set, is called after every completed step.
	OnStep func(Step)
}

// Step records one denoiser call.
type Step struct {
	Index    int
	Timestep float64
	Full     bool
	Duration time.Duration
}

func (s Step) Mode() string {
	if s.Full {
		return "full"
	}
	return "adaptor"
}

type Result struct {
	ID       string
	Latents  *tensor.Dense
	Steps    []Step
	Duration time.Duration
}

// FullSteps counts the steps that ran the whole network.
func (r *Result) FullSteps() int {
	var n int
	for _, s := range r.Steps {
		if s.Full {
			n++
		}
	}
	return n
}

// clocked is implemented by denoisers that skip work on some steps.
type clocked interface {
	ShouldUseFullGraph() bool
}

type Pipeline struct {
	denoiser  unet.Denoiser
	scheduler *scheduler.FlowMatchEuler
	logger    *slog.Logger
}

func New(d unet.Denoiser, s *scheduler.FlowMatchEuler, logger *slog.Logger) *Pipeline {
	if s == nil {
		s = scheduler.NewFlowMatchEuler(nil)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{denoiser: d, scheduler: s, logger: logger}
}

// Generate denoises a latent drawn from opts.Seed. Denoisers that keep
// state across steps are reset first, so every generation starts with a
// full pass. The context is checked between steps.
func (p *Pipeline) Generate(ctx context.Context, opts Options) (*Result, error) {
	if opts.Steps < 1 {
		return nil, fmt.Errorf("%w: steps must be positive, got %d", ErrInvalidOptions, opts.Steps)
	}

	switch {
	case opts.Batch == 0:
		opts.Batch = 1
	case opts.Batch < 0:
		return nil, fmt.Errorf("%w: batch must be positive, got %d", ErrInvalidOptions, opts.Batch)
	}

	cfg := p.denoiser.Config()
	if cfg.InChannels < 1 || cfg.SampleSize < 1 {
		return nil, fmt.Errorf("%w: denoiser config has no latent shape", ErrInvalidOptions)
	}

	if r, ok := p.denoiser.(unet.Resetter); ok {
		r.Reset()
	}

	result := &Result{ID: uuid.NewString()}
	logger := p.logger.With("run", result.ID)

	p.scheduler.SetTimesteps(opts.Steps)
	latents := scheduler.InitNoise(opts.Seed, opts.Batch, cfg.InChannels, cfg.SampleSize, cfg.SampleSize)

	var first int
	if opts.Init != nil {
		var err error
		first, err = p.scheduler.StartStep(opts.Strength)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}

		latents, err = p.scheduler.AddNoise(opts.Init, latents, first)
		if err != nil {
			return nil, fmt.Errorf("%w: init latent: %w", ErrInvalidOptions, err)
		}
	}

	start := time.Now()
	for i := first; i < len(p.scheduler.Timesteps); i++ {
		t := p.scheduler.Timesteps[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		step := Step{Index: i, Timestep: t, Full: true}
		if c, ok := p.denoiser.(clocked); ok {
			step.Full = c.ShouldUseFullGraph()
		}

		began := time.Now()
		out, err := p.denoiser.Forward(unet.Inputs{
			Sample:              latents,
			Timestep:            t,
			EncoderHiddenStates: opts.PromptEmbeds,
			Kwargs:              opts.Kwargs,
		})
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		step.Duration = time.Since(began)

		latents, err = p.scheduler.Step(out.Sample, latents, i)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}

		logger.Debug("denoised", "step", i, "timestep", t, "mode", step.Mode(), "duration", step.Duration)
		result.Steps = append(result.Steps, step)
		if opts.OnStep != nil {
			opts.OnStep(step)
		}
	}

	result.Latents = latents
	result.Duration = time.Since(start)
	logger.Info("generation complete",
		"steps", len(result.Steps),
		"full", result.FullSteps(),
		"device", p.denoiser.Device(),
		"duration", result.Duration)

	return result, nil
}

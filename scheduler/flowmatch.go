// Package scheduler implements the discrete samplers that drive a denoiser
// from noise to a clean latent.
package scheduler

import (
	"fmt"
	"math"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ollama/clockwork/ml"
)

// FlowMatchConfig holds scheduler configuration
type FlowMatchConfig struct {
	NumTrainTimesteps int     `json:"num_train_timesteps"` // 1000
	Shift             float64 `json:"shift"`               // 3.0
}

func DefaultFlowMatchConfig() *FlowMatchConfig {
	return &FlowMatchConfig{
		NumTrainTimesteps: 1000,
		Shift:             3.0,
	}
}

// FlowMatchEuler is the flow matching Euler discrete scheduler. Sigmas run
// from 1 (pure noise) to 0 (clean sample).
type FlowMatchEuler struct {
	Config    *FlowMatchConfig
	Timesteps []float64 // model timesteps, sigma * NumTrainTimesteps
	Sigmas    []float64 // noise level at each step, len(Timesteps)+1
	NumSteps  int
}

func NewFlowMatchEuler(cfg *FlowMatchConfig) *FlowMatchEuler {
	if cfg == nil {
		cfg = DefaultFlowMatchConfig()
	}

	return &FlowMatchEuler{Config: cfg}
}

// SetTimesteps prepares the schedule for numSteps inference steps, applying
// the static shift sigma' = shift*sigma / (1 + (shift-1)*sigma).
func (s *FlowMatchEuler) SetTimesteps(numSteps int) {
	s.NumSteps = numSteps
	s.Timesteps = make([]float64, numSteps)
	s.Sigmas = make([]float64, numSteps+1)

	for i := 0; i < numSteps; i++ {
		sigma := 1.0 - float64(i)/float64(numSteps)
		if s.Config.Shift != 1 {
			sigma = s.Config.Shift * sigma / (1 + (s.Config.Shift-1)*sigma)
		}

		s.Sigmas[i] = sigma
		s.Timesteps[i] = sigma * float64(s.Config.NumTrainTimesteps)
	}
}

// StartStep is the first step an image to image run takes for the given
// strength in (0, 1]. A strength of 1 starts from pure noise; lower values
// skip the noisiest steps.
func (s *FlowMatchEuler) StartStep(strength float64) (int, error) {
	if strength <= 0 || strength > 1 {
		return 0, fmt.Errorf("scheduler: strength %v out of range (0, 1]", strength)
	}

	start := s.NumSteps - int(math.Round(strength*float64(s.NumSteps)))
	if start >= s.NumSteps {
		return 0, fmt.Errorf("scheduler: strength %v leaves no steps out of %d", strength, s.NumSteps)
	}

	return start, nil
}

func (s *FlowMatchEuler) checkStep(idx int) error {
	if idx < 0 || idx >= s.NumSteps {
		return fmt.Errorf("scheduler: step %d out of range [0, %d)", idx, s.NumSteps)
	}

	return nil
}

// Step performs one Euler step: x_next = x + (sigma_next - sigma) * v,
// where v is the velocity predicted by the model.
func (s *FlowMatchEuler) Step(modelOutput, sample *tensor.Dense, timestepIdx int) (*tensor.Dense, error) {
	if err := s.checkStep(timestepIdx); err != nil {
		return nil, err
	}

	if !ml.SameShape(modelOutput, sample) {
		return nil, fmt.Errorf("%w: model output %v, sample %v", ml.ErrShapeMismatch, modelOutput.Shape(), sample.Shape())
	}

	dt := s.Sigmas[timestepIdx+1] - s.Sigmas[timestepIdx]
	next := floats.AddScaledTo(make([]float64, len(ml.Floats(sample))), ml.Floats(sample), dt, ml.Floats(modelOutput))
	return ml.FromFloats(next, ml.Shape(sample)...), nil
}

// AddNoise mixes clean samples with noise for img2img: x_t = (1-t) x_0 + t n,
// where t is the sigma of step timestepIdx.
func (s *FlowMatchEuler) AddNoise(clean, noise *tensor.Dense, timestepIdx int) (*tensor.Dense, error) {
	if err := s.checkStep(timestepIdx); err != nil {
		return nil, err
	}

	if !ml.SameShape(clean, noise) {
		return nil, fmt.Errorf("%w: clean %v, noise %v", ml.ErrShapeMismatch, clean.Shape(), noise.Shape())
	}

	t := s.Sigmas[timestepIdx]
	out := floats.ScaleTo(make([]float64, len(ml.Floats(clean))), 1-t, ml.Floats(clean))
	floats.AddScaled(out, t, ml.Floats(noise))
	return ml.FromFloats(out, ml.Shape(clean)...), nil
}

// InitNoise draws standard normal noise of the given shape.
func InitNoise(seed int64, shape ...int) *tensor.Dense {
	dist := distuv.UnitNormal
	dist.Src = rand.NewSource(uint64(seed))

	n := 1
	for _, d := range shape {
		n *= d
	}

	s := make([]float64, n)
	for i := range s {
		s[i] = dist.Rand()
	}

	return ml.FromFloats(s, shape...)
}

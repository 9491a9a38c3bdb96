package tiny

import (
	"fmt"
	"math"

	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/floats"

	"github.com/ollama/clockwork/ml"
	"github.com/ollama/clockwork/unet"
)

// options are the kwargs understood by this network.
type options struct {
	CrossAttentionScale float64 `mapstructure:"cross_attention_scale"`
}

func optionsFrom(c *unet.Conditioning) (options, error) {
	opts := options{CrossAttentionScale: 1}
	if err := unet.DecodeKwargs(c.Kwargs, &opts); err != nil {
		return opts, err
	}
	return opts, nil
}

// affine is a per-channel scale and shift, standing in for 1x1 convolutions
// and the resolution changing samplers.
type affine struct {
	weight, bias []float64
}

func (a *affine) forward(h *tensor.Dense) *tensor.Dense {
	x := ml.Floats(h)
	channels, spatial := layout(h)

	out := make([]float64, len(x))
	for i, v := range x {
		ch := (i / spatial) % channels
		out[i] = a.weight[ch]*v + a.bias[ch]
	}

	return ml.FromFloats(out, ml.Shape(h)...)
}

func (a *affine) clone() *affine {
	if a == nil {
		return nil
	}

	return &affine{
		weight: append([]float64(nil), a.weight...),
		bias:   append([]float64(nil), a.bias...),
	}
}

type resnet struct {
	norm *affine
	temb []float64

	// attn is nil for resnets without cross attention
	attn []float64
}

// forward computes h + tanh(norm(h) + temb) with an optional cross
// attention term pooled from the encoder hidden states.
func (r *resnet) forward(h *tensor.Dense, c *unet.Conditioning, opts options) (*tensor.Dense, error) {
	x := ml.Floats(h)
	channels, spatial := layout(h)
	batch := h.Shape()[0]
	perBatch := len(x) / batch

	temb := rowMeans(c.Temb)
	if len(temb) != batch {
		return nil, fmt.Errorf("%w: timestep embedding batch %d, hidden batch %d", ErrInvalidInput, len(temb), batch)
	}

	var cond []float64
	if r.attn != nil && c.EncoderHiddenStates != nil {
		cond = rowMeans(c.EncoderHiddenStates)
		floats.Scale(opts.CrossAttentionScale, cond)
	}

	out := make([]float64, len(x))
	for i, v := range x {
		b := i / perBatch
		ch := (i / spatial) % channels

		y := v + math.Tanh(r.norm.weight[ch]*v+r.norm.bias[ch]+r.temb[ch]*temb[b])
		if cond != nil {
			y += r.attn[ch] * cond[b]
		}
		out[i] = y
	}

	return ml.FromFloats(out, ml.Shape(h)...), nil
}

func (r *resnet) clone() *resnet {
	n := &resnet{
		norm: r.norm.clone(),
		temb: append([]float64(nil), r.temb...),
	}
	if r.attn != nil {
		n.attn = append([]float64(nil), r.attn...)
	}
	return n
}

type DownBlock struct {
	resnets     []*resnet
	downsampler *affine
}

func (b *DownBlock) NumResiduals() int {
	n := len(b.resnets)
	if b.downsampler != nil {
		n++
	}
	return n
}

func (b *DownBlock) Forward(h *tensor.Dense, c *unet.Conditioning) (*tensor.Dense, []*tensor.Dense, error) {
	opts, err := optionsFrom(c)
	if err != nil {
		return nil, nil, err
	}

	residuals := make([]*tensor.Dense, 0, b.NumResiduals())
	for _, r := range b.resnets {
		h, err = r.forward(h, c, opts)
		if err != nil {
			return nil, nil, err
		}
		residuals = append(residuals, h)
	}

	if b.downsampler != nil {
		h = b.downsampler.forward(h)
		residuals = append(residuals, h)
	}

	return h, residuals, nil
}

type MidBlock struct {
	resnets []*resnet
}

func (b *MidBlock) Forward(h *tensor.Dense, c *unet.Conditioning) (*tensor.Dense, error) {
	opts, err := optionsFrom(c)
	if err != nil {
		return nil, err
	}

	for _, r := range b.resnets {
		h, err = r.forward(h, c, opts)
		if err != nil {
			return nil, err
		}
	}

	return h, nil
}

type UpBlock struct {
	resnets   []*resnet
	upsampler *affine
}

func (b *UpBlock) NumResnets() int { return len(b.resnets) }

// Forward merges one skip connection into the hidden state before each
// resnet, taking residuals from the end.
func (b *UpBlock) Forward(h *tensor.Dense, residuals []*tensor.Dense, c *unet.Conditioning) (*tensor.Dense, error) {
	if len(residuals) != len(b.resnets) {
		return nil, fmt.Errorf("%w: up block has %d resnets, got %d residuals", ErrInvalidInput, len(b.resnets), len(residuals))
	}

	opts, err := optionsFrom(c)
	if err != nil {
		return nil, err
	}

	for i, r := range b.resnets {
		skip := residuals[len(residuals)-1-i]
		if !ml.SameShape(skip, h) {
			return nil, fmt.Errorf("%w: residual shape %v, hidden shape %v", ErrInvalidInput, skip.Shape(), h.Shape())
		}

		merged := floats.AddScaledTo(make([]float64, len(ml.Floats(h))), ml.Floats(h), 0.5, ml.Floats(skip))
		h, err = r.forward(ml.FromFloats(merged, ml.Shape(h)...), c, opts)
		if err != nil {
			return nil, err
		}
	}

	if b.upsampler != nil {
		h = b.upsampler.forward(h)
	}

	return h, nil
}

func (b *UpBlock) Clone(numResnets int) (unet.UpBlock, error) {
	if numResnets < 1 || numResnets > len(b.resnets) {
		return nil, fmt.Errorf("tiny: cannot keep %d of %d resnets", numResnets, len(b.resnets))
	}

	n := &UpBlock{upsampler: b.upsampler.clone()}
	for _, r := range b.resnets[:numResnets] {
		n.resnets = append(n.resnets, r.clone())
	}

	return n, nil
}

// layout returns the channel count and the number of elements per channel
// of an NCHW tensor.
func layout(h *tensor.Dense) (channels, spatial int) {
	shape := h.Shape()
	spatial = 1
	for _, d := range shape[2:] {
		spatial *= d
	}
	return shape[1], spatial
}

// rowMeans averages t over every dimension but the first.
func rowMeans(t *tensor.Dense) []float64 {
	if t == nil {
		return nil
	}

	x := ml.Floats(t)
	rows := t.Shape()[0]
	n := len(x) / rows

	means := make([]float64, rows)
	for i := range means {
		means[i] = floats.Sum(x[i*n:(i+1)*n]) / float64(n)
	}
	return means
}

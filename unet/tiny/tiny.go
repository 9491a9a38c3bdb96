// Package tiny implements a small, deterministic UNet with the stage layout
// and residual bookkeeping of a diffusers UNet2DConditionModel. Layers are
// per-channel affine maps with tanh resnets, so it runs anywhere and is
// cheap enough for tests and benchmarks of the code that drives a UNet.
//
// Every stage preserves the shape of the sample; only the number of entries
// in BlockOutChannels is significant.
package tiny

import (
	"errors"
	"fmt"
	"math"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ollama/clockwork/ml"
	"github.com/ollama/clockwork/unet"
)

var (
	ErrInvalidConfig = errors.New("tiny: invalid config")
	ErrInvalidInput  = errors.New("tiny: invalid input")
)

type Network struct {
	config unet.Config

	timeEmbed []float64
	convIn    *affine
	convOut   *affine

	down []*DownBlock
	mid  *MidBlock
	up   []*UpBlock

	addEmbedding *AddEmbedding
}

func New(cfg unet.Config) (*Network, error) {
	if cfg.TimeEmbedDim == 0 {
		cfg.TimeEmbedDim = 32
	}

	switch {
	case cfg.InChannels < 1:
		return nil, fmt.Errorf("%w: in_channels must be positive, got %d", ErrInvalidConfig, cfg.InChannels)
	case cfg.OutChannels != cfg.InChannels:
		return nil, fmt.Errorf("%w: out_channels (%d) must equal in_channels (%d)", ErrInvalidConfig, cfg.OutChannels, cfg.InChannels)
	case len(cfg.BlockOutChannels) < 1:
		return nil, fmt.Errorf("%w: block_out_channels is empty", ErrInvalidConfig)
	case cfg.LayersPerBlock < 1:
		return nil, fmt.Errorf("%w: layers_per_block must be positive, got %d", ErrInvalidConfig, cfg.LayersPerBlock)
	case cfg.TimeEmbedDim%2 != 0:
		return nil, fmt.Errorf("%w: time_embedding_dim must be even, got %d", ErrInvalidConfig, cfg.TimeEmbedDim)
	}

	w := newWeights(cfg.Seed, cfg.InChannels)
	n := &Network{
		config:    cfg,
		timeEmbed: w.vector(cfg.TimeEmbedDim, 1, 0.1),
		convIn:    w.affine(),
		convOut:   w.affine(),
	}

	blocks := len(cfg.BlockOutChannels)
	for i := range blocks {
		b := &DownBlock{resnets: w.resnets(cfg.LayersPerBlock, i < blocks-1)}
		if i < blocks-1 {
			b.downsampler = w.affine()
		}
		n.down = append(n.down, b)
	}

	n.mid = &MidBlock{resnets: []*resnet{w.resnet(true), w.resnet(false)}}

	for i := range blocks {
		b := &UpBlock{resnets: w.resnets(cfg.LayersPerBlock+1, i > 0)}
		if i < blocks-1 {
			b.upsampler = w.affine()
		}
		n.up = append(n.up, b)
	}

	switch cfg.AdditionEmbedType {
	case "":
	case "text":
		n.addEmbedding = &AddEmbedding{weight: w.vector(cfg.TimeEmbedDim, 0, 0.1)}
	default:
		return nil, fmt.Errorf("%w: unsupported addition_embed_type %q", ErrInvalidConfig, cfg.AdditionEmbedType)
	}

	return n, nil
}

func (n *Network) Config() unet.Config { return n.config }

func (n *Network) Device() unet.Device { return unet.CPU }

func (n *Network) AddEmbedding() unet.Embedding {
	if n.addEmbedding == nil {
		return nil
	}

	return n.addEmbedding
}

func (n *Network) DownBlocks() []unet.DownBlock {
	blocks := make([]unet.DownBlock, len(n.down))
	for i, b := range n.down {
		blocks[i] = b
	}
	return blocks
}

func (n *Network) MidBlock() unet.MidBlock { return n.mid }

func (n *Network) UpBlocks() []unet.UpBlock {
	blocks := make([]unet.UpBlock, len(n.up))
	for i, b := range n.up {
		blocks[i] = b
	}
	return blocks
}

// Embed projects the sample with the input convolution, which is also the
// first residual state, and builds the timestep embedding.
func (n *Network) Embed(in unet.Inputs) (*tensor.Dense, []*tensor.Dense, *unet.Conditioning, error) {
	if in.Sample == nil {
		return nil, nil, nil, fmt.Errorf("%w: sample is nil", ErrInvalidInput)
	}

	shape := in.Sample.Shape()
	if len(shape) != 4 || shape[1] != n.config.InChannels {
		return nil, nil, nil, fmt.Errorf("%w: sample shape %v, want [batch %d height width]", ErrInvalidInput, shape, n.config.InChannels)
	}

	if hs := in.EncoderHiddenStates; hs != nil && hs.Shape()[0] != shape[0] {
		return nil, nil, nil, fmt.Errorf("%w: encoder hidden states batch %d, sample batch %d", ErrInvalidInput, hs.Shape()[0], shape[0])
	}

	temb := n.timestepEmbedding(in.Timestep, shape[0])

	if n.addEmbedding != nil {
		text, err := unet.KwargTensor(in.Kwargs, "text_embeds")
		if err != nil {
			return nil, nil, nil, err
		}

		if text != nil {
			aug, err := n.addEmbedding.Forward(text)
			if err != nil {
				return nil, nil, nil, err
			}

			if aug.Shape()[0] != shape[0] {
				return nil, nil, nil, fmt.Errorf("%w: text_embeds batch %d, sample batch %d", ErrInvalidInput, aug.Shape()[0], shape[0])
			}

			floats.Add(ml.Floats(temb), ml.Floats(aug))
		}
	}

	h := n.convIn.forward(in.Sample)
	c := &unet.Conditioning{
		Temb:                temb,
		EncoderHiddenStates: in.EncoderHiddenStates,
		Kwargs:              in.Kwargs,
	}

	return h, []*tensor.Dense{h}, c, nil
}

func (n *Network) Head(h *tensor.Dense, _ *unet.Conditioning) (unet.Output, error) {
	return unet.Output{Sample: n.convOut.forward(h)}, nil
}

func (n *Network) Forward(in unet.Inputs) (unet.Output, error) {
	h, residuals, c, err := n.Embed(in)
	if err != nil {
		return unet.Output{}, err
	}

	for i, b := range n.down {
		var rs []*tensor.Dense
		h, rs, err = b.Forward(h, c)
		if err != nil {
			return unet.Output{}, fmt.Errorf("down block %d: %w", i, err)
		}
		residuals = append(residuals, rs...)
	}

	h, err = n.mid.Forward(h, c)
	if err != nil {
		return unet.Output{}, fmt.Errorf("mid block: %w", err)
	}

	for i, b := range n.up {
		k := b.NumResnets()
		if len(residuals) < k {
			return unet.Output{}, fmt.Errorf("up block %d: needs %d residuals, %d left", i, k, len(residuals))
		}

		h, err = b.Forward(h, residuals[len(residuals)-k:], c)
		if err != nil {
			return unet.Output{}, fmt.Errorf("up block %d: %w", i, err)
		}
		residuals = residuals[:len(residuals)-k]
	}

	return n.Head(h, c)
}

// timestepEmbedding is the sinusoidal embedding of t scaled by a learned
// per-dimension weight, repeated for each batch row.
func (n *Network) timestepEmbedding(t float64, batch int) *tensor.Dense {
	dim := len(n.timeEmbed)
	half := dim / 2

	row := make([]float64, dim)
	for i := range half {
		freq := math.Exp(-math.Log(10000) * float64(i) / float64(half))
		row[i] = math.Cos(t * freq)
		row[half+i] = math.Sin(t * freq)
	}
	floats.Mul(row, n.timeEmbed)

	s := make([]float64, 0, batch*dim)
	for range batch {
		s = append(s, row...)
	}

	return ml.FromFloats(s, batch, dim)
}

// AddEmbedding projects pooled text embeddings into the timestep embedding
// space.
type AddEmbedding struct {
	weight []float64
}

func (e *AddEmbedding) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	shape := x.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("%w: text_embeds shape %v, want [batch ...]", ErrInvalidInput, shape)
	}

	pooled := rowMeans(x)
	out := make([]float64, 0, len(pooled)*len(e.weight))
	for _, p := range pooled {
		for _, w := range e.weight {
			out = append(out, w*p)
		}
	}

	return ml.FromFloats(out, len(pooled), len(e.weight)), nil
}

// weights draws deterministic parameters from a seeded normal distribution.
type weights struct {
	dist     distuv.Normal
	channels int
}

func newWeights(seed uint64, channels int) *weights {
	return &weights{
		dist:     distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)},
		channels: channels,
	}
}

func (w *weights) vector(n int, mean, scale float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = mean + scale*w.dist.Rand()
	}
	return s
}

func (w *weights) affine() *affine {
	return &affine{
		weight: w.vector(w.channels, 1, 0.05),
		bias:   w.vector(w.channels, 0, 0.05),
	}
}

func (w *weights) resnet(attention bool) *resnet {
	r := &resnet{
		norm: w.affine(),
		temb: w.vector(w.channels, 0, 0.1),
	}
	if attention {
		r.attn = w.vector(w.channels, 0, 0.1)
	}
	return r
}

func (w *weights) resnets(n int, attention bool) []*resnet {
	rs := make([]*resnet, n)
	for i := range rs {
		rs[i] = w.resnet(attention)
	}
	return rs
}

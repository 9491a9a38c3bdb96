// Package unet defines the call contract of a conditional denoising UNet as
// seen by the code that drives it: the stage lists it is built from, the
// inputs and outputs of one forward call, and the metadata a sampling
// pipeline reads from it.
//
// Stages must not modify the tensors passed to them. Callers may hold on to
// stage outputs across calls.
package unet

import (
	"github.com/pdevine/tensor"
)

// Inputs are the arguments of one denoising call.
type Inputs struct {
	Sample              *tensor.Dense
	Timestep            float64
	EncoderHiddenStates *tensor.Dense

	// Kwargs holds optional, network specific arguments. They are passed
	// through untouched; see DecodeKwargs.
	Kwargs map[string]any
}

// Output is the result of one denoising call.
type Output struct {
	Sample *tensor.Dense
}

// Conditioning is computed once per call by Network.Embed and shared by
// every stage of that call.
type Conditioning struct {
	Temb                *tensor.Dense
	EncoderHiddenStates *tensor.Dense
	Kwargs              map[string]any
}

// DownBlock is an encoder stage. It returns the new hidden state and the
// residual states it pushes for the decoder, in push order.
type DownBlock interface {
	NumResiduals() int
	Forward(h *tensor.Dense, c *Conditioning) (*tensor.Dense, []*tensor.Dense, error)
}

// MidBlock is the bottleneck stage.
type MidBlock interface {
	Forward(h *tensor.Dense, c *Conditioning) (*tensor.Dense, error)
}

// UpBlock is a decoder stage. It consumes exactly NumResnets residual
// states, popped from the end of the residual stack and passed in push
// order.
type UpBlock interface {
	NumResnets() int
	Forward(h *tensor.Dense, residuals []*tensor.Dense, c *Conditioning) (*tensor.Dense, error)

	// Clone returns a deep copy of the block keeping only its first
	// numResnets resnets.
	Clone(numResnets int) (UpBlock, error)
}

// Embedding is an optional additional conditioning projection, such as the
// text/time embedding of SDXL style networks.
type Embedding interface {
	Forward(x *tensor.Dense) (*tensor.Dense, error)
}

// Denoiser is the fixed contract a sampling pipeline depends on. Both a
// Network and anything wrapping one implement it.
type Denoiser interface {
	Config() Config
	Device() Device

	// AddEmbedding may return nil.
	AddEmbedding() Embedding

	Forward(in Inputs) (Output, error)
}

// Resetter is implemented by denoisers that carry state across the steps of
// one generation. Pipelines call Reset before the first step.
type Resetter interface {
	Reset()
}

// Network is a UNet exposing its stages. Forward must be equivalent to
// Embed, then every DownBlock in order, the MidBlock, every UpBlock in order
// fed from the residual stack, and finally Head.
type Network interface {
	Denoiser

	// Embed computes the input projection and the per-call conditioning. The
	// returned residuals seed the residual stack.
	Embed(in Inputs) (*tensor.Dense, []*tensor.Dense, *Conditioning, error)

	DownBlocks() []DownBlock
	MidBlock() MidBlock
	UpBlocks() []UpBlock

	Head(h *tensor.Dense, c *Conditioning) (Output, error)
}

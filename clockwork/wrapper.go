// Package clockwork speeds up diffusion sampling by running the full UNet
// only every few steps. On the remaining steps the wrapper runs the first
// down block and the last up block, and substitutes the output the second
// to last up block produced on the latest full step.
//
// A Wrapper is meant to be driven by a sampling loop, one call per step. It
// is not safe for concurrent use.
//
// Reference: Habibian et al., "Clockwork Diffusion: Efficient Generation
// With Model-Step Distillation", 2023.
package clockwork

import (
	"fmt"
	"log/slog"

	"github.com/ollama/clockwork/logutil"
	"github.com/ollama/clockwork/ml"
	"github.com/ollama/clockwork/unet"
)

// Stats counts what a Wrapper did since it was created.
type Stats struct {
	FullPasses    int
	AdaptorPasses int
	Captures      int
	Switches      int
}

type options struct {
	clock   int
	adaptor Adaptor
	logger  *slog.Logger
}

// Option configures a Wrapper.
type Option func(*options)

// WithClock sets the number of calls between two full passes. A clock of 1
// runs every call through the full network.
func WithClock(period int) Option {
	return func(o *options) { o.clock = period }
}

// WithAdaptor replaces the identity adaptor.
func WithAdaptor(a Adaptor) Option {
	return func(o *options) { o.adaptor = a }
}

// WithLogger sets the logger for graph switches and captures. The default
// is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Wrapper is a unet.Denoiser that alternates between full and adaptor
// passes of the network it wraps.
type Wrapper struct {
	net    unet.Network
	clock  clock
	graph  *assembler
	logger *slog.Logger
	closed bool
}

// New wraps net. The network is not modified and remains usable on its own.
func New(net unet.Network, opts ...Option) (*Wrapper, error) {
	if net == nil {
		return nil, fmt.Errorf("%w: network is nil", ErrConstruction)
	}

	o := options{
		clock:   DefaultClock,
		adaptor: IdentityAdaptor{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.clock < 1 {
		return nil, fmt.Errorf("%w: clock must be at least 1, got %d", ErrConstruction, o.clock)
	}

	if o.adaptor == nil {
		return nil, fmt.Errorf("%w: adaptor is nil", ErrConstruction)
	}

	g, err := newAssembler(net, o.adaptor)
	if err != nil {
		return nil, err
	}

	// the full graph is the initial state, with its hook in place for the
	// first call
	if err := g.activateFullGraph(); err != nil {
		return nil, err
	}

	w := &Wrapper{
		net:    net,
		clock:  clock{period: o.clock},
		graph:  g,
		logger: o.logger,
	}

	w.logger.Info("clockwork enabled",
		"clock", o.clock,
		"down_blocks", len(g.full.down),
		"up_blocks", len(g.full.up),
		"device", net.Device())

	return w, nil
}

// Forward runs one denoising step. The arguments reach the wrapped network
// unchanged and its output is returned as is. The clock advances and a
// captured feature replaces the cached one only when the call succeeds.
func (w *Wrapper) Forward(in unet.Inputs) (unet.Output, error) {
	if w.closed {
		return unet.Output{}, ErrClosed
	}

	if err := w.beforeCall(); err != nil {
		return unet.Output{}, err
	}

	out, err := w.graph.forward(in)
	if err != nil {
		w.graph.cache.discard()
		return unet.Output{}, err
	}

	w.afterCall()
	return out, nil
}

// beforeCall switches graphs when the clock crosses a boundary.
func (w *Wrapper) beforeCall() error {
	full := w.clock.useFullGraph()

	switch {
	case full && w.graph.mode == AdaptorGraph:
		if err := w.graph.activateFullGraph(); err != nil {
			return err
		}
	case !full && w.graph.mode == FullGraph:
		w.graph.activateAdaptorGraph()
	default:
		return nil
	}

	w.graph.stats.Switches++
	w.logger.Debug("clockwork switched graph", "mode", w.graph.mode, "elapsed", w.clock.elapsed)
	return nil
}

func (w *Wrapper) afterCall() {
	switch w.graph.mode {
	case FullGraph:
		w.graph.stats.FullPasses++
		if w.graph.cache.commit() {
			w.graph.stats.Captures++
		}

		feature := w.graph.cache.feature
		logutil.TraceWith(w.logger, "clockwork captured feature",
			"elapsed", w.clock.elapsed,
			"shape", ml.Shape(feature),
			"norm", featureNorm{feature},
			"values", featureDump{feature})
	case AdaptorGraph:
		w.graph.stats.AdaptorPasses++
	}

	w.clock.tick()
}

// Reset restarts the clock. Sampling loops call it before the first step of
// every generation; the next call is then always a full pass.
func (w *Wrapper) Reset() {
	w.clock.reset()
	w.logger.Debug("clockwork reset", "mode", w.graph.mode)
}

// Close drops the cached feature and the capture hook. The wrapped network
// is left alone.
func (w *Wrapper) Close() {
	w.graph.removeHook()
	w.graph.cache.clear()
	w.closed = true
}

func (w *Wrapper) Mode() GraphMode { return w.graph.mode }

func (w *Wrapper) IsFullGraph() bool { return w.graph.mode == FullGraph }

func (w *Wrapper) IsAdaptorGraph() bool { return w.graph.mode == AdaptorGraph }

// ShouldUseFullGraph reports whether the next call will be a full pass.
func (w *Wrapper) ShouldUseFullGraph() bool { return w.clock.useFullGraph() }

// Elapsed is the number of successful calls since the last reset.
func (w *Wrapper) Elapsed() int { return w.clock.elapsed }

func (w *Wrapper) Clock() int { return w.clock.period }

// HookRegistered reports whether the capture hook is in place.
func (w *Wrapper) HookRegistered() bool { return w.graph.hook != nil }

func (w *Wrapper) Stats() Stats { return w.graph.stats }

func (w *Wrapper) AdaptorStage() *AdaptorStage { return w.graph.adaptor }

// Network returns the wrapped network.
func (w *Wrapper) Network() unet.Network { return w.net }

func (w *Wrapper) Config() unet.Config { return w.net.Config() }

func (w *Wrapper) Device() unet.Device { return w.net.Device() }

func (w *Wrapper) AddEmbedding() unet.Embedding { return w.net.AddEmbedding() }

var (
	_ unet.Denoiser = (*Wrapper)(nil)
	_ unet.Resetter = (*Wrapper)(nil)
	_ unet.UpBlock  = (*AdaptorStage)(nil)
)

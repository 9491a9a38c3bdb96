package clockwork

import (
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/ollama/clockwork/unet"
)

// GraphMode selects which stages of the wrapped network a call runs.
type GraphMode int

const (
	// FullGraph runs every stage and captures the designated up block.
	FullGraph GraphMode = iota

	// AdaptorGraph runs the first down block, the adaptor stage in place of
	// the designated up block, and the last up block.
	AdaptorGraph
)

func (m GraphMode) String() string {
	switch m {
	case FullGraph:
		return "full"
	case AdaptorGraph:
		return "adaptor"
	default:
		return fmt.Sprintf("GraphMode(%d)", int(m))
	}
}

// Adaptor produces the output of the adaptor stage. cached is the feature
// captured by the last full pass; h and residuals are what the designated
// up block would have received.
type Adaptor interface {
	Adapt(cached, h *tensor.Dense, residuals []*tensor.Dense, c *unet.Conditioning) (*tensor.Dense, error)
}

// AdaptorFunc adapts a function to the Adaptor interface.
type AdaptorFunc func(cached, h *tensor.Dense, residuals []*tensor.Dense, c *unet.Conditioning) (*tensor.Dense, error)

func (f AdaptorFunc) Adapt(cached, h *tensor.Dense, residuals []*tensor.Dense, c *unet.Conditioning) (*tensor.Dense, error) {
	return f(cached, h, residuals, c)
}

// IdentityAdaptor replays the cached feature unchanged.
type IdentityAdaptor struct{}

func (IdentityAdaptor) Adapt(cached, _ *tensor.Dense, _ []*tensor.Dense, _ *unet.Conditioning) (*tensor.Dense, error) {
	return cached, nil
}

// AdaptorStage stands in for the second to last up block during adaptor
// passes. It consumes a single residual state so the last up block receives
// the same residuals it gets in a full pass.
type AdaptorStage struct {
	block   unet.UpBlock
	adaptor Adaptor
	cache   *featureCache
}

func (s *AdaptorStage) NumResnets() int { return s.block.NumResnets() }

func (s *AdaptorStage) Forward(h *tensor.Dense, residuals []*tensor.Dense, c *unet.Conditioning) (*tensor.Dense, error) {
	cached, err := s.cache.read()
	if err != nil {
		return nil, err
	}

	return s.adaptor.Adapt(cached, h, residuals, c)
}

func (s *AdaptorStage) Clone(int) (unet.UpBlock, error) {
	return nil, fmt.Errorf("clockwork: adaptor stage cannot be cloned")
}

// view is one composition of the wrapped network's stages. The network
// itself is never modified; switching graphs selects another view.
type view struct {
	down []unet.DownBlock

	// mid is nil when the bottleneck is bypassed
	mid unet.MidBlock

	up []unet.UpBlock
}

// captureHook runs synchronously after up block stage returns.
type captureHook struct {
	stage int
	fn    func(*tensor.Dense) error
}

// assembler owns the full and adaptor views, the active mode and the
// capture hook.
type assembler struct {
	net unet.Network

	full, adapted view
	adaptor       *AdaptorStage

	// designated is the index in full.up of the block whose output is
	// cached and whose copy backs the adaptor stage.
	designated int

	mode   GraphMode
	active view
	hook   *captureHook

	cache featureCache
	stats Stats
}

func newAssembler(net unet.Network, adaptor Adaptor) (*assembler, error) {
	full := view{
		down: net.DownBlocks(),
		mid:  net.MidBlock(),
		up:   net.UpBlocks(),
	}

	if err := validate(full); err != nil {
		return nil, err
	}

	g := &assembler{
		net:        net,
		full:       full,
		designated: len(full.up) - 2,
	}

	stage, err := g.buildAdaptorStage(adaptor)
	if err != nil {
		return nil, err
	}
	g.adaptor = stage

	g.adapted = view{
		down: full.down[:1:1],
		up:   []unet.UpBlock{stage, full.up[len(full.up)-1]},
	}

	if err := balance(full, g.adapted); err != nil {
		return nil, err
	}

	return g, nil
}

// validate checks the stage arity of the full graph.
func validate(v view) error {
	switch {
	case len(v.down) < 1:
		return fmt.Errorf("%w: network has no down blocks", ErrConstruction)
	case v.mid == nil:
		return fmt.Errorf("%w: network has no mid block", ErrConstruction)
	case len(v.up) < 2:
		return fmt.Errorf("%w: network needs at least 2 up blocks, has %d", ErrConstruction, len(v.up))
	}

	for i, b := range v.down {
		if b == nil {
			return fmt.Errorf("%w: down block %d is nil", ErrConstruction, i)
		}
	}

	for i, b := range v.up {
		if b == nil {
			return fmt.Errorf("%w: up block %d is nil", ErrConstruction, i)
		}
	}

	if n := v.up[len(v.up)-2].NumResnets(); n < 1 {
		return fmt.Errorf("%w: second to last up block has %d resnets", ErrConstruction, n)
	}

	return nil
}

// balance checks that both views consume exactly the residual states they
// push. The number pushed by Network.Embed is whatever makes the full view
// balance; the adaptor view must then leave the last up block with the
// same residuals it receives in a full pass.
func balance(full, adapted view) error {
	var pushed, consumed int
	for _, b := range full.down {
		pushed += b.NumResiduals()
	}
	for _, b := range full.up {
		consumed += b.NumResnets()
	}

	stem := consumed - pushed
	if stem < 0 {
		return fmt.Errorf("%w: down blocks push %d residuals, up blocks consume %d", ErrConstruction, pushed, consumed)
	}

	pushed = stem + adapted.down[0].NumResiduals()
	consumed = 0
	for _, b := range adapted.up {
		consumed += b.NumResnets()
	}

	if pushed != consumed {
		return fmt.Errorf("%w: adaptor graph pushes %d residuals, consumes %d", ErrConstruction, pushed, consumed)
	}

	return nil
}

// buildAdaptorStage copies the designated up block with a single resnet and
// binds its forward to the feature cache.
func (g *assembler) buildAdaptorStage(adaptor Adaptor) (*AdaptorStage, error) {
	block, err := g.full.up[g.designated].Clone(1)
	if err != nil {
		return nil, fmt.Errorf("%w: copy up block %d: %w", ErrConstruction, g.designated, err)
	}

	if n := block.NumResnets(); n != 1 {
		return nil, fmt.Errorf("%w: copy of up block %d has %d resnets, want 1", ErrConstruction, g.designated, n)
	}

	return &AdaptorStage{block: block, adaptor: adaptor, cache: &g.cache}, nil
}

// activateFullGraph selects the full view and registers the capture hook.
// It does nothing if the full graph is already active.
func (g *assembler) activateFullGraph() error {
	if g.mode == FullGraph && g.hook != nil {
		return nil
	}

	prev := g.hook
	g.removeHook()
	if err := g.registerHook(g.designated); err != nil {
		g.hook = prev
		return err
	}

	g.active = g.full
	g.mode = FullGraph
	return nil
}

// activateAdaptorGraph removes the capture hook and selects the adaptor
// view. It does nothing if the adaptor graph is already active.
func (g *assembler) activateAdaptorGraph() {
	if g.mode == AdaptorGraph {
		return
	}

	g.removeHook()
	g.active = g.adapted
	g.mode = AdaptorGraph
}

func (g *assembler) registerHook(stage int) error {
	if g.hook != nil {
		return fmt.Errorf("%w: a hook is already registered on up block %d", ErrHookLifecycle, g.hook.stage)
	}

	g.hook = &captureHook{stage: stage, fn: g.capture}
	return nil
}

func (g *assembler) removeHook() {
	g.hook = nil
}

// capture is the hook body. It only ever runs in the full graph. The
// feature is staged and becomes visible to adaptor passes once the call
// succeeds.
func (g *assembler) capture(out *tensor.Dense) error {
	if g.mode != FullGraph {
		return fmt.Errorf("%w: capture fired in %s graph", ErrHookLifecycle, g.mode)
	}

	g.cache.capture(out)
	return nil
}

// forward runs the active view.
func (g *assembler) forward(in unet.Inputs) (unet.Output, error) {
	v := g.active

	h, residuals, c, err := g.net.Embed(in)
	if err != nil {
		return unet.Output{}, err
	}

	for i, b := range v.down {
		var rs []*tensor.Dense
		h, rs, err = b.Forward(h, c)
		if err != nil {
			return unet.Output{}, fmt.Errorf("down block %d: %w", i, err)
		}
		residuals = append(residuals, rs...)
	}

	if v.mid != nil {
		h, err = v.mid.Forward(h, c)
		if err != nil {
			return unet.Output{}, fmt.Errorf("mid block: %w", err)
		}
	}

	for i, b := range v.up {
		k := b.NumResnets()
		if len(residuals) < k {
			return unet.Output{}, fmt.Errorf("up block %d: needs %d residuals, %d left", i, k, len(residuals))
		}

		h, err = b.Forward(h, residuals[len(residuals)-k:], c)
		if err != nil {
			return unet.Output{}, fmt.Errorf("up block %d: %w", i, err)
		}
		residuals = residuals[:len(residuals)-k]

		if g.hook != nil && g.hook.stage == i {
			if err := g.hook.fn(h); err != nil {
				return unet.Output{}, err
			}
		}
	}

	return g.net.Head(h, c)
}

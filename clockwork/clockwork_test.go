package clockwork

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/clockwork/logutil"
	"github.com/ollama/clockwork/ml"
	"github.com/ollama/clockwork/unet"
	"github.com/ollama/clockwork/unet/tiny"
)

var errBoom = errors.New("boom")

// testNetwork is a UNet whose stages add constants and record their calls.
type testNetwork struct {
	calls   []string
	stem    int
	headErr error

	down []*testDown
	mid  *testMid
	up   []*testUp
}

// newTestNetwork builds a network with diffusers style residual counts: one
// residual from the input projection, layers+1 per down block except the
// last, and layers+1 resnets per up block.
func newTestNetwork(blocks, layers int) *testNetwork {
	n := &testNetwork{stem: 1}
	for i := range blocks {
		residuals := layers
		if i < blocks-1 {
			residuals++
		}
		n.down = append(n.down, &testDown{net: n, name: "down" + strconv.Itoa(i), residuals: residuals})
	}

	n.mid = &testMid{net: n}

	for i := range blocks {
		n.up = append(n.up, &testUp{net: n, name: "up" + strconv.Itoa(i), resnets: layers + 1, offset: float64(i + 1)})
	}

	return n
}

func (n *testNetwork) Config() unet.Config { return unet.Config{InChannels: 1, SampleSize: 2} }
func (n *testNetwork) Device() unet.Device { return unet.Device{ID: "0", Library: "test"} }
func (n *testNetwork) AddEmbedding() unet.Embedding { return nil }

func (n *testNetwork) DownBlocks() []unet.DownBlock {
	var blocks []unet.DownBlock
	for _, b := range n.down {
		blocks = append(blocks, b)
	}
	return blocks
}

func (n *testNetwork) MidBlock() unet.MidBlock {
	if n.mid == nil {
		return nil
	}
	return n.mid
}

func (n *testNetwork) UpBlocks() []unet.UpBlock {
	var blocks []unet.UpBlock
	for _, b := range n.up {
		blocks = append(blocks, b)
	}
	return blocks
}

func (n *testNetwork) Embed(in unet.Inputs) (*tensor.Dense, []*tensor.Dense, *unet.Conditioning, error) {
	n.calls = append(n.calls, "embed")
	h := shift(in.Sample, in.Timestep)

	residuals := make([]*tensor.Dense, n.stem)
	for i := range residuals {
		residuals[i] = h
	}

	return h, residuals, &unet.Conditioning{Kwargs: in.Kwargs}, nil
}

func (n *testNetwork) Head(h *tensor.Dense, _ *unet.Conditioning) (unet.Output, error) {
	n.calls = append(n.calls, "head")
	if n.headErr != nil {
		return unet.Output{}, n.headErr
	}
	return unet.Output{Sample: shift(h, 0.5)}, nil
}

func (n *testNetwork) Forward(in unet.Inputs) (unet.Output, error) {
	return unet.Output{}, errors.New("not used")
}

type testDown struct {
	net       *testNetwork
	name      string
	residuals int
	err       error
}

func (b *testDown) NumResiduals() int { return b.residuals }

func (b *testDown) Forward(h *tensor.Dense, _ *unet.Conditioning) (*tensor.Dense, []*tensor.Dense, error) {
	b.net.calls = append(b.net.calls, b.name)
	if b.err != nil {
		return nil, nil, b.err
	}

	h = shift(h, 1)
	residuals := make([]*tensor.Dense, b.residuals)
	for i := range residuals {
		residuals[i] = h
	}
	return h, residuals, nil
}

type testMid struct {
	net *testNetwork
}

func (b *testMid) Forward(h *tensor.Dense, _ *unet.Conditioning) (*tensor.Dense, error) {
	b.net.calls = append(b.net.calls, "mid")
	return shift(h, 10), nil
}

type testUp struct {
	net     *testNetwork
	name    string
	resnets int
	offset  float64

	// err fails Clone, fail fails Forward
	err, fail error

	// lastIn and lastOut are the hidden states of the latest call
	lastIn, lastOut *tensor.Dense
}

func (b *testUp) NumResnets() int { return b.resnets }

func (b *testUp) Forward(h *tensor.Dense, residuals []*tensor.Dense, _ *unet.Conditioning) (*tensor.Dense, error) {
	b.net.calls = append(b.net.calls, b.name)
	if b.fail != nil {
		return nil, b.fail
	}

	if len(residuals) != b.resnets {
		return nil, errors.New("wrong number of residuals")
	}

	b.lastIn = h
	b.lastOut = shift(h, b.offset)
	return b.lastOut, nil
}

func (b *testUp) Clone(n int) (unet.UpBlock, error) {
	if b.err != nil {
		return nil, b.err
	}

	return &testUp{net: b.net, name: b.name + "-copy", resnets: n, offset: b.offset}, nil
}

func shift(t *tensor.Dense, c float64) *tensor.Dense {
	out := append([]float64(nil), ml.Floats(t)...)
	for i := range out {
		out[i] += c
	}
	return ml.FromFloats(out, ml.Shape(t)...)
}

func testInputs(timestep float64) unet.Inputs {
	return unet.Inputs{
		Sample:   ml.FromFloats([]float64{1, 2}, 2),
		Timestep: timestep,
	}
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNewRejectsIncompatibleNetworks(t *testing.T) {
	cases := map[string]struct {
		net  func() unet.Network
		opts []Option
	}{
		"nil network": {
			net: func() unet.Network { return nil },
		},
		"no down blocks": {
			net: func() unet.Network {
				n := newTestNetwork(3, 2)
				n.down = nil
				return n
			},
		},
		"no mid block": {
			net: func() unet.Network {
				n := newTestNetwork(3, 2)
				n.mid = nil
				return n
			},
		},
		"single up block": {
			net: func() unet.Network {
				n := newTestNetwork(3, 2)
				n.up = n.up[2:]
				return n
			},
		},
		"designated block without resnets": {
			net: func() unet.Network {
				n := newTestNetwork(3, 2)
				n.up[1].resnets = 0
				return n
			},
		},
		"uncloneable designated block": {
			net: func() unet.Network {
				n := newTestNetwork(3, 2)
				n.up[1].err = errBoom
				return n
			},
		},
		"more residuals pushed than consumed": {
			net: func() unet.Network {
				n := newTestNetwork(3, 2)
				n.down[2].residuals = 10
				return n
			},
		},
		"adaptor graph unbalanced": {
			net: func() unet.Network {
				n := newTestNetwork(3, 2)
				n.down[0].residuals++
				n.down[1].residuals--
				return n
			},
		},
		"zero clock": {
			net:  func() unet.Network { return newTestNetwork(3, 2) },
			opts: []Option{WithClock(0)},
		},
		"nil adaptor": {
			net:  func() unet.Network { return newTestNetwork(3, 2) },
			opts: []Option{WithAdaptor(nil)},
		},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			w, err := New(tt.net(), append(tt.opts, quiet())...)
			require.ErrorIs(t, err, ErrConstruction)
			require.Nil(t, w)
		})
	}
}

func TestNewStartsInFullGraph(t *testing.T) {
	w, err := New(newTestNetwork(4, 2), quiet())
	require.NoError(t, err)

	assert.True(t, w.IsFullGraph())
	assert.False(t, w.IsAdaptorGraph())
	assert.True(t, w.HookRegistered())
	assert.Equal(t, 0, w.Elapsed())
	assert.Equal(t, DefaultClock, w.Clock())
	assert.Equal(t, 1, w.AdaptorStage().NumResnets())
}

func TestSchedule(t *testing.T) {
	const calls = 10

	for _, period := range []int{1, 2, 3, 4, 7, calls + 5} {
		t.Run("clock="+strconv.Itoa(period), func(t *testing.T) {
			w, err := New(newTestNetwork(3, 2), WithClock(period), quiet())
			require.NoError(t, err)

			var want, got []GraphMode
			for i := range calls {
				if i%period == 0 {
					want = append(want, FullGraph)
				} else {
					want = append(want, AdaptorGraph)
				}

				require.Equal(t, i%period == 0, w.ShouldUseFullGraph())

				_, err := w.Forward(testInputs(float64(i)))
				require.NoError(t, err)
				require.Equal(t, i+1, w.Elapsed())

				got = append(got, w.Mode())
				require.Equal(t, w.IsFullGraph(), w.HookRegistered())
			}

			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("modes mismatch (-want +got):\n%s", diff)
			}

			stats := w.Stats()
			assert.Equal(t, calls, stats.FullPasses+stats.AdaptorPasses)
			assert.Equal(t, stats.FullPasses, stats.Captures)
		})
	}
}

func TestAdaptorGraphStages(t *testing.T) {
	n := newTestNetwork(4, 2)
	w, err := New(n, WithClock(2), quiet())
	require.NoError(t, err)

	_, err = w.Forward(testInputs(0))
	require.NoError(t, err)
	assert.Equal(t, []string{"embed", "down0", "down1", "down2", "down3", "mid", "up0", "up1", "up2", "up3", "head"}, n.calls)

	n.calls = nil
	_, err = w.Forward(testInputs(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"embed", "down0", "up3", "head"}, n.calls)

	// the network's own stage lists are untouched
	assert.Len(t, n.DownBlocks(), 4)
	assert.NotNil(t, n.MidBlock())
	assert.Len(t, n.UpBlocks(), 4)
}

func TestCacheReplaysLastFullPass(t *testing.T) {
	n := newTestNetwork(3, 1)
	designated, last := n.up[1], n.up[2]

	var replayed []*tensor.Dense
	record := AdaptorFunc(func(cached, h *tensor.Dense, residuals []*tensor.Dense, c *unet.Conditioning) (*tensor.Dense, error) {
		replayed = append(replayed, cached)
		return IdentityAdaptor{}.Adapt(cached, h, residuals, c)
	})

	w, err := New(n, WithClock(3), WithAdaptor(record), quiet())
	require.NoError(t, err)

	for step := range 7 {
		_, err := w.Forward(testInputs(float64(step * 100)))
		require.NoError(t, err)

		if w.IsFullGraph() {
			continue
		}

		// the last up block sees exactly what the designated block produced on
		// the latest full pass
		require.True(t, ml.Equal(designated.lastOut, last.lastIn), "step %d", step)
		require.True(t, ml.Equal(designated.lastOut, replayed[len(replayed)-1]), "step %d", step)
	}

	assert.Len(t, replayed, 4)
}

func TestCachedFeatureIsDetached(t *testing.T) {
	n := newTestNetwork(3, 1)
	w, err := New(n, WithClock(2), quiet())
	require.NoError(t, err)

	_, err = w.Forward(testInputs(0))
	require.NoError(t, err)

	want := ml.Detach(n.up[1].lastOut)
	ml.Floats(n.up[1].lastOut)[0] = 1e9

	cached, err := w.graph.cache.read()
	require.NoError(t, err)
	assert.True(t, ml.Equal(want, cached))
}

func TestResetStartsWithFullPass(t *testing.T) {
	n := newTestNetwork(3, 1)
	w, err := New(n, WithClock(3), quiet())
	require.NoError(t, err)

	for step := range 2 {
		_, err := w.Forward(testInputs(float64(step)))
		require.NoError(t, err)
	}
	require.True(t, w.IsAdaptorGraph())

	w.Reset()
	assert.Equal(t, 0, w.Elapsed())
	assert.True(t, w.IsAdaptorGraph(), "reset must not switch graphs by itself")
	assert.True(t, w.ShouldUseFullGraph())

	captures := w.Stats().Captures
	_, err = w.Forward(testInputs(42))
	require.NoError(t, err)
	assert.True(t, w.IsFullGraph())
	assert.Equal(t, captures+1, w.Stats().Captures)

	_, err = w.Forward(testInputs(43))
	require.NoError(t, err)
	require.True(t, w.IsAdaptorGraph())
	assert.True(t, ml.Equal(n.up[1].lastOut, n.up[2].lastIn))
	assert.True(t, ml.Equal(shift(testInputs(42).Sample, 42+3+10+1+2), n.up[2].lastIn))
}

func TestActivationIsIdempotent(t *testing.T) {
	w, err := New(newTestNetwork(3, 2), quiet())
	require.NoError(t, err)

	_, err = w.Forward(testInputs(0))
	require.NoError(t, err)

	g := w.graph
	hook := g.hook
	feature := g.cache.feature

	require.NoError(t, g.activateFullGraph())
	assert.Same(t, hook, g.hook)
	assert.Same(t, feature, g.cache.feature)
	assert.Equal(t, FullGraph, g.mode)

	g.activateAdaptorGraph()
	g.activateAdaptorGraph()
	assert.Nil(t, g.hook)
	assert.Equal(t, AdaptorGraph, g.mode)
	assert.Same(t, feature, g.cache.feature)

	require.NoError(t, g.activateFullGraph())
	require.NoError(t, g.activateFullGraph())
	assert.NotNil(t, g.hook)
	assert.Equal(t, 1, w.Stats().Captures)
}

func TestSecondHookIsRejected(t *testing.T) {
	w, err := New(newTestNetwork(3, 2), quiet())
	require.NoError(t, err)

	require.ErrorIs(t, w.graph.registerHook(w.graph.designated), ErrHookLifecycle)
	assert.True(t, w.HookRegistered())
}

func TestCaptureOutsideFullGraph(t *testing.T) {
	w, err := New(newTestNetwork(3, 2), quiet())
	require.NoError(t, err)

	w.graph.mode = AdaptorGraph
	require.ErrorIs(t, w.graph.capture(ml.Zeros(2)), ErrHookLifecycle)
	assert.Nil(t, w.graph.cache.feature)
}

func TestAdaptorPassBeforeFullPass(t *testing.T) {
	w, err := New(newTestNetwork(3, 2), WithClock(4), quiet())
	require.NoError(t, err)

	// force the clock past the first full pass
	w.clock.elapsed = 1

	_, err = w.Forward(testInputs(0))
	require.ErrorIs(t, err, ErrCacheUnderflow)
	assert.Equal(t, 1, w.Elapsed())
	assert.True(t, w.IsAdaptorGraph())
}

func TestFailedCallDoesNotTick(t *testing.T) {
	n := newTestNetwork(3, 2)
	w, err := New(n, WithClock(2), quiet())
	require.NoError(t, err)

	n.down[2].err = errBoom
	_, err = w.Forward(testInputs(0))
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, w.Elapsed())
	assert.Equal(t, 0, w.Stats().FullPasses)

	n.down[2].err = nil
	_, err = w.Forward(testInputs(0))
	require.NoError(t, err)
	assert.Equal(t, 1, w.Elapsed())

	// down2 is bypassed on adaptor passes
	n.down[2].err = errBoom
	_, err = w.Forward(testInputs(1))
	require.NoError(t, err)
	assert.Equal(t, 2, w.Elapsed())

	_, err = w.Forward(testInputs(2))
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 2, w.Elapsed())
	assert.True(t, w.IsFullGraph())
}

func TestFailedFullPassKeepsCache(t *testing.T) {
	for name, breakNet := range map[string]func(*testNetwork, error){
		"last up block": func(n *testNetwork, err error) { n.up[2].fail = err },
		"head":          func(n *testNetwork, err error) { n.headErr = err },
	} {
		t.Run(name, func(t *testing.T) {
			n := newTestNetwork(3, 1)
			w, err := New(n, WithClock(2), quiet())
			require.NoError(t, err)

			for step := range 2 {
				_, err := w.Forward(testInputs(float64(step)))
				require.NoError(t, err)
			}

			cached := w.graph.cache.feature
			require.NotNil(t, cached)

			// the designated block runs and its output is staged before the
			// call fails
			breakNet(n, errBoom)
			_, err = w.Forward(testInputs(100))
			require.ErrorIs(t, err, errBoom)
			assert.True(t, ml.Equal(shift(testInputs(100).Sample, 100+3+10+1+2), n.up[1].lastOut))

			assert.Same(t, cached, w.graph.cache.feature)
			assert.Nil(t, w.graph.cache.pending)
			assert.Equal(t, 2, w.Elapsed())
			assert.Equal(t, 1, w.Stats().Captures)

			breakNet(n, nil)
			_, err = w.Forward(testInputs(200))
			require.NoError(t, err)
			assert.Equal(t, 2, w.Stats().Captures)
			assert.True(t, ml.Equal(n.up[1].lastOut, w.graph.cache.feature))
		})
	}
}

func TestCaptureTraceLog(t *testing.T) {
	var buf bytes.Buffer
	w, err := New(newTestNetwork(3, 1), WithLogger(logutil.NewLogger(&buf, logutil.LevelTrace)))
	require.NoError(t, err)

	_, err = w.Forward(testInputs(0))
	require.NoError(t, err)

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "clockwork captured feature") {
			line = l
		}
	}

	require.NotEmpty(t, line)
	assert.Contains(t, line, "source=wrapper.go:")
	assert.Contains(t, line, `values="[17.0000, 18.0000]"`)
}

func TestFacade(t *testing.T) {
	n := newTestNetwork(3, 2)
	w, err := New(n, quiet())
	require.NoError(t, err)

	var d unet.Denoiser = w
	assert.Equal(t, n.Config(), d.Config())
	assert.Equal(t, "test:0", d.Device().String())
	assert.Nil(t, d.AddEmbedding())
	assert.Same(t, n, w.Network())
}

func TestClose(t *testing.T) {
	w, err := New(newTestNetwork(3, 2), quiet())
	require.NoError(t, err)

	_, err = w.Forward(testInputs(0))
	require.NoError(t, err)

	w.Close()
	assert.False(t, w.HookRegistered())

	_, err = w.Forward(testInputs(1))
	require.ErrorIs(t, err, ErrClosed)
}

func newTiny(t *testing.T, cfg unet.Config) *tiny.Network {
	t.Helper()

	n, err := tiny.New(cfg)
	require.NoError(t, err)
	return n
}

func tinyInputs(cfg unet.Config, timestep float64) unet.Inputs {
	sample := make([]float64, 2*cfg.InChannels*cfg.SampleSize*cfg.SampleSize)
	for i := range sample {
		sample[i] = float64(i%7)/7 - 0.5
	}

	hidden := make([]float64, 2*3*cfg.CrossAttentionDim)
	for i := range hidden {
		hidden[i] = float64(i%5) / 5
	}

	return unet.Inputs{
		Sample:              ml.FromFloats(sample, 2, cfg.InChannels, cfg.SampleSize, cfg.SampleSize),
		Timestep:            timestep,
		EncoderHiddenStates: ml.FromFloats(hidden, 2, 3, cfg.CrossAttentionDim),
		Kwargs:              map[string]any{"cross_attention_scale": 0.5},
	}
}

func TestClockOneMatchesNetwork(t *testing.T) {
	cfg := unet.DefaultConfig()
	n := newTiny(t, cfg)

	w, err := New(n, WithClock(1), quiet())
	require.NoError(t, err)

	for _, ts := range []float64{999, 750, 500, 250, 1} {
		in := tinyInputs(cfg, ts)

		want, err := n.Forward(in)
		require.NoError(t, err)

		got, err := w.Forward(in)
		require.NoError(t, err)

		require.True(t, ml.Equal(want.Sample, got.Sample), "timestep %v", ts)
		require.True(t, w.IsFullGraph())
	}

	assert.Equal(t, 5, w.Stats().FullPasses)
	assert.Equal(t, 0, w.Stats().AdaptorPasses)
	assert.Equal(t, 0, w.Stats().Switches)
}

func TestTinyEndToEnd(t *testing.T) {
	cfg := unet.DefaultConfig()
	n := newTiny(t, cfg)

	w, err := New(n, WithClock(2), quiet())
	require.NoError(t, err)

	var modes []GraphMode
	var elapsed []int
	var outputs []*tensor.Dense
	for _, ts := range []float64{900, 600, 300} {
		out, err := w.Forward(tinyInputs(cfg, ts))
		require.NoError(t, err)

		modes = append(modes, w.Mode())
		elapsed = append(elapsed, w.Elapsed())
		outputs = append(outputs, out.Sample)
	}

	assert.Equal(t, []GraphMode{FullGraph, AdaptorGraph, FullGraph}, modes)
	assert.Equal(t, []int{1, 2, 3}, elapsed)

	// full passes match the plain network, adaptor passes approximate it
	want, err := n.Forward(tinyInputs(cfg, 300))
	require.NoError(t, err)
	assert.True(t, ml.Equal(want.Sample, outputs[2]))

	want, err = n.Forward(tinyInputs(cfg, 600))
	require.NoError(t, err)
	assert.Equal(t, ml.Shape(want.Sample), ml.Shape(outputs[1]))
	assert.False(t, ml.Equal(want.Sample, outputs[1]))
}

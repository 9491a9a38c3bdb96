package clockwork

import (
	"fmt"
	"log/slog"

	"github.com/pdevine/tensor"

	"github.com/ollama/clockwork/ml"
)

// featureCache holds the output of the designated up block from the most
// recent successful full pass. A capture is staged in pending until the
// call that produced it completes.
type featureCache struct {
	feature *tensor.Dense
	pending *tensor.Dense
}

// capture stages a copy of out that shares no storage with the network.
func (c *featureCache) capture(out *tensor.Dense) {
	c.pending = ml.Detach(out)
}

// commit promotes the staged capture. It reports whether there was one.
func (c *featureCache) commit() bool {
	if c.pending == nil {
		return false
	}

	c.feature, c.pending = c.pending, nil
	return true
}

// discard drops a capture made by a call that failed later on.
func (c *featureCache) discard() {
	c.pending = nil
}

func (c *featureCache) read() (*tensor.Dense, error) {
	if c.feature == nil {
		return nil, fmt.Errorf("%w: an adaptor pass needs a preceding full pass", ErrCacheUnderflow)
	}

	return c.feature, nil
}

func (c *featureCache) clear() {
	c.feature, c.pending = nil, nil
}

// featureNorm defers computing the L2 norm of a cached feature until a log
// record actually needs it.
type featureNorm struct {
	t *tensor.Dense
}

func (n featureNorm) LogValue() slog.Value {
	if n.t == nil {
		return slog.StringValue("<nil>")
	}

	return slog.Float64Value(ml.Norm(n.t))
}

// featureDump renders a cached feature with ml.Dump, only when logged.
type featureDump struct {
	t *tensor.Dense
}

func (d featureDump) LogValue() slog.Value {
	return slog.StringValue(ml.Dump(d.t, ml.DumpOptions{Items: 2, Precision: 4}))
}

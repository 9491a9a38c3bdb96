// Package ml holds the small set of tensor helpers shared by the network,
// scheduler and clockwork packages. Activations are float64 dense tensors.
package ml

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/floats"
)

var ErrShapeMismatch = errors.New("tensor shapes do not match")

// FromFloats wraps s in a dense tensor of the given shape. s is not copied.
func FromFloats(s []float64, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(s))
}

func Zeros(shape ...int) *tensor.Dense {
	return FromFloats(make([]float64, mul(shape...)), shape...)
}

// Floats returns the backing slice of t. Mutating it mutates t.
func Floats(t *tensor.Dense) []float64 {
	if t == nil {
		return nil
	}

	return t.Data().([]float64)
}

// Shape returns a copy of the dimensions of t.
func Shape(t *tensor.Dense) []int {
	if t == nil {
		return nil
	}

	return append([]int(nil), t.Shape()...)
}

// Detach returns a deep copy of t that shares no storage with it, so later
// writes to t (or to buffers reused by the producer) cannot reach the copy.
func Detach(t *tensor.Dense) *tensor.Dense {
	if t == nil {
		return nil
	}

	return FromFloats(append([]float64(nil), Floats(t)...), Shape(t)...)
}

// SameShape reports whether a and b have exactly the same dimensions.
// tensor.Shape.Eq treats [n], [1 n] and [n 1] as equal; this does not.
func SameShape(a, b *tensor.Dense) bool {
	return slices.Equal(a.Shape(), b.Shape())
}

// Equal reports whether a and b have the same shape and bit-identical
// values.
func Equal(a, b *tensor.Dense) bool {
	if a == nil || b == nil {
		return a == b
	}

	return SameShape(a, b) && floats.Equal(Floats(a), Floats(b))
}

// MaxAbsDiff returns the largest elementwise absolute difference.
func MaxAbsDiff(a, b *tensor.Dense) (float64, error) {
	if !SameShape(a, b) {
		return 0, fmt.Errorf("%w: %v != %v", ErrShapeMismatch, a.Shape(), b.Shape())
	}

	return floats.Distance(Floats(a), Floats(b), math.Inf(1)), nil
}

// Norm is the L2 norm of t.
func Norm(t *tensor.Dense) float64 {
	return floats.Norm(Floats(t), 2)
}

func mul(s ...int) int {
	p := 1
	for _, v := range s {
		p *= v
	}

	return p
}

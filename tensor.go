package main

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// RECOMMENDED READING:
//
// Deep Learning Foundations:
// - "Deep Learning" by Goodfellow, Bengio, Courville (2016)
//   Chapter 2: Linear Algebra - tensor operations
//   Chapter 6: Deep Feedforward Networks - backpropagation
//
// Numerical Computing:
// - "Numerical Linear Algebra" by Trefethen & Bau (1997)
//   Explains stability, conditioning of matrix operations

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order.
//
// Tensor is not safe for concurrent writes. Concurrent reads (e.g. two
// goroutines running inference over the same weights) are fine.
type Tensor struct {
	data  []float64 // Flat array storing all elements
	shape []int     // Dimensions [rows, cols] for almost everything here
	grad  []float64 // Gradient for backpropagation
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
//
// Shape errors are programmer bugs, not runtime conditions that should be
// handled gracefully.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
		grad:  make([]float64, size),
	}
}

// NewTensorRand creates a tensor with values drawn from N(0, std²) using the
// supplied generator. Every random draw in the module goes through an explicit
// *rand.Rand so a seed fully determines the weights.
func NewTensorRand(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = rng.NormFloat64() * std
	}
	return t
}

// NewTensorFrom wraps a copy of values in a tensor of the given shape.
func NewTensorFrom(values []float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	if len(values) != len(t.data) {
		panic(fmt.Sprintf("tensor: %d values for shape %v", len(values), shape))
	}
	copy(t.data, values)
	return t
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float64) {
	for i := range t.data {
		t.data[i] = v
	}
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data exposes the underlying storage. Callers must not resize it.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Grad exposes the gradient buffer.
func (t *Tensor) Grad() []float64 {
	return t.grad
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Row returns row i of a 2D tensor as a slice sharing storage.
func (t *Tensor) Row(i int) []float64 {
	if len(t.shape) != 2 {
		panic("tensor: Row requires 2D tensor")
	}
	cols := t.shape[1]
	return t.data[i*cols : (i+1)*cols]
}

// flatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}

	return idx
}

// ZeroGrad clears the gradient buffer. Call before each backward pass.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out
}

// Transpose returns the transpose of a 2D matrix.
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}

	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)
	for i := 0; i < m; i++ {
		row := a.data[i*n : (i+1)*n]
		for j, v := range row {
			out.data[j*m+i] = v
		}
	}
	return out
}

// AddBias adds a bias vector to each row of a 2D tensor in place.
func AddBias(x, bias *Tensor) {
	if len(x.shape) != 2 || len(bias.shape) != 1 || x.shape[1] != bias.shape[0] {
		panic(fmt.Sprintf("tensor: cannot add bias %v to %v", bias.shape, x.shape))
	}
	cols := x.shape[1]
	for i := range x.data {
		x.data[i] += bias.data[i%cols]
	}
}

// SumRows accumulates the column sums of a 2D tensor into dst.
// Used for bias gradients.
func SumRows(x *Tensor, dst []float64) {
	cols := x.shape[1]
	if len(dst) != cols {
		panic("tensor: SumRows destination length mismatch")
	}
	for i, v := range x.data {
		dst[i%cols] += v
	}
}

// ===========================================================================
// ACTIVATION FUNCTIONS
// ===========================================================================

// ReLU applies Rectified Linear Unit: f(x) = max(0, x).
func ReLU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		out.data[i] = math.Max(0, v)
	}
	return out
}

// GELU applies the tanh approximation of the Gaussian Error Linear Unit.
//
// GELU(x) ≈ 0.5 * x * (1 + tanh(√(2/π) * (x + 0.044715 * x³)))
func GELU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)

	const (
		sqrt2OverPi = 0.7978845608028654 // sqrt(2/π)
		coeff       = 0.044715
	)

	for i, v := range x.data {
		inner := sqrt2OverPi * (v + coeff*v*v*v)
		out.data[i] = 0.5 * v * (1.0 + math.Tanh(inner))
	}
	return out
}

// Tanh applies the hyperbolic tangent element-wise.
func Tanh(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		out.data[i] = math.Tanh(v)
	}
	return out
}

// Sigmoid applies the logistic function element-wise.
func Sigmoid(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		out.data[i] = 1.0 / (1.0 + math.Exp(-v))
	}
	return out
}

// Softmax applies a numerically stable softmax over each row of a 2D tensor.
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax currently requires 2D tensor")
	}

	rows, cols := x.shape[0], x.shape[1]
	out := NewTensor(rows, cols)

	for r := 0; r < rows; r++ {
		in := x.data[r*cols : (r+1)*cols]
		o := out.data[r*cols : (r+1)*cols]

		maxVal := in[0]
		for _, v := range in[1:] {
			if v > maxVal {
				maxVal = v
			}
		}

		sum := 0.0
		for c, v := range in {
			e := math.Exp(v - maxVal)
			o[c] = e
			sum += e
		}
		for c := range o {
			o[c] /= sum
		}
	}

	return out
}

// ===========================================================================
// HELPERS
// ===========================================================================

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

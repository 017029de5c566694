package main

import (
	"math"
	"math/rand"
	"testing"
)

// TestTensorBasics tests basic tensor creation and access.
func TestTensorBasics(t *testing.T) {
	tensor := NewTensor(2, 3)

	shape := tensor.Shape()
	if len(shape) != 2 || shape[0] != 2 || shape[1] != 3 {
		t.Errorf("expected shape [2 3], got %v", shape)
	}
	if tensor.Size() != 6 {
		t.Errorf("expected size 6, got %d", tensor.Size())
	}

	tensor.Row(0)[0] = 1.5
	tensor.Row(1)[2] = 2.5

	if v := tensor.At(0, 0); v != 1.5 {
		t.Errorf("expected 1.5, got %f", v)
	}
	if v := tensor.At(1, 2); v != 2.5 {
		t.Errorf("expected 2.5, got %f", v)
	}
	if d := tensor.Data(); d[5] != 2.5 {
		t.Errorf("Data()[5]: expected 2.5, got %f", d[5])
	}
}

func TestNewTensorPanicsOnBadShape(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for zero dimension")
		}
	}()
	NewTensor(2, 0)
}

func TestNewTensorRandIsSeeded(t *testing.T) {
	a := NewTensorRand(rand.New(rand.NewSource(7)), 0.02, 4, 4)
	b := NewTensorRand(rand.New(rand.NewSource(7)), 0.02, 4, 4)
	if !tensorsEqual(a, b, 0) {
		t.Error("same seed should give identical tensors")
	}
}

// TestMatMul tests matrix multiplication.
func TestMatMul(t *testing.T) {
	a := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6}, 3, 2)

	c := MatMul(a, b)

	// C[0,0] = 1*1 + 2*3 + 3*5 = 22
	// C[0,1] = 1*2 + 2*4 + 3*6 = 28
	// C[1,0] = 4*1 + 5*3 + 6*5 = 49
	// C[1,1] = 4*2 + 5*4 + 6*6 = 64
	expected := [][]float64{
		{22, 28},
		{49, 64},
	}

	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if v := c.At(i, j); v != expected[i][j] {
				t.Errorf("C[%d,%d]: expected %f, got %f", i, j, expected[i][j], v)
			}
		}
	}
}

// TestTranspose tests matrix transpose.
func TestTranspose(t *testing.T) {
	a := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6}, 2, 3)

	aT := Transpose(a)

	if shape := aT.Shape(); shape[0] != 3 || shape[1] != 2 {
		t.Errorf("expected shape [3 2], got %v", shape)
	}
	if v := aT.At(0, 0); v != 1 {
		t.Errorf("expected 1, got %f", v)
	}
	if v := aT.At(1, 0); v != 2 {
		t.Errorf("expected 2, got %f", v)
	}
	if v := aT.At(2, 1); v != 6 {
		t.Errorf("expected 6, got %f", v)
	}
}

// TestSoftmax tests the softmax function.
func TestSoftmax(t *testing.T) {
	x := NewTensorFrom([]float64{1, 2, 3, -1e9, 0, 0}, 2, 3)

	out := Softmax(x)

	for r := 0; r < 2; r++ {
		sum := 0.0
		for c := 0; c < 3; c++ {
			sum += out.At(r, c)
		}
		if math.Abs(sum-1.0) > 1e-9 {
			t.Errorf("row %d should sum to 1, got %f", r, sum)
		}
	}
	if out.At(0, 2) <= out.At(0, 1) || out.At(0, 2) <= out.At(0, 0) {
		t.Errorf("softmax should give highest probability to largest input")
	}
	if out.At(1, 0) != 0 {
		t.Errorf("masked score should get zero probability, got %g", out.At(1, 0))
	}
}

// TestReLU tests the ReLU activation.
func TestReLU(t *testing.T) {
	x := NewTensorFrom([]float64{-2, -1, 1, 2}, 1, 4)

	out := ReLU(x)

	want := []float64{0, 0, 1, 2}
	for i, w := range want {
		if v := out.At(0, i); v != w {
			t.Errorf("ReLU(%v): expected %v, got %v", x.At(0, i), w, v)
		}
	}
}

func TestAddBiasAndSumRows(t *testing.T) {
	x := NewTensorFrom([]float64{1, 2, 3, 4}, 2, 2)
	AddBias(x, NewTensorFrom([]float64{10, 20}, 2))

	want := []float64{11, 22, 13, 24}
	for i, w := range want {
		if x.Data()[i] != w {
			t.Errorf("AddBias[%d]: expected %v, got %v", i, w, x.Data()[i])
		}
	}

	sums := make([]float64, 2)
	SumRows(x, sums)
	if sums[0] != 24 || sums[1] != 46 {
		t.Errorf("SumRows: expected [24 46], got %v", sums)
	}
}

func TestActivationsAtZero(t *testing.T) {
	x := NewTensor(1, 1)
	if v := GELU(x).At(0, 0); v != 0 {
		t.Errorf("GELU(0) should be 0, got %f", v)
	}
	if v := Tanh(x).At(0, 0); v != 0 {
		t.Errorf("Tanh(0) should be 0, got %f", v)
	}
	if v := Sigmoid(x).At(0, 0); v != 0.5 {
		t.Errorf("Sigmoid(0) should be 0.5, got %f", v)
	}
}

// tensorsEqual reports whether two tensors have the same shape and values
// within tol.
func tensorsEqual(a, b *Tensor, tol float64) bool {
	if !shapeEqual(a.shape, b.shape) {
		return false
	}
	for i := range a.data {
		if math.Abs(a.data[i]-b.data[i]) > tol {
			return false
		}
	}
	return true
}

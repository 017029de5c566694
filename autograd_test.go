package main

import (
	"math"
	"math/rand"
	"testing"
)

// numericGrad estimates ∂loss/∂x[i] with central differences.
func numericGrad(loss func() float64, x []float64, i int) float64 {
	const h = 1e-5
	orig := x[i]
	x[i] = orig + h
	plus := loss()
	x[i] = orig - h
	minus := loss()
	x[i] = orig
	return (plus - minus) / (2 * h)
}

func checkClose(t *testing.T, name string, analytic, numeric float64) {
	t.Helper()
	tol := 1e-6 * math.Max(1, math.Max(math.Abs(analytic), math.Abs(numeric)))
	if math.Abs(analytic-numeric) > tol {
		t.Errorf("%s: analytic %.10g, numeric %.10g", name, analytic, numeric)
	}
}

// weightedSum is a scalar loss Σ y ⊙ w with a fixed random w, so ∂L/∂y = w.
func weightedSum(y, w *Tensor) float64 {
	s := 0.0
	for i := range y.data {
		s += y.data[i] * w.data[i]
	}
	return s
}

func TestLayerNormBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := NewTensorRand(rng, 1, 3, 5)
	ln := newLayerNorm(5, 1e-5)
	for i := range ln.gamma.data {
		ln.gamma.data[i] = 1 + 0.1*rng.NormFloat64()
		ln.beta.data[i] = 0.1 * rng.NormFloat64()
	}
	w := NewTensorRand(rng, 1, 3, 5)

	loss := func() float64 { return weightedSum(ln.forward(x), w) }
	gradX := ln.backward(x, w)

	for i := range x.data {
		checkClose(t, "x", gradX.data[i], numericGrad(loss, x.data, i))
	}
	for i := range ln.gamma.data {
		checkClose(t, "gamma", ln.gamma.grad[i], numericGrad(loss, ln.gamma.data, i))
		checkClose(t, "beta", ln.beta.grad[i], numericGrad(loss, ln.beta.data, i))
	}
}

func TestActivationBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	x := NewTensorRand(rng, 1, 2, 6)
	w := NewTensorRand(rng, 1, 2, 6)

	cases := []struct {
		name     string
		forward  func(*Tensor) *Tensor
		backward func(x, y, g *Tensor) *Tensor
	}{
		{"GELU", GELU, func(x, _, g *Tensor) *Tensor { return GELUBackward(x, g) }},
		{"Tanh", Tanh, func(_, y, g *Tensor) *Tensor { return TanhBackward(y, g) }},
		{"Sigmoid", Sigmoid, func(_, y, g *Tensor) *Tensor { return SigmoidBackward(y, g) }},
		{"Softmax", Softmax, func(_, y, g *Tensor) *Tensor { return SoftmaxBackward(y, g) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			loss := func() float64 { return weightedSum(tc.forward(x), w) }
			grad := tc.backward(x, tc.forward(x), w)
			for i := range x.data {
				checkClose(t, tc.name, grad.data[i], numericGrad(loss, x.data, i))
			}
		})
	}
}

func TestLinearBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	x := NewTensorRand(rng, 1, 4, 3)
	l := newLinear(rng, 3, 2)
	l.w = NewTensorRand(rng, 1, 3, 2)
	w := NewTensorRand(rng, 1, 4, 2)
	cfg := SingleThreadedConfig()

	loss := func() float64 { return weightedSum(l.forward(x, cfg), w) }
	gradX := l.backward(x, w, cfg)

	for i := range x.data {
		checkClose(t, "x", gradX.data[i], numericGrad(loss, x.data, i))
	}
	for i := range l.w.data {
		checkClose(t, "W", l.w.grad[i], numericGrad(loss, l.w.data, i))
	}
	for i := range l.b.data {
		checkClose(t, "b", l.b.grad[i], numericGrad(loss, l.b.data, i))
	}
}

func TestMSE(t *testing.T) {
	pred := []float64{1, 2, 3}
	target := []float64{1, 0, 4}

	if got := MSELoss(pred, target); math.Abs(got-5.0/3.0) > 1e-12 {
		t.Errorf("MSELoss: expected %v, got %v", 5.0/3.0, got)
	}

	grad := MSEBackward(pred, target)
	for i := range pred {
		loss := func() float64 { return MSELoss(pred, target) }
		checkClose(t, "mse", grad[i], numericGrad(loss, pred, i))
	}
}

func TestAccumulateGradAdds(t *testing.T) {
	p := NewTensor(2)
	p.AccumulateGrad(NewTensorFrom([]float64{1, 2}, 2))
	p.AccumulateGrad(NewTensorFrom([]float64{3, 4}, 2))
	if p.grad[0] != 4 || p.grad[1] != 6 {
		t.Errorf("expected [4 6], got %v", p.grad)
	}
}

package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Backward operations for every forward op the encoder and the regression
// head use. There is no tape: each layer keeps a small cache of the
// activations it needs and calls these functions in reverse order.
//
// THE CHAIN RULE:
//
// Given: y = f(x) and L = g(y)
// Backward: given ∂L/∂y, compute ∂L/∂x = ∂L/∂y · ∂y/∂x
//
// EXAMPLE: Matrix Multiplication
//
// Forward: C = A @ B
// Backward:
//   - ∂L/∂A = ∂L/∂C @ B^T
//   - ∂L/∂B = A^T @ ∂L/∂C
//
// Gradients for parameters are accumulated into Tensor.grad (several
// sequences in a batch touch the same weights). Gradients for activations
// are returned as fresh tensors.
//
// ===========================================================================

import (
	"fmt"
	"math"
)

// MatMulBackward computes gradients for C = A @ B.
//
//   gradA = gradC @ B^T
//   gradB = A^T @ gradC
func MatMulBackward(a, b, gradC *Tensor, cfg ComputeConfig) (gradA, gradB *Tensor) {
	gradA = MatMulWithConfig(gradC, Transpose(b), cfg)
	gradB = MatMulWithConfig(Transpose(a), gradC, cfg)
	return gradA, gradB
}

// LinearBackward backpropagates through y = x @ W + b, accumulating the
// weight and bias gradients and returning ∂L/∂x.
func LinearBackward(x, w, b, gradY *Tensor, cfg ComputeConfig) *Tensor {
	gradX, gradW := MatMulBackward(x, w, gradY, cfg)
	w.AccumulateGrad(gradW)
	if b != nil {
		SumRows(gradY, b.grad)
	}
	return gradX
}

// ReLUBackward computes gradX = gradY * (X > 0).
func ReLUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)
	for i, v := range x.data {
		if v > 0 {
			gradX.data[i] = gradY.data[i]
		}
	}
	return gradX
}

// GELUBackward computes the gradient of the tanh-approximated GELU.
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)

	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)

	for i, v := range x.data {
		inner := sqrt2OverPi * (v + coeff*v*v*v)
		tanhInner := math.Tanh(inner)

		tanhDeriv := 1.0 - tanhInner*tanhInner // sech²(inner)
		innerDeriv := sqrt2OverPi * (1.0 + 3.0*coeff*v*v)
		geluDeriv := 0.5*(1.0+tanhInner) + 0.5*v*tanhDeriv*innerDeriv

		gradX.data[i] = gradY.data[i] * geluDeriv
	}

	return gradX
}

// TanhBackward computes gradX = gradY * (1 - y²) from the forward output y.
func TanhBackward(y, gradY *Tensor) *Tensor {
	gradX := NewTensor(y.shape...)
	for i, v := range y.data {
		gradX.data[i] = gradY.data[i] * (1 - v*v)
	}
	return gradX
}

// SigmoidBackward computes gradX = gradY * y * (1 - y) from the forward output y.
func SigmoidBackward(y, gradY *Tensor) *Tensor {
	gradX := NewTensor(y.shape...)
	for i, v := range y.data {
		gradX.data[i] = gradY.data[i] * v * (1 - v)
	}
	return gradX
}

// SoftmaxBackward computes the gradient of a row-wise softmax.
//
//   gradX[i] = Y[i] * (gradY[i] - Σ_j gradY[j] * Y[j])
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}

	rows, cols := y.shape[0], y.shape[1]
	gradX := NewTensor(y.shape...)

	for r := 0; r < rows; r++ {
		yr := y.data[r*cols : (r+1)*cols]
		gr := gradY.data[r*cols : (r+1)*cols]
		out := gradX.data[r*cols : (r+1)*cols]

		dot := 0.0
		for c := range yr {
			dot += gr[c] * yr[c]
		}
		for c := range yr {
			out[c] = yr[c] * (gr[c] - dot)
		}
	}

	return gradX
}

// LayerNormBackward computes gradients for y = gamma * (x - mean) / std + beta
// applied to each row of x. The gamma and beta gradients are accumulated
// into their grad buffers; ∂L/∂x is returned.
//
//   ∂L/∂x = (n·ĝ - Σĝ - x̂·Σ(ĝ·x̂)) / (n·std),   ĝ = ∂L/∂y · gamma
func LayerNormBackward(x, gamma, beta, gradY *Tensor, epsilon float64) *Tensor {
	if len(x.shape) != 2 {
		panic("LayerNormBackward: requires 2D tensor")
	}

	rows, features := x.shape[0], x.shape[1]
	gradX := NewTensor(x.shape...)
	n := float64(features)
	xNorm := make([]float64, features)

	for r := 0; r < rows; r++ {
		xr := x.data[r*features : (r+1)*features]
		gr := gradY.data[r*features : (r+1)*features]
		out := gradX.data[r*features : (r+1)*features]

		mean := 0.0
		for _, v := range xr {
			mean += v
		}
		mean /= n

		variance := 0.0
		for _, v := range xr {
			d := v - mean
			variance += d * d
		}
		variance /= n
		std := math.Sqrt(variance + epsilon)

		sumG := 0.0
		sumGX := 0.0
		for f, v := range xr {
			xNorm[f] = (v - mean) / std
			gamma.grad[f] += gr[f] * xNorm[f]
			beta.grad[f] += gr[f]

			g := gr[f] * gamma.data[f]
			sumG += g
			sumGX += g * xNorm[f]
		}

		for f := range xr {
			g := gr[f] * gamma.data[f]
			out[f] = (n*g - sumG - xNorm[f]*sumGX) / (n * std)
		}
	}

	return gradX
}

// MSELoss returns mean((pred - target)²).
func MSELoss(pred, target []float64) float64 {
	if len(pred) != len(target) {
		panic(fmt.Sprintf("MSELoss: %d predictions for %d targets", len(pred), len(target)))
	}
	total := 0.0
	for i := range pred {
		d := pred[i] - target[i]
		total += d * d
	}
	return total / float64(len(pred))
}

// MSEBackward returns ∂L/∂pred = 2 (pred - target) / n.
func MSEBackward(pred, target []float64) []float64 {
	grad := make([]float64, len(pred))
	n := float64(len(pred))
	for i := range pred {
		grad[i] = 2 * (pred[i] - target[i]) / n
	}
	return grad
}

// AccumulateGrad adds grad's values to the tensor's gradient buffer.
// Used when a parameter is touched by several sequences in one batch.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic(fmt.Sprintf("AccumulateGrad: shape mismatch %v vs %v", t.shape, grad.shape))
	}
	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}

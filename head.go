package main

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Regression Head (Estimator)
// ===========================================================================
//
// The encoder gives one vector for the machine translation (mt) and one for
// the source sentence (src). The head combines them into a single feature
// row and regresses a quality score:
//
//   features = [mt, src, mt ⊙ src, |mt - src|]          (4 × hidden)
//   for each hidden size:  x = Dropout(Act(x @ W + b))
//   score    = FinalAct(x @ W_out + b_out)               (optional final act)
//
// The element-wise product and absolute difference let a shallow network
// measure agreement between the two sentences without cross-attention.
//
// GRADIENT BACK TO THE EMBEDDINGS:
//
//   ∂mt  = g0 + g2 ⊙ src + g3 ⊙ sign(mt - src)
//   ∂src = g1 + g2 ⊙ mt  - g3 ⊙ sign(mt - src)
//
// where g0..g3 are the four H-wide slices of ∂features.
//
// ===========================================================================

// Supported activation names for the head.
const (
	ActivationTanh    = "Tanh"
	ActivationReLU    = "ReLU"
	ActivationGELU    = "GELU"
	ActivationSigmoid = "Sigmoid"
)

func validActivation(name string) bool {
	switch name {
	case ActivationTanh, ActivationReLU, ActivationGELU, ActivationSigmoid:
		return true
	}
	return false
}

func activate(name string, x *Tensor) *Tensor {
	switch name {
	case ActivationReLU:
		return ReLU(x)
	case ActivationGELU:
		return GELU(x)
	case ActivationSigmoid:
		return Sigmoid(x)
	default:
		return Tanh(x)
	}
}

// activateBackward needs both the pre-activation x and the output y; Tanh
// and Sigmoid differentiate through y, ReLU and GELU through x.
func activateBackward(name string, x, y, gradY *Tensor) *Tensor {
	switch name {
	case ActivationReLU:
		return ReLUBackward(x, gradY)
	case ActivationGELU:
		return GELUBackward(x, gradY)
	case ActivationSigmoid:
		return SigmoidBackward(y, gradY)
	default:
		return TanhBackward(y, gradY)
	}
}

// Estimator is the feed-forward regression head.
type Estimator struct {
	layers          []*linear
	output          *linear
	activation      string
	finalActivation string
	dropout         float64
	compute         ComputeConfig
}

type estimatorCache struct {
	inputs   []*Tensor // input of each hidden layer, then of the output layer
	pre      []*Tensor
	act      []*Tensor
	masks    [][]float64 // inverted-dropout scales; nil when dropout is off
	outPre   *Tensor
	outFinal *Tensor
}

// NewEstimator builds a head taking inputDim features.
func NewEstimator(rng *rand.Rand, inputDim int, hiddenSizes []int, activation, finalActivation string, dropout float64) (*Estimator, error) {
	if !validActivation(activation) {
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown activation %q", activation)
	}
	if finalActivation != "" && !validActivation(finalActivation) {
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown final activation %q", finalActivation)
	}
	if dropout < 0 || dropout >= 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "dropout %v outside [0,1)", dropout)
	}

	e := &Estimator{
		activation:      activation,
		finalActivation: finalActivation,
		dropout:         dropout,
		compute:         SingleThreadedConfig(),
	}
	in := inputDim
	for _, size := range hiddenSizes {
		if size <= 0 {
			return nil, errors.Wrapf(ErrInvalidConfig, "hidden size %d", size)
		}
		e.layers = append(e.layers, newLinear(rng, in, size))
		in = size
	}
	e.output = newLinear(rng, in, 1)
	return e, nil
}

// Forward runs the head on a (batch, inputDim) feature matrix and returns
// (batch, 1) scores. Dropout is applied only when rng is non-nil.
func (e *Estimator) Forward(features *Tensor, rng *rand.Rand) (*Tensor, *estimatorCache) {
	cache := &estimatorCache{}
	x := features

	for _, layer := range e.layers {
		cache.inputs = append(cache.inputs, x)
		pre := layer.forward(x, e.compute)
		act := activate(e.activation, pre)
		cache.pre = append(cache.pre, pre)
		cache.act = append(cache.act, act)

		var mask []float64
		if rng != nil && e.dropout > 0 {
			mask = make([]float64, len(act.data))
			keep := 1 - e.dropout
			x = NewTensor(act.shape...)
			for i, v := range act.data {
				if rng.Float64() < keep {
					mask[i] = 1 / keep
					x.data[i] = v * mask[i]
				}
			}
		} else {
			x = act
		}
		cache.masks = append(cache.masks, mask)
	}

	cache.inputs = append(cache.inputs, x)
	out := e.output.forward(x, e.compute)
	cache.outPre = out
	if e.finalActivation != "" {
		out = activate(e.finalActivation, out)
	}
	cache.outFinal = out
	return out, cache
}

// Backward accumulates head gradients and returns ∂L/∂features.
func (e *Estimator) Backward(gradOut *Tensor, cache *estimatorCache) *Tensor {
	grad := gradOut
	if e.finalActivation != "" {
		grad = activateBackward(e.finalActivation, cache.outPre, cache.outFinal, grad)
	}
	grad = e.output.backward(cache.inputs[len(e.layers)], grad, e.compute)

	for i := len(e.layers) - 1; i >= 0; i-- {
		if mask := cache.masks[i]; mask != nil {
			masked := NewTensor(grad.shape...)
			for j, g := range grad.data {
				masked.data[j] = g * mask[j]
			}
			grad = masked
		}
		grad = activateBackward(e.activation, cache.pre[i], cache.act[i], grad)
		grad = e.layers[i].backward(cache.inputs[i], grad, e.compute)
	}
	return grad
}

// Parameters returns every head parameter.
func (e *Estimator) Parameters() []*Tensor {
	var params []*Tensor
	for _, l := range e.layers {
		params = append(params, l.w, l.b)
	}
	return append(params, e.output.w, e.output.b)
}

// NamedParameters lists head parameters with checkpoint names.
func (e *Estimator) NamedParameters() []NamedTensor {
	var named []NamedTensor
	for i, l := range e.layers {
		named = append(named,
			NamedTensor{fmt.Sprintf("estimator.layer.%d.weight", i), l.w},
			NamedTensor{fmt.Sprintf("estimator.layer.%d.bias", i), l.b},
		)
	}
	return append(named,
		NamedTensor{"estimator.output.weight", e.output.w},
		NamedTensor{"estimator.output.bias", e.output.b},
	)
}

// buildFeatures stacks [mt, src, mt*src, |mt-src|] rows.
func buildFeatures(mt, src [][]float64) *Tensor {
	hidden := len(mt[0])
	features := NewTensor(len(mt), 4*hidden)
	for i := range mt {
		row := features.Row(i)
		for d := 0; d < hidden; d++ {
			m, s := mt[i][d], src[i][d]
			row[d] = m
			row[hidden+d] = s
			row[2*hidden+d] = m * s
			row[3*hidden+d] = math.Abs(m - s)
		}
	}
	return features
}

// splitFeatureGrad maps ∂features back onto the two sentence embeddings.
// The subgradient of |x| at zero is taken as zero.
func splitFeatureGrad(grad *Tensor, mt, src [][]float64) (gradMT, gradSrc [][]float64) {
	hidden := len(mt[0])
	gradMT = make([][]float64, len(mt))
	gradSrc = make([][]float64, len(mt))
	for i := range mt {
		row := grad.Row(i)
		gm := make([]float64, hidden)
		gs := make([]float64, hidden)
		for d := 0; d < hidden; d++ {
			m, s := mt[i][d], src[i][d]
			sign := 0.0
			if m > s {
				sign = 1
			} else if m < s {
				sign = -1
			}
			g0, g1, g2, g3 := row[d], row[hidden+d], row[2*hidden+d], row[3*hidden+d]
			gm[d] = g0 + g2*s + g3*sign
			gs[d] = g1 + g2*m - g3*sign
		}
		gradMT[i], gradSrc[i] = gm, gs
	}
	return gradMT, gradSrc
}

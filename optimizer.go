package main

import "math"

// ParamGroup is a set of tensors sharing one learning rate.
type ParamGroup struct {
	Name        string
	Params      []*Tensor
	LR          float64
	WeightDecay float64

	// Encoder marks groups that stop updating while the encoder is frozen.
	Encoder bool

	// Frozen groups never update.
	Frozen bool
}

// AdamWConfig holds AdamW hyperparameters shared by every group.
type AdamWConfig struct {
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

// DefaultAdamWConfig returns the usual (0.9, 0.999, 1e-8).
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// AdamW is Adam with decoupled weight decay (Loshchilov & Hutter, 2019).
//
//   m_t = β1 m + (1-β1) g
//   v_t = β2 v + (1-β2) g²
//   θ  -= lr · (m̂ / (√v̂ + ε) + λ θ)
//
// Moments and the bias-correction step count live per tensor, so a group
// that sat out while frozen starts its bias correction from its own first
// real update.
type AdamW struct {
	cfg    AdamWConfig
	groups []ParamGroup
	state  map[*Tensor]*adamState
}

type adamState struct {
	m, v []float64
	t    int
}

// NewAdamW creates an optimizer over groups.
func NewAdamW(groups []ParamGroup, cfg AdamWConfig) *AdamW {
	opt := &AdamW{cfg: cfg, groups: groups, state: make(map[*Tensor]*adamState)}
	for _, g := range groups {
		for _, p := range g.Params {
			opt.state[p] = &adamState{
				m: make([]float64, len(p.data)),
				v: make([]float64, len(p.data)),
			}
		}
	}
	return opt
}

// ZeroGrad clears gradients of every parameter.
func (opt *AdamW) ZeroGrad() {
	for _, g := range opt.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// Trainable returns the parameters that the next Step would update.
func (opt *AdamW) Trainable(frozenEncoder bool) []*Tensor {
	var params []*Tensor
	for _, g := range opt.groups {
		if g.Frozen || (g.Encoder && frozenEncoder) {
			continue
		}
		params = append(params, g.Params...)
	}
	return params
}

// Step applies one update to every group that is not frozen.
func (opt *AdamW) Step(frozenEncoder bool) {
	b1, b2, eps := opt.cfg.Beta1, opt.cfg.Beta2, opt.cfg.Epsilon

	for _, g := range opt.groups {
		if g.Frozen || (g.Encoder && frozenEncoder) {
			continue
		}
		for _, p := range g.Params {
			s := opt.state[p]
			s.t++
			bias1 := 1.0 - math.Pow(b1, float64(s.t))
			bias2 := 1.0 - math.Pow(b2, float64(s.t))

			for j, grad := range p.grad {
				s.m[j] = b1*s.m[j] + (1-b1)*grad
				s.v[j] = b2*s.v[j] + (1-b2)*grad*grad

				mHat := s.m[j] / bias1
				vHat := s.v[j] / bias2

				p.data[j] -= g.LR * (mHat/(math.Sqrt(vHat)+eps) + g.WeightDecay*p.data[j])
			}
		}
	}
}

// ClipGradNorm rescales gradients so their global L2 norm is at most
// maxNorm and returns the norm before clipping. maxNorm <= 0 disables it.
func ClipGradNorm(params []*Tensor, maxNorm float64) float64 {
	total := 0.0
	for _, p := range params {
		for _, g := range p.Grad() {
			total += g * g
		}
	}
	norm := math.Sqrt(total)

	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / (norm + 1e-6)
		for _, p := range params {
			grad := p.Grad()
			for i := range grad {
				grad[i] *= scale
			}
		}
	}
	return norm
}

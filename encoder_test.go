package main

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyEncoderConfig(pool string) EncoderConfig {
	return EncoderConfig{
		VocabSize:       270,
		MaxSeqLen:       8,
		HiddenDim:       8,
		NumLayers:       2,
		NumHeads:        2,
		IntermediateDim: 16,
		LayerNormEps:    1e-12,
		Pool:            pool,
	}
}

func TestResolvePretrained(t *testing.T) {
	cases := []struct {
		name                  string
		layers, hidden, heads int
	}{
		{"google/bert_uncased_L-2_H-128_A-2", 2, 128, 2},
		{"google/bert_uncased_L-12_H-768_A-12", 12, 768, 12},
		{"bert-base-uncased", 12, 768, 12},
		{"bert-large-uncased", 24, 1024, 16},
		{"prajjwal1/bert-mini", 4, 256, 4},
		{"BERT-TINY", 2, 128, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, h, a, err := ResolvePretrained(tc.name)
			require.NoError(t, err)
			assert.Equal(t, []int{tc.layers, tc.hidden, tc.heads}, []int{l, h, a})
		})
	}

	_, _, _, err := ResolvePretrained("xlm-roberta-large")
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err))
}

func TestEncoderConfigValidate(t *testing.T) {
	cfg := tinyEncoderConfig(PoolAvg)
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.NumHeads = 3
	assert.Error(t, bad.Validate(), "hidden not divisible by heads")

	bad = cfg
	bad.Pool = "mean"
	assert.Error(t, bad.Validate())
}

func TestEncoderPaddingDoesNotChangeEmbedding(t *testing.T) {
	for _, pool := range []string{PoolAvg, PoolCLS, PoolMax} {
		t.Run(pool, func(t *testing.T) {
			enc, err := NewBERTEncoder(tinyEncoderConfig(pool), rand.New(rand.NewSource(1)))
			require.NoError(t, err)

			trimmed := enc.Forward([]int{CLSTokenID, 40, 41, SEPTokenID})
			padded := enc.Forward([]int{CLSTokenID, 40, 41, SEPTokenID, PadTokenID, PadTokenID})
			assert.InDeltaSlice(t, trimmed, padded, 1e-12)
		})
	}
}

func TestEncoderIsDeterministic(t *testing.T) {
	a, err := NewBERTEncoder(tinyEncoderConfig(PoolAvg), rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	b, err := NewBERTEncoder(tinyEncoderConfig(PoolAvg), rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	b.SetCompute(ComputeConfig{Parallel: true, NumWorkers: 3})

	ids := []int{CLSTokenID, 100, 200, 7, SEPTokenID}
	assert.Equal(t, a.Forward(ids), b.Forward(ids))
}

func TestEncoderBackward(t *testing.T) {
	for _, pool := range []string{PoolAvg, PoolCLS} {
		t.Run(pool, func(t *testing.T) {
			rng := rand.New(rand.NewSource(2))
			enc, err := NewBERTEncoder(tinyEncoderConfig(pool), rng)
			require.NoError(t, err)

			// Larger weights than the initializer make every path matter.
			for _, p := range enc.NamedParameters() {
				if len(p.Tensor.shape) == 2 {
					for i := range p.Tensor.data {
						p.Tensor.data[i] = 0.3 * rng.NormFloat64()
					}
				}
			}

			ids := []int{CLSTokenID, 50, 60, 50, SEPTokenID}
			w := make([]float64, enc.HiddenDim())
			for i := range w {
				w[i] = rng.NormFloat64()
			}
			loss := func() float64 {
				out := enc.Forward(ids)
				s := 0.0
				for i := range out {
					s += out[i] * w[i]
				}
				return s
			}

			_, cache := enc.ForwardWithCache(ids)
			enc.Backward(w, cache)

			for _, p := range enc.NamedParameters() {
				// A handful of coordinates per tensor keeps the test quick.
				for _, i := range []int{0, len(p.Tensor.data) / 2, len(p.Tensor.data) - 1} {
					checkClose(t, p.Name, p.Tensor.grad[i], numericGrad(loss, p.Tensor.data, i))
				}
			}
			// Token 50 appears twice; its embedding gradient sums both uses.
			row := 50 * enc.HiddenDim()
			checkClose(t, "token 50", enc.tokenEmbed.grad[row], numericGrad(loss, enc.tokenEmbed.data, row))
		})
	}
}

func TestEncoderLayerGroups(t *testing.T) {
	enc, err := NewBERTEncoder(tinyEncoderConfig(PoolAvg), rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	groups := enc.LayerGroups()
	require.Len(t, groups, 3)
	assert.Same(t, enc.tokenEmbed, groups[0][0])

	total := 0
	for _, g := range groups {
		total += len(g)
	}
	assert.Equal(t, total, len(enc.NamedParameters()))
}

func TestEncoderRegistry(t *testing.T) {
	factory, ok := encoderRegistry["BERT"]
	require.True(t, ok)
	enc, err := factory(tinyEncoderConfig(PoolAvg), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, 8, enc.HiddenDim())
	assert.Equal(t, 2, enc.NumLayers())
}

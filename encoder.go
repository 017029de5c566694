package main

import (
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ===========================================================================
// WHAT'S GOING ON HERE: BERT-Style Sentence Encoder
// ===========================================================================
//
// The quality-estimation model scores a translation by embedding the source
// sentence and the machine translation separately and comparing the two
// sentence vectors. This file produces those vectors.
//
// ARCHITECTURE (post-norm, as in the original BERT):
//
//   x   = LayerNorm(TokenEmbed[id] + PositionEmbed[pos])
//   for each block:
//     h = LayerNorm(x + SelfAttention(x))      // bidirectional, pads masked
//     x = LayerNorm(h + FeedForward(h))        // GELU MLP
//   sentence = Pool(x)                          // avg | cls | max
//
// BIDIRECTIONAL ATTENTION:
//
// Unlike the causal GPT mask, every position attends to every non-padding
// position. [PAD] keys get a score of -1e9 so their softmax weight is zero,
// which makes a padded row produce exactly the same sentence vector as the
// trimmed row.
//
// POOLING:
//
//   avg - mean over non-padding positions (default; what the regression
//         metric trains with)
//   cls - hidden state of [CLS]
//   max - element-wise max over non-padding positions
//
// PRETRAINED IDENTIFIERS:
//
// A pretrained identifier selects the architecture. Names in the Google
// "compact BERT" scheme (google/bert_uncased_L-2_H-128_A-2) are parsed
// directly; a few well-known names map to fixed presets. Weights come from
// the caller's seeded generator; there is no network access, so "pretrained"
// here fixes the shape of the network, not its starting point.
//
// BACKWARD PASS:
//
// Each block caches its inputs (and per-head attention probabilities) on
// the way forward and replays them in reverse:
//
//   ∂h  = LNBackward(u2, ∂x);   ∂h += FFBackward(∂h)
//   ∂x  = LNBackward(u1, ∂h);   ∂x += AttnBackward(∂x)
//
// The gradients add at each residual junction.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "BERT: Pre-training of Deep Bidirectional Transformers" by Devlin et al. (2018)
//   https://arxiv.org/abs/1810.04805
//
// - "Well-Read Students Learn Better: On the Importance of Pre-training
//   Compact Models" by Turc et al. (2019) - the L/H/A compact BERT family
//   https://arxiv.org/abs/1908.08962
//
// ===========================================================================

const initializerRange = 0.02

// Pooling strategies for sentence embeddings.
const (
	PoolAvg = "avg"
	PoolCLS = "cls"
	PoolMax = "max"
)

// EncoderConfig holds the shape of a BERT-style encoder.
type EncoderConfig struct {
	VocabSize       int     `json:"vocab_size"`
	MaxSeqLen       int     `json:"max_seq_len"`
	HiddenDim       int     `json:"hidden_dim"`
	NumLayers       int     `json:"num_layers"`
	NumHeads        int     `json:"num_heads"`
	IntermediateDim int     `json:"intermediate_dim"`
	LayerNormEps    float64 `json:"layer_norm_eps"`
	Pool            string  `json:"pool"`
}

// Validate checks the encoder shape.
func (c EncoderConfig) Validate() error {
	switch {
	case c.VocabSize <= len(specialTokens):
		return errors.Wrapf(ErrInvalidConfig, "encoder vocab size %d", c.VocabSize)
	case c.MaxSeqLen < 2:
		return errors.Wrapf(ErrInvalidConfig, "encoder max sequence length %d", c.MaxSeqLen)
	case c.HiddenDim <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0 || c.IntermediateDim <= 0:
		return errors.Wrapf(ErrInvalidConfig, "encoder dimensions L=%d H=%d A=%d I=%d",
			c.NumLayers, c.HiddenDim, c.NumHeads, c.IntermediateDim)
	case c.HiddenDim%c.NumHeads != 0:
		return errors.Wrapf(ErrInvalidConfig, "hidden size %d not divisible by %d heads", c.HiddenDim, c.NumHeads)
	}
	switch c.Pool {
	case PoolAvg, PoolCLS, PoolMax:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown pooling %q", c.Pool)
	}
	return nil
}

var compactBERTPattern = regexp.MustCompile(`L-(\d+)_H-(\d+)_A-(\d+)`)

// bertPresets maps well-known model names to (layers, hidden, heads).
var bertPresets = map[string][3]int{
	"bert-base-uncased":  {12, 768, 12},
	"bert-large-uncased": {24, 1024, 16},
	"bert-tiny":          {2, 128, 2},
	"bert-mini":          {4, 256, 4},
	"bert-small":         {4, 512, 8},
	"bert-medium":        {8, 512, 8},
}

// ResolvePretrained turns a pretrained identifier into layers, hidden size
// and attention heads.
func ResolvePretrained(name string) (layers, hidden, heads int, err error) {
	if m := compactBERTPattern.FindStringSubmatch(name); m != nil {
		layers, _ = strconv.Atoi(m[1])
		hidden, _ = strconv.Atoi(m[2])
		heads, _ = strconv.Atoi(m[3])
		return layers, hidden, heads, nil
	}
	key := strings.ToLower(name)
	if i := strings.LastIndex(key, "/"); i >= 0 {
		key = key[i+1:]
	}
	if p, ok := bertPresets[key]; ok {
		return p[0], p[1], p[2], nil
	}
	return 0, 0, 0, errors.Wrapf(ErrInvalidConfig, "unknown pretrained model %q", name)
}

// Encoder turns a token sequence into a fixed-size sentence embedding and
// can backpropagate a gradient on that embedding into its own weights.
type Encoder interface {
	Config() EncoderConfig
	HiddenDim() int
	NumLayers() int

	// Forward computes the pooled sentence embedding without caching.
	Forward(inputIDs []int) []float64

	// ForwardWithCache also returns the activations Backward needs.
	ForwardWithCache(inputIDs []int) ([]float64, *EncoderCache)

	// Backward accumulates parameter gradients for ∂L/∂embedding.
	Backward(gradPooled []float64, cache *EncoderCache)

	// LayerGroups returns parameters grouped bottom-up: index 0 holds the
	// embeddings, index i holds block i-1.
	LayerGroups() [][]*Tensor

	NamedParameters() []NamedTensor

	SetCompute(cfg ComputeConfig)
}

// NamedTensor pairs a parameter with its stable checkpoint name.
type NamedTensor struct {
	Name   string
	Tensor *Tensor
}

// encoderFactory builds an encoder from a resolved configuration.
type encoderFactory func(cfg EncoderConfig, rng *rand.Rand) (Encoder, error)

// encoderRegistry maps the encoder_model hyperparameter to a factory.
var encoderRegistry = map[string]encoderFactory{
	"BERT": func(cfg EncoderConfig, rng *rand.Rand) (Encoder, error) {
		return NewBERTEncoder(cfg, rng)
	},
}

// ===========================================================================
// LAYERS
// ===========================================================================

// linear is y = x @ W + b.
type linear struct {
	w, b *Tensor
}

func newLinear(rng *rand.Rand, in, out int) *linear {
	return &linear{
		w: NewTensorRand(rng, initializerRange, in, out),
		b: NewTensor(out),
	}
}

func (l *linear) forward(x *Tensor, cfg ComputeConfig) *Tensor {
	y := MatMulWithConfig(x, l.w, cfg)
	AddBias(y, l.b)
	return y
}

func (l *linear) backward(x, gradY *Tensor, cfg ComputeConfig) *Tensor {
	return LinearBackward(x, l.w, l.b, gradY, cfg)
}

// layerNorm normalizes each row: y = γ * (x - μ) / σ + β.
type layerNorm struct {
	eps   float64
	gamma *Tensor
	beta  *Tensor
}

func newLayerNorm(dim int, eps float64) *layerNorm {
	gamma := NewTensor(dim)
	gamma.Fill(1)
	return &layerNorm{eps: eps, gamma: gamma, beta: NewTensor(dim)}
}

func (ln *layerNorm) forward(x *Tensor) *Tensor {
	rows, features := x.shape[0], x.shape[1]
	out := NewTensor(rows, features)

	for r := 0; r < rows; r++ {
		in := x.data[r*features : (r+1)*features]
		o := out.data[r*features : (r+1)*features]

		mean := 0.0
		for _, v := range in {
			mean += v
		}
		mean /= float64(features)

		variance := 0.0
		for _, v := range in {
			d := v - mean
			variance += d * d
		}
		variance /= float64(features)

		std := math.Sqrt(variance + ln.eps)
		for f, v := range in {
			o[f] = (v-mean)/std*ln.gamma.data[f] + ln.beta.data[f]
		}
	}
	return out
}

func (ln *layerNorm) backward(x, gradY *Tensor) *Tensor {
	return LayerNormBackward(x, ln.gamma, ln.beta, gradY, ln.eps)
}

// selfAttention is bidirectional multi-head attention.
type selfAttention struct {
	numHeads int
	headDim  int

	query, key, value, output *linear
}

type attentionCache struct {
	x       *Tensor
	q, k, v []*Tensor // per head (seqLen, headDim)
	probs   []*Tensor // per head (seqLen, seqLen)
	context *Tensor   // concatenated heads (seqLen, hidden)
}

func newSelfAttention(rng *rand.Rand, hidden, heads int) *selfAttention {
	return &selfAttention{
		numHeads: heads,
		headDim:  hidden / heads,
		query:    newLinear(rng, hidden, hidden),
		key:      newLinear(rng, hidden, hidden),
		value:    newLinear(rng, hidden, hidden),
		output:   newLinear(rng, hidden, hidden),
	}
}

// headSlice copies the columns of head h out of a (seqLen, hidden) tensor.
func headSlice(x *Tensor, h, headDim int) *Tensor {
	rows, cols := x.shape[0], x.shape[1]
	out := NewTensor(rows, headDim)
	for r := 0; r < rows; r++ {
		copy(out.data[r*headDim:(r+1)*headDim], x.data[r*cols+h*headDim:r*cols+(h+1)*headDim])
	}
	return out
}

// headScatter writes a (seqLen, headDim) tensor into the columns of head h.
func headScatter(dst, src *Tensor, h, headDim int) {
	rows, cols := dst.shape[0], dst.shape[1]
	for r := 0; r < rows; r++ {
		copy(dst.data[r*cols+h*headDim:r*cols+(h+1)*headDim], src.data[r*headDim:(r+1)*headDim])
	}
}

func (a *selfAttention) forward(x *Tensor, keyMask []bool, cfg ComputeConfig) (*Tensor, *attentionCache) {
	seqLen, hidden := x.shape[0], x.shape[1]

	q := a.query.forward(x, cfg)
	k := a.key.forward(x, cfg)
	v := a.value.forward(x, cfg)

	cache := &attentionCache{
		x:     x,
		q:     make([]*Tensor, a.numHeads),
		k:     make([]*Tensor, a.numHeads),
		v:     make([]*Tensor, a.numHeads),
		probs: make([]*Tensor, a.numHeads),
	}
	context := NewTensor(seqLen, hidden)
	scale := 1.0 / math.Sqrt(float64(a.headDim))

	for h := 0; h < a.numHeads; h++ {
		qh := headSlice(q, h, a.headDim)
		kh := headSlice(k, h, a.headDim)
		vh := headSlice(v, h, a.headDim)

		scores := MatMulWithConfig(qh, Transpose(kh), cfg)
		for i := 0; i < seqLen; i++ {
			row := scores.data[i*seqLen : (i+1)*seqLen]
			for j := range row {
				if keyMask[j] {
					row[j] *= scale
				} else {
					row[j] = -1e9
				}
			}
		}

		probs := Softmax(scores)
		headScatter(context, MatMulWithConfig(probs, vh, cfg), h, a.headDim)

		cache.q[h], cache.k[h], cache.v[h], cache.probs[h] = qh, kh, vh, probs
	}

	cache.context = context
	return a.output.forward(context, cfg), cache
}

func (a *selfAttention) backward(gradOut *Tensor, cache *attentionCache, cfg ComputeConfig) *Tensor {
	seqLen, hidden := cache.x.shape[0], cache.x.shape[1]
	scale := 1.0 / math.Sqrt(float64(a.headDim))

	gradContext := a.output.backward(cache.context, gradOut, cfg)

	gradQ := NewTensor(seqLen, hidden)
	gradK := NewTensor(seqLen, hidden)
	gradV := NewTensor(seqLen, hidden)

	for h := 0; h < a.numHeads; h++ {
		gradHead := headSlice(gradContext, h, a.headDim)

		// context_h = probs @ v_h
		gradProbs, gradVh := MatMulBackward(cache.probs[h], cache.v[h], gradHead, cfg)

		// probs = softmax(scale * q_h @ k_h^T); masked entries have zero
		// probability and therefore zero gradient.
		gradScores := SoftmaxBackward(cache.probs[h], gradProbs)
		for i := range gradScores.data {
			gradScores.data[i] *= scale
		}

		gradQh := MatMulWithConfig(gradScores, cache.k[h], cfg)
		gradKh := MatMulWithConfig(Transpose(gradScores), cache.q[h], cfg)

		headScatter(gradQ, gradQh, h, a.headDim)
		headScatter(gradK, gradKh, h, a.headDim)
		headScatter(gradV, gradVh, h, a.headDim)
	}

	// Q, K and V share the same input, so their input gradients add.
	gradX := a.query.backward(cache.x, gradQ, cfg)
	gradX = Add(gradX, a.key.backward(cache.x, gradK, cfg))
	gradX = Add(gradX, a.value.backward(cache.x, gradV, cfg))
	return gradX
}

// feedForward is GELU(x @ W1 + b1) @ W2 + b2.
type feedForward struct {
	in, out *linear
}

type ffCache struct {
	x, preActivation, hidden *Tensor
}

func (ff *feedForward) forward(x *Tensor, cfg ComputeConfig) (*Tensor, *ffCache) {
	pre := ff.in.forward(x, cfg)
	hidden := GELU(pre)
	return ff.out.forward(hidden, cfg), &ffCache{x: x, preActivation: pre, hidden: hidden}
}

func (ff *feedForward) backward(gradOut *Tensor, cache *ffCache, cfg ComputeConfig) *Tensor {
	gradHidden := ff.out.backward(cache.hidden, gradOut, cfg)
	gradPre := GELUBackward(cache.preActivation, gradHidden)
	return ff.in.backward(cache.x, gradPre, cfg)
}

// encoderBlock is one post-norm transformer layer.
type encoderBlock struct {
	attn     *selfAttention
	attnNorm *layerNorm
	ff       *feedForward
	ffNorm   *layerNorm
}

type blockCache struct {
	attn *attentionCache
	ff   *ffCache
	u1   *Tensor // x + attention, input of attnNorm
	u2   *Tensor // h + feed-forward, input of ffNorm
}

func newEncoderBlock(rng *rand.Rand, cfg EncoderConfig) *encoderBlock {
	return &encoderBlock{
		attn:     newSelfAttention(rng, cfg.HiddenDim, cfg.NumHeads),
		attnNorm: newLayerNorm(cfg.HiddenDim, cfg.LayerNormEps),
		ff: &feedForward{
			in:  newLinear(rng, cfg.HiddenDim, cfg.IntermediateDim),
			out: newLinear(rng, cfg.IntermediateDim, cfg.HiddenDim),
		},
		ffNorm: newLayerNorm(cfg.HiddenDim, cfg.LayerNormEps),
	}
}

func (b *encoderBlock) forward(x *Tensor, keyMask []bool, cfg ComputeConfig) (*Tensor, *blockCache) {
	attended, ac := b.attn.forward(x, keyMask, cfg)
	u1 := Add(x, attended)
	h := b.attnNorm.forward(u1)

	fed, fc := b.ff.forward(h, cfg)
	u2 := Add(h, fed)
	return b.ffNorm.forward(u2), &blockCache{attn: ac, ff: fc, u1: u1, u2: u2}
}

func (b *encoderBlock) backward(gradOut *Tensor, cache *blockCache, cfg ComputeConfig) *Tensor {
	gradU2 := b.ffNorm.backward(cache.u2, gradOut)
	gradH := Add(gradU2, b.ff.backward(gradU2, cache.ff, cfg))

	gradU1 := b.attnNorm.backward(cache.u1, gradH)
	return Add(gradU1, b.attn.backward(gradU1, cache.attn, cfg))
}

func (b *encoderBlock) parameters() []*Tensor {
	return []*Tensor{
		b.attn.query.w, b.attn.query.b,
		b.attn.key.w, b.attn.key.b,
		b.attn.value.w, b.attn.value.b,
		b.attn.output.w, b.attn.output.b,
		b.attnNorm.gamma, b.attnNorm.beta,
		b.ff.in.w, b.ff.in.b,
		b.ff.out.w, b.ff.out.b,
		b.ffNorm.gamma, b.ffNorm.beta,
	}
}

var blockParameterNames = []string{
	"attention.query.weight", "attention.query.bias",
	"attention.key.weight", "attention.key.bias",
	"attention.value.weight", "attention.value.bias",
	"attention.output.weight", "attention.output.bias",
	"attention.norm.gamma", "attention.norm.beta",
	"intermediate.weight", "intermediate.bias",
	"output.weight", "output.bias",
	"output.norm.gamma", "output.norm.beta",
}

// ===========================================================================
// ENCODER
// ===========================================================================

// BERTEncoder is a bidirectional transformer encoder with sentence pooling.
type BERTEncoder struct {
	config EncoderConfig

	tokenEmbed *Tensor // (vocabSize, hidden)
	posEmbed   *Tensor // (maxSeqLen, hidden)
	embedNorm  *layerNorm
	blocks     []*encoderBlock

	compute ComputeConfig
}

// EncoderCache stores the activations of one sequence for Backward.
type EncoderCache struct {
	inputIDs []int
	keyMask  []bool
	valid    int
	embed    *Tensor // pre-norm embedding sum
	blocks   []*blockCache
	maxIndex []int // argmax row per feature (max pooling only)
}

// NewBERTEncoder creates an encoder with weights drawn from rng.
func NewBERTEncoder(cfg EncoderConfig, rng *rand.Rand) (*BERTEncoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	enc := &BERTEncoder{
		config:     cfg,
		tokenEmbed: NewTensorRand(rng, initializerRange, cfg.VocabSize, cfg.HiddenDim),
		posEmbed:   NewTensorRand(rng, initializerRange, cfg.MaxSeqLen, cfg.HiddenDim),
		embedNorm:  newLayerNorm(cfg.HiddenDim, cfg.LayerNormEps),
		blocks:     make([]*encoderBlock, cfg.NumLayers),
		compute:    SingleThreadedConfig(),
	}
	for i := range enc.blocks {
		enc.blocks[i] = newEncoderBlock(rng, cfg)
	}
	return enc, nil
}

// Config returns the encoder shape.
func (e *BERTEncoder) Config() EncoderConfig { return e.config }

// HiddenDim returns the sentence embedding size.
func (e *BERTEncoder) HiddenDim() int { return e.config.HiddenDim }

// NumLayers returns the number of transformer blocks.
func (e *BERTEncoder) NumLayers() int { return e.config.NumLayers }

// SetCompute sets the matmul execution strategy.
func (e *BERTEncoder) SetCompute(cfg ComputeConfig) { e.compute = cfg }

// Forward computes the pooled sentence embedding.
func (e *BERTEncoder) Forward(inputIDs []int) []float64 {
	pooled, _ := e.ForwardWithCache(inputIDs)
	return pooled
}

// ForwardWithCache computes the sentence embedding and keeps activations.
func (e *BERTEncoder) ForwardWithCache(inputIDs []int) ([]float64, *EncoderCache) {
	seqLen := len(inputIDs)
	hidden := e.config.HiddenDim
	if seqLen == 0 {
		panic("encoder: empty input sequence")
	}
	if seqLen > e.config.MaxSeqLen {
		panic(fmt.Sprintf("encoder: sequence length %d exceeds maximum %d", seqLen, e.config.MaxSeqLen))
	}

	cache := &EncoderCache{
		inputIDs: inputIDs,
		keyMask:  make([]bool, seqLen),
		blocks:   make([]*blockCache, len(e.blocks)),
	}

	embed := NewTensor(seqLen, hidden)
	for i, id := range inputIDs {
		if id < 0 || id >= e.config.VocabSize {
			panic(fmt.Sprintf("encoder: token ID %d out of vocabulary range [0,%d)", id, e.config.VocabSize))
		}
		cache.keyMask[i] = id != PadTokenID
		if cache.keyMask[i] {
			cache.valid++
		}

		row := embed.Row(i)
		tok := e.tokenEmbed.Row(id)
		pos := e.posEmbed.Row(i)
		for d := range row {
			row[d] = tok[d] + pos[d]
		}
	}
	if cache.valid == 0 {
		panic("encoder: sequence contains only padding")
	}
	cache.embed = embed

	x := e.embedNorm.forward(embed)
	for i, block := range e.blocks {
		x, cache.blocks[i] = block.forward(x, cache.keyMask, e.compute)
	}

	return e.pool(x, cache), cache
}

// pool reduces (seqLen, hidden) to a sentence vector.
func (e *BERTEncoder) pool(x *Tensor, cache *EncoderCache) []float64 {
	hidden := e.config.HiddenDim
	pooled := make([]float64, hidden)

	switch e.config.Pool {
	case PoolCLS:
		copy(pooled, x.Row(0))
	case PoolMax:
		cache.maxIndex = make([]int, hidden)
		for d := range pooled {
			pooled[d] = math.Inf(-1)
		}
		for i, ok := range cache.keyMask {
			if !ok {
				continue
			}
			for d, v := range x.Row(i) {
				if v > pooled[d] {
					pooled[d] = v
					cache.maxIndex[d] = i
				}
			}
		}
	default:
		for i, ok := range cache.keyMask {
			if !ok {
				continue
			}
			for d, v := range x.Row(i) {
				pooled[d] += v
			}
		}
		for d := range pooled {
			pooled[d] /= float64(cache.valid)
		}
	}
	return pooled
}

// Backward accumulates gradients of every encoder parameter.
func (e *BERTEncoder) Backward(gradPooled []float64, cache *EncoderCache) {
	seqLen := len(cache.inputIDs)
	hidden := e.config.HiddenDim

	grad := NewTensor(seqLen, hidden)
	switch e.config.Pool {
	case PoolCLS:
		copy(grad.Row(0), gradPooled)
	case PoolMax:
		for d, i := range cache.maxIndex {
			grad.data[i*hidden+d] = gradPooled[d]
		}
	default:
		for i, ok := range cache.keyMask {
			if !ok {
				continue
			}
			row := grad.Row(i)
			for d := range row {
				row[d] = gradPooled[d] / float64(cache.valid)
			}
		}
	}

	for i := len(e.blocks) - 1; i >= 0; i-- {
		grad = e.blocks[i].backward(grad, cache.blocks[i], e.compute)
	}

	grad = e.embedNorm.backward(cache.embed, grad)
	for i, id := range cache.inputIDs {
		g := grad.Row(i)
		tok := e.tokenEmbed.grad[id*hidden : (id+1)*hidden]
		pos := e.posEmbed.grad[i*hidden : (i+1)*hidden]
		for d, v := range g {
			tok[d] += v
			pos[d] += v
		}
	}
}

// LayerGroups returns embeddings first, then each block bottom-up.
func (e *BERTEncoder) LayerGroups() [][]*Tensor {
	groups := make([][]*Tensor, 0, len(e.blocks)+1)
	groups = append(groups, []*Tensor{e.tokenEmbed, e.posEmbed, e.embedNorm.gamma, e.embedNorm.beta})
	for _, b := range e.blocks {
		groups = append(groups, b.parameters())
	}
	return groups
}

// NamedParameters lists every parameter with its checkpoint name.
func (e *BERTEncoder) NamedParameters() []NamedTensor {
	named := []NamedTensor{
		{"encoder.embeddings.token", e.tokenEmbed},
		{"encoder.embeddings.position", e.posEmbed},
		{"encoder.embeddings.norm.gamma", e.embedNorm.gamma},
		{"encoder.embeddings.norm.beta", e.embedNorm.beta},
	}
	for i, b := range e.blocks {
		for j, p := range b.parameters() {
			named = append(named, NamedTensor{
				Name:   fmt.Sprintf("encoder.layer.%d.%s", i, blockParameterNames[j]),
				Tensor: p,
			})
		}
	}
	return named
}

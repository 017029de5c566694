package main

import (
	"math/rand"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Referenceless Regression Model
// ===========================================================================
//
// A quality-estimation model predicts how good a machine translation is
// without a human reference. It sees only the source sentence and the
// translation:
//
//   src ──► Encoder ──► e_src ─┐
//                              ├─► [mt, src, mt⊙src, |mt-src|] ──► Estimator ──► score
//   mt  ──► Encoder ──► e_mt ──┘
//
// The same encoder weights embed both sides. Training minimizes the mean
// squared error against human judgements (the `score` column).
//
// LIFECYCLE:
//
//   1. NewReferencelessRegression trains the BPE tokenizer on train_data,
//      then builds encoder and head from the seeded generator.
//   2. PrepareSample turns raw samples into padded token ids (and targets
//      unless inference is requested).
//   3. trainStep / Forward run the network.
//   4. Save / LoadFromCheckpoint persist everything needed to rebuild the
//      model, including the tokenizer merges.
//
// ===========================================================================

var (
	// ErrInvalidConfig indicates an unusable hyperparameter combination.
	ErrInvalidConfig = errors.New("invalid model configuration")

	// ErrMissingScore indicates a training batch with an absent or
	// unparsable score.
	ErrMissingScore = errors.New("sample has no valid score")

	// ErrEmptyBatch indicates collation or a forward pass over zero samples.
	ErrEmptyBatch = errors.New("empty batch")
)

// ModelConfig holds the model hyperparameters. It is stored verbatim in
// every checkpoint.
type ModelConfig struct {
	EncoderModel         string  `yaml:"encoder_model" json:"encoder_model"`
	PretrainedModel      string  `yaml:"pretrained_model" json:"pretrained_model"`
	TrainData            string  `yaml:"train_data" json:"train_data"`
	ValidationData       string  `yaml:"validation_data" json:"validation_data"`
	HiddenSizes          []int   `yaml:"hidden_sizes" json:"hidden_sizes"`
	Activations          string  `yaml:"activations" json:"activations"`
	FinalActivation      string  `yaml:"final_activation" json:"final_activation"`
	LayerwiseDecay       float64 `yaml:"layerwise_decay" json:"layerwise_decay"`
	BatchSize            int     `yaml:"batch_size" json:"batch_size"`
	LearningRate         float64 `yaml:"learning_rate" json:"learning_rate"`
	EncoderLearningRate  float64 `yaml:"encoder_learning_rate" json:"encoder_learning_rate"`
	NrFrozenEpochs       float64 `yaml:"nr_frozen_epochs" json:"nr_frozen_epochs"`
	KeepEmbeddingsFrozen bool    `yaml:"keep_embeddings_frozen" json:"keep_embeddings_frozen"`
	Dropout              float64 `yaml:"dropout" json:"dropout"`
	Pool                 string  `yaml:"pool" json:"pool"`
	VocabSize            int     `yaml:"vocab_size" json:"vocab_size"`
	MaxLength            int     `yaml:"max_length" json:"max_length"`
	WeightDecay          float64 `yaml:"weight_decay" json:"weight_decay"`
	GradientClipVal      float64 `yaml:"gradient_clip_val" json:"gradient_clip_val"`
}

// DefaultModelConfig returns defaults for every optional hyperparameter.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		EncoderModel:        "BERT",
		PretrainedModel:     "bert-base-uncased",
		HiddenSizes:         []int{1024},
		Activations:         ActivationTanh,
		LayerwiseDecay:      1.0,
		BatchSize:           8,
		LearningRate:        3e-5,
		EncoderLearningRate: 1e-5,
		NrFrozenEpochs:      0.3,
		Dropout:             0.1,
		Pool:                PoolAvg,
		VocabSize:           1000,
		MaxLength:           128,
		GradientClipVal:     1.0,
	}
}

// Validate checks hyperparameters that can be checked without data.
func (c ModelConfig) Validate() error {
	if _, ok := encoderRegistry[c.EncoderModel]; !ok {
		return errors.Wrapf(ErrInvalidConfig, "unknown encoder model %q", c.EncoderModel)
	}
	if _, _, _, err := ResolvePretrained(c.PretrainedModel); err != nil {
		return err
	}
	for _, h := range c.HiddenSizes {
		if h <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "hidden size %d", h)
		}
	}
	if !validActivation(c.Activations) {
		return errors.Wrapf(ErrInvalidConfig, "unknown activation %q", c.Activations)
	}
	if c.FinalActivation != "" && !validActivation(c.FinalActivation) {
		return errors.Wrapf(ErrInvalidConfig, "unknown final activation %q", c.FinalActivation)
	}

	switch {
	case c.LayerwiseDecay <= 0 || c.LayerwiseDecay > 1:
		return errors.Wrapf(ErrInvalidConfig, "layerwise_decay %v outside (0,1]", c.LayerwiseDecay)
	case c.BatchSize <= 0:
		return errors.Wrapf(ErrInvalidConfig, "batch_size %d", c.BatchSize)
	case c.LearningRate <= 0:
		return errors.Wrapf(ErrInvalidConfig, "learning_rate %v", c.LearningRate)
	case c.EncoderLearningRate <= 0:
		return errors.Wrapf(ErrInvalidConfig, "encoder_learning_rate %v", c.EncoderLearningRate)
	case c.NrFrozenEpochs < 0:
		return errors.Wrapf(ErrInvalidConfig, "nr_frozen_epochs %v", c.NrFrozenEpochs)
	case c.Dropout < 0 || c.Dropout >= 1:
		return errors.Wrapf(ErrInvalidConfig, "dropout %v outside [0,1)", c.Dropout)
	case c.VocabSize < len(specialTokens)+256:
		return errors.Wrapf(ErrInvalidConfig, "vocab_size %d below byte alphabet", c.VocabSize)
	case c.MaxLength < 3:
		return errors.Wrapf(ErrInvalidConfig, "max_length %d", c.MaxLength)
	case c.WeightDecay < 0:
		return errors.Wrapf(ErrInvalidConfig, "weight_decay %v", c.WeightDecay)
	case c.GradientClipVal < 0:
		return errors.Wrapf(ErrInvalidConfig, "gradient_clip_val %v", c.GradientClipVal)
	}

	switch c.Pool {
	case PoolAvg, PoolCLS, PoolMax:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown pooling %q", c.Pool)
	}
	return nil
}

// encoderConfig resolves the pretrained identifier into an encoder shape.
func (c ModelConfig) encoderConfig() (EncoderConfig, error) {
	layers, hidden, heads, err := ResolvePretrained(c.PretrainedModel)
	if err != nil {
		return EncoderConfig{}, err
	}
	cfg := EncoderConfig{
		VocabSize:       c.VocabSize,
		MaxSeqLen:       c.MaxLength,
		HiddenDim:       hidden,
		NumLayers:       layers,
		NumHeads:        heads,
		IntermediateDim: 4 * hidden,
		LayerNormEps:    1e-12,
		Pool:            c.Pool,
	}
	return cfg, cfg.Validate()
}

// ===========================================================================
// SAMPLES
// ===========================================================================

// ScoreValue is a score cell that tolerates missing or malformed values.
// Only training-mode collation insists on Valid.
type ScoreValue struct {
	Value float64
	Valid bool
}

// UnmarshalCSV implements gocsv.TypeUnmarshaller.
func (s *ScoreValue) UnmarshalCSV(field string) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil {
		*s = ScoreValue{}
		return nil
	}
	*s = ScoreValue{Value: v, Valid: true}
	return nil
}

// MarshalCSV implements gocsv.TypeMarshaller.
func (s ScoreValue) MarshalCSV() (string, error) {
	if !s.Valid {
		return "", nil
	}
	return strconv.FormatFloat(s.Value, 'g', -1, 64), nil
}

// Sample is one row of a quality-estimation dataset.
type Sample struct {
	Src   string     `csv:"src"`
	MT    string     `csv:"mt"`
	Score ScoreValue `csv:"score"`
}

// ReadCSV loads samples from a CSV file with src, mt and (optionally) score
// columns.
func ReadCSV(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open dataset %s", path)
	}
	defer f.Close()

	var samples []Sample
	if err := gocsv.UnmarshalFile(f, &samples); err != nil {
		return nil, errors.Wrapf(err, "parse dataset %s", path)
	}
	return samples, nil
}

// EncodedInputs is a padded batch of token ids for one text column.
// Positions at or past Lengths[i] hold [PAD].
type EncodedInputs struct {
	InputIDs [][]int
	Lengths  []int
}

// Batch is a collated set of samples.
type Batch struct {
	Src    EncodedInputs
	MT     EncodedInputs
	Scores []float64 // nil in inference mode
	Size   int
}

// ===========================================================================
// MODEL
// ===========================================================================

// ReferencelessRegression scores translations from source and hypothesis.
type ReferencelessRegression struct {
	hparams   ModelConfig
	runtime   RuntimeConfig
	tokenizer *Tokenizer
	encoder   Encoder
	estimator *Estimator
}

// ModelOption customizes model construction.
type ModelOption func(*modelOptions)

type modelOptions struct {
	runtime   RuntimeConfig
	tokenizer *Tokenizer
}

// WithRuntime sets the runtime configuration (threads, tokenizer parallelism).
func WithRuntime(rc RuntimeConfig) ModelOption {
	return func(o *modelOptions) { o.runtime = rc }
}

// withTokenizer skips tokenizer training; used when restoring checkpoints.
func withTokenizer(t *Tokenizer) ModelOption {
	return func(o *modelOptions) { o.tokenizer = t }
}

// NewReferencelessRegression validates cfg, trains the tokenizer on the
// training texts and initializes all weights from rng.
func NewReferencelessRegression(cfg ModelConfig, rng *rand.Rand, opts ...ModelOption) (*ReferencelessRegression, error) {
	options := modelOptions{runtime: DefaultRuntimeConfig()}
	for _, opt := range opts {
		opt(&options)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	encCfg, err := cfg.encoderConfig()
	if err != nil {
		return nil, err
	}

	tok := options.tokenizer
	if tok == nil {
		if cfg.TrainData == "" {
			return nil, errors.Wrap(ErrInvalidConfig, "train_data is required to build the tokenizer")
		}
		samples, err := ReadCSV(cfg.TrainData)
		if err != nil {
			return nil, err
		}
		corpus := make([]string, 0, 2*len(samples))
		for _, s := range samples {
			corpus = append(corpus, s.Src, s.MT)
		}
		tok = NewTokenizer()
		if err := tok.Train(corpus, cfg.VocabSize); err != nil {
			return nil, errors.Wrap(ErrInvalidConfig, err.Error())
		}
	}
	if tok.VocabSize() > cfg.VocabSize {
		return nil, errors.Wrapf(ErrInvalidConfig, "tokenizer has %d tokens, vocab_size is %d", tok.VocabSize(), cfg.VocabSize)
	}

	encoder, err := encoderRegistry[cfg.EncoderModel](encCfg, rng)
	if err != nil {
		return nil, err
	}
	estimator, err := NewEstimator(rng, 4*encoder.HiddenDim(), cfg.HiddenSizes, cfg.Activations, cfg.FinalActivation, cfg.Dropout)
	if err != nil {
		return nil, err
	}

	m := &ReferencelessRegression{
		hparams:   cfg,
		runtime:   options.runtime,
		tokenizer: tok,
		encoder:   encoder,
		estimator: estimator,
	}
	m.SetCompute(options.runtime.Compute())
	return m, nil
}

// Hparams returns the model configuration.
func (m *ReferencelessRegression) Hparams() ModelConfig { return m.hparams }

// Tokenizer returns the model's tokenizer.
func (m *ReferencelessRegression) Tokenizer() *Tokenizer { return m.tokenizer }

// SetCompute changes the matmul strategy of every layer.
func (m *ReferencelessRegression) SetCompute(cfg ComputeConfig) {
	m.encoder.SetCompute(cfg)
	m.estimator.compute = cfg
}

// ReadCSV loads a dataset; a method so callers holding only a model can
// read data the way the model expects it.
func (m *ReferencelessRegression) ReadCSV(path string) ([]Sample, error) {
	return ReadCSV(path)
}

// PrepareSample tokenizes and pads a list of samples. In inference mode the
// score is ignored entirely; otherwise every sample needs a valid score.
func (m *ReferencelessRegression) PrepareSample(samples []Sample, inference bool) (*Batch, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyBatch
	}

	batch := &Batch{Size: len(samples)}
	if !inference {
		batch.Scores = make([]float64, len(samples))
		for i, s := range samples {
			if !s.Score.Valid {
				return nil, errors.Wrapf(ErrMissingScore, "sample %d", i)
			}
			batch.Scores[i] = s.Score.Value
		}
	}

	src := make([][]int, len(samples))
	mt := make([][]int, len(samples))
	encode := func(i int) {
		src[i] = m.tokenizer.EncodeForModel(samples[i].Src, m.hparams.MaxLength)
		mt[i] = m.tokenizer.EncodeForModel(samples[i].MT, m.hparams.MaxLength)
	}

	if m.runtime.TokenizersParallelism {
		var g errgroup.Group
		g.SetLimit(runtime.NumCPU())
		for i := range samples {
			g.Go(func() error {
				encode(i)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i := range samples {
			encode(i)
		}
	}

	batch.Src = padSequences(src)
	batch.MT = padSequences(mt)
	return batch, nil
}

// padSequences right-pads sequences with [PAD] to the longest one.
func padSequences(seqs [][]int) EncodedInputs {
	maxLen := 0
	for _, s := range seqs {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}

	enc := EncodedInputs{
		InputIDs: make([][]int, len(seqs)),
		Lengths:  make([]int, len(seqs)),
	}
	for i, s := range seqs {
		ids := make([]int, maxLen)
		copy(ids, s)
		enc.InputIDs[i] = ids
		enc.Lengths[i] = len(s)
	}
	return enc
}

func (m *ReferencelessRegression) checkBatch(batch *Batch) error {
	if batch == nil || batch.Size == 0 {
		return ErrEmptyBatch
	}
	if len(batch.Src.InputIDs) != batch.Size || len(batch.MT.InputIDs) != batch.Size {
		return errors.Errorf("batch of size %d carries %d src and %d mt rows",
			batch.Size, len(batch.Src.InputIDs), len(batch.MT.InputIDs))
	}
	return nil
}

// Forward predicts one score per sample without touching gradients or
// dropout.
func (m *ReferencelessRegression) Forward(batch *Batch) ([]float64, error) {
	if err := m.checkBatch(batch); err != nil {
		return nil, err
	}

	mt := make([][]float64, batch.Size)
	src := make([][]float64, batch.Size)
	for i := 0; i < batch.Size; i++ {
		mt[i] = m.encoder.Forward(batch.MT.InputIDs[i][:batch.MT.Lengths[i]])
		src[i] = m.encoder.Forward(batch.Src.InputIDs[i][:batch.Src.Lengths[i]])
	}

	out, _ := m.estimator.Forward(buildFeatures(mt, src), nil)
	preds := make([]float64, batch.Size)
	for i := range preds {
		preds[i] = out.At(i, 0)
	}
	return preds, nil
}

// trainStep runs forward and backward over one batch, accumulating
// gradients, and returns the MSE loss. With frozenEncoder set only the head
// receives gradients. Dropout masks come from rng.
func (m *ReferencelessRegression) trainStep(batch *Batch, frozenEncoder bool, rng *rand.Rand) (float64, error) {
	if err := m.checkBatch(batch); err != nil {
		return 0, err
	}
	if len(batch.Scores) != batch.Size {
		return 0, errors.Wrap(ErrMissingScore, "training batch has no targets")
	}

	mt := make([][]float64, batch.Size)
	src := make([][]float64, batch.Size)
	mtCache := make([]*EncoderCache, batch.Size)
	srcCache := make([]*EncoderCache, batch.Size)
	for i := 0; i < batch.Size; i++ {
		mtIDs := batch.MT.InputIDs[i][:batch.MT.Lengths[i]]
		srcIDs := batch.Src.InputIDs[i][:batch.Src.Lengths[i]]
		if frozenEncoder {
			mt[i] = m.encoder.Forward(mtIDs)
			src[i] = m.encoder.Forward(srcIDs)
		} else {
			mt[i], mtCache[i] = m.encoder.ForwardWithCache(mtIDs)
			src[i], srcCache[i] = m.encoder.ForwardWithCache(srcIDs)
		}
	}

	features := buildFeatures(mt, src)
	out, cache := m.estimator.Forward(features, rng)

	preds := out.Data()
	loss := MSELoss(preds, batch.Scores)
	gradOut := NewTensorFrom(MSEBackward(preds, batch.Scores), batch.Size, 1)

	gradFeatures := m.estimator.Backward(gradOut, cache)
	if frozenEncoder {
		return loss, nil
	}

	gradMT, gradSrc := splitFeatureGrad(gradFeatures, mt, src)
	for i := 0; i < batch.Size; i++ {
		m.encoder.Backward(gradMT[i], mtCache[i])
		m.encoder.Backward(gradSrc[i], srcCache[i])
	}
	return loss, nil
}

// ParamGroups returns optimizer groups with layer-wise decayed learning
// rates: the head trains at learning_rate, the top encoder block at
// encoder_learning_rate, and every block below it at the rate of the block
// above times layerwise_decay. Embeddings sit below the first block.
func (m *ReferencelessRegression) ParamGroups() []ParamGroup {
	groups := []ParamGroup{{
		Name:        "estimator",
		Params:      m.estimator.Parameters(),
		LR:          m.hparams.LearningRate,
		WeightDecay: m.hparams.WeightDecay,
	}}

	layers := m.encoder.LayerGroups()
	top := len(layers) - 1
	lr := m.hparams.EncoderLearningRate
	for i := top; i >= 0; i-- {
		name := "encoder.layer." + strconv.Itoa(i-1)
		if i == 0 {
			name = "encoder.embeddings"
		}
		groups = append(groups, ParamGroup{
			Name:        name,
			Params:      layers[i],
			LR:          lr,
			WeightDecay: m.hparams.WeightDecay,
			Encoder:     true,
			Frozen:      i == 0 && m.hparams.KeepEmbeddingsFrozen,
		})
		lr *= m.hparams.LayerwiseDecay
	}
	return groups
}

// Parameters returns every trainable tensor.
func (m *ReferencelessRegression) Parameters() []*Tensor {
	named := m.NamedParameters()
	params := make([]*Tensor, len(named))
	for i, n := range named {
		params[i] = n.Tensor
	}
	return params
}

// NamedParameters returns encoder then head parameters in checkpoint order.
func (m *ReferencelessRegression) NamedParameters() []NamedTensor {
	return append(m.encoder.NamedParameters(), m.estimator.NamedParameters()...)
}

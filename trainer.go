package main

import (
	"context"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Training Loop
// ===========================================================================
//
//   for epoch in 0..MaxEpochs-1:
//     for batch in shuffled(train):            // one optimizer step each
//       frozen = globalStep < nr_frozen_epochs × batchesPerEpoch
//       zero grads → forward/backward → clip → AdamW step
//     validate on validation_data               // val_loss, correlations
//     checkpoint callback                       // epoch=E-step=S.ckpt
//
// FROZEN ENCODER:
//
// For the first nr_frozen_epochs (a fraction of an epoch by default) only
// the regression head learns. A randomly initialized head would otherwise
// push large, noisy gradients into the encoder. Embeddings can be kept
// frozen for the whole run with keep_embeddings_frozen.
//
// STEP NUMBERING:
//
// S in the checkpoint name is the zero-based index of the last optimizer
// step taken, so 10 epochs of 16 batches end at step 159. Code that needs a
// checkpoint should ask FindCheckpoint instead of rebuilding the name.
//
// DETERMINISM:
//
// Every random draw (weights, shuffling, dropout) comes from generators
// seeded from TrainerConfig.Seed and the caller's model generator.
// Deterministic additionally pins the model to single-threaded matmul.
//
// ===========================================================================

// TrainerConfig configures a training run.
type TrainerConfig struct {
	MaxEpochs           int
	Seed                int64
	Deterministic       bool
	EnableCheckpointing bool

	// DefaultRootDir holds the checkpoints/ directory unless
	// Checkpoint.Dir is set.
	DefaultRootDir string
	Checkpoint     CheckpointConfig
	Runtime        RuntimeConfig

	// NumWorkers collates training and validation batches on goroutines.
	NumWorkers int

	Logger *zap.Logger
}

// DefaultTrainerConfig returns a 10-epoch checkpointing configuration.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		MaxEpochs:           10,
		EnableCheckpointing: true,
		DefaultRootDir:      ".",
		Checkpoint:          DefaultCheckpointConfig(),
		Runtime:             DefaultRuntimeConfig(),
	}
}

// Trainer runs training, validation and prediction.
type Trainer struct {
	cfg        TrainerConfig
	logger     *zap.Logger
	rng        *rand.Rand
	checkpoint *ModelCheckpoint
	runID      string
	globalStep int
}

// EpochResult records one epoch of a run.
type EpochResult struct {
	Epoch      int
	TrainLoss  float64
	Validation *RegressionMetrics
	Checkpoint string
}

// FitResult summarizes a completed run.
type FitResult struct {
	RunID      string
	GlobalStep int
	Epochs     []EpochResult
	BestPath   string
	LastPath   string
	Duration   time.Duration
}

// PredictConfig configures batched inference.
type PredictConfig struct {
	BatchSize  int
	NumWorkers int
}

// NewTrainer validates cfg and prepares the checkpoint callback.
func NewTrainer(cfg TrainerConfig) (*Trainer, error) {
	if cfg.MaxEpochs <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "max epochs %d", cfg.MaxEpochs)
	}
	if cfg.NumWorkers < 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "num workers %d", cfg.NumWorkers)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Trainer{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		runID:  uuid.New().String(),
	}

	if cfg.EnableCheckpointing {
		ckCfg := cfg.Checkpoint
		if ckCfg.Dir == "" {
			ckCfg.Dir = filepath.Join(cfg.DefaultRootDir, "checkpoints")
		}
		cb, err := NewModelCheckpoint(ckCfg, logger)
		if err != nil {
			return nil, err
		}
		t.checkpoint = cb
	}
	return t, nil
}

// CheckpointDir returns where checkpoints are written.
func (t *Trainer) CheckpointDir() string {
	if t.checkpoint != nil {
		return t.checkpoint.Dir()
	}
	if t.cfg.Checkpoint.Dir != "" {
		return t.cfg.Checkpoint.Dir
	}
	return filepath.Join(t.cfg.DefaultRootDir, "checkpoints")
}

// GlobalStep returns the number of optimizer steps taken.
func (t *Trainer) GlobalStep() int { return t.globalStep }

// Fit trains model on its train_data for MaxEpochs epochs.
func (t *Trainer) Fit(ctx context.Context, model *ReferencelessRegression) (*FitResult, error) {
	start := time.Now()
	hp := model.Hparams()

	train, err := model.ReadCSV(hp.TrainData)
	if err != nil {
		return nil, err
	}
	if len(train) == 0 {
		return nil, errors.Wrapf(ErrEmptyBatch, "no training samples in %s", hp.TrainData)
	}
	var val []Sample
	if hp.ValidationData != "" {
		if val, err = model.ReadCSV(hp.ValidationData); err != nil {
			return nil, err
		}
	}

	if t.checkpoint != nil {
		if err := validateMonitor(t.checkpoint.cfg.Monitor, len(val) > 0); err != nil {
			return nil, err
		}
	}

	if t.cfg.Deterministic {
		model.SetCompute(SingleThreadedConfig())
	} else {
		model.SetCompute(t.cfg.Runtime.Compute())
	}

	loader := NewDataLoader(train, hp.BatchSize,
		func(s []Sample) (*Batch, error) { return model.PrepareSample(s, false) },
		WithShuffle(t.rng), WithWorkers(t.cfg.NumWorkers))
	opt := NewAdamW(model.ParamGroups(), DefaultAdamWConfig())
	frozenSteps := int(hp.NrFrozenEpochs * float64(loader.Len()))

	log := t.logger.With(zap.String("run_id", t.runID))
	log.Info("training started",
		zap.Int("train_samples", len(train)),
		zap.Int("val_samples", len(val)),
		zap.Int("batches_per_epoch", loader.Len()),
		zap.Int("frozen_steps", frozenSteps),
		zap.Int("parameters", countParameters(model.Parameters())),
		zap.Int("vocab_size", model.Tokenizer().VocabSize()),
	)

	result := &FitResult{RunID: t.runID}
	for epoch := 0; epoch < t.cfg.MaxEpochs; epoch++ {
		var lossSum float64
		var seen int

		err := loader.Iterate(ctx, func(i int, batch *Batch) error {
			frozen := t.globalStep < frozenSteps
			if t.globalStep == frozenSteps && frozenSteps > 0 {
				log.Info("encoder unfrozen", zap.Int("step", t.globalStep))
			}

			opt.ZeroGrad()
			loss, err := model.trainStep(batch, frozen, t.rng)
			if err != nil {
				return errors.Wrapf(err, "epoch %d batch %d", epoch, i)
			}
			norm := ClipGradNorm(opt.Trainable(frozen), hp.GradientClipVal)
			opt.Step(frozen)

			log.Debug("train step",
				zap.Int("epoch", epoch),
				zap.Int("step", t.globalStep),
				zap.Float64("loss", loss),
				zap.Float64("grad_norm", norm),
				zap.Bool("encoder_frozen", frozen),
			)
			t.globalStep++
			lossSum += loss * float64(batch.Size)
			seen += batch.Size
			return nil
		})
		if err != nil {
			return nil, err
		}

		er := EpochResult{Epoch: epoch, TrainLoss: lossSum / float64(seen)}
		metrics := map[string]float64{"train_loss": er.TrainLoss}
		fields := []zap.Field{zap.Int("epoch", epoch), zap.Int("step", t.globalStep-1), zap.Float64("train_loss", er.TrainLoss)}

		if len(val) > 0 {
			vm, err := t.Validate(ctx, model, val)
			if err != nil {
				return nil, errors.Wrapf(err, "validate epoch %d", epoch)
			}
			er.Validation = &vm
			for k, v := range vm.Map("val_") {
				metrics[k] = v
				fields = append(fields, zap.Float64(k, v))
			}
		}
		log.Info("epoch finished", fields...)

		if t.checkpoint != nil {
			path, err := t.checkpoint.OnEpochEnd(model, CheckpointMeta{
				Epoch:      epoch,
				Step:       t.globalStep - 1,
				GlobalStep: t.globalStep,
				RunID:      t.runID,
				Metrics:    metrics,
			})
			if err != nil {
				return nil, errors.Wrapf(err, "checkpoint epoch %d", epoch)
			}
			er.Checkpoint = path
		}
		result.Epochs = append(result.Epochs, er)
	}

	result.GlobalStep = t.globalStep
	if t.checkpoint != nil {
		result.BestPath = t.checkpoint.BestPath()
		result.LastPath = t.checkpoint.LastPath()
	}
	result.Duration = time.Since(start)
	log.Info("training finished",
		zap.Int("global_step", result.GlobalStep),
		zap.String("best_checkpoint", result.BestPath),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// Validate scores model on labelled samples.
func (t *Trainer) Validate(ctx context.Context, model *ReferencelessRegression, samples []Sample) (RegressionMetrics, error) {
	loader := NewDataLoader(samples, model.Hparams().BatchSize,
		func(s []Sample) (*Batch, error) { return model.PrepareSample(s, false) },
		WithWorkers(t.cfg.NumWorkers))

	preds := make([]float64, 0, len(samples))
	targets := make([]float64, 0, len(samples))
	err := loader.Iterate(ctx, func(_ int, batch *Batch) error {
		out, err := model.Forward(batch)
		if err != nil {
			return err
		}
		preds = append(preds, out...)
		targets = append(targets, batch.Scores...)
		return nil
	})
	if err != nil {
		return RegressionMetrics{}, err
	}
	return ComputeRegressionMetrics(preds, targets)
}

// Predict runs model over every batch of loader and concatenates the
// scores in loader order.
func (t *Trainer) Predict(ctx context.Context, model *ReferencelessRegression, loader *DataLoader) ([]float64, error) {
	preds := make([]float64, 0, loader.NumSamples())
	err := loader.Iterate(ctx, func(i int, batch *Batch) error {
		out, err := model.Forward(batch)
		if err != nil {
			return errors.Wrapf(err, "predict batch %d", i)
		}
		preds = append(preds, out...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(preds) != loader.NumSamples() {
		return nil, errors.Wrapf(ErrLengthMismatch, "%d predictions for %d samples", len(preds), loader.NumSamples())
	}
	t.logger.Debug("prediction finished", zap.Int("samples", len(preds)), zap.Int("batches", loader.Len()))
	return preds, nil
}

// PredictFromCheckpoint loads the checkpoint selected by criterion and
// predicts samples with inference collation. After Fit the choice is among
// the checkpoints this trainer wrote; otherwise the checkpoint directory is
// searched. It returns the predictions and the checkpoint used.
func (t *Trainer) PredictFromCheckpoint(ctx context.Context, criterion CheckpointCriterion, samples []Sample, cfg PredictConfig) ([]float64, string, error) {
	path, err := t.checkpointPath(criterion)
	if err != nil {
		return nil, "", err
	}
	model, err := LoadFromCheckpoint(path, WithRuntime(t.cfg.Runtime))
	if err != nil {
		return nil, path, err
	}
	t.logger.Info("loaded checkpoint", zap.String("path", path), zap.String("criterion", string(criterion)))

	loader := NewInferenceLoader(model, samples, cfg)
	preds, err := t.Predict(ctx, model, loader)
	return preds, path, err
}

// checkpointPath resolves criterion. Files left in the directory by other
// runs are only considered when this trainer has written nothing.
func (t *Trainer) checkpointPath(criterion CheckpointCriterion) (string, error) {
	if t.checkpoint != nil {
		var path string
		switch criterion {
		case CheckpointBest:
			path = t.checkpoint.BestPath()
		case CheckpointLast:
			path = t.checkpoint.LastPath()
		default:
			return "", errors.Errorf("unknown checkpoint criterion %q", criterion)
		}
		if path != "" {
			return path, nil
		}
	}
	return FindCheckpoint(t.CheckpointDir(), criterion)
}

// NewInferenceLoader batches samples for prediction; scores are ignored.
func NewInferenceLoader(model *ReferencelessRegression, samples []Sample, cfg PredictConfig) *DataLoader {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 256
	}
	return NewDataLoader(samples, batchSize,
		func(s []Sample) (*Batch, error) { return model.PrepareSample(s, true) },
		WithWorkers(cfg.NumWorkers))
}

func countParameters(params []*Tensor) int {
	n := 0
	for _, p := range params {
		n += p.Size()
	}
	return n
}

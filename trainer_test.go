package main

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// smallTrainingConfig is a model small enough to train for ten epochs in a
// unit test: 500 rows at batch size 32 give 16 batches per epoch.
func smallTrainingConfig(t *testing.T) ModelConfig {
	t.Helper()
	data := filepath.Join(t.TempDir(), "train.csv")
	writeQEData(t, data, 500, 7)

	cfg := tinyModelConfig(data)
	cfg.PretrainedModel = "google/bert_uncased_L-1_H-16_A-2"
	return cfg
}

func TestTrainerFitCheckpointPredict(t *testing.T) {
	cfg := smallTrainingConfig(t)
	root := t.TempDir()
	checkpoints := filepath.Join(root, "checkpoints")
	t.Cleanup(func() {
		require.NoError(t, os.RemoveAll(checkpoints))
		_, err := os.Stat(checkpoints)
		assert.True(t, os.IsNotExist(err))
	})

	model, err := NewReferencelessRegression(cfg, rand.New(rand.NewSource(12)))
	require.NoError(t, err)

	tcfg := DefaultTrainerConfig()
	tcfg.Seed = 12
	tcfg.Deterministic = true
	tcfg.DefaultRootDir = root
	tcfg.Logger = zaptest.NewLogger(t)
	trainer, err := NewTrainer(tcfg)
	require.NoError(t, err)
	assert.Equal(t, checkpoints, trainer.CheckpointDir())

	result, err := trainer.Fit(context.Background(), model)
	require.NoError(t, err)
	require.Len(t, result.Epochs, 10)
	assert.Equal(t, 160, result.GlobalStep)
	assert.Equal(t, 160, trainer.GlobalStep())
	assert.NotEmpty(t, result.RunID)
	assert.Less(t, result.Epochs[9].TrainLoss, result.Epochs[0].TrainLoss)
	for _, e := range result.Epochs {
		require.NotNil(t, e.Validation)
	}

	want := filepath.Join(checkpoints, "epoch=9-step=159.ckpt")
	assert.Equal(t, []string{"epoch=9-step=159.ckpt"}, listCheckpoints(t, checkpoints))
	assert.Equal(t, want, result.LastPath)
	assert.Equal(t, want, result.BestPath)

	for _, c := range []CheckpointCriterion{CheckpointBest, CheckpointLast} {
		got, err := FindCheckpoint(checkpoints, c)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	header, err := ReadCheckpointHeader(want)
	require.NoError(t, err)
	assert.Equal(t, 9, header.Epoch)
	assert.Equal(t, 159, header.Step)
	assert.Equal(t, 160, header.GlobalStep)
	assert.Equal(t, result.RunID, header.RunID)
	assert.Contains(t, header.Metrics, "train_loss")
	assert.Contains(t, header.Metrics, "val_loss")

	samples, err := ReadCSV(cfg.TrainData)
	require.NoError(t, err)
	preds, used, err := trainer.PredictFromCheckpoint(context.Background(), CheckpointBest, samples,
		PredictConfig{BatchSize: 256, NumWorkers: 2})
	require.NoError(t, err)
	assert.Equal(t, want, used)
	require.Len(t, preds, len(samples))

	// Batched prediction matches the trained model sample by sample.
	for i := 0; i < len(samples); i += 37 {
		batch, err := model.PrepareSample(samples[i:i+1], true)
		require.NoError(t, err)
		one, err := model.Forward(batch)
		require.NoError(t, err)
		assert.InDelta(t, one[0], preds[i], 1e-12, "sample %d", i)
	}
}

func TestTrainerIsReproducible(t *testing.T) {
	cfg := smallTrainingConfig(t)
	cfg.NrFrozenEpochs = 0.5

	run := func(workers int) []float64 {
		model, err := NewReferencelessRegression(cfg, rand.New(rand.NewSource(3)))
		require.NoError(t, err)
		tcfg := DefaultTrainerConfig()
		tcfg.MaxEpochs = 2
		tcfg.Seed = 5
		tcfg.Deterministic = true
		tcfg.EnableCheckpointing = false
		tcfg.NumWorkers = workers
		trainer, err := NewTrainer(tcfg)
		require.NoError(t, err)
		result, err := trainer.Fit(context.Background(), model)
		require.NoError(t, err)
		return []float64{result.Epochs[0].TrainLoss, result.Epochs[1].TrainLoss, result.Epochs[1].Validation.MSE}
	}

	assert.Equal(t, run(0), run(2))
}

func TestTrainerFrozenEncoder(t *testing.T) {
	cfg := smallTrainingConfig(t)
	cfg.NrFrozenEpochs = 1

	model, err := NewReferencelessRegression(cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	before := map[string][]float64{}
	for _, p := range model.NamedParameters() {
		before[p.Name] = append([]float64(nil), p.Tensor.data...)
	}

	tcfg := DefaultTrainerConfig()
	tcfg.MaxEpochs = 1
	tcfg.EnableCheckpointing = false
	trainer, err := NewTrainer(tcfg)
	require.NoError(t, err)
	_, err = trainer.Fit(context.Background(), model)
	require.NoError(t, err)

	for _, p := range model.encoder.NamedParameters() {
		assert.Equal(t, before[p.Name], p.Tensor.data, p.Name)
	}
	for _, p := range model.estimator.NamedParameters() {
		assert.NotEqual(t, before[p.Name], p.Tensor.data, p.Name)
	}
	_, err = os.Stat(trainer.CheckpointDir())
	assert.True(t, os.IsNotExist(err), "checkpointing disabled")
}

func TestTrainerFitCancelled(t *testing.T) {
	cfg := smallTrainingConfig(t)
	model, err := NewReferencelessRegression(cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	tcfg := DefaultTrainerConfig()
	tcfg.DefaultRootDir = t.TempDir()
	trainer, err := NewTrainer(tcfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = trainer.Fit(ctx, model)
	assert.Equal(t, context.Canceled, errors.Cause(err))
}

func TestTrainerRejectsUnscoredTrainingData(t *testing.T) {
	cfg := smallTrainingConfig(t)
	model, err := NewReferencelessRegression(cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	unscored := filepath.Join(t.TempDir(), "unscored.csv")
	require.NoError(t, os.WriteFile(unscored, []byte("src,mt,score\na cat,a dog,\n"), 0o644))
	model.hparams.TrainData = unscored

	tcfg := DefaultTrainerConfig()
	tcfg.EnableCheckpointing = false
	trainer, err := NewTrainer(tcfg)
	require.NoError(t, err)
	_, err = trainer.Fit(context.Background(), model)
	assert.Equal(t, ErrMissingScore, errors.Cause(err))
}

func TestPredictFromCheckpointMissing(t *testing.T) {
	tcfg := DefaultTrainerConfig()
	tcfg.DefaultRootDir = t.TempDir()
	trainer, err := NewTrainer(tcfg)
	require.NoError(t, err)

	_, _, err = trainer.PredictFromCheckpoint(context.Background(), CheckpointLast, nil, PredictConfig{})
	assert.Equal(t, ErrCheckpointNotFound, errors.Cause(err))
}

func TestNewTrainerRejectsBadConfig(t *testing.T) {
	tcfg := DefaultTrainerConfig()
	tcfg.MaxEpochs = 0
	_, err := NewTrainer(tcfg)
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err))

	tcfg = DefaultTrainerConfig()
	tcfg.NumWorkers = -1
	_, err = NewTrainer(tcfg)
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err))

	tcfg = DefaultTrainerConfig()
	tcfg.Checkpoint.Mode = "median"
	_, err = NewTrainer(tcfg)
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err))
}

func TestPredictFromCheckpointUsesThisRun(t *testing.T) {
	cfg := smallTrainingConfig(t)
	root := t.TempDir()
	samples, err := ReadCSV(cfg.TrainData)
	require.NoError(t, err)

	fit := func(epochs int) *Trainer {
		model, err := NewReferencelessRegression(cfg, rand.New(rand.NewSource(4)))
		require.NoError(t, err)
		tcfg := DefaultTrainerConfig()
		tcfg.MaxEpochs = epochs
		tcfg.DefaultRootDir = root
		trainer, err := NewTrainer(tcfg)
		require.NoError(t, err)
		_, err = trainer.Fit(context.Background(), model)
		require.NoError(t, err)
		return trainer
	}

	// An earlier, longer run leaves a checkpoint with a higher step behind.
	fit(2)
	stale := filepath.Join(root, "checkpoints", "epoch=1-step=31.ckpt")
	require.FileExists(t, stale)

	trainer := fit(1)
	own := filepath.Join(root, "checkpoints", "epoch=0-step=15.ckpt")
	for _, c := range []CheckpointCriterion{CheckpointBest, CheckpointLast} {
		preds, used, err := trainer.PredictFromCheckpoint(context.Background(), c, samples[:10], PredictConfig{})
		require.NoError(t, err)
		assert.Equal(t, own, used, string(c))
		assert.Len(t, preds, 10)
	}

	// A trainer that wrote nothing searches the directory.
	tcfg := DefaultTrainerConfig()
	tcfg.DefaultRootDir = root
	fresh, err := NewTrainer(tcfg)
	require.NoError(t, err)
	_, used, err := fresh.PredictFromCheckpoint(context.Background(), CheckpointLast, samples[:10], PredictConfig{})
	require.NoError(t, err)
	assert.Equal(t, stale, used)
}

func TestTrainerRejectsUnloggedMonitor(t *testing.T) {
	cfg := smallTrainingConfig(t)
	cfg.ValidationData = ""

	for _, monitor := range []string{"val_loss", "train_los"} {
		model, err := NewReferencelessRegression(cfg, rand.New(rand.NewSource(1)))
		require.NoError(t, err)

		tcfg := DefaultTrainerConfig()
		tcfg.DefaultRootDir = t.TempDir()
		tcfg.Checkpoint.Monitor = monitor
		trainer, err := NewTrainer(tcfg)
		require.NoError(t, err)

		_, err = trainer.Fit(context.Background(), model)
		assert.Equal(t, ErrInvalidConfig, errors.Cause(err), monitor)
		assert.Zero(t, trainer.GlobalStep(), "no training before the check")
		_, err = os.Stat(trainer.CheckpointDir())
		assert.True(t, os.IsNotExist(err))
	}
}

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadModelConfig(t *testing.T) {
	path := writeFile(t, "hparams.yaml", `
encoder_model: BERT
pretrained_model: google/bert_uncased_L-2_H-128_A-2
train_data: data/test.csv
validation_data: data/test.csv
hidden_sizes:
  - 256
activations: Tanh
layerwise_decay: 0.95
batch_size: 32
learning_rate: 0.0001
encoder_learning_rate: 0.0001
`)

	cfg, err := LoadModelConfig(path)
	require.NoError(t, err)

	want := DefaultModelConfig()
	want.PretrainedModel = "google/bert_uncased_L-2_H-128_A-2"
	want.TrainData = "data/test.csv"
	want.ValidationData = "data/test.csv"
	want.HiddenSizes = []int{256}
	want.LayerwiseDecay = 0.95
	want.BatchSize = 32
	want.LearningRate = 1e-4
	want.EncoderLearningRate = 1e-4
	assert.Equal(t, want, cfg)
}

func TestModelConfigSaveLoad(t *testing.T) {
	cfg := tinyModelConfig("train.csv")
	cfg.KeepEmbeddingsFrozen = true
	cfg.FinalActivation = ActivationSigmoid

	path := filepath.Join(t.TempDir(), "hparams.yaml")
	require.NoError(t, SaveModelConfig(path, cfg))

	loaded, err := LoadModelConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadModelConfigEmptyFile(t *testing.T) {
	cfg, err := LoadModelConfig(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultModelConfig(), cfg)
}

func TestLoadModelConfigErrors(t *testing.T) {
	_, err := LoadModelConfig(writeFile(t, "typo.yaml", "learnin_rate: 0.1\n"))
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err), "unknown key")

	_, err = LoadModelConfig(writeFile(t, "bad.yaml", "batch_size: [1, 2]\n"))
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err), "wrong type")

	_, err = LoadModelConfig(writeFile(t, "invalid.yaml", "layerwise_decay: 0\n"))
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err), "fails validation")

	_, err = LoadModelConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

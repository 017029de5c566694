package main

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func listCheckpoints(t *testing.T, dir string) []string {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "*.ckpt"))
	require.NoError(t, err)
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
	}
	sort.Strings(names)
	return names
}

func epochMeta(epoch int, loss float64) CheckpointMeta {
	return CheckpointMeta{
		Epoch:      epoch,
		Step:       16*(epoch+1) - 1,
		GlobalStep: 16 * (epoch + 1),
		Metrics:    map[string]float64{"val_loss": loss},
	}
}

func TestModelCheckpointKeepsLatest(t *testing.T) {
	model, _ := newTinyModel(t, 40)
	dir := filepath.Join(t.TempDir(), "checkpoints")
	cb, err := NewModelCheckpoint(CheckpointConfig{Dir: dir, SaveTopK: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)

	for epoch := 0; epoch < 3; epoch++ {
		path, err := cb.OnEpochEnd(model, epochMeta(epoch, 1))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, CheckpointFilename(epoch, 16*(epoch+1)-1)), path)
	}

	assert.Equal(t, []string{"epoch=2-step=47.ckpt"}, listCheckpoints(t, dir))
	assert.Equal(t, cb.LastPath(), cb.BestPath())
}

func TestModelCheckpointMonitor(t *testing.T) {
	model, _ := newTinyModel(t, 40)
	dir := t.TempDir()
	cb, err := NewModelCheckpoint(CheckpointConfig{Dir: dir, Monitor: "val_loss", Mode: "min", SaveTopK: 2}, nil)
	require.NoError(t, err)

	for epoch, loss := range []float64{0.5, 0.3, 0.4} {
		path, err := cb.OnEpochEnd(model, epochMeta(epoch, loss))
		require.NoError(t, err)
		assert.NotEmpty(t, path)
	}
	assert.Equal(t, []string{"epoch=1-step=31.ckpt", "epoch=2-step=47.ckpt"}, listCheckpoints(t, dir))
	assert.Equal(t, filepath.Join(dir, "epoch=1-step=31.ckpt"), cb.BestPath())

	path, err := cb.OnEpochEnd(model, epochMeta(3, 0.6))
	require.NoError(t, err)
	assert.Empty(t, path, "worse than every kept checkpoint")
	assert.Equal(t, filepath.Join(dir, "epoch=2-step=47.ckpt"), cb.LastPath())

	path, err = cb.OnEpochEnd(model, epochMeta(4, math.NaN()))
	require.NoError(t, err)
	assert.Empty(t, path)

	_, err = cb.OnEpochEnd(model, CheckpointMeta{Epoch: 5, Metrics: map[string]float64{"train_loss": 1}})
	assert.Error(t, err, "monitored metric missing")

	header, err := ReadCheckpointHeader(cb.BestPath())
	require.NoError(t, err)
	assert.Equal(t, "val_loss", header.Monitor)
	assert.Equal(t, "min", header.Mode)

	best, err := FindCheckpoint(dir, CheckpointBest)
	require.NoError(t, err)
	assert.Equal(t, cb.BestPath(), best)
}

func TestModelCheckpointSaveAllAndNone(t *testing.T) {
	model, _ := newTinyModel(t, 40)

	all := t.TempDir()
	cb, err := NewModelCheckpoint(CheckpointConfig{Dir: all, SaveTopK: -1}, nil)
	require.NoError(t, err)
	for epoch := 0; epoch < 3; epoch++ {
		_, err := cb.OnEpochEnd(model, epochMeta(epoch, 1))
		require.NoError(t, err)
	}
	assert.Len(t, listCheckpoints(t, all), 3)

	none := filepath.Join(t.TempDir(), "none")
	cb, err = NewModelCheckpoint(CheckpointConfig{Dir: none, SaveTopK: 0}, nil)
	require.NoError(t, err)
	path, err := cb.OnEpochEnd(model, epochMeta(0, 1))
	require.NoError(t, err)
	assert.Empty(t, path)
	_, err = os.Stat(none)
	assert.True(t, os.IsNotExist(err))
}

func TestNewModelCheckpointRejectsBadConfig(t *testing.T) {
	for _, cfg := range []CheckpointConfig{
		{},
		{Dir: "x", Mode: "avg"},
		{Dir: "x", SaveTopK: -2},
	} {
		_, err := NewModelCheckpoint(cfg, nil)
		assert.Equal(t, ErrInvalidConfig, errors.Cause(err))
	}
}

func TestValidateMonitor(t *testing.T) {
	assert.NoError(t, validateMonitor("", false))
	assert.NoError(t, validateMonitor("train_loss", false))
	assert.NoError(t, validateMonitor("val_pearson", true))

	for _, tc := range []struct {
		monitor       string
		hasValidation bool
	}{
		{"val_loss", false},
		{"val_pearsn", true},
		{"loss", true},
	} {
		err := validateMonitor(tc.monitor, tc.hasValidation)
		assert.Equal(t, ErrInvalidConfig, errors.Cause(err), tc.monitor)
	}
}

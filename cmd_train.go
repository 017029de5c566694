package main

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// trainCmd trains a model and writes checkpoints under RootDir.
type trainCmd struct {
	CommonArgs
	Config   string `arg:"--config,required" help:"model hparams YAML"`
	RootDir  string `arg:"--root-dir" help:"directory that receives checkpoints/ and hparams.yaml"`
	Epochs   int    `arg:"--epochs" help:"number of epochs"`
	Seed     int64  `arg:"--seed" help:"seed for weights, shuffling and dropout"`
	Workers  int    `arg:"--workers" help:"collation workers for training batches"`
	Monitor  string `arg:"--monitor" help:"metric ranking checkpoints, e.g. val_loss (empty keeps the latest)"`
	Mode     string `arg:"--mode" help:"min or max for --monitor"`
	SaveTopK int    `arg:"--save-top-k" help:"checkpoints to keep (-1 keeps all)"`
}

func newTrainCmd() *trainCmd {
	ck := DefaultCheckpointConfig()
	return &trainCmd{
		RootDir:  ".",
		Epochs:   DefaultTrainerConfig().MaxEpochs,
		Seed:     12,
		Mode:     ck.Mode,
		SaveTopK: ck.SaveTopK,
	}
}

// Validate checks flag combinations.
func (c *trainCmd) Validate() error {
	if c.Epochs <= 0 {
		return errors.New("--epochs must be positive")
	}
	if c.Mode != "min" && c.Mode != "max" {
		return errors.Errorf("--mode must be min or max, got %q", c.Mode)
	}
	return nil
}

// Handle runs the training.
func (c *trainCmd) Handle(ctx context.Context, logger *zap.Logger) error {
	hparams, err := LoadModelConfig(c.Config)
	if err != nil {
		return err
	}
	if err := validateMonitor(c.Monitor, hparams.ValidationData != ""); err != nil {
		return err
	}
	rc, err := LoadRuntimeConfig(c.EnvFile)
	if err != nil {
		return err
	}

	model, err := NewReferencelessRegression(hparams, rand.New(rand.NewSource(c.Seed)), WithRuntime(rc))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(c.RootDir, 0o755); err != nil {
		return errors.Wrap(err, "create root directory")
	}
	if err := SaveModelConfig(filepath.Join(c.RootDir, "hparams.yaml"), hparams); err != nil {
		return err
	}

	trainer, err := NewTrainer(TrainerConfig{
		MaxEpochs:           c.Epochs,
		Seed:                c.Seed,
		Deterministic:       rc.NumThreads <= 1,
		EnableCheckpointing: true,
		DefaultRootDir:      c.RootDir,
		Checkpoint: CheckpointConfig{
			Monitor:  c.Monitor,
			Mode:     c.Mode,
			SaveTopK: c.SaveTopK,
		},
		Runtime:    rc,
		NumWorkers: c.Workers,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	result, err := trainer.Fit(ctx, model)
	if err != nil {
		return err
	}

	logger.Info("best checkpoint",
		zap.String("path", result.BestPath),
		zap.String("run_id", result.RunID),
	)
	return nil
}

package main

import (
	"context"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CheckpointArgs select a checkpoint either by path or by criterion.
type CheckpointArgs struct {
	Checkpoint string `arg:"--checkpoint" help:"checkpoint file"`
	Dir        string `arg:"--dir" help:"checkpoint directory searched with --criterion"`
	Criterion  string `arg:"--criterion" help:"best or last"`
}

// Validate requires exactly one way of choosing the checkpoint.
func (c *CheckpointArgs) Validate() error {
	if (c.Checkpoint == "") == (c.Dir == "") {
		return errors.New("exactly one of --checkpoint and --dir is required")
	}
	_, err := ParseCheckpointCriterion(c.Criterion)
	return err
}

// PredictionRow is one line of the predictions CSV.
type PredictionRow struct {
	Src        string     `csv:"src"`
	MT         string     `csv:"mt"`
	Score      ScoreValue `csv:"score"`
	Prediction float64    `csv:"prediction"`
}

// predictCmd scores a CSV and writes predictions.
type predictCmd struct {
	CommonArgs
	CheckpointArgs
	Data      string `arg:"--data,required" help:"CSV with src and mt columns"`
	Output    string `arg:"--output,required" help:"predictions CSV to write"`
	BatchSize int    `arg:"--batch-size" help:"inference batch size"`
	Workers   int    `arg:"--workers" help:"collation workers"`
}

func newPredictCmd() *predictCmd {
	return &predictCmd{
		CheckpointArgs: CheckpointArgs{Criterion: string(CheckpointBest)},
		BatchSize:      256,
		Workers:        2,
	}
}

// evaluateCmd scores a labelled CSV and reports correlations.
type evaluateCmd struct {
	CommonArgs
	CheckpointArgs
	Data      string `arg:"--data,required" help:"CSV with src, mt and score columns"`
	BatchSize int    `arg:"--batch-size" help:"inference batch size"`
	Workers   int    `arg:"--workers" help:"collation workers"`
}

func newEvaluateCmd() *evaluateCmd {
	return &evaluateCmd{
		CheckpointArgs: CheckpointArgs{Criterion: string(CheckpointBest)},
		BatchSize:      256,
		Workers:        2,
	}
}

// predictCSV predicts every row of data with the checkpoint named by ck,
// either a file or the best/last one in a directory.
func predictCSV(ctx context.Context, logger *zap.Logger, env string, ck *CheckpointArgs, data string, cfg PredictConfig) ([]Sample, []float64, error) {
	rc, err := LoadRuntimeConfig(env)
	if err != nil {
		return nil, nil, err
	}
	samples, err := ReadCSV(data)
	if err != nil {
		return nil, nil, err
	}

	trainer, err := NewTrainer(TrainerConfig{
		MaxEpochs:  1,
		Checkpoint: CheckpointConfig{Dir: ck.Dir},
		Runtime:    rc,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}

	if ck.Checkpoint == "" {
		criterion, err := ParseCheckpointCriterion(ck.Criterion)
		if err != nil {
			return nil, nil, err
		}
		preds, _, err := trainer.PredictFromCheckpoint(ctx, criterion, samples, cfg)
		if err != nil {
			return nil, nil, err
		}
		return samples, preds, nil
	}

	model, err := LoadFromCheckpoint(ck.Checkpoint, WithRuntime(rc))
	if err != nil {
		return nil, nil, err
	}
	logger.Info("loaded checkpoint", zap.String("path", ck.Checkpoint))
	preds, err := trainer.Predict(ctx, model, NewInferenceLoader(model, samples, cfg))
	if err != nil {
		return nil, nil, err
	}
	return samples, preds, nil
}

// Handle writes one prediction per input row.
func (c *predictCmd) Handle(ctx context.Context, logger *zap.Logger) error {
	samples, preds, err := predictCSV(ctx, logger, c.EnvFile, &c.CheckpointArgs, c.Data,
		PredictConfig{BatchSize: c.BatchSize, NumWorkers: c.Workers})
	if err != nil {
		return err
	}

	rows := make([]PredictionRow, len(samples))
	for i, s := range samples {
		rows[i] = PredictionRow{Src: s.Src, MT: s.MT, Score: s.Score, Prediction: preds[i]}
	}

	f, err := os.Create(c.Output)
	if err != nil {
		return errors.Wrap(err, "create output")
	}
	defer f.Close()
	if err := gocsv.MarshalFile(&rows, f); err != nil {
		return errors.Wrap(err, "write predictions")
	}
	logger.Info("wrote predictions", zap.String("path", c.Output), zap.Int("rows", len(rows)))
	return nil
}

// Handle reports correlations over the rows that carry a valid score.
func (c *evaluateCmd) Handle(ctx context.Context, logger *zap.Logger) error {
	samples, preds, err := predictCSV(ctx, logger, c.EnvFile, &c.CheckpointArgs, c.Data,
		PredictConfig{BatchSize: c.BatchSize, NumWorkers: c.Workers})
	if err != nil {
		return err
	}

	p, y := scoredPairs(samples, preds)
	if len(y) == 0 {
		return errors.Wrapf(ErrMissingScore, "no scored rows in %s", c.Data)
	}

	m, err := ComputeRegressionMetrics(p, y)
	if err != nil {
		return err
	}
	logger.Info("evaluation",
		zap.Int("samples", len(y)),
		zap.Float64("mse", m.MSE),
		zap.Float64("pearson", m.Pearson),
		zap.Float64("spearman", m.Spearman),
		zap.Float64("kendall", m.Kendall),
	)
	return nil
}

// scoredPairs keeps the predictions whose sample has a valid score.
func scoredPairs(samples []Sample, preds []float64) (p, y []float64) {
	for i, s := range samples {
		if s.Score.Valid {
			p = append(p, preds[i])
			y = append(y, s.Score.Value)
		}
	}
	return p, y
}

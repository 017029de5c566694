package main

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CheckpointConfig controls which epoch-end checkpoints are kept.
type CheckpointConfig struct {
	// Dir receives the checkpoint files. Empty means <root>/checkpoints.
	Dir string `yaml:"dir"`

	// Monitor names the metric ranking checkpoints (e.g. "val_loss").
	// Empty ranks by recency: the newest checkpoint is the best.
	Monitor string `yaml:"monitor"`

	// Mode is "min" or "max" for the monitored metric.
	Mode string `yaml:"mode"`

	// SaveTopK keeps the K best checkpoints; -1 keeps all, 0 saves none.
	SaveTopK int `yaml:"save_top_k"`
}

// DefaultCheckpointConfig keeps only the most recent checkpoint.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{Mode: "min", SaveTopK: 1}
}

// ModelCheckpoint saves a checkpoint at the end of each epoch and prunes
// the ones that fall out of the top K.
type ModelCheckpoint struct {
	cfg    CheckpointConfig
	logger *zap.Logger

	kept     []keptCheckpoint
	lastPath string
}

type keptCheckpoint struct {
	path  string
	score float64
}

// loggedMetrics lists the metric names an epoch reports.
func loggedMetrics(hasValidation bool) []string {
	names := []string{"train_loss"}
	if hasValidation {
		for k := range (RegressionMetrics{}).Map("val_") {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// validateMonitor rejects a monitored metric that no epoch will report.
func validateMonitor(monitor string, hasValidation bool) error {
	if monitor == "" {
		return nil
	}
	names := loggedMetrics(hasValidation)
	for _, n := range names {
		if n == monitor {
			return nil
		}
	}
	if !hasValidation && strings.HasPrefix(monitor, "val_") {
		return errors.Wrapf(ErrInvalidConfig, "monitor %q needs validation_data", monitor)
	}
	return errors.Wrapf(ErrInvalidConfig, "monitor %q is not logged (one of %s)", monitor, strings.Join(names, ", "))
}

// NewModelCheckpoint validates cfg and returns a checkpoint callback.
func NewModelCheckpoint(cfg CheckpointConfig, logger *zap.Logger) (*ModelCheckpoint, error) {
	if cfg.Dir == "" {
		return nil, errors.Wrap(ErrInvalidConfig, "checkpoint directory is empty")
	}
	if cfg.Mode == "" {
		cfg.Mode = "min"
	}
	if cfg.Mode != "min" && cfg.Mode != "max" {
		return nil, errors.Wrapf(ErrInvalidConfig, "checkpoint mode %q", cfg.Mode)
	}
	if cfg.SaveTopK < -1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "save_top_k %d", cfg.SaveTopK)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelCheckpoint{cfg: cfg, logger: logger}, nil
}

// Dir returns the checkpoint directory.
func (c *ModelCheckpoint) Dir() string { return c.cfg.Dir }

// OnEpochEnd decides whether to save, saves, and prunes. It returns the
// path written, or "" when this epoch did not make the cut.
func (c *ModelCheckpoint) OnEpochEnd(model *ReferencelessRegression, meta CheckpointMeta) (string, error) {
	if c.cfg.SaveTopK == 0 {
		return "", nil
	}

	score := float64(meta.GlobalStep)
	if c.cfg.Monitor != "" {
		v, ok := meta.Metrics[c.cfg.Monitor]
		if !ok {
			return "", errors.Errorf("monitored metric %q was not logged", c.cfg.Monitor)
		}
		if math.IsNaN(v) {
			c.logger.Warn("monitored metric is NaN, skipping checkpoint",
				zap.String("monitor", c.cfg.Monitor), zap.Int("epoch", meta.Epoch))
			return "", nil
		}
		score = v
	}

	if !c.qualifies(score) {
		return "", nil
	}

	meta.Monitor, meta.Mode = c.cfg.Monitor, c.cfg.Mode
	path := filepath.Join(c.cfg.Dir, CheckpointFilename(meta.Epoch, meta.Step))
	if err := model.Save(path, meta); err != nil {
		return "", err
	}
	c.lastPath = path
	c.logger.Info("saved checkpoint",
		zap.String("path", path),
		zap.Int("epoch", meta.Epoch),
		zap.Int("step", meta.Step),
	)

	c.kept = append(c.kept, keptCheckpoint{path: path, score: score})
	c.sortKept()
	if c.cfg.SaveTopK > 0 && len(c.kept) > c.cfg.SaveTopK {
		for _, drop := range c.kept[c.cfg.SaveTopK:] {
			if drop.path == path {
				continue
			}
			if err := os.Remove(drop.path); err != nil && !os.IsNotExist(err) {
				return path, errors.Wrapf(err, "remove checkpoint %s", drop.path)
			}
			c.logger.Debug("removed checkpoint", zap.String("path", drop.path))
		}
		c.kept = c.kept[:c.cfg.SaveTopK]
	}
	return path, nil
}

// qualifies reports whether score would enter the top K.
func (c *ModelCheckpoint) qualifies(score float64) bool {
	if c.cfg.SaveTopK < 0 || len(c.kept) < c.cfg.SaveTopK {
		return true
	}
	worst := c.kept[len(c.kept)-1].score
	if c.cfg.Monitor == "" {
		return score > worst
	}
	return isBetter(score, worst, c.cfg.Mode)
}

// sortKept orders kept checkpoints best first.
func (c *ModelCheckpoint) sortKept() {
	sort.SliceStable(c.kept, func(i, j int) bool {
		if c.cfg.Monitor == "" {
			return c.kept[i].score > c.kept[j].score
		}
		return isBetter(c.kept[i].score, c.kept[j].score, c.cfg.Mode)
	})
}

// BestPath returns the best checkpoint saved so far.
func (c *ModelCheckpoint) BestPath() string {
	if len(c.kept) == 0 {
		return ""
	}
	return c.kept[0].path
}

// LastPath returns the most recently written checkpoint.
func (c *ModelCheckpoint) LastPath() string { return c.lastPath }

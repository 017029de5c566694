package main

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadModelConfig reads hyperparameters from a YAML file. Keys absent from
// the file keep their DefaultModelConfig values; unknown keys are errors so
// that a typo cannot silently fall back to a default.
func LoadModelConfig(path string) (ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ModelConfig{}, errors.Wrapf(err, "read hparams %s", path)
	}

	cfg := DefaultModelConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return ModelConfig{}, errors.Wrapf(ErrInvalidConfig, "parse hparams %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return ModelConfig{}, errors.Wrapf(err, "hparams %s", path)
	}
	return cfg, nil
}

// SaveModelConfig writes hyperparameters as YAML.
func SaveModelConfig(path string, cfg ModelConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshal hparams")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write hparams %s", path)
}

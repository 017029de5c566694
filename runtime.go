package main

import (
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Keys recognized in a runtime env file.
const (
	envTokenizersParallelism = "TOKENIZERS_PARALLELISM"
	envNumThreads            = "OMP_NUM_THREADS"
)

// RuntimeConfig is process-level execution configuration. It is handed to
// the model and the trainer explicitly; nothing here touches os.Environ.
type RuntimeConfig struct {
	// TokenizersParallelism lets PrepareSample encode texts concurrently.
	TokenizersParallelism bool

	// NumThreads bounds the goroutines a single matmul may use.
	NumThreads int
}

// DefaultRuntimeConfig disables tokenizer parallelism and pins one thread,
// which is what reproducible runs want.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{TokenizersParallelism: false, NumThreads: 1}
}

// LoadRuntimeConfig reads an env file. An empty path yields the defaults.
func LoadRuntimeConfig(path string) (RuntimeConfig, error) {
	if path == "" {
		return DefaultRuntimeConfig(), nil
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return RuntimeConfig{}, errors.Wrapf(err, "read runtime config %s", path)
	}
	return RuntimeConfigFromMap(env)
}

// RuntimeConfigFromMap builds a RuntimeConfig from key/value pairs, keeping
// defaults for absent keys.
func RuntimeConfigFromMap(env map[string]string) (RuntimeConfig, error) {
	rc := DefaultRuntimeConfig()

	if v, ok := env[envTokenizersParallelism]; ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return RuntimeConfig{}, errors.Wrapf(ErrInvalidConfig, "%s=%q", envTokenizersParallelism, v)
		}
		rc.TokenizersParallelism = b
	}
	if v, ok := env[envNumThreads]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 1 {
			return RuntimeConfig{}, errors.Wrapf(ErrInvalidConfig, "%s=%q", envNumThreads, v)
		}
		rc.NumThreads = n
	}
	return rc, nil
}

// Compute converts the thread budget into a matmul strategy.
func (r RuntimeConfig) Compute() ComputeConfig {
	if r.NumThreads <= 1 {
		return SingleThreadedConfig()
	}
	cfg := DefaultComputeConfig()
	cfg.NumWorkers = r.NumThreads
	return cfg
}

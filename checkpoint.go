package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Checkpoint Format
// ===========================================================================
//
//   [8 bytes]  magic "QECKPT01"
//   [4 bytes]  header length N (uint32, little-endian)
//   [N bytes]  JSON header: hparams, training position, metrics,
//              tokenizer merges, and a manifest of {name, shape}
//   [rest]     every tensor in manifest order as little-endian float64
//
// The manifest makes a checkpoint self-describing: loading rebuilds the
// model from hparams, then checks that the names and shapes it expects
// match the manifest exactly before reading a single weight. Any mismatch
// is ErrCheckpointIncompatible; a missing file is ErrCheckpointNotFound.
//
// Files are written to a temporary name and renamed into place, so a
// crashed save never leaves a half-written checkpoint behind.
//
// ===========================================================================

const checkpointMagic = "QECKPT01"

// maxCheckpointHeader bounds the JSON header so a corrupt length cannot
// trigger a huge allocation.
const maxCheckpointHeader = 64 << 20

var (
	// ErrCheckpointNotFound indicates a missing checkpoint file or directory.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCheckpointIncompatible indicates a checkpoint whose format or
	// tensors do not match the model it describes.
	ErrCheckpointIncompatible = errors.New("checkpoint incompatible")
)

// TensorManifest describes one stored tensor.
type TensorManifest struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// CheckpointHeader is the JSON header of a checkpoint file.
type CheckpointHeader struct {
	Hparams    ModelConfig        `json:"hparams"`
	Epoch      int                `json:"epoch"`
	Step       int                `json:"step"`
	GlobalStep int                `json:"global_step"`
	RunID      string             `json:"run_id"`
	CreatedAt  time.Time          `json:"created_at"`
	Monitor    string             `json:"monitor,omitempty"`
	Mode       string             `json:"mode,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Tokenizer  TokenizerState     `json:"tokenizer"`
	Tensors    []TensorManifest   `json:"tensors"`
}

// CheckpointMeta is the training position recorded alongside the weights.
type CheckpointMeta struct {
	Epoch      int
	Step       int
	GlobalStep int
	RunID      string
	Monitor    string
	Mode       string
	Metrics    map[string]float64
}

// CheckpointFilename returns "epoch=E-step=S.ckpt".
func CheckpointFilename(epoch, step int) string {
	return fmt.Sprintf("epoch=%d-step=%d.ckpt", epoch, step)
}

// Save writes the model to path.
func (m *ReferencelessRegression) Save(path string, meta CheckpointMeta) error {
	if meta.RunID == "" {
		meta.RunID = uuid.New().String()
	}

	named := m.NamedParameters()
	header := CheckpointHeader{
		Hparams:    m.hparams,
		Epoch:      meta.Epoch,
		Step:       meta.Step,
		GlobalStep: meta.GlobalStep,
		RunID:      meta.RunID,
		CreatedAt:  time.Now().UTC(),
		Monitor:    meta.Monitor,
		Mode:       meta.Mode,
		Metrics:    finiteMetrics(meta.Metrics),
		Tokenizer:  m.tokenizer.State(),
		Tensors:    make([]TensorManifest, len(named)),
	}
	for i, n := range named {
		header.Tensors[i] = TensorManifest{Name: n.Name, Shape: n.Tensor.Shape()}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "marshal checkpoint header")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return errors.Wrap(err, "create checkpoint file")
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if _, err := w.WriteString(checkpointMagic); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write magic")
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(headerJSON))); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write header length")
	}
	if _, err := w.Write(headerJSON); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write header")
	}
	for _, n := range named {
		if err := binary.Write(w, binary.LittleEndian, n.Tensor.data); err != nil {
			tmp.Close()
			return errors.Wrapf(err, "write tensor %s", n.Name)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "flush checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close checkpoint")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "move checkpoint into place")
}

// JSON cannot carry NaN or Inf; undefined metrics (e.g. a correlation over
// constant predictions) are dropped from the header.
func finiteMetrics(metrics map[string]float64) map[string]float64 {
	if len(metrics) == 0 {
		return nil
	}
	out := make(map[string]float64, len(metrics))
	for k, v := range metrics {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out[k] = v
		}
	}
	return out
}

func openCheckpoint(path string) (*os.File, *CheckpointHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.Wrapf(ErrCheckpointNotFound, "%s", path)
		}
		return nil, nil, errors.Wrapf(err, "open checkpoint %s", path)
	}

	header, err := readCheckpointHeader(f)
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "%s", path)
	}
	return f, header, nil
}

func readCheckpointHeader(r io.Reader) (*CheckpointHeader, error) {
	magic := make([]byte, len(checkpointMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != checkpointMagic {
		return nil, errors.Wrap(ErrCheckpointIncompatible, "bad magic")
	}

	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, errors.Wrap(ErrCheckpointIncompatible, "truncated header length")
	}
	if headerLen == 0 || headerLen > maxCheckpointHeader {
		return nil, errors.Wrapf(ErrCheckpointIncompatible, "header length %d", headerLen)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, errors.Wrap(ErrCheckpointIncompatible, "truncated header")
	}

	var header CheckpointHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, errors.Wrapf(ErrCheckpointIncompatible, "header: %v", err)
	}
	return &header, nil
}

// ReadCheckpointHeader reads only the header of a checkpoint.
func ReadCheckpointHeader(path string) (*CheckpointHeader, error) {
	f, header, err := openCheckpoint(path)
	if err != nil {
		return nil, err
	}
	f.Close()
	return header, nil
}

// LoadFromCheckpoint rebuilds a model from a checkpoint file.
func LoadFromCheckpoint(path string, opts ...ModelOption) (*ReferencelessRegression, error) {
	f, header, err := openCheckpoint(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tok, err := NewTokenizerFromState(header.Tokenizer)
	if err != nil {
		return nil, errors.Wrapf(ErrCheckpointIncompatible, "%s: %v", path, err)
	}

	// Weights are overwritten below; the generator only satisfies
	// construction.
	opts = append(opts, withTokenizer(tok))
	model, err := NewReferencelessRegression(header.Hparams, rand.New(rand.NewSource(0)), opts...)
	if err != nil {
		return nil, errors.Wrapf(ErrCheckpointIncompatible, "%s: %v", path, err)
	}

	named := model.NamedParameters()
	if err := checkManifest(named, header.Tensors); err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}

	r := bufio.NewReader(f)
	for _, n := range named {
		if err := binary.Read(r, binary.LittleEndian, n.Tensor.data); err != nil {
			return nil, errors.Wrapf(ErrCheckpointIncompatible, "%s: tensor %s truncated", path, n.Name)
		}
	}
	if _, err := r.ReadByte(); err != io.EOF {
		return nil, errors.Wrapf(ErrCheckpointIncompatible, "%s: trailing data", path)
	}
	return model, nil
}

func checkManifest(named []NamedTensor, manifest []TensorManifest) error {
	if len(named) != len(manifest) {
		return errors.Wrapf(ErrCheckpointIncompatible, "model has %d tensors, checkpoint has %d", len(named), len(manifest))
	}
	for i, n := range named {
		if manifest[i].Name != n.Name {
			return errors.Wrapf(ErrCheckpointIncompatible, "tensor %d is %q, expected %q", i, manifest[i].Name, n.Name)
		}
		if !shapeEqual(manifest[i].Shape, n.Tensor.shape) {
			return errors.Wrapf(ErrCheckpointIncompatible, "tensor %s has shape %v, expected %v", n.Name, manifest[i].Shape, n.Tensor.shape)
		}
	}
	return nil
}

// ===========================================================================
// LOOKUP
// ===========================================================================

// CheckpointCriterion selects a checkpoint from a directory.
type CheckpointCriterion string

const (
	// CheckpointBest picks the best monitored metric; without a monitor it
	// falls back to the last checkpoint.
	CheckpointBest CheckpointCriterion = "best"

	// CheckpointLast picks the highest global step.
	CheckpointLast CheckpointCriterion = "last"
)

// ParseCheckpointCriterion validates a criterion name.
func ParseCheckpointCriterion(s string) (CheckpointCriterion, error) {
	switch c := CheckpointCriterion(strings.ToLower(s)); c {
	case CheckpointBest, CheckpointLast:
		return c, nil
	}
	return "", errors.Errorf("unknown checkpoint criterion %q (want best or last)", s)
}

type foundCheckpoint struct {
	path   string
	header *CheckpointHeader
}

// FindCheckpoint returns the checkpoint in dir matching criterion. Only
// headers are read; file names are not interpreted.
func FindCheckpoint(dir string, criterion CheckpointCriterion) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Wrapf(ErrCheckpointNotFound, "directory %s", dir)
		}
		return "", errors.Wrapf(err, "list %s", dir)
	}

	var found []foundCheckpoint
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ckpt") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		header, err := ReadCheckpointHeader(path)
		if err != nil {
			return "", err
		}
		found = append(found, foundCheckpoint{path: path, header: header})
	}
	if len(found) == 0 {
		return "", errors.Wrapf(ErrCheckpointNotFound, "no checkpoints in %s", dir)
	}

	// Latest first.
	sort.Slice(found, func(i, j int) bool {
		a, b := found[i].header, found[j].header
		if a.GlobalStep != b.GlobalStep {
			return a.GlobalStep > b.GlobalStep
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	switch criterion {
	case CheckpointLast:
		return found[0].path, nil
	case CheckpointBest:
		best := -1
		for i, c := range found {
			h := c.header
			v, ok := h.Metrics[h.Monitor]
			if h.Monitor == "" || !ok {
				continue
			}
			if best < 0 || isBetter(v, found[best].header.Metrics[h.Monitor], h.Mode) {
				best = i
			}
		}
		if best < 0 {
			return found[0].path, nil
		}
		return found[best].path, nil
	default:
		return "", errors.Errorf("unknown checkpoint criterion %q", criterion)
	}
}

// isBetter compares two monitored values under mode "min" or "max".
func isBetter(candidate, current float64, mode string) bool {
	if mode == "max" {
		return candidate > current
	}
	return candidate < current
}

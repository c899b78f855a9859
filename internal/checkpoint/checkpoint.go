// Package checkpoint persists trained models as versioned gob bundles.
package checkpoint

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/KhankhanLee/reze/internal/model"
	"github.com/KhankhanLee/reze/internal/vocab"
)

// SchemaVersion is bumped whenever the bundle layout changes.
const SchemaVersion = 1

// ErrDataLoad is returned when a checkpoint is missing, unreadable or
// incomplete.
var ErrDataLoad = errors.New("checkpoint load failed")

// Checkpoint is everything needed to rebuild a model for inference.
type Checkpoint struct {
	SchemaVersion int
	ModelName     string
	Hyperparams   model.Hyperparams
	Weights       []model.Tensor
	CharToIdx     map[string]int
	IdxToChar     map[int]string

	// Epoch is 1-based; 0 means unknown.
	Epoch   int
	Loss    float64
	HasLoss bool

	CorpusHash string
	CreatedAt  time.Time

	vocab *vocab.Vocabulary
}

// New bundles a trained model with its vocabulary.
func New(name string, m *model.Model, v *vocab.Vocabulary) *Checkpoint {
	return &Checkpoint{
		SchemaVersion: SchemaVersion,
		ModelName:     name,
		Hyperparams:   m.Hyperparams(),
		Weights:       m.Weights(),
		CharToIdx:     v.CharToIdx(),
		IdxToChar:     v.IdxToChar(),
		CreatedAt:     time.Now().UTC(),
		vocab:         v,
	}
}

// WithLoss records the epoch's mean loss.
func (c *Checkpoint) WithLoss(loss float64) *Checkpoint {
	c.Loss, c.HasLoss = loss, true
	return c
}

// Vocabulary returns the vocabulary rebuilt from the persisted maps.
func (c *Checkpoint) Vocabulary() *vocab.Vocabulary { return c.vocab }

// EpochFile names the checkpoint written after epoch n (1-based).
func EpochFile(name string, n int) string {
	return fmt.Sprintf("%s_checkpoint_epoch_%d.gob", name, n)
}

// FinalFile names the copy of the last epoch's checkpoint.
func FinalFile(name string) string { return name + "_final.gob" }

// MetricsFile names the per-epoch metrics written next to the checkpoints.
func MetricsFile(name string) string { return name + "_metrics.json" }

// Save writes c to dir/file atomically and returns the final path.
func Save(dir, file string, c *Checkpoint) (string, error) {
	if err := c.validate(); err != nil {
		return "", fmt.Errorf("refusing to save: %w", err)
	}
	path := filepath.Join(dir, file)
	err := writeAtomic(path, func(f *os.File) error {
		return gob.NewEncoder(f).Encode(c)
	})
	if err != nil {
		return "", fmt.Errorf("saving checkpoint %s: %w", path, err)
	}
	return path, nil
}

// Load reads and validates a checkpoint. It never fills in defaults.
func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataLoad, err)
	}
	defer f.Close()

	var c Checkpoint
	if err := gob.NewDecoder(f).Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrDataLoad, path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDataLoad, path, err)
	}
	return &c, nil
}

func (c *Checkpoint) validate() error {
	if c.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema version %d, want %d", c.SchemaVersion, SchemaVersion)
	}
	if c.ModelName == "" {
		return errors.New("missing model name")
	}
	if c.CreatedAt.IsZero() {
		return errors.New("missing creation time")
	}
	if err := c.Hyperparams.Validate(); err != nil {
		return err
	}
	if len(c.Weights) == 0 {
		return errors.New("no weights")
	}
	v, err := vocab.FromMaps(c.CharToIdx, c.IdxToChar)
	if err != nil {
		return err
	}
	if v.Size() != c.Hyperparams.VocabSize {
		return fmt.Errorf("vocabulary has %d symbols, vocab_size is %d", v.Size(), c.Hyperparams.VocabSize)
	}
	c.vocab = v
	return nil
}

// WriteJSON writes v as indented JSON, atomically.
func WriteJSON(path string, v any) error {
	return writeAtomic(path, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

func writeAtomic(path string, write func(*os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

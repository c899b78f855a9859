// Package config resolves settings from defaults, a YAML file, .env and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/KhankhanLee/reze/internal/chat"
	"github.com/KhankhanLee/reze/internal/checkpoint"
	"github.com/KhankhanLee/reze/internal/decode"
	"github.com/KhankhanLee/reze/internal/model"
	"github.com/KhankhanLee/reze/internal/quality"
	"github.com/KhankhanLee/reze/internal/rank"
)

// DefaultFile is read from the working directory when no file is named.
const DefaultFile = "reze.yml"

// Environment variables that override the file.
const (
	EnvConfig        = "REZE_CONFIG"
	EnvDevice        = "REZE_DEVICE"
	EnvSeed          = "REZE_SEED"
	EnvDataset       = "REZE_DATASET"
	EnvCheckpointDir = "REZE_CHECKPOINT_DIR"
	EnvCheckpoint    = "REZE_CHECKPOINT"
	EnvRunLog        = "REZE_RUNLOG"
)

// Train holds optimiser and schedule settings.
type Train struct {
	Epochs            int     `yaml:"epochs"`
	LearningRate      float64 `yaml:"learning_rate"`
	MinTeacherForcing float64 `yaml:"min_teacher_forcing"`
	ClipNorm          float64 `yaml:"clip_norm"`
	IgnorePad         bool    `yaml:"ignore_pad"`
	Shuffle           bool    `yaml:"shuffle"`
}

// Rank names the preset used by each reply path. Presets may add to or
// override the built-in ones.
type Rank struct {
	Model   string                 `yaml:"model"`
	Smart   string                 `yaml:"smart"`
	Presets map[string]rank.Preset `yaml:"presets,omitempty"`
}

// Config is the resolved configuration of one process.
type Config struct {
	ModelName     string `yaml:"model_name"`
	Dataset       string `yaml:"dataset"`
	CheckpointDir string `yaml:"checkpoint_dir"`
	Checkpoint    string `yaml:"checkpoint,omitempty"`
	RunLog        string `yaml:"runlog,omitempty"`
	Device        string `yaml:"device"`
	Seed          int64  `yaml:"seed"`

	Model   model.Hyperparams `yaml:"model"`
	Train   Train             `yaml:"train"`
	Rank    Rank              `yaml:"rank"`
	Decode  decode.Config     `yaml:"decode"`
	Quality quality.Config    `yaml:"quality"`
	Smart   chat.SmartConfig  `yaml:"smart"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		ModelName:     "reze_optimized",
		Dataset:       "./dataset.json",
		CheckpointDir: ".",
		Device:        "auto",
		Model:         model.Hyperparams{EmbedDim: 128, NumHeads: 8, NumLayers: 4, MaxSeqLen: 50},
		Train: Train{
			Epochs:            15,
			LearningRate:      0.001,
			MinTeacherForcing: 0.5,
			ClipNorm:          1.0,
			IgnorePad:         true,
			Shuffle:           true,
		},
		Rank:    Rank{Model: "enhanced", Smart: "smart"},
		Decode:  decode.DefaultConfig(),
		Quality: quality.DefaultConfig(),
		Smart:   chat.DefaultSmartConfig(),
	}
}

// Load resolves the configuration. path may be empty, in which case
// REZE_CONFIG and then ./reze.yml are tried; a missing default file is not an
// error. Variables from ./.env are loaded before the environment is read.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfig)
		explicit = path != ""
	}
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	for env, dst := range map[string]*string{
		EnvDevice:        &c.Device,
		EnvDataset:       &c.Dataset,
		EnvCheckpointDir: &c.CheckpointDir,
		EnvCheckpoint:    &c.Checkpoint,
		EnvRunLog:        &c.RunLog,
	} {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv(EnvSeed); ok {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSeed, err)
		}
		c.Seed = seed
	}
	return nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.ModelName == "" {
		return errors.New("model_name is required")
	}
	hp := c.Model
	hp.VocabSize = 2
	if err := hp.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if c.Train.Epochs <= 0 || c.Train.LearningRate <= 0 {
		return fmt.Errorf("train: epochs and learning_rate must be positive")
	}
	if c.Train.MinTeacherForcing < 0 || c.Train.MinTeacherForcing > 1 {
		return fmt.Errorf("train: min_teacher_forcing %v outside [0, 1]", c.Train.MinTeacherForcing)
	}
	for _, name := range []string{c.Rank.Model, c.Rank.Smart} {
		p, err := c.Preset(name)
		if err != nil {
			return fmt.Errorf("rank: %w", err)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("rank: %w", err)
		}
	}
	if err := c.Decode.Validate(); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := c.Quality.Validate(); err != nil {
		return fmt.Errorf("quality: %w", err)
	}
	if err := c.Smart.Validate(); err != nil {
		return fmt.Errorf("smart: %w", err)
	}
	return nil
}

// Preset resolves a ranking preset, preferring ones defined in the file.
func (c *Config) Preset(name string) (rank.Preset, error) {
	if p, ok := c.Rank.Presets[name]; ok {
		if p.Name == "" {
			p.Name = name
		}
		return p, nil
	}
	return rank.Lookup(name)
}

// CheckpointPath is the checkpoint inference loads: the explicit one if set,
// otherwise the final checkpoint of ModelName.
func (c *Config) CheckpointPath() string {
	if c.Checkpoint != "" {
		return c.Checkpoint
	}
	return filepath.Join(c.CheckpointDir, checkpoint.FinalFile(c.ModelName))
}

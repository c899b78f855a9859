package config

import (
	"os"
	"path/filepath"
	"testing"
)

// chdir moves into a fresh directory so no stray reze.yml or .env is read.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(old) })
	return dir
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	chdir(t)
	t.Setenv(EnvConfig, "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ModelName != "reze_optimized" || cfg.Model.EmbedDim != 128 {
		t.Errorf("Load() = %+v, want defaults", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	dir := chdir(t)
	yml := `model_name: tiny
model:
  embed_dim: 16
  num_heads: 4
train:
  epochs: 3
  ignore_pad: false
decode:
  strategies: [greedy]
rank:
  model: strict
  presets:
    strict:
      weights: {char: 1.0}
      length_scale: 10
      min_score: 0.5
      fallback_score: 0.05
`
	if err := os.WriteFile(filepath.Join(dir, DefaultFile), []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ModelName != "tiny" || cfg.Model.EmbedDim != 16 || cfg.Model.NumHeads != 4 {
		t.Errorf("model settings not read: %+v", cfg.Model)
	}
	if cfg.Model.NumLayers != 4 || cfg.Model.MaxSeqLen != 50 {
		t.Errorf("unset model fields lost their defaults: %+v", cfg.Model)
	}
	if cfg.Train.Epochs != 3 || cfg.Train.IgnorePad || cfg.Train.LearningRate != 0.001 {
		t.Errorf("train = %+v", cfg.Train)
	}
	if len(cfg.Decode.Strategies) != 1 || len(cfg.Decode.PrefixRatios) != 4 {
		t.Errorf("decode = %+v", cfg.Decode)
	}
	p, err := cfg.Preset("strict")
	if err != nil || p.Name != "strict" || p.MinScore != 0.5 {
		t.Errorf("Preset(strict) = %+v, %v", p, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExplicitMissing(t *testing.T) {
	chdir(t)
	if _, err := Load("nope.yml"); err == nil {
		t.Error("Load() ignored a missing explicit file")
	}
}

func TestEnvOverrides(t *testing.T) {
	chdir(t)
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvDevice, "cpu")
	t.Setenv(EnvSeed, "42")
	t.Setenv(EnvDataset, "/data/reze.json")
	t.Setenv(EnvCheckpoint, "/models/x.gob")
	t.Setenv(EnvRunLog, "/tmp/runs.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Device != "cpu" || cfg.Seed != 42 || cfg.Dataset != "/data/reze.json" || cfg.RunLog != "/tmp/runs.db" {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.CheckpointPath() != "/models/x.gob" {
		t.Errorf("CheckpointPath() = %s", cfg.CheckpointPath())
	}

	t.Setenv(EnvSeed, "many")
	if _, err := Load(""); err == nil {
		t.Error("Load() accepted a non-numeric seed")
	}
}

func TestDotEnv(t *testing.T) {
	dir := chdir(t)
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvCheckpointDir, "")
	os.Unsetenv(EnvCheckpointDir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(EnvCheckpointDir+"=/ckpt\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv(EnvCheckpointDir) })

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.CheckpointPath(); got != filepath.Join("/ckpt", "reze_optimized_final.gob") {
		t.Errorf("CheckpointPath() = %s", got)
	}
}

func TestMalformedDotEnv(t *testing.T) {
	dir := chdir(t)
	t.Setenv(EnvConfig, "")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("NOT A VALID LINE\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(""); err == nil {
		t.Error("Load() accepted a malformed .env")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"heads", func(c *Config) { c.Model.NumHeads = 7 }},
		{"epochs", func(c *Config) { c.Train.Epochs = 0 }},
		{"preset", func(c *Config) { c.Rank.Smart = "clever" }},
		{"ratios", func(c *Config) { c.Decode.PrefixRatios = nil }},
		{"strategy", func(c *Config) { c.Decode.Strategies = []string{"beam"} }},
		{"floors", func(c *Config) { c.Quality.AcceptanceFloor = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("Validate() accepted an invalid config")
			}
		})
	}
}

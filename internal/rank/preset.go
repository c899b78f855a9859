package rank

import (
	"fmt"
	"math"
	"strings"
)

// Weights combine the sub-scores. They must sum to 1.
type Weights struct {
	Char    float64 `yaml:"char"`
	Word    float64 `yaml:"word"`
	Length  float64 `yaml:"length"`
	Special float64 `yaml:"special"`
}

func (w Weights) sum() float64 { return w.Char + w.Word + w.Length + w.Special }

// Pattern awards Bonus when both the message and the template contain any
// of Markers.
type Pattern struct {
	Markers []string `yaml:"markers"`
	Bonus   float64  `yaml:"bonus"`
}

// Preset is a named ranking configuration.
type Preset struct {
	Name        string    `yaml:"name"`
	Weights     Weights   `yaml:"weights"`
	LengthScale float64   `yaml:"length_scale"`
	Patterns    []Pattern `yaml:"patterns"`
	SpecialCap  float64   `yaml:"special_cap"`

	// MinScore drops templates scoring at or below it; 0 keeps everything.
	MinScore      float64 `yaml:"min_score"`
	FallbackScore float64 `yaml:"fallback_score"`
}

// Enhanced favours character similarity and feeds the model path.
func Enhanced() Preset {
	return Preset{
		Name:          "enhanced",
		Weights:       Weights{Char: 0.5, Word: 0.3, Length: 0.2},
		LengthScale:   30,
		MinScore:      0.3,
		FallbackScore: 0.1,
	}
}

// Smart adds greeting and question bonuses and feeds the retrieval-only path.
func Smart() Preset {
	return Preset{
		Name:        "smart",
		Weights:     Weights{Char: 0.4, Word: 0.3, Length: 0.1, Special: 0.2},
		LengthScale: 20,
		Patterns: []Pattern{
			{Markers: []string{"안녕", "hi", "hello"}, Bonus: 0.3},
			{Markers: []string{"뭐", "뭔"}, Bonus: 0.3},
			{Markers: []string{"?"}, Bonus: 0.2},
		},
		SpecialCap: 1.0,
	}
}

// Lookup returns a built-in preset by name.
func Lookup(name string) (Preset, error) {
	switch strings.ToLower(name) {
	case "enhanced":
		return Enhanced(), nil
	case "smart":
		return Smart(), nil
	}
	return Preset{}, fmt.Errorf("unknown ranking preset %q", name)
}

// Validate checks the weights and scales.
func (p Preset) Validate() error {
	if s := p.Weights.sum(); math.Abs(s-1) > 1e-9 {
		return fmt.Errorf("preset %s: weights sum to %v, want 1", p.Name, s)
	}
	if p.LengthScale <= 0 {
		return fmt.Errorf("preset %s: length_scale must be positive", p.Name)
	}
	if p.MinScore < 0 || p.SpecialCap < 0 {
		return fmt.Errorf("preset %s: min_score and special_cap must not be negative", p.Name)
	}
	return nil
}

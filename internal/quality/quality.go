// Package quality scores generated replies and picks the one worth returning.
package quality

import (
	"fmt"
	"math"
	"strings"

	"github.com/KhankhanLee/reze/internal/rank"
)

// Weights combine the component scores.
type Weights struct {
	Purity     float64 `yaml:"purity"`
	Diversity  float64 `yaml:"diversity"`
	Length     float64 `yaml:"length"`
	Similarity float64 `yaml:"similarity"`
	Candidate  float64 `yaml:"candidate"`
}

// Config holds the scorer's weights, target script and floors.
type Config struct {
	Weights Weights `yaml:"weights"`

	// ScriptLow and ScriptHigh bound the persona's script, inclusive.
	ScriptLow  rune `yaml:"script_low"`
	ScriptHigh rune `yaml:"script_high"`

	// TargetLength is the rune count at which the length score saturates.
	TargetLength int `yaml:"target_length"`

	DiversityFloor  float64 `yaml:"diversity_floor"`
	AcceptanceFloor float64 `yaml:"acceptance_floor"`
}

// DefaultConfig scores Hangul replies.
func DefaultConfig() Config {
	return Config{
		Weights:         Weights{Purity: 0.3, Diversity: 0.2, Length: 0.2, Similarity: 0.15, Candidate: 0.15},
		ScriptLow:       '가',
		ScriptHigh:      '힣',
		TargetLength:    15,
		DiversityFloor:  0.3,
		AcceptanceFloor: 0.4,
	}
}

// Validate checks weights and floors.
func (c Config) Validate() error {
	w := c.Weights
	if s := w.Purity + w.Diversity + w.Length + w.Similarity + w.Candidate; math.Abs(s-1) > 1e-9 {
		return fmt.Errorf("quality weights sum to %v, want 1", s)
	}
	if c.ScriptLow > c.ScriptHigh {
		return fmt.Errorf("script range %U..%U is empty", c.ScriptLow, c.ScriptHigh)
	}
	if c.TargetLength <= 0 {
		return fmt.Errorf("target_length must be positive, got %d", c.TargetLength)
	}
	if c.DiversityFloor < 0 || c.DiversityFloor > 1 || c.AcceptanceFloor < 0 || c.AcceptanceFloor > 1 {
		return fmt.Errorf("floors must lie in [0, 1], got diversity %v and acceptance %v",
			c.DiversityFloor, c.AcceptanceFloor)
	}
	return nil
}

// Components are the individual scores behind a composite.
type Components struct {
	Purity     float64 `json:"purity"`
	Diversity  float64 `json:"diversity"`
	Length     float64 `json:"length"`
	Similarity float64 `json:"similarity"`
	Candidate  float64 `json:"candidate"`
}

// Scorer rates generated text.
type Scorer struct {
	cfg Config
}

// NewScorer returns a scorer for cfg.
func NewScorer(cfg Config) *Scorer { return &Scorer{cfg: cfg} }

// Config returns the scorer's configuration.
func (s *Scorer) Config() Config { return s.cfg }

// Score rates text generated from a template with the given label and
// ranking score.
func (s *Scorer) Score(text, label string, candidateScore float64) (float64, Components) {
	c := Components{
		Purity:     s.Purity(text),
		Diversity:  Diversity(text),
		Length:     math.Min(float64(len([]rune(text)))/float64(s.cfg.TargetLength), 1),
		Similarity: rank.Similarity(strings.ToLower(text), strings.ToLower(label)),
		Candidate:  candidateScore,
	}
	w := s.cfg.Weights
	total := c.Purity*w.Purity + c.Diversity*w.Diversity + c.Length*w.Length +
		c.Similarity*w.Similarity + c.Candidate*w.Candidate
	return total, c
}

// Purity is the fraction of runes inside the persona script.
func (s *Scorer) Purity(text string) float64 {
	total, in := 0, 0
	for _, r := range text {
		total++
		if r >= s.cfg.ScriptLow && r <= s.cfg.ScriptHigh {
			in++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(in) / float64(total)
}

// Diversity is distinct runes over total runes.
func Diversity(text string) float64 {
	seen := make(map[rune]struct{})
	total := 0
	for _, r := range text {
		seen[r] = struct{}{}
		total++
	}
	if total == 0 {
		return 0
	}
	return float64(len(seen)) / float64(total)
}

// Selector keeps the best acceptable text seen so far.
type Selector struct {
	cfg   Config
	text  string
	score float64
}

// NewSelector starts an empty selection.
func (s *Scorer) NewSelector() *Selector { return &Selector{cfg: s.cfg} }

// Offer considers a scored text. It becomes the best only if it beats the
// current best strictly and clears the diversity floor.
func (sel *Selector) Offer(text string, score float64, c Components) bool {
	if score <= sel.score || c.Diversity <= sel.cfg.DiversityFloor {
		return false
	}
	sel.text, sel.score = text, score
	return true
}

// Best returns the winning text if its score clears the acceptance floor.
func (sel *Selector) Best() (string, float64, bool) {
	if sel.text == "" || sel.score <= sel.cfg.AcceptanceFloor {
		return "", sel.score, false
	}
	return sel.text, sel.score, true
}

// Package rank scores corpus templates against an incoming message.
package rank

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/KhankhanLee/reze/internal/dataset"
)

// ErrEmptyCorpus is returned when there is nothing to rank.
var ErrEmptyCorpus = errors.New("empty corpus")

// Scores are the per-template sub-scores, each in [0, 1] except Special,
// which is capped by the preset.
type Scores struct {
	Char    float64 `json:"char"`
	Word    float64 `json:"word"`
	Length  float64 `json:"length"`
	Special float64 `json:"special"`
}

// Candidate is one ranked template.
type Candidate struct {
	Example dataset.Example
	Index   int
	Score   float64
	Scores  Scores
}

// Ranker orders a corpus by relevance to a message.
type Ranker struct {
	preset Preset
}

// New returns a ranker for p. p should already be validated.
func New(p Preset) *Ranker { return &Ranker{preset: p} }

// Preset returns the ranker's configuration.
func (r *Ranker) Preset() Preset { return r.preset }

// Rank returns the corpus in descending score order. Ties keep corpus order.
// When the preset has a minimum score and nothing clears it, the first corpus
// example is returned alone with the preset's fallback score.
func (r *Ranker) Rank(message string, corpus []dataset.Example) ([]Candidate, error) {
	if len(corpus) == 0 {
		return nil, ErrEmptyCorpus
	}
	p := r.preset
	msg := normalize(message)
	msgWords := wordSet(msg)
	msgLen := runeLen(message)

	out := make([]Candidate, 0, len(corpus))
	for i, ex := range corpus {
		in := normalize(ex.Input)
		s := Scores{
			Char:    Similarity(msg, in),
			Word:    overlap(msgWords, wordSet(in)),
			Length:  math.Max(0, 1-math.Abs(float64(msgLen-runeLen(ex.Input)))/p.LengthScale),
			Special: p.special(msg, in),
		}
		w := p.Weights
		total := s.Char*w.Char + s.Word*w.Word + s.Length*w.Length + s.Special*w.Special
		if p.MinScore > 0 && total <= p.MinScore {
			continue
		}
		out = append(out, Candidate{Example: ex, Index: i, Score: total, Scores: s})
	}

	if len(out) == 0 {
		return []Candidate{{Example: corpus[0], Index: 0, Score: p.FallbackScore}}, nil
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// Similarity is the sequence-matcher ratio of a and b compared rune by rune.
// Two empty strings are identical.
func Similarity(a, b string) float64 {
	return difflib.NewMatcher(runes(a), runes(b)).Ratio()
}

func (p Preset) special(msg, in string) float64 {
	var bonus float64
	for _, pat := range p.Patterns {
		if containsAny(msg, pat.Markers) && containsAny(in, pat.Markers) {
			bonus += pat.Bonus
		}
	}
	if p.SpecialCap > 0 && bonus > p.SpecialCap {
		return p.SpecialCap
	}
	return bonus
}

func normalize(s string) string { return strings.TrimSpace(strings.ToLower(s)) }

func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func runeLen(s string) int { return len([]rune(s)) }

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		set[w] = struct{}{}
	}
	return set
}

func overlap(msg, in map[string]struct{}) float64 {
	if len(msg) == 0 {
		return 0
	}
	shared := 0
	for w := range msg {
		if _, ok := in[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(msg))
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// String renders a candidate for diagnostics.
func (c Candidate) String() string {
	return fmt.Sprintf("'%s' → '%s' (%.2f)", c.Example.Input, c.Example.Label, c.Score)
}

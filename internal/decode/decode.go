// Package decode turns ranked templates into candidate replies by running the
// model on template prefixes and reading its output with several strategies.
package decode

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gorgonia.org/gorgonia"

	"github.com/KhankhanLee/reze/internal/device"
	"github.com/KhankhanLee/reze/internal/model"
	"github.com/KhankhanLee/reze/internal/quality"
	"github.com/KhankhanLee/reze/internal/rank"
	"github.com/KhankhanLee/reze/internal/vocab"
)

// ErrTooShort marks an attempt whose text was below the minimum length.
var ErrTooShort = errors.New("generated text too short")

// Rand supplies uniform draws for sampling. *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// Strategy reads one token per position from a row of logits. K == 1 is
// greedy arg-max; larger K samples among the K most likely tokens.
type Strategy struct {
	Name string
	K    int
}

// ParseStrategy accepts "greedy" or "top<K>".
func ParseStrategy(name string) (Strategy, error) {
	if name == "greedy" {
		return Strategy{Name: name, K: 1}, nil
	}
	if rest, ok := strings.CutPrefix(name, "top"); ok {
		k, err := strconv.Atoi(rest)
		if err == nil && k > 1 {
			return Strategy{Name: name, K: k}, nil
		}
	}
	return Strategy{}, fmt.Errorf("unknown decoding strategy %q", name)
}

// Config controls the search.
type Config struct {
	Templates    int       `yaml:"templates"`
	PrefixRatios []float64 `yaml:"prefix_ratios"`
	Strategies   []string  `yaml:"strategies"`
	MaxChars     int       `yaml:"max_chars"`
	MinRunes     int       `yaml:"min_runes"`
}

// DefaultConfig tries three templates, four prefix lengths and three readers.
func DefaultConfig() Config {
	return Config{
		Templates:    3,
		PrefixRatios: []float64{0.8, 0.6, 0.4, 0.2},
		Strategies:   []string{"greedy", "top3", "top5"},
		MaxChars:     25,
		MinRunes:     2,
	}
}

// Validate checks that every strategy parses and the ratios are usable.
func (c Config) Validate() error {
	if c.Templates <= 0 || c.MaxChars <= 0 || c.MinRunes < 0 {
		return fmt.Errorf("templates and max_chars must be positive, min_runes not negative")
	}
	if len(c.PrefixRatios) == 0 {
		return errors.New("no prefix ratios")
	}
	for _, r := range c.PrefixRatios {
		if r <= 0 || r > 1 {
			return fmt.Errorf("prefix ratio %v outside (0, 1]", r)
		}
	}
	if len(c.Strategies) == 0 {
		return errors.New("no decoding strategies")
	}
	for _, s := range c.Strategies {
		if _, err := ParseStrategy(s); err != nil {
			return err
		}
	}
	return nil
}

// Attempt is the outcome of one (template, prefix ratio, strategy) triple.
// Err is set when the attempt produced nothing usable.
type Attempt struct {
	Candidate   rank.Candidate
	PrefixRatio float64
	Strategy    string
	Text        string
	Score       float64
	Components  quality.Components
	Err         error
}

// OK reports whether the attempt produced a scored text.
func (a Attempt) OK() bool { return a.Err == nil }

// Decoder runs the model over template prefixes.
type Decoder struct {
	cfg        Config
	strategies []Strategy

	model   *model.Model
	backend device.Backend
	vm      gorgonia.VM
	vocab   *vocab.Vocabulary
	scorer  *quality.Scorer
	rng     Rand
	log     io.Writer
}

// New builds a decoder around a loaded model. The caller owns vm.
func New(cfg Config, m *model.Model, backend device.Backend, vm gorgonia.VM,
	v *vocab.Vocabulary, scorer *quality.Scorer, rng Rand, log io.Writer) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategies := make([]Strategy, len(cfg.Strategies))
	for i, name := range cfg.Strategies {
		strategies[i], _ = ParseStrategy(name)
	}
	if log == nil {
		log = io.Discard
	}
	return &Decoder{
		cfg:        cfg,
		strategies: strategies,
		model:      m,
		backend:    backend,
		vm:         vm,
		vocab:      v,
		scorer:     scorer,
		rng:        rng,
		log:        log,
	}, nil
}

// Decode tries every configured combination over the top templates and
// returns one Attempt per combination, in search order.
func (d *Decoder) Decode(message string, candidates []rank.Candidate) []Attempt {
	l := d.model.Hyperparams().MaxSeqLen
	src := d.vocab.Encode(message, l)

	n := d.cfg.Templates
	if n > len(candidates) {
		n = len(candidates)
	}
	var out []Attempt
	for _, cand := range candidates[:n] {
		label := d.vocab.Indices(cand.Example.Label)
		for _, ratio := range d.cfg.PrefixRatios {
			prefixLen := int(float64(len(label)) * ratio)
			if prefixLen < 1 && len(label) > 0 {
				prefixLen = 1
			}
			tgt := d.padTarget(label[:prefixLen], l)

			logits, err := d.model.Forward(d.backend, d.vm, src, tgt)
			for _, st := range d.strategies {
				a := Attempt{Candidate: cand, PrefixRatio: ratio, Strategy: st.Name}
				if err != nil {
					a.Err = err
					out = append(out, a)
					continue
				}
				a.Text = d.materialize(d.pick(logits, st))
				if len([]rune(a.Text)) < d.cfg.MinRunes {
					a.Err = ErrTooShort
				} else {
					a.Score, a.Components = d.scorer.Score(a.Text, cand.Example.Label, cand.Score)
					fmt.Fprintf(d.log, "    candidate '%s' (score %.2f, purity %.1f, diversity %.1f)\n",
						a.Text, a.Score, a.Components.Purity, a.Components.Diversity)
				}
				out = append(out, a)
			}
		}
	}
	return out
}

// padTarget lays out the decoder input the way training does: PAD as the
// start symbol, then the prefix, then PAD to width l.
func (d *Decoder) padTarget(prefix []int, l int) []int {
	tgt := make([]int, l)
	for i := range tgt {
		tgt[i] = d.vocab.PadID()
	}
	copy(tgt[1:], prefix)
	return tgt
}

// pick reads one token per row of logits.
func (d *Decoder) pick(logits [][]float64, st Strategy) []int {
	ids := make([]int, len(logits))
	for i, row := range logits {
		if st.K <= 1 {
			ids[i] = floats.MaxIdx(row)
			continue
		}
		ids[i] = sampleTopK(row, st.K, d.rng)
	}
	return ids
}

// materialize concatenates characters until EOS or MaxChars, skipping PAD.
func (d *Decoder) materialize(ids []int) string {
	var b strings.Builder
	emitted := 0
	for _, id := range ids {
		if id == d.vocab.EOSID() {
			break
		}
		if id == d.vocab.PadID() {
			continue
		}
		c, ok := d.vocab.Char(id)
		if !ok {
			continue
		}
		b.WriteString(c)
		emitted++
		if emitted >= d.cfg.MaxChars {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

// sampleTopK draws from the k most probable tokens of a logit row, with
// their softmax probabilities renormalised over those k.
func sampleTopK(row []float64, k int, rng Rand) int {
	if k > len(row) {
		k = len(row)
	}
	probs := softmax(row)
	order := make([]int, len(probs))
	sorted := append([]float64(nil), probs...)
	floats.Argsort(sorted, order)

	top := order[len(order)-k:]
	topP := make([]float64, k)
	for i, idx := range top {
		topP[i] = probs[idx]
	}
	total := floats.Sum(topP)
	if total <= 0 || math.IsNaN(total) {
		return top[k-1]
	}

	u := rng.Float64() * total
	for i := k - 1; i >= 0; i-- {
		u -= topP[i]
		if u < 0 {
			return top[i]
		}
	}
	return top[0]
}

func softmax(row []float64) []float64 {
	out := make([]float64, len(row))
	max := floats.Max(row)
	for i, x := range row {
		out[i] = math.Exp(x - max)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

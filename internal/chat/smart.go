package chat

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/KhankhanLee/reze/internal/dataset"
	"github.com/KhankhanLee/reze/internal/rank"
)

// Rand picks among equally acceptable replies. *rand.Rand satisfies it.
type Rand interface {
	Intn(n int) int
}

// SmartConfig tunes the retrieval-only reply.
type SmartConfig struct {
	// Scores above High return the top label; above Mid, a random one of
	// the top Pool labels.
	High float64 `yaml:"high"`
	Mid  float64 `yaml:"mid"`
	Pool int     `yaml:"pool"`

	// LengthSlack is how far, in runes, a label's length may be from the
	// message's for the length-based pick.
	LengthSlack int `yaml:"length_slack"`

	Greetings []string `yaml:"greetings"`
	Canned    []string `yaml:"canned"`
}

// DefaultSmartConfig returns the stock thresholds and persona lines.
func DefaultSmartConfig() SmartConfig {
	return SmartConfig{
		High:        0.5,
		Mid:         0.3,
		Pool:        3,
		LengthSlack: 5,
		Greetings:   []string{"안녕! 무슨 일이야?", "어떻게 지내?", "뭐하고 있어?"},
		Canned:      []string{"그래? 재밌네!", "응, 알겠어.", "오케이!", "좋아, 더 얘기해줘.", "흠... 그렇구나."},
	}
}

// Validate checks thresholds and that fallback lines exist.
func (c SmartConfig) Validate() error {
	if c.Mid > c.High {
		return fmt.Errorf("smart thresholds: mid %v above high %v", c.Mid, c.High)
	}
	if c.Pool <= 0 || c.LengthSlack < 0 {
		return errors.New("smart pool must be positive and length slack not negative")
	}
	if len(c.Greetings) == 0 || len(c.Canned) == 0 {
		return errors.New("smart replies need greeting and canned lines")
	}
	return nil
}

// Smart answers from the corpus alone, without a model.
type Smart struct {
	cfg    SmartConfig
	ranker *rank.Ranker
	rng    Rand
	log    io.Writer
}

// NewSmart builds a retrieval-only replier.
func NewSmart(cfg SmartConfig, r *rank.Ranker, rng Rand, log io.Writer) *Smart {
	if log == nil {
		log = io.Discard
	}
	return &Smart{cfg: cfg, ranker: r, rng: rng, log: log}
}

// Reply picks a label for message and cleans it up.
func (s *Smart) Reply(message string, corpus []dataset.Example) (Reply, error) {
	r, err := s.choose(message, corpus)
	if err != nil {
		return Reply{}, err
	}
	r.Text = PostProcess(r.Text)
	return r, nil
}

func (s *Smart) choose(message string, corpus []dataset.Example) (Reply, error) {
	fmt.Fprintf(s.log, "smart reply: %s\n", message)
	cands, err := s.ranker.Rank(message, corpus)
	if errors.Is(err, rank.ErrEmptyCorpus) {
		return Reply{Text: s.pick(s.cfg.Greetings), Source: SourceCanned}, nil
	}
	if err != nil {
		return Reply{}, err
	}
	logTop(s.log, cands)

	best := cands[0]
	switch {
	case best.Score > s.cfg.High:
		fmt.Fprintf(s.log, "close match: '%s'\n", best.Example.Label)
		return Reply{Text: best.Example.Label, Source: SourceSmart, Score: best.Score}, nil
	case best.Score > s.cfg.Mid:
		pool := cands[:min(s.cfg.Pool, len(cands))]
		c := pool[s.rng.Intn(len(pool))]
		fmt.Fprintf(s.log, "varied pick: '%s' (%.2f)\n", c.Example.Label, c.Score)
		return Reply{Text: c.Example.Label, Source: SourceSmart, Score: c.Score}, nil
	}

	want := len([]rune(message))
	var similar []rank.Candidate
	for _, c := range cands {
		if abs(want-len([]rune(c.Example.Label))) <= s.cfg.LengthSlack {
			similar = append(similar, c)
			if len(similar) == s.cfg.Pool {
				break
			}
		}
	}
	if len(similar) > 0 {
		c := similar[s.rng.Intn(len(similar))]
		fmt.Fprintf(s.log, "length-based pick: '%s'\n", c.Example.Label)
		return Reply{Text: c.Example.Label, Source: SourceSmart, Score: c.Score}, nil
	}
	text := s.pick(s.cfg.Canned)
	fmt.Fprintf(s.log, "canned reply: '%s'\n", text)
	return Reply{Text: text, Source: SourceCanned}, nil
}

func (s *Smart) pick(lines []string) string { return lines[s.rng.Intn(len(lines))] }

// PostProcess collapses whitespace runs to one space and shrinks any run of
// four or more identical characters to two.
func PostProcess(text string) string {
	text = strings.Join(strings.Fields(text), " ")

	var b strings.Builder
	rs := []rune(text)
	for i := 0; i < len(rs); {
		j := i
		for j < len(rs) && rs[j] == rs[i] {
			j++
		}
		n := j - i
		if n >= 4 {
			n = 2
		}
		for k := 0; k < n; k++ {
			b.WriteRune(rs[i])
		}
		i = j
	}
	return b.String()
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

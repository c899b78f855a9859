// Package chat assembles replies: ranking, model decoding, quality selection
// and the template fallback.
package chat

import (
	"fmt"
	"io"

	"github.com/KhankhanLee/reze/internal/dataset"
	"github.com/KhankhanLee/reze/internal/decode"
	"github.com/KhankhanLee/reze/internal/quality"
	"github.com/KhankhanLee/reze/internal/rank"
)

// Where a reply came from.
const (
	SourceModel    = "model"
	SourceTemplate = "template"
	SourceSmart    = "smart"
	SourceCanned   = "canned"
)

// Reply is the final answer to one message.
type Reply struct {
	Text   string  `json:"response"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// Predictor answers with model output when it is good enough and with the
// best matching template label otherwise.
type Predictor struct {
	ranker  *rank.Ranker
	decoder *decode.Decoder
	scorer  *quality.Scorer
	corpus  []dataset.Example
	log     io.Writer
}

// NewPredictor wires the pipeline. Diagnostics go to log.
func NewPredictor(r *rank.Ranker, d *decode.Decoder, s *quality.Scorer, corpus []dataset.Example, log io.Writer) *Predictor {
	if log == nil {
		log = io.Discard
	}
	return &Predictor{ranker: r, decoder: d, scorer: s, corpus: corpus, log: log}
}

// Predict never fails once the corpus is non-empty: when no generated text
// is acceptable the top template's label is returned verbatim.
func (p *Predictor) Predict(message string) (Reply, error) {
	fmt.Fprintf(p.log, "predict: %s\n", message)
	cands, err := p.ranker.Rank(message, p.corpus)
	if err != nil {
		return Reply{}, err
	}
	logTop(p.log, cands)

	sel := p.scorer.NewSelector()
	failed := 0
	for _, a := range p.decoder.Decode(message, cands) {
		if !a.OK() {
			failed++
			continue
		}
		sel.Offer(a.Text, a.Score, a.Components)
	}
	if failed > 0 {
		fmt.Fprintf(p.log, "%d attempts produced nothing usable\n", failed)
	}

	if text, score, ok := sel.Best(); ok {
		fmt.Fprintf(p.log, "best reply: '%s' (score %.2f)\n", text, score)
		return Reply{Text: text, Source: SourceModel, Score: score}, nil
	}
	top := cands[0]
	fmt.Fprintf(p.log, "generation failed, using template: '%s'\n", top.Example.Label)
	return Reply{Text: top.Example.Label, Source: SourceTemplate, Score: top.Score}, nil
}

func logTop(w io.Writer, cands []rank.Candidate) {
	fmt.Fprintln(w, "top templates:")
	for i, c := range cands {
		if i == 3 {
			break
		}
		fmt.Fprintf(w, "  %d. %s\n", i+1, c)
	}
}

package model

import (
	"errors"
	"fmt"
	"math"
)

// ErrShapeMismatch is returned when weights do not fit the hyperparameters.
var ErrShapeMismatch = errors.New("model shape mismatch")

// Hyperparams fix the architecture. They travel with every checkpoint.
type Hyperparams struct {
	VocabSize int `json:"vocab_size" yaml:"-"`
	EmbedDim  int `json:"embed_dim" yaml:"embed_dim"`
	NumHeads  int `json:"num_heads" yaml:"num_heads"`
	NumLayers int `json:"num_layers" yaml:"num_layers"`
	MaxSeqLen int `json:"max_seq_len" yaml:"max_seq_len"`
}

// Validate checks that the hyperparameters describe a buildable model.
func (hp Hyperparams) Validate() error {
	switch {
	case hp.VocabSize < 2:
		return fmt.Errorf("vocab_size %d: need at least PAD and EOS", hp.VocabSize)
	case hp.EmbedDim <= 0, hp.NumHeads <= 0, hp.NumLayers <= 0:
		return fmt.Errorf("embed_dim, num_heads and num_layers must be positive (%d, %d, %d)",
			hp.EmbedDim, hp.NumHeads, hp.NumLayers)
	case hp.EmbedDim%hp.NumHeads != 0:
		return fmt.Errorf("embed_dim %d is not divisible by num_heads %d", hp.EmbedDim, hp.NumHeads)
	case hp.MaxSeqLen < 2:
		return fmt.Errorf("max_seq_len %d: need room for one character and EOS", hp.MaxSeqLen)
	}
	return nil
}

// HeadDim is the width of one attention head.
func (hp Hyperparams) HeadDim() int { return hp.EmbedDim / hp.NumHeads }

// FFDim is the hidden width of the feed-forward blocks.
func (hp Hyperparams) FFDim() int { return 4 * hp.EmbedDim }

// Tensor is a named, shaped block of weights.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float64
}

type paramKind uint8

const (
	kindWeight paramKind = iota
	kindBias
	kindGain
	kindPosition
)

type paramSpec struct {
	name  string
	shape []int
	kind  paramKind
}

// specs lists every learnable parameter in graph construction order.
func specs(hp Hyperparams) []paramSpec {
	d, dh, f, v, l := hp.EmbedDim, hp.HeadDim(), hp.FFDim(), hp.VocabSize, hp.MaxSeqLen
	var out []paramSpec
	add := func(name string, kind paramKind, shape ...int) {
		out = append(out, paramSpec{name: name, shape: shape, kind: kind})
	}
	attn := func(prefix string) {
		for h := 0; h < hp.NumHeads; h++ {
			hn := fmt.Sprintf("%s.h%d", prefix, h)
			add(hn+".wq", kindWeight, d, dh)
			add(hn+".wk", kindWeight, d, dh)
			add(hn+".wv", kindWeight, d, dh)
			add(hn+".wo", kindWeight, dh, d)
		}
		add(prefix+".bo", kindBias, 1, d)
	}
	norm := func(prefix string) {
		add(prefix+".g", kindGain, 1, d)
		add(prefix+".b", kindBias, 1, d)
	}
	ff := func(prefix string) {
		add(prefix+".w1", kindWeight, d, f)
		add(prefix+".b1", kindBias, 1, f)
		add(prefix+".w2", kindWeight, f, d)
		add(prefix+".b2", kindBias, 1, d)
	}

	add("embed", kindWeight, v, d)
	add("pos", kindPosition, l, d)
	for i := 0; i < hp.NumLayers; i++ {
		p := fmt.Sprintf("enc%d", i)
		attn(p + ".self")
		norm(p + ".ln1")
		ff(p + ".ff")
		norm(p + ".ln2")
	}
	norm("enc.norm")
	for i := 0; i < hp.NumLayers; i++ {
		p := fmt.Sprintf("dec%d", i)
		attn(p + ".self")
		norm(p + ".ln1")
		attn(p + ".cross")
		norm(p + ".ln2")
		ff(p + ".ff")
		norm(p + ".ln3")
	}
	norm("dec.norm")
	add("out.w", kindWeight, d, v)
	add("out.b", kindBias, 1, v)
	return out
}

// Source supplies uniform draws in [0, 1). *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// NewWeights draws a fresh parameter set: Glorot-uniform matrices, unit layer
// norm gains, zero biases and a zero positional bias.
func NewWeights(hp Hyperparams, rng Source) ([]Tensor, error) {
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	sp := specs(hp)
	out := make([]Tensor, len(sp))
	for i, s := range sp {
		data := make([]float64, s.shape[0]*s.shape[1])
		switch s.kind {
		case kindWeight:
			limit := math.Sqrt(6.0 / float64(s.shape[0]+s.shape[1]))
			for j := range data {
				data[j] = (rng.Float64()*2 - 1) * limit
			}
		case kindGain:
			for j := range data {
				data[j] = 1
			}
		}
		out[i] = Tensor{Name: s.name, Shape: append([]int(nil), s.shape...), Data: data}
	}
	return out, nil
}

// matchWeights orders weights to follow specs and rejects anything missing,
// extra or misshapen.
func matchWeights(hp Hyperparams, weights []Tensor) ([]Tensor, error) {
	sp := specs(hp)
	byName := make(map[string]Tensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	if len(byName) != len(sp) {
		return nil, fmt.Errorf("%w: have %d tensors, architecture needs %d", ErrShapeMismatch, len(byName), len(sp))
	}
	out := make([]Tensor, len(sp))
	for i, s := range sp {
		w, ok := byName[s.name]
		if !ok {
			return nil, fmt.Errorf("%w: missing tensor %q", ErrShapeMismatch, s.name)
		}
		if len(w.Shape) != 2 || w.Shape[0] != s.shape[0] || w.Shape[1] != s.shape[1] {
			return nil, fmt.Errorf("%w: tensor %q has shape %v, want %v", ErrShapeMismatch, s.name, w.Shape, s.shape)
		}
		if len(w.Data) != s.shape[0]*s.shape[1] {
			return nil, fmt.Errorf("%w: tensor %q has %d values, want %d", ErrShapeMismatch, s.name, len(w.Data), s.shape[0]*s.shape[1])
		}
		out[i] = w
	}
	return out, nil
}

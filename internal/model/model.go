// Package model builds the character-level encoder-decoder on a gorgonia
// expression graph.
package model

import (
	"fmt"
	"math"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/KhankhanLee/reze/internal/device"
)

const (
	layerNormEps = 1e-5
	maskValue    = -1e9
)

// Model is one compiled forward graph: one-hot source and target in,
// [max_seq_len, vocab_size] logits out.
type Model struct {
	hp Hyperparams
	g  *gorgonia.ExprGraph

	src, tgt *gorgonia.Node
	logits   *gorgonia.Node
	params   gorgonia.Nodes
	byName   map[string]*gorgonia.Node
}

// New adds the model to g with the given weights. Use NewWeights for a fresh
// initialisation.
func New(g *gorgonia.ExprGraph, hp Hyperparams, weights []Tensor) (*Model, error) {
	if err := hp.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	ordered, err := matchWeights(hp, weights)
	if err != nil {
		return nil, err
	}

	m := &Model{
		hp:     hp,
		g:      g,
		byName: make(map[string]*gorgonia.Node, len(ordered)),
	}
	for _, w := range ordered {
		data := append([]float64(nil), w.Data...)
		n := gorgonia.NewMatrix(g, tensor.Float64,
			gorgonia.WithShape(w.Shape...),
			gorgonia.WithName(w.Name),
			gorgonia.WithValue(tensor.New(tensor.WithShape(w.Shape...), tensor.WithBacking(data))))
		m.params = append(m.params, n)
		m.byName[w.Name] = n
	}

	l, v := hp.MaxSeqLen, hp.VocabSize
	m.src = gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(l, v), gorgonia.WithName("src_onehot"))
	m.tgt = gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(l, v), gorgonia.WithName("tgt_onehot"))

	b := &builder{m: m}
	m.logits = b.forward()
	if b.err != nil {
		return nil, fmt.Errorf("building graph: %w", b.err)
	}
	return m, nil
}

// Hyperparams returns the architecture the model was built with.
func (m *Model) Hyperparams() Hyperparams { return m.hp }

// Graph returns the expression graph the model lives on.
func (m *Model) Graph() *gorgonia.ExprGraph { return m.g }

// Learnables returns every parameter node, in a fixed order.
func (m *Model) Learnables() gorgonia.Nodes { return m.params }

// LogitsNode is the [max_seq_len, vocab_size] output, for building losses.
func (m *Model) LogitsNode() *gorgonia.Node { return m.logits }

// SetInputs binds source and target index sequences as one-hot matrices.
func (m *Model) SetInputs(src, tgt []int) error {
	s, err := m.oneHot(src)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	t, err := m.oneHot(tgt)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if err := gorgonia.Let(m.src, s); err != nil {
		return err
	}
	return gorgonia.Let(m.tgt, t)
}

// Logits copies the logits of the last run out of the graph.
func (m *Model) Logits() ([][]float64, error) {
	val := m.logits.Value()
	if val == nil {
		return nil, fmt.Errorf("logits have not been computed")
	}
	data, ok := val.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("unexpected logits type %T", val.Data())
	}
	l, v := m.hp.MaxSeqLen, m.hp.VocabSize
	if len(data) != l*v {
		return nil, fmt.Errorf("%w: logits hold %d values, want %d", ErrShapeMismatch, len(data), l*v)
	}
	out := make([][]float64, l)
	for i := range out {
		out[i] = append([]float64(nil), data[i*v:(i+1)*v]...)
	}
	return out, nil
}

// Forward runs the graph once on vm and returns a copy of the logits.
func (m *Model) Forward(backend device.Backend, vm gorgonia.VM, src, tgt []int) ([][]float64, error) {
	if err := m.SetInputs(src, tgt); err != nil {
		return nil, err
	}
	if err := backend.Run(vm); err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	return m.Logits()
}

// Weights exports the current parameter values.
func (m *Model) Weights() []Tensor {
	out := make([]Tensor, 0, len(m.params))
	for _, n := range m.params {
		data := n.Value().Data().([]float64)
		out = append(out, Tensor{
			Name:  n.Name(),
			Shape: append([]int(nil), n.Shape()...),
			Data:  append([]float64(nil), data...),
		})
	}
	return out
}

func (m *Model) oneHot(ids []int) (*tensor.Dense, error) {
	l, v := m.hp.MaxSeqLen, m.hp.VocabSize
	if len(ids) != l {
		return nil, fmt.Errorf("%w: sequence length %d, want %d", ErrShapeMismatch, len(ids), l)
	}
	backing := make([]float64, l*v)
	for i, id := range ids {
		if id < 0 || id >= v {
			return nil, fmt.Errorf("%w: index %d outside vocabulary of %d", ErrShapeMismatch, id, v)
		}
		backing[i*v+id] = 1
	}
	return tensor.New(tensor.WithShape(l, v), tensor.WithBacking(backing)), nil
}

// builder threads the first graph construction error through every op.
type builder struct {
	m   *Model
	err error
}

func (b *builder) p(name string) *gorgonia.Node { return b.m.byName[name] }

func (b *builder) do(n *gorgonia.Node, err error) *gorgonia.Node {
	if b.err != nil {
		return nil
	}
	if err != nil {
		b.err = err
		return nil
	}
	return n
}

func (b *builder) mul(x, y *gorgonia.Node) *gorgonia.Node {
	if b.err != nil {
		return nil
	}
	return b.do(gorgonia.Mul(x, y))
}

func (b *builder) add(x, y *gorgonia.Node) *gorgonia.Node {
	if b.err != nil {
		return nil
	}
	return b.do(gorgonia.Add(x, y))
}

// addRow adds a [1, n] row to every row of x.
func (b *builder) addRow(x, row *gorgonia.Node) *gorgonia.Node {
	if b.err != nil {
		return nil
	}
	return b.do(gorgonia.BroadcastAdd(x, row, nil, []byte{0}))
}

func (b *builder) forward() *gorgonia.Node {
	embed, pos := b.p("embed"), b.p("pos")
	mem := b.add(b.mul(b.m.src, embed), pos)
	for i := 0; i < b.m.hp.NumLayers; i++ {
		mem = b.encoderLayer(fmt.Sprintf("enc%d", i), mem)
	}
	mem = b.layerNorm("enc.norm", mem)

	y := b.add(b.mul(b.m.tgt, embed), pos)
	mask := b.causalMask()
	for i := 0; i < b.m.hp.NumLayers; i++ {
		y = b.decoderLayer(fmt.Sprintf("dec%d", i), y, mem, mask)
	}
	y = b.layerNorm("dec.norm", y)
	return b.addRow(b.mul(y, b.p("out.w")), b.p("out.b"))
}

func (b *builder) encoderLayer(prefix string, x *gorgonia.Node) *gorgonia.Node {
	x = b.layerNorm(prefix+".ln1", b.add(x, b.attention(prefix+".self", x, x, nil)))
	return b.layerNorm(prefix+".ln2", b.add(x, b.feedForward(prefix+".ff", x)))
}

func (b *builder) decoderLayer(prefix string, y, mem, mask *gorgonia.Node) *gorgonia.Node {
	y = b.layerNorm(prefix+".ln1", b.add(y, b.attention(prefix+".self", y, y, mask)))
	y = b.layerNorm(prefix+".ln2", b.add(y, b.attention(prefix+".cross", y, mem, nil)))
	return b.layerNorm(prefix+".ln3", b.add(y, b.feedForward(prefix+".ff", y)))
}

// attention is multi-head scaled dot-product attention. Each head projects
// back to embed_dim through its own slice of the output matrix; the heads'
// contributions are summed.
func (b *builder) attention(prefix string, q, kv, mask *gorgonia.Node) *gorgonia.Node {
	scale := gorgonia.NewConstant(1 / math.Sqrt(float64(b.m.hp.HeadDim())))
	var out *gorgonia.Node
	for h := 0; h < b.m.hp.NumHeads; h++ {
		hn := fmt.Sprintf("%s.h%d", prefix, h)
		qh := b.mul(q, b.p(hn+".wq"))
		kh := b.mul(kv, b.p(hn+".wk"))
		vh := b.mul(kv, b.p(hn+".wv"))
		if b.err != nil {
			return nil
		}

		scores := b.mul(b.mul(qh, b.do(gorgonia.Transpose(kh))), scale)
		if mask != nil {
			scores = b.add(scores, mask)
		}
		if b.err != nil {
			return nil
		}
		weights := b.softmax(scores)
		head := b.mul(b.mul(weights, vh), b.p(hn+".wo"))
		if out == nil {
			out = head
		} else {
			out = b.add(out, head)
		}
	}
	return b.addRow(out, b.p(prefix+".bo"))
}

func (b *builder) feedForward(prefix string, x *gorgonia.Node) *gorgonia.Node {
	h := b.addRow(b.mul(x, b.p(prefix+".w1")), b.p(prefix+".b1"))
	if b.err != nil {
		return nil
	}
	h = b.do(gorgonia.Rectify(h))
	return b.addRow(b.mul(h, b.p(prefix+".w2")), b.p(prefix+".b2"))
}

// layerNorm normalises each row of x to zero mean and unit variance, then
// applies the learned gain and bias.
func (b *builder) layerNorm(prefix string, x *gorgonia.Node) *gorgonia.Node {
	if b.err != nil {
		return nil
	}
	rows := b.m.hp.MaxSeqLen
	col := tensor.Shape{rows, 1}

	mean := b.do(gorgonia.Mean(x, 1))
	if b.err != nil {
		return nil
	}
	mean = b.do(gorgonia.Reshape(mean, col))
	if b.err != nil {
		return nil
	}
	centered := b.do(gorgonia.BroadcastSub(x, mean, nil, []byte{1}))
	if b.err != nil {
		return nil
	}
	sq := b.do(gorgonia.Square(centered))
	if b.err != nil {
		return nil
	}
	variance := b.do(gorgonia.Mean(sq, 1))
	if b.err != nil {
		return nil
	}
	variance = b.do(gorgonia.Reshape(variance, col))
	std := b.add(variance, gorgonia.NewConstant(layerNormEps))
	if b.err != nil {
		return nil
	}
	std = b.do(gorgonia.Sqrt(std))
	if b.err != nil {
		return nil
	}
	normed := b.do(gorgonia.BroadcastHadamardDiv(centered, std, nil, []byte{1}))
	if b.err != nil {
		return nil
	}
	scaled := b.do(gorgonia.BroadcastHadamardProd(normed, b.p(prefix+".g"), nil, []byte{0}))
	return b.addRow(scaled, b.p(prefix+".b"))
}

// LogSoftmax is the row-wise log-softmax of a matrix, shifted by each row's
// maximum.
func LogSoftmax(x *gorgonia.Node) (*gorgonia.Node, error) {
	b := &builder{}
	n := b.logSoftmax(x)
	return n, b.err
}

// shifted returns x minus its row maxima and the [rows, 1] column of row
// sums of exp(shifted). The shift does not change either softmax form.
func (b *builder) shifted(x *gorgonia.Node) (shifted, sumExp *gorgonia.Node) {
	if b.err != nil {
		return nil, nil
	}
	col := tensor.Shape{x.Shape()[0], 1}
	rowMax := b.do(gorgonia.Max(x, 1))
	if b.err != nil {
		return nil, nil
	}
	rowMax = b.do(gorgonia.Reshape(rowMax, col))
	if b.err != nil {
		return nil, nil
	}
	shifted = b.do(gorgonia.BroadcastSub(x, rowMax, nil, []byte{1}))
	if b.err != nil {
		return nil, nil
	}
	exp := b.do(gorgonia.Exp(shifted))
	if b.err != nil {
		return nil, nil
	}
	sumExp = b.do(gorgonia.Sum(exp, 1))
	if b.err != nil {
		return nil, nil
	}
	return shifted, b.do(gorgonia.Reshape(sumExp, col))
}

// softmax normalises each row of x.
func (b *builder) softmax(x *gorgonia.Node) *gorgonia.Node {
	shifted, sumExp := b.shifted(x)
	if b.err != nil {
		return nil
	}
	exp := b.do(gorgonia.Exp(shifted))
	if b.err != nil {
		return nil
	}
	return b.do(gorgonia.BroadcastHadamardDiv(exp, sumExp, nil, []byte{1}))
}

func (b *builder) logSoftmax(x *gorgonia.Node) *gorgonia.Node {
	shifted, sumExp := b.shifted(x)
	if b.err != nil {
		return nil
	}
	logSum := b.do(gorgonia.Log(sumExp))
	if b.err != nil {
		return nil
	}
	return b.do(gorgonia.BroadcastSub(shifted, logSum, nil, []byte{1}))
}

// causalMask is an [L, L] input with maskValue above the diagonal.
func (b *builder) causalMask() *gorgonia.Node {
	l := b.m.hp.MaxSeqLen
	backing := make([]float64, l*l)
	for i := 0; i < l; i++ {
		for j := i + 1; j < l; j++ {
			backing[i*l+j] = maskValue
		}
	}
	return gorgonia.NewMatrix(b.m.g, tensor.Float64,
		gorgonia.WithShape(l, l),
		gorgonia.WithName("causal_mask"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(l, l), tensor.WithBacking(backing))))
}

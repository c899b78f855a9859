package model

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/KhankhanLee/reze/internal/device"
)

var tiny = Hyperparams{VocabSize: 6, EmbedDim: 8, NumHeads: 2, NumLayers: 1, MaxSeqLen: 5}

func newTiny(t *testing.T, seed int64) (*Model, device.Backend, gorgonia.VM) {
	t.Helper()
	w, err := NewWeights(tiny, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("NewWeights() error = %v", err)
	}
	m, err := New(gorgonia.NewGraph(), tiny, w)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	b, err := device.Select("cpu")
	if err != nil {
		t.Fatal(err)
	}
	vm := b.NewMachine(m.Graph(), nil)
	t.Cleanup(func() { vm.Close() })
	return m, b, vm
}

func TestHyperparamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Hyperparams)
		wantErr bool
	}{
		{"ok", func(*Hyperparams) {}, false},
		{"heads do not divide", func(h *Hyperparams) { h.NumHeads = 3 }, true},
		{"no layers", func(h *Hyperparams) { h.NumLayers = 0 }, true},
		{"tiny vocab", func(h *Hyperparams) { h.VocabSize = 1 }, true},
		{"short sequence", func(h *Hyperparams) { h.MaxSeqLen = 1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hp := tiny
			tt.mutate(&hp)
			if err := hp.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestForwardShape(t *testing.T) {
	m, b, vm := newTiny(t, 1)
	logits, err := m.Forward(b, vm, []int{1, 2, 3, 0, 0}, []int{0, 4, 5, 0, 0})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if len(logits) != tiny.MaxSeqLen {
		t.Fatalf("got %d rows, want %d", len(logits), tiny.MaxSeqLen)
	}
	for i, row := range logits {
		if len(row) != tiny.VocabSize {
			t.Fatalf("row %d has %d columns, want %d", i, len(row), tiny.VocabSize)
		}
		for _, x := range row {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				t.Fatalf("row %d holds non-finite logit %v", i, x)
			}
		}
	}
}

func TestDecoderIsCausal(t *testing.T) {
	m, b, vm := newTiny(t, 2)
	src := []int{1, 2, 3, 4, 0}

	before, err := m.Forward(b, vm, src, []int{0, 1, 2, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	after, err := m.Forward(b, vm, src, []int{0, 1, 2, 5, 4})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		for j := range before[i] {
			if math.Abs(before[i][j]-after[i][j]) > 1e-9 {
				t.Fatalf("logit [%d][%d] changed from %v to %v when only later positions changed",
					i, j, before[i][j], after[i][j])
			}
		}
	}
	changed := false
	for j := range before[3] {
		if before[3][j] != after[3][j] {
			changed = true
		}
	}
	if !changed {
		t.Error("position 3 ignored its own input")
	}
}

func TestWeightsRoundTrip(t *testing.T) {
	m, b, vm := newTiny(t, 3)
	src, tgt := []int{1, 2, 0, 0, 0}, []int{0, 3, 0, 0, 0}
	want, err := m.Forward(b, vm, src, tgt)
	if err != nil {
		t.Fatal(err)
	}

	again, err := New(gorgonia.NewGraph(), tiny, m.Weights())
	if err != nil {
		t.Fatalf("New() from exported weights error = %v", err)
	}
	vm2 := b.NewMachine(again.Graph(), nil)
	defer vm2.Close()
	got, err := again.Forward(b, vm2, src, tgt)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		for j := range want[i] {
			if math.Abs(want[i][j]-got[i][j]) > 1e-12 {
				t.Fatalf("logit [%d][%d] = %v after reload, want %v", i, j, got[i][j], want[i][j])
			}
		}
	}
}

func TestNewRejectsMismatchedWeights(t *testing.T) {
	w, err := NewWeights(tiny, rand.New(rand.NewSource(4)))
	if err != nil {
		t.Fatal(err)
	}

	bigger := tiny
	bigger.EmbedDim = 12
	if _, err := New(gorgonia.NewGraph(), bigger, w); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("New() with wrong embed_dim error = %v, want ErrShapeMismatch", err)
	}

	if _, err := New(gorgonia.NewGraph(), tiny, w[1:]); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("New() with a missing tensor error = %v, want ErrShapeMismatch", err)
	}

	short := append([]Tensor(nil), w...)
	short[0].Data = short[0].Data[:3]
	if _, err := New(gorgonia.NewGraph(), tiny, short); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("New() with truncated data error = %v, want ErrShapeMismatch", err)
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	m, b, vm := newTiny(t, 5)
	if _, err := m.Forward(b, vm, []int{1, 2}, []int{0, 0, 0, 0, 0}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("short source error = %v, want ErrShapeMismatch", err)
	}
	if _, err := m.Forward(b, vm, []int{1, 2, 3, 4, 9}, []int{0, 0, 0, 0, 0}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("out-of-range index error = %v, want ErrShapeMismatch", err)
	}
}

func TestLogSoftmax(t *testing.T) {
	g := gorgonia.NewGraph()
	xs := []float64{1, 2, 3, 1000, 1000, 0}
	ts := []float64{0, 0, 1, 0.5, 0, 0.5}
	x := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(2, 3), gorgonia.WithName("x"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(2, 3), tensor.WithBacking(append([]float64(nil), xs...)))))
	targets := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(2, 3), gorgonia.WithName("t"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(2, 3), tensor.WithBacking(ts))))

	logp, err := LogSoftmax(x)
	if err != nil {
		t.Fatalf("LogSoftmax() error = %v", err)
	}
	cost := gorgonia.Must(gorgonia.Neg(gorgonia.Must(gorgonia.Sum(gorgonia.Must(gorgonia.HadamardProd(logp, targets))))))
	if _, err := gorgonia.Grad(cost, x); err != nil {
		t.Fatal(err)
	}
	b, _ := device.Select("cpu")
	vm := b.NewMachine(g, gorgonia.Nodes{x})
	defer vm.Close()
	if err := b.Run(vm); err != nil {
		t.Fatal(err)
	}

	got := logp.Value().Data().([]float64)
	gv, err := x.Grad()
	if err != nil {
		t.Fatal(err)
	}
	grad := gv.Data().([]float64)
	for r := 0; r < 2; r++ {
		row := xs[r*3 : r*3+3]
		max := math.Max(row[0], math.Max(row[1], row[2]))
		var sum, tsum float64
		for _, v := range row {
			sum += math.Exp(v - max)
		}
		for c := 0; c < 3; c++ {
			tsum += ts[r*3+c]
		}
		for c := 0; c < 3; c++ {
			i := r*3 + c
			want := row[c] - max - math.Log(sum)
			if math.IsNaN(got[i]) || math.Abs(got[i]-want) > 1e-9 {
				t.Errorf("logp[%d][%d] = %v, want %v", r, c, got[i], want)
			}
			wantGrad := math.Exp(want)*tsum - ts[i]
			if math.Abs(grad[i]-wantGrad) > 1e-9 {
				t.Errorf("grad[%d][%d] = %v, want %v", r, c, grad[i], wantGrad)
			}
		}
	}
}

// linearCost evaluates sum(logits * proj) for weights and, when grads is
// set, returns the gradient of every parameter by name.
func linearCost(t *testing.T, weights []Tensor, proj []float64, grads bool) (float64, map[string][]float64) {
	t.Helper()
	g := gorgonia.NewGraph()
	m, err := New(g, tiny, weights)
	if err != nil {
		t.Fatal(err)
	}
	l, v := tiny.MaxSeqLen, tiny.VocabSize
	p := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(l, v), gorgonia.WithName("proj"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(l, v), tensor.WithBacking(proj))))
	cost := gorgonia.Must(gorgonia.Sum(gorgonia.Must(gorgonia.HadamardProd(m.LogitsNode(), p))))

	var learnables gorgonia.Nodes
	if grads {
		learnables = m.Learnables()
		if _, err := gorgonia.Grad(cost, learnables...); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.SetInputs([]int{1, 2, 3, 1, 0}, []int{0, 4, 5, 2, 0}); err != nil {
		t.Fatal(err)
	}
	b, _ := device.Select("cpu")
	vm := b.NewMachine(g, learnables)
	defer vm.Close()
	if err := b.Run(vm); err != nil {
		t.Fatal(err)
	}

	out := map[string][]float64{}
	for _, n := range learnables {
		gv, err := n.Grad()
		if err != nil {
			t.Fatal(err)
		}
		out[n.Name()] = append([]float64(nil), gv.Data().([]float64)...)
	}
	return cost.Value().Data().(float64), out
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	w, err := NewWeights(tiny, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(6))
	proj := make([]float64, tiny.MaxSeqLen*tiny.VocabSize)
	for i := range proj {
		proj[i] = rng.Float64()*2 - 1
	}
	_, grads := linearCost(t, w, proj, true)

	const eps = 1e-6
	for _, name := range []string{"embed", "pos", "enc0.self.h0.wq", "enc0.ff.w2", "dec0.self.h1.wk", "dec0.cross.h0.wq", "out.b"} {
		t.Run(name, func(t *testing.T) {
			idx := -1
			for i := range w {
				if w[i].Name == name {
					idx = i
				}
			}
			if idx < 0 {
				t.Fatalf("no parameter %q", name)
			}
			for _, j := range []int{0, 3, len(w[idx].Data) - 1} {
				perturbed := func(delta float64) []Tensor {
					cp := make([]Tensor, len(w))
					copy(cp, w)
					cp[idx].Data = append([]float64(nil), w[idx].Data...)
					cp[idx].Data[j] += delta
					return cp
				}
				plus, _ := linearCost(t, perturbed(eps), proj, false)
				minus, _ := linearCost(t, perturbed(-eps), proj, false)
				numeric := (plus - minus) / (2 * eps)
				analytic := grads[name][j]
				if math.Abs(numeric-analytic) > 1e-5+1e-4*math.Abs(numeric) {
					t.Errorf("d/d %s[%d]: analytic %v, numeric %v", name, j, analytic, numeric)
				}
			}
		})
	}
}

package train

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/KhankhanLee/reze/internal/checkpoint"
	"github.com/KhankhanLee/reze/internal/dataset"
	"github.com/KhankhanLee/reze/internal/device"
	"github.com/KhankhanLee/reze/internal/model"
	"github.com/KhankhanLee/reze/internal/vocab"
)

// fixedRand always draws the same value and never shuffles.
type fixedRand float64

func (r fixedRand) Float64() float64          { return float64(r) }
func (fixedRand) Shuffle(int, func(i, j int)) {}

func tinyConfig(dir string) Config {
	return Config{
		ModelName:         "tiny",
		Epochs:            2,
		LearningRate:      0.01,
		MinTeacherForcing: DefaultMinTeacherForcing,
		ClipNorm:          1.0,
		IgnorePad:         true,
		Shuffle:           true,
		OutputDir:         dir,
		Hyperparams:       model.Hyperparams{EmbedDim: 8, NumHeads: 2, NumLayers: 1, MaxSeqLen: 8},
	}
}

var tinyCorpus = &dataset.Corpus{
	Path: "memory",
	Hash: "00112233aabbccdd",
	Examples: []dataset.Example{
		{Input: "안녕", Label: "...안녕."},
		{Input: "뭐 해?", Label: "별거 없어."},
	},
}

func TestTeacherForcingRatio(t *testing.T) {
	for _, total := range []int{1, 2, 3, 10, 15, 100} {
		prev := math.Inf(1)
		for epoch := 0; epoch < total; epoch++ {
			r := TeacherForcingRatio(epoch, total, DefaultMinTeacherForcing)
			if r > prev {
				t.Fatalf("total=%d: ratio rose from %v to %v at epoch %d", total, prev, r, epoch)
			}
			if r < 0.5 || r > 1 {
				t.Fatalf("total=%d epoch=%d: ratio %v outside [0.5, 1]", total, epoch, r)
			}
			prev = r
		}
		if got := TeacherForcingRatio(0, total, DefaultMinTeacherForcing); got != 1 {
			t.Errorf("total=%d: first epoch ratio = %v, want 1", total, got)
		}
	}
	if got := TeacherForcingRatio(9, 10, 0.8); got != 0.8 {
		t.Errorf("custom floor: ratio = %v, want 0.8", got)
	}
}

func TestClipGlobalNorm(t *testing.T) {
	g := gorgonia.NewGraph()
	w := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(1, 2), gorgonia.WithName("w"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(1, 2), tensor.WithBacking([]float64{3, 4}))))
	cost := gorgonia.Must(gorgonia.Sum(gorgonia.Must(gorgonia.Square(w))))
	if _, err := gorgonia.Grad(cost, w); err != nil {
		t.Fatal(err)
	}
	b, _ := device.Select("cpu")
	vm := b.NewMachine(g, gorgonia.Nodes{w})
	defer vm.Close()
	if err := b.Run(vm); err != nil {
		t.Fatal(err)
	}

	norm, err := clipGlobalNorm(gorgonia.Nodes{w}, 1.0)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(norm-10) > 1e-9 {
		t.Errorf("norm before clipping = %v, want 10", norm)
	}
	gv, _ := w.Grad()
	got := gv.Data().([]float64)
	if math.Abs(got[0]-0.6) > 1e-6 || math.Abs(got[1]-0.8) > 1e-6 {
		t.Errorf("clipped gradient = %v, want [0.6 0.8]", got)
	}
}

func newTestSession(t *testing.T, tr *Trainer) *session {
	t.Helper()
	v := vocab.Build(tinyCorpus.Examples)
	hp := tr.cfg.Hyperparams
	hp.VocabSize = v.Size()
	w, err := model.NewWeights(hp, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatal(err)
	}
	s, err := tr.newSession(v, hp, w)
	if err != nil {
		t.Fatalf("newSession() error = %v", err)
	}
	t.Cleanup(s.close)
	return s
}

func TestRolloutTeacherForcing(t *testing.T) {
	b, _ := device.Select("cpu")
	tr := New(tinyConfig(t.TempDir()), b, fixedRand(0), nil)
	s := newTestSession(t, tr)

	l := tr.cfg.Hyperparams.MaxSeqLen
	src := s.v.Encode("안녕", l)
	label := s.v.Encode("...안녕.", l)
	prefix, sampled, err := tr.rollout(s, src, label, 1.0)
	if err != nil {
		t.Fatal(err)
	}
	if sampled != 0 {
		t.Errorf("sampled %d positions under full teacher forcing", sampled)
	}
	if prefix[0] != s.v.PadID() {
		t.Errorf("prefix starts with %d, want PAD %d", prefix[0], s.v.PadID())
	}
	for i := 1; i < l; i++ {
		if prefix[i] != label[i-1] {
			t.Fatalf("prefix[%d] = %d, want label[%d] = %d", i, prefix[i], i-1, label[i-1])
		}
	}
}

func TestRolloutSelfSampling(t *testing.T) {
	b, _ := device.Select("cpu")
	tr := New(tinyConfig(t.TempDir()), b, fixedRand(0.99), nil)
	s := newTestSession(t, tr)

	l := tr.cfg.Hyperparams.MaxSeqLen
	prefix, sampled, err := tr.rollout(s, s.v.Encode("안녕", l), s.v.Encode("...안녕.", l), 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if sampled != l-1 {
		t.Errorf("sampled %d positions, want %d", sampled, l-1)
	}
	for i, id := range prefix {
		if id < 0 || id >= s.v.Size() {
			t.Fatalf("prefix[%d] = %d outside vocabulary", i, id)
		}
	}
}

func TestTargetWeights(t *testing.T) {
	b, _ := device.Select("cpu")
	cfg := tinyConfig(t.TempDir())
	tr := New(cfg, b, fixedRand(0), nil)
	v := vocab.Build(tinyCorpus.Examples)
	label := v.Encode("안녕", cfg.Hyperparams.MaxSeqLen)

	data := tr.targetWeights(v, label).Data().([]float64)
	var sum float64
	for _, x := range data {
		sum += x
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("weights sum to %v, want 1", sum)
	}
	if w := data[3*v.Size()+v.PadID()]; w != 0 {
		t.Errorf("PAD target at position 3 has weight %v, want 0", w)
	}
	if w := data[0*v.Size()+v.ID("안")]; math.Abs(w-1.0/3) > 1e-12 {
		t.Errorf("first target weight = %v, want 1/3", w)
	}
}

func TestStepFitsExample(t *testing.T) {
	b, _ := device.Select("cpu")
	cfg := tinyConfig(t.TempDir())
	cfg.Hyperparams = model.Hyperparams{EmbedDim: 16, NumHeads: 2, NumLayers: 1, MaxSeqLen: 10}
	tr := New(cfg, b, fixedRand(0), nil)

	ex := dataset.Example{Input: "안녕", Label: "...안녕."}
	v := vocab.Build([]dataset.Example{ex})
	hp := cfg.Hyperparams
	hp.VocabSize = v.Size()
	w, err := model.NewWeights(hp, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	s, err := tr.newSession(v, hp, w)
	if err != nil {
		t.Fatal(err)
	}
	defer s.close()

	var first, last float64
	for i := 0; i < 150; i++ {
		loss, _, _, err := tr.step(s, ex, 1.0)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if i == 0 {
			first = loss
		}
		last = loss
	}
	if last > first/10 {
		t.Fatalf("loss went from %.4f to %.4f, want a tenfold drop", first, last)
	}

	if err := tr.syncInfer(s); err != nil {
		t.Fatal(err)
	}
	l := hp.MaxSeqLen
	src := v.Encode(ex.Input, l)
	prefix := make([]int, l)
	for i := range prefix {
		prefix[i] = v.PadID()
	}
	var out []int
	for pos := 0; pos < l-1; pos++ {
		logits, err := s.infer.Forward(b, s.inferVM, src, prefix)
		if err != nil {
			t.Fatal(err)
		}
		next := floats.MaxIdx(logits[pos])
		if next == v.EOSID() {
			break
		}
		out = append(out, next)
		prefix[pos+1] = next
	}
	if got := v.Decode(out); got != ex.Label {
		t.Errorf("greedy decode = %q, want %q", got, ex.Label)
	}
}

func TestRunWritesCheckpoints(t *testing.T) {
	dir := t.TempDir()
	b, _ := device.Select("cpu")
	tr := New(tinyConfig(dir), b, rand.New(rand.NewSource(1)), nil)

	var seen []int
	tr.Observe(ObserverFunc(func(m EpochMetrics) error {
		seen = append(seen, m.Epoch)
		return nil
	}))

	res, err := tr.Run(tinyCorpus)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("observer saw epochs %v, want [1 2]", seen)
	}

	for _, name := range []string{
		checkpoint.EpochFile("tiny", 1),
		checkpoint.EpochFile("tiny", 2),
		checkpoint.FinalFile("tiny"),
	} {
		c, err := checkpoint.Load(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("Load(%s) error = %v", name, err)
		}
		if !c.HasLoss || math.IsNaN(c.Loss) {
			t.Errorf("%s: loss %v (recorded %v)", name, c.Loss, c.HasLoss)
		}
		if c.CorpusHash != tinyCorpus.Hash {
			t.Errorf("%s: corpus hash %q", name, c.CorpusHash)
		}
	}

	final, _ := checkpoint.Load(res.FinalPath)
	if final.Epoch != 2 {
		t.Errorf("final checkpoint epoch = %d, want 2", final.Epoch)
	}

	raw, err := os.ReadFile(res.MetricsPath)
	if err != nil {
		t.Fatalf("reading metrics: %v", err)
	}
	var m Metrics
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("metrics are not JSON: %v", err)
	}
	if len(m.Epochs) != 2 || m.Epochs[1].TeacherForcing != 0.75 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	b, _ := device.Select("cpu")

	cfg := tinyConfig(t.TempDir())
	cfg.Epochs = 0
	if _, err := New(cfg, b, fixedRand(0), nil).Run(tinyCorpus); err == nil {
		t.Error("Run() accepted zero epochs")
	}

	empty := &dataset.Corpus{Path: "empty.json"}
	_, err := New(tinyConfig(t.TempDir()), b, fixedRand(0), nil).Run(empty)
	if !errors.Is(err, dataset.ErrDataLoad) {
		t.Errorf("Run() on empty corpus error = %v, want ErrDataLoad", err)
	}
}

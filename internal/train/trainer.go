// Package train fits the sequence model with scheduled sampling.
package train

import (
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/floats"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/KhankhanLee/reze/internal/checkpoint"
	"github.com/KhankhanLee/reze/internal/dataset"
	"github.com/KhankhanLee/reze/internal/device"
	"github.com/KhankhanLee/reze/internal/model"
	"github.com/KhankhanLee/reze/internal/vocab"
)

// ErrDiverged is returned when the loss stops being a finite number.
var ErrDiverged = errors.New("training diverged")

// Rand is the randomness the trainer needs. *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
	Shuffle(n int, swap func(i, j int))
}

// Config controls one training run.
type Config struct {
	ModelName         string
	Epochs            int
	LearningRate      float64
	MinTeacherForcing float64
	ClipNorm          float64
	IgnorePad         bool
	Shuffle           bool
	OutputDir         string

	// VocabSize is filled in from the corpus.
	Hyperparams model.Hyperparams
}

// Validate rejects configurations that cannot train.
func (c Config) Validate() error {
	switch {
	case c.ModelName == "":
		return errors.New("model name is required")
	case c.Epochs <= 0:
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.LearningRate <= 0 || math.IsNaN(c.LearningRate):
		return fmt.Errorf("learning rate must be positive, got %v", c.LearningRate)
	case c.MinTeacherForcing < 0 || c.MinTeacherForcing > 1:
		return fmt.Errorf("teacher forcing floor %v outside [0, 1]", c.MinTeacherForcing)
	}
	return nil
}

// EpochMetrics summarises one epoch.
type EpochMetrics struct {
	Epoch          int     `json:"epoch"`
	TrainLoss      float64 `json:"train_loss"`
	Perplexity     float64 `json:"perplexity"`
	TeacherForcing float64 `json:"teacher_forcing"`
	SelfSampled    int     `json:"self_sampled_steps"`
	GradNorm       float64 `json:"mean_grad_norm"`
	Seconds        float64 `json:"seconds"`
	Checkpoint     string  `json:"checkpoint"`
}

// Metrics is the file written next to the checkpoints.
type Metrics struct {
	Model      string         `json:"model"`
	CorpusHash string         `json:"corpus_hash"`
	Epochs     []EpochMetrics `json:"epochs"`
}

// Observer is told about every finished epoch.
type Observer interface {
	EpochDone(EpochMetrics) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(EpochMetrics) error

func (f ObserverFunc) EpochDone(m EpochMetrics) error { return f(m) }

// Result is what a finished run leaves behind.
type Result struct {
	Vocab       *vocab.Vocabulary
	Model       *model.Model
	Metrics     Metrics
	FinalPath   string
	MetricsPath string
}

// Trainer runs scheduled-sampling training on one backend.
type Trainer struct {
	cfg      Config
	backend  device.Backend
	rng      Rand
	log      io.Writer
	observer Observer
}

// New creates a trainer. Progress lines go to log.
func New(cfg Config, backend device.Backend, rng Rand, log io.Writer) *Trainer {
	if log == nil {
		log = io.Discard
	}
	return &Trainer{cfg: cfg, backend: backend, rng: rng, log: log}
}

// Observe registers o to be told about each epoch.
func (t *Trainer) Observe(o Observer) { t.observer = o }

// session holds the two graphs of a run: one for training with gradients and
// a forward-only twin used for self-sampling during rollouts.
type session struct {
	v *vocab.Vocabulary

	train   *model.Model
	trainVM gorgonia.VM
	targets *gorgonia.Node
	cost    *gorgonia.Node
	solver  gorgonia.Solver

	infer   *model.Model
	inferVM gorgonia.VM
	stale   bool
}

func (s *session) close() {
	s.trainVM.Close()
	s.inferVM.Close()
}

// Run trains on corpus and writes one checkpoint per epoch plus a final copy.
func (t *Trainer) Run(corpus *dataset.Corpus) (*Result, error) {
	if err := t.cfg.Validate(); err != nil {
		return nil, err
	}
	if len(corpus.Examples) == 0 {
		return nil, fmt.Errorf("%w: %s has no examples", dataset.ErrDataLoad, corpus.Path)
	}

	v := vocab.Build(corpus.Examples)
	hp := t.cfg.Hyperparams
	hp.VocabSize = v.Size()

	weights, err := model.NewWeights(hp, t.rng)
	if err != nil {
		return nil, err
	}
	s, err := t.newSession(v, hp, weights)
	if err != nil {
		return nil, err
	}
	defer s.close()

	fmt.Fprintf(t.log, "training %s: %d examples, vocab %d, %d epochs, device %s\n",
		t.cfg.ModelName, len(corpus.Examples), v.Size(), t.cfg.Epochs, t.backend.Kind())

	order := make([]int, len(corpus.Examples))
	for i := range order {
		order[i] = i
	}

	res := &Result{
		Vocab:   v,
		Model:   s.train,
		Metrics: Metrics{Model: t.cfg.ModelName, CorpusHash: corpus.Hash},
	}
	var last *checkpoint.Checkpoint
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		start := time.Now()
		ratio := TeacherForcingRatio(epoch, t.cfg.Epochs, t.cfg.MinTeacherForcing)
		if t.cfg.Shuffle {
			t.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}

		em := EpochMetrics{Epoch: epoch + 1, TeacherForcing: ratio}
		var lossSum, normSum float64
		for n, idx := range order {
			ex := corpus.Examples[idx]
			loss, norm, sampled, err := t.step(s, ex, ratio)
			if err != nil {
				return nil, fmt.Errorf("epoch %d, example %d: %w", epoch+1, idx, err)
			}
			lossSum += loss
			normSum += norm
			em.SelfSampled += sampled
			if (n+1)%50 == 0 {
				fmt.Fprintf(t.log, "  example %d/%d, loss %.4f\n", n+1, len(order), loss)
			}
		}
		em.TrainLoss = lossSum / float64(len(order))
		em.GradNorm = normSum / float64(len(order))
		em.Perplexity = math.Exp(em.TrainLoss)

		last = checkpoint.New(t.cfg.ModelName, s.train, v).WithLoss(em.TrainLoss)
		last.Epoch = epoch + 1
		last.CorpusHash = corpus.Hash
		path, err := checkpoint.Save(t.cfg.OutputDir, checkpoint.EpochFile(t.cfg.ModelName, epoch+1), last)
		if err != nil {
			return nil, err
		}
		em.Checkpoint = path
		em.Seconds = time.Since(start).Seconds()
		res.Metrics.Epochs = append(res.Metrics.Epochs, em)

		fmt.Fprintf(t.log, "Epoch %d/%d: loss=%.4f ppl=%.2f teacher_forcing=%.2f self_sampled=%d (%.1fs)\n",
			epoch+1, t.cfg.Epochs, em.TrainLoss, em.Perplexity, ratio, em.SelfSampled, em.Seconds)

		if t.observer != nil {
			if err := t.observer.EpochDone(em); err != nil {
				fmt.Fprintf(t.log, "warning: recording epoch %d: %v\n", epoch+1, err)
			}
		}
	}

	res.FinalPath, err = checkpoint.Save(t.cfg.OutputDir, checkpoint.FinalFile(t.cfg.ModelName), last)
	if err != nil {
		return nil, err
	}
	res.MetricsPath = filepath.Join(t.cfg.OutputDir, checkpoint.MetricsFile(t.cfg.ModelName))
	if err := checkpoint.WriteJSON(res.MetricsPath, res.Metrics); err != nil {
		fmt.Fprintf(t.log, "warning: failed to save metrics: %v\n", err)
		res.MetricsPath = ""
	}
	fmt.Fprintf(t.log, "saved %s\n", res.FinalPath)
	return res, nil
}

func (t *Trainer) newSession(v *vocab.Vocabulary, hp model.Hyperparams, weights []model.Tensor) (*session, error) {
	g := gorgonia.NewGraph()
	m, err := model.New(g, hp, weights)
	if err != nil {
		return nil, err
	}
	l, vs := hp.MaxSeqLen, hp.VocabSize

	// Each target row is a one-hot scaled by 1/(number of counted positions),
	// so the cost is the mean negative log-likelihood.
	targets := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(l, vs), gorgonia.WithName("targets"))
	logp, err := model.LogSoftmax(m.LogitsNode())
	if err != nil {
		return nil, fmt.Errorf("log-softmax: %w", err)
	}
	picked, err := gorgonia.HadamardProd(logp, targets)
	if err != nil {
		return nil, fmt.Errorf("cross entropy: %w", err)
	}
	cost, err := gorgonia.Neg(gorgonia.Must(gorgonia.Sum(picked)))
	if err != nil {
		return nil, fmt.Errorf("cross entropy: %w", err)
	}
	if _, err := gorgonia.Grad(cost, m.Learnables()...); err != nil {
		return nil, fmt.Errorf("gradients: %w", err)
	}

	infer, err := model.New(gorgonia.NewGraph(), hp, weights)
	if err != nil {
		return nil, err
	}
	return &session{
		v:       v,
		train:   m,
		trainVM: t.backend.NewMachine(g, m.Learnables()),
		targets: targets,
		cost:    cost,
		solver:  gorgonia.NewAdamSolver(gorgonia.WithLearnRate(t.cfg.LearningRate)),
		infer:   infer,
		inferVM: t.backend.NewMachine(infer.Graph(), nil),
	}, nil
}

// step runs one rollout and one optimiser update for a single example.
func (t *Trainer) step(s *session, ex dataset.Example, ratio float64) (loss, norm float64, sampled int, err error) {
	l := s.train.Hyperparams().MaxSeqLen
	src := s.v.Encode(ex.Input, l)
	label := s.v.Encode(ex.Label, l)

	prefix, sampled, err := t.rollout(s, src, label, ratio)
	if err != nil {
		return 0, 0, 0, err
	}

	if err := s.train.SetInputs(src, prefix); err != nil {
		return 0, 0, 0, err
	}
	if err := gorgonia.Let(s.targets, t.targetWeights(s.v, label)); err != nil {
		return 0, 0, 0, err
	}
	if err := t.backend.Run(s.trainVM); err != nil {
		return 0, 0, 0, fmt.Errorf("training pass: %w", err)
	}
	loss, ok := s.cost.Value().Data().(float64)
	if !ok {
		return 0, 0, 0, fmt.Errorf("unexpected cost type %T", s.cost.Value().Data())
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, 0, 0, fmt.Errorf("%w: loss is %v", ErrDiverged, loss)
	}

	norm, err = clipGlobalNorm(s.train.Learnables(), t.cfg.ClipNorm)
	if err != nil {
		return 0, 0, 0, err
	}
	if err := s.solver.Step(gorgonia.NodesToValueGrads(s.train.Learnables())); err != nil {
		return 0, 0, 0, fmt.Errorf("optimiser step: %w", err)
	}
	s.stale = true
	return loss, norm, sampled, nil
}

// rollout builds the decoder input for one example. The prefix starts with
// PAD as the start symbol; at every position but the last a draw against
// ratio picks the label token or the model's own arg-max for that position.
// The decoder is causal, so logits at position t only see prefix[0..t] and
// the padded tail does not matter.
func (t *Trainer) rollout(s *session, src, label []int, ratio float64) ([]int, int, error) {
	l := len(label)
	prefix := make([]int, l)
	for i := range prefix {
		prefix[i] = s.v.PadID()
	}

	sampled := 0
	for pos := 0; pos < l-1; pos++ {
		if t.rng.Float64() < ratio {
			prefix[pos+1] = label[pos]
			continue
		}
		if err := t.syncInfer(s); err != nil {
			return nil, 0, err
		}
		logits, err := s.infer.Forward(t.backend, s.inferVM, src, prefix)
		if err != nil {
			return nil, 0, fmt.Errorf("self-sampling at position %d: %w", pos, err)
		}
		prefix[pos+1] = floats.MaxIdx(logits[pos])
		sampled++
	}
	return prefix, sampled, nil
}

// syncInfer copies trained weights into the forward-only graph after each
// optimiser step.
func (t *Trainer) syncInfer(s *session) error {
	if !s.stale {
		return nil
	}
	trained := s.train.Learnables()
	for i, n := range s.infer.Learnables() {
		data := trained[i].Value().Data().([]float64)
		val := tensor.New(tensor.WithShape(n.Shape()...), tensor.WithBacking(append([]float64(nil), data...)))
		if err := gorgonia.Let(n, val); err != nil {
			return fmt.Errorf("syncing %s: %w", n.Name(), err)
		}
	}
	s.stale = false
	return nil
}

func (t *Trainer) targetWeights(v *vocab.Vocabulary, label []int) *tensor.Dense {
	l, vs := len(label), v.Size()
	counted := 0
	for _, id := range label {
		if !t.cfg.IgnorePad || id != v.PadID() {
			counted++
		}
	}
	backing := make([]float64, l*vs)
	if counted > 0 {
		w := 1 / float64(counted)
		for pos, id := range label {
			if t.cfg.IgnorePad && id == v.PadID() {
				continue
			}
			backing[pos*vs+id] = w
		}
	}
	return tensor.New(tensor.WithShape(l, vs), tensor.WithBacking(backing))
}

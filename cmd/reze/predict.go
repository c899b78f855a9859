package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gorgonia.org/gorgonia"

	"github.com/KhankhanLee/reze/internal/chat"
	"github.com/KhankhanLee/reze/internal/checkpoint"
	"github.com/KhankhanLee/reze/internal/dataset"
	"github.com/KhankhanLee/reze/internal/decode"
	"github.com/KhankhanLee/reze/internal/model"
	"github.com/KhankhanLee/reze/internal/quality"
	"github.com/KhankhanLee/reze/internal/rank"
)

// PredictRequest is the argument of predict and smart.
type PredictRequest struct {
	Message *string `json:"message"`
}

func (r PredictRequest) validate() error {
	if r.Message == nil {
		return errors.New(`request needs a "message" string`)
	}
	return nil
}

func newPredictCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   `predict '{"message": "<text>"}'`,
		Short: "Reply with the trained model, falling back to the best template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPredict(cmd, flags, args[0])
		},
	}
}

func runPredict(cmd *cobra.Command, flags *globalFlags, arg string) error {
	var req PredictRequest
	if err := decodeRequest(arg, &req); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}

	a, err := newApp(cmd, flags)
	if err != nil {
		return err
	}
	defer a.close()

	corpus, err := dataset.Load(a.cfg.Dataset)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.log, "loaded %d examples from %s\n", len(corpus.Examples), corpus.Path)

	ckpt, err := checkpoint.Load(a.cfg.CheckpointPath())
	if err != nil {
		return err
	}
	if ckpt.CorpusHash != "" && ckpt.CorpusHash != corpus.Hash {
		a.warnf("checkpoint was trained on corpus %s, dataset is %s", ckpt.CorpusHash, corpus.Hash)
	}
	fmt.Fprintf(a.log, "loaded %s (vocab %d, epoch %d, loss %s)\n",
		ckpt.ModelName, ckpt.Hyperparams.VocabSize, ckpt.Epoch, lossString(ckpt))

	m, err := model.New(gorgonia.NewGraph(), ckpt.Hyperparams, ckpt.Weights)
	if err != nil {
		return err
	}
	vm := a.backend.NewMachine(m.Graph(), nil)
	defer vm.Close()

	preset, err := a.cfg.Preset(a.cfg.Rank.Model)
	if err != nil {
		return err
	}
	scorer := quality.NewScorer(a.cfg.Quality)
	dec, err := decode.New(a.cfg.Decode, m, a.backend, vm, ckpt.Vocabulary(), scorer, a.rng, a.log)
	if err != nil {
		return err
	}
	p := chat.NewPredictor(rank.New(preset), dec, scorer, corpus.Examples, a.log)

	reply, err := p.Predict(*req.Message)
	if err != nil {
		return err
	}
	if err := a.runs.RecordReply(*req.Message, reply.Text, reply.Source, reply.Score); err != nil {
		a.warnf("recording reply: %v", err)
	}
	return outputJSON(a.stdout, ReplyResponse{Status: statusSuccess, Response: reply.Text})
}

func lossString(c *checkpoint.Checkpoint) string {
	if !c.HasLoss {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", c.Loss)
}

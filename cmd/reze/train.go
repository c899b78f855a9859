package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KhankhanLee/reze/internal/config"
	"github.com/KhankhanLee/reze/internal/dataset"
	"github.com/KhankhanLee/reze/internal/runlog"
	"github.com/KhankhanLee/reze/internal/train"
)

// TrainRequest is the argument of train. Omitted fields keep their
// configured values; fields that are present must be usable.
type TrainRequest struct {
	Model        *string  `json:"model"`
	Dataset      *string  `json:"dataset"`
	Epochs       *int     `json:"epochs"`
	LearningRate *float64 `json:"learning_rate"`
}

func (r TrainRequest) validate() error {
	switch {
	case r.Model != nil && strings.TrimSpace(*r.Model) == "":
		return errors.New(`"model" must not be empty`)
	case r.Dataset != nil && strings.TrimSpace(*r.Dataset) == "":
		return errors.New(`"dataset" must not be empty`)
	case r.Epochs != nil && *r.Epochs <= 0:
		return fmt.Errorf(`"epochs" must be positive, got %d`, *r.Epochs)
	case r.LearningRate != nil && !(*r.LearningRate > 0):
		return fmt.Errorf(`"learning_rate" must be positive, got %v`, *r.LearningRate)
	}
	return nil
}

// apply overlays the request on cfg.
func (r TrainRequest) apply(cfg *config.Config) {
	if r.Model != nil {
		cfg.ModelName = *r.Model
	}
	if r.Dataset != nil {
		cfg.Dataset = *r.Dataset
	}
	if r.Epochs != nil {
		cfg.Train.Epochs = *r.Epochs
	}
	if r.LearningRate != nil {
		cfg.Train.LearningRate = *r.LearningRate
	}
}

func newTrainCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   `train '{"model": "<name>", "dataset": "<path>", "epochs": <int>, "learning_rate": <float>}'`,
		Short: "Train the sequence model with scheduled sampling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd, flags, args[0])
		},
	}
}

func runTrain(cmd *cobra.Command, flags *globalFlags, arg string) error {
	var req TrainRequest
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

	cfg := a.cfg
	req.apply(cfg)

	corpus, err := dataset.Load(cfg.Dataset)
	if err != nil {
		return err
	}

	run, err := a.runs.StartRun(cfg.ModelName, corpus.Path, corpus.Hash, a.backend.Kind().String())
	if err != nil {
		return err
	}

	t := train.New(train.Config{
		ModelName:         cfg.ModelName,
		Epochs:            cfg.Train.Epochs,
		LearningRate:      cfg.Train.LearningRate,
		MinTeacherForcing: cfg.Train.MinTeacherForcing,
		ClipNorm:          cfg.Train.ClipNorm,
		IgnorePad:         cfg.Train.IgnorePad,
		Shuffle:           cfg.Train.Shuffle,
		OutputDir:         cfg.CheckpointDir,
		Hyperparams:       cfg.Model,
	}, a.backend, a.rng, a.log)
	t.Observe(train.ObserverFunc(func(m train.EpochMetrics) error {
		return run.RecordEpoch(m.Epoch, m.TrainLoss, m.TeacherForcing, m.Checkpoint)
	}))

	res, err := t.Run(corpus)
	if err != nil {
		if ferr := run.Finish(runlog.StatusFailed, ""); ferr != nil {
			a.warnf("recording failed run: %v", ferr)
		}
		return err
	}
	if err := run.Finish(runlog.StatusComplete, res.FinalPath); err != nil {
		a.warnf("recording finished run: %v", err)
	}

	return outputJSON(a.stdout, TrainResponse{
		Status:    statusSuccess,
		Message:   "Training complete",
		VocabSize: res.Vocab.Size(),
	})
}

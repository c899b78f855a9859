package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KhankhanLee/reze/internal/chat"
	"github.com/KhankhanLee/reze/internal/dataset"
	"github.com/KhankhanLee/reze/internal/rank"
)

func newSmartCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   `smart '{"message": "<text>"}'`,
		Short: "Reply from the corpus alone, without a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSmart(cmd, flags, args[0])
		},
	}
}

func runSmart(cmd *cobra.Command, flags *globalFlags, arg string) error {
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

	preset, err := a.cfg.Preset(a.cfg.Rank.Smart)
	if err != nil {
		return err
	}
	s := chat.NewSmart(a.cfg.Smart, rank.New(preset), a.rng, a.log)
	reply, err := s.Reply(*req.Message, corpus.Examples)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.log, "final reply: '%s'\n", reply.Text)
	if err := a.runs.RecordReply(*req.Message, reply.Text, reply.Source, reply.Score); err != nil {
		a.warnf("recording reply: %v", err)
	}
	return outputJSON(a.stdout, ReplyResponse{Status: statusSuccess, Response: reply.Text})
}

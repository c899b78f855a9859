package main

import (
	"github.com/spf13/cobra"

	"github.com/KhankhanLee/reze/internal/dataset"
	"github.com/KhankhanLee/reze/internal/vocab"
)

func newVocabCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   `vocab '{"dataset": "<path>"}'`,
		Short: "Show the vocabulary a dataset would train with",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req struct {
				Dataset string `json:"dataset"`
			}
			if len(args) == 1 {
				if err := decodeRequest(args[0], &req); err != nil {
					return err
				}
			}

			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.close()

			path := a.cfg.Dataset
			if req.Dataset != "" {
				path = req.Dataset
			}
			corpus, err := dataset.Load(path)
			if err != nil {
				return err
			}
			v := vocab.Build(corpus.Examples)
			return outputJSON(a.stdout, VocabResponse{
				Status:    statusSuccess,
				VocabSize: v.Size(),
				PadID:     v.PadID(),
				EOSID:     v.EOSID(),
				Examples:  len(corpus.Examples),
				Hash:      corpus.Hash,
			})
		},
	}
}

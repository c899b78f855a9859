package main

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

const defaultRunsLimit = 10

// RunsRequest selects what runs prints. With RunID set, that run's status
// and epochs are shown; otherwise the most recent runs and replies.
type RunsRequest struct {
	RunID string `json:"run_id"`
	Limit *int   `json:"limit"`
}

func newRunsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   `runs '{"run_id": "<id>", "limit": <int>}'`,
		Short: "Show recorded training runs and replies",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req RunsRequest
			if len(args) == 1 {
				if err := decodeRequest(args[0], &req); err != nil {
					return err
				}
			}
			limit := defaultRunsLimit
			if req.Limit != nil {
				if *req.Limit <= 0 {
					return fmt.Errorf(`"limit" must be positive, got %d`, *req.Limit)
				}
				limit = *req.Limit
			}

			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.close()
			if !a.runs.Enabled() {
				return errors.New("no run log configured (set runlog or REZE_RUNLOG)")
			}

			if req.RunID != "" {
				status, final, err := a.runs.RunStatus(req.RunID)
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("unknown run %q", req.RunID)
				}
				if err != nil {
					return err
				}
				epochs, err := a.runs.Epochs(req.RunID)
				if err != nil {
					return err
				}
				return outputJSON(a.stdout, RunsResponse{
					Status:          statusSuccess,
					RunID:           req.RunID,
					RunStatus:       status,
					FinalCheckpoint: final,
					Epochs:          epochs,
				})
			}

			runs, err := a.runs.Runs(limit)
			if err != nil {
				return err
			}
			replies, err := a.runs.RecentReplies(limit)
			if err != nil {
				return err
			}
			return outputJSON(a.stdout, RunsResponse{Status: statusSuccess, Runs: runs, Replies: replies})
		},
	}
}

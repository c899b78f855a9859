// Package main provides the reze CLI entry point.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one invocation and returns the exit code. Stdout receives
// exactly one JSON object; everything else goes to stderr.
func run(args []string, stdout, stderr io.Writer) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(stderr, "panic: %v\n%s", r, debug.Stack())
			outputJSON(stdout, ErrorResponse{Status: statusError, Message: fmt.Sprintf("internal error: %v", r)})
			code = ExitError
		}
	}()

	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		outputError(stdout, stderr, err)
		return ExitError
	}
	return ExitSuccess
}

type globalFlags struct {
	config string
	device string
	seed   int64
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "reze '<json>'",
		Short: "Persona reply engine",
		Long: `reze answers short messages in a fixed persona voice by combining a
character-level sequence model with template ranking over a dialogue corpus.

Every command takes one JSON object as its argument and prints one JSON object.
Given only the JSON, reze dispatches on its shape: an object with "message"
is a prediction, anything else is a training request.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New(`expected a JSON argument, e.g. reze '{"message": "안녕"}'`)
			}
			var shape map[string]json.RawMessage
			if err := json.Unmarshal([]byte(args[0]), &shape); err != nil {
				return fmt.Errorf("argument is not a JSON object: %w", err)
			}
			if _, ok := shape["message"]; ok {
				return runPredict(cmd, flags, args[0])
			}
			return runTrain(cmd, flags, args[0])
		},
	}
	root.Version = Version
	root.PersistentFlags().StringVar(&flags.config, "config", "", "path to a YAML config file (default $REZE_CONFIG or ./reze.yml)")
	root.PersistentFlags().StringVar(&flags.device, "device", "", "compute device: auto, cpu or cuda")
	root.PersistentFlags().Int64Var(&flags.seed, "seed", 0, "random seed (0 picks one from the clock)")

	root.AddCommand(
		newPredictCmd(flags),
		newSmartCmd(flags),
		newTrainCmd(flags),
		newVocabCmd(flags),
		newRunsCmd(flags),
	)
	return root
}

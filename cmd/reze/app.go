package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/KhankhanLee/reze/internal/config"
	"github.com/KhankhanLee/reze/internal/device"
	"github.com/KhankhanLee/reze/internal/runlog"
)

// app is the per-invocation environment shared by all commands.
type app struct {
	cfg     *config.Config
	backend device.Backend
	rng     *rand.Rand
	runs    *runlog.Log
	stdout  io.Writer
	log     io.Writer
}

// newApp resolves configuration, selects the device once and opens the run
// log.
func newApp(cmd *cobra.Command, flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.config)
	if err != nil {
		return nil, err
	}
	if flags.device != "" {
		cfg.Device = flags.device
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = flags.seed
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	backend, err := device.Select(cfg.Device)
	if err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	runs, err := runlog.Open(cfg.RunLog)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:     cfg,
		backend: backend,
		rng:     rand.New(rand.NewSource(seed)),
		runs:    runs,
		stdout:  cmd.OutOrStdout(),
		log:     cmd.ErrOrStderr(),
	}, nil
}

func (a *app) close() {
	if err := a.runs.Close(); err != nil {
		fmt.Fprintf(a.log, "warning: closing run log: %v\n", err)
	}
}

func (a *app) warnf(format string, args ...interface{}) {
	fmt.Fprintf(a.log, "warning: "+format+"\n", args...)
}

// decodeRequest parses the single JSON argument strictly.
func decodeRequest(arg string, v interface{}) error {
	if err := json.Unmarshal([]byte(arg), v); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

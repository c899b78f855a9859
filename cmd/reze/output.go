package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/KhankhanLee/reze/internal/runlog"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// ReplyResponse answers predict and smart.
type ReplyResponse struct {
	Status   string `json:"status"`
	Response string `json:"response"`
}

// TrainResponse reports a finished training run.
type TrainResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	VocabSize int    `json:"vocab_size"`
}

// VocabResponse describes the vocabulary of a dataset.
type VocabResponse struct {
	Status    string `json:"status"`
	VocabSize int    `json:"vocab_size"`
	PadID     int    `json:"pad_id"`
	EOSID     int    `json:"eos_id"`
	Examples  int    `json:"examples"`
	Hash      string `json:"corpus_hash"`
}

// ErrorResponse is written on any failure.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// outputJSON writes v as one line of JSON, leaving non-ASCII text unescaped.
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// outputError writes the error-status object to stdout and the message to
// stderr.
func outputError(stdout, stderr io.Writer, err error) {
	fmt.Fprintf(stderr, "error: %v\n", err)
	outputJSON(stdout, ErrorResponse{Status: statusError, Message: err.Error()})
}

// RunsResponse lists recorded runs and replies, or one run in detail.
type RunsResponse struct {
	Status  string           `json:"status"`
	Runs    []runlog.RunInfo `json:"runs,omitempty"`
	Replies []runlog.Reply   `json:"replies,omitempty"`

	RunID           string         `json:"run_id,omitempty"`
	RunStatus       string         `json:"run_status,omitempty"`
	FinalCheckpoint string         `json:"final_checkpoint,omitempty"`
	Epochs          []runlog.Epoch `json:"epochs,omitempty"`
}

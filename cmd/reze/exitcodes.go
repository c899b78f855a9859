package main

// Exit codes. Every failure is reported as an error-status JSON object and
// exit code 1.
const (
	ExitSuccess = 0
	ExitError   = 1
)

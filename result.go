package cuenv

import "time"

// ExecResult holds the outcome of a task execution.
type ExecResult struct {
	// ExitCode is the process exit code. It is -1 when the process was
	// killed by a signal.
	ExitCode int

	// Signal is the name of the signal that terminated the process
	// (e.g. "killed"), or empty.
	Signal string

	// Stdout contains the captured standard output of the process.
	Stdout string

	// Stderr contains the captured standard error of the process.
	Stderr string

	// Duration is the wall-clock time the process took to execute.
	Duration time.Duration

	// Sandboxed indicates whether the command ran inside a sandbox.
	Sandboxed bool

	// Truncated indicates whether the output was truncated due to size limits.
	Truncated bool

	// Warnings lists non-fatal issues: policy findings, sandbox setup
	// degradations and fallback to unrestricted execution.
	Warnings []string
}

// Success reports whether the process exited with status 0.
func (r *ExecResult) Success() bool {
	return r != nil && r.ExitCode == 0 && r.Signal == ""
}

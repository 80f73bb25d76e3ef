package cuenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rawkode/cuenv-sub002/internal/envutil"
)

// applyCallOptions sets the working directory and environment of cmd.
func applyCallOptions(cmd *exec.Cmd, co *callOptions) {
	if co.workingDir != "" {
		cmd.Dir = co.workingDir
	}
	if len(co.env) > 0 {
		cmd.Env = envutil.MergeEnv(os.Environ(), co.env)
	}
}

// output captures a task's stdout and stderr, or records that they are
// streamed to caller-supplied writers.
type output struct {
	stdout, stderr bytes.Buffer
	limit          int
	streaming      bool
}

// attachOutput connects cmd's stdio. Captured streams are each bounded by
// limit bytes when limit is positive.
func attachOutput(cmd *exec.Cmd, co *callOptions, limit int) *output {
	o := &output{limit: limit}
	if co.stdio != nil {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = co.stdio.in, co.stdio.out, co.stdio.err
		o.streaming = true
		return o
	}
	if limit > 0 {
		cmd.Stdout = &limitedWriter{buf: &o.stdout, limit: limit}
		cmd.Stderr = &limitedWriter{buf: &o.stderr, limit: limit}
	} else {
		cmd.Stdout = &o.stdout
		cmd.Stderr = &o.stderr
	}
	return o
}

func (o *output) fill(r *ExecResult) {
	if o.streaming {
		return
	}
	r.Stdout = o.stdout.String()
	r.Stderr = o.stderr.String()
	if o.limit > 0 && (o.stdout.Len() >= o.limit || o.stderr.Len() >= o.limit) {
		r.Truncated = true
	}
}

// runDirect executes argv without isolation in its own process group.
func runDirect(ctx context.Context, argv []string, co *callOptions, maxOutput int) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	applyCallOptions(cmd, co)
	out := attachOutput(cmd, co, maxOutput)
	setupProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("cuenv: task interrupted: %w", ctx.Err())
		}
		return nil, &ChildSpawnError{Argv: argv, Err: err}
	}
	return finish(ctx, out, start, cmd.Wait())
}

// finish turns the wait error of a task into an ExecResult. A non-zero
// exit is not a Go error. A task killed because ctx ended yields both the
// result and the context error.
func finish(ctx context.Context, out *output, start time.Time, waitErr error) (*ExecResult, error) {
	res := &ExecResult{Duration: time.Since(start)}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, waitErr
		}
		res.ExitCode = exitErr.ExitCode()
		res.Signal = exitSignal(exitErr.ProcessState)
	}
	out.fill(res)
	if res.Signal != "" && ctx.Err() != nil {
		return res, fmt.Errorf("cuenv: task interrupted: %w", ctx.Err())
	}
	return res, nil
}

// limitedWriter wraps a bytes.Buffer and stops writing after limit bytes.
type limitedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil // discard but report success
	}
	if len(p) <= remaining {
		return w.buf.Write(p)
	}
	// Report the full length to avoid io.ErrShortWrite.
	if _, err := w.buf.Write(p[:remaining]); err != nil {
		return 0, err
	}
	return len(p), nil
}

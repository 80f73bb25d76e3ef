package cuenv

import (
	"context"
	"io"
	"time"
)

// Option configures a single Run or Exec call.
type Option func(*callOptions)

// callOptions holds per-call configuration applied via Option functions.
type callOptions struct {
	env            []string
	shell          string
	workingDir     string
	timeout        time.Duration
	maxOutputBytes int
	stdio          *stdio
	barrier        func(context.Context) error
}

// stdio holds the streams of a WithStdio call. Any of them may be nil.
type stdio struct {
	in       io.Reader
	out, err io.Writer
}

// mergeCallOptions applies per-call Option functions and returns the result.
func mergeCallOptions(opts ...Option) *callOptions {
	co := &callOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(co)
		}
	}
	return co
}

// WithEnv adds environment variables for a single call.
// Each entry should be in "KEY=VALUE" format. Later entries override
// earlier ones and the inherited environment.
func WithEnv(env ...string) Option {
	cpy := append([]string(nil), env...)
	return func(o *callOptions) {
		o.env = append(o.env, cpy...)
	}
}

// WithShell overrides the shell used by Exec for a single call.
func WithShell(shell string) Option {
	return func(o *callOptions) {
		o.shell = shell
	}
}

// WithWorkingDir sets the working directory for a single call. Relative
// paths in the security request are resolved against it.
func WithWorkingDir(dir string) Option {
	return func(o *callOptions) {
		o.workingDir = dir
	}
}

// WithTimeout sets a timeout for a single call. If the command does not
// complete within the timeout, its process group is killed.
func WithTimeout(d time.Duration) Option {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// WithMaxOutputBytes sets the maximum output size (in bytes) for a single call.
// When set to a positive value, stdout and stderr are each truncated to this limit.
func WithMaxOutputBytes(n int) Option {
	return func(o *callOptions) {
		o.maxOutputBytes = n
	}
}

// WithStdio connects the task to the given streams instead of capturing
// its output. ExecResult.Stdout and Stderr stay empty.
func WithStdio(in io.Reader, out, errOut io.Writer) Option {
	return func(o *callOptions) {
		o.stdio = &stdio{in: in, out: out, err: errOut}
	}
}

// WithEnvironmentBarrier registers fn to be called before the security
// request is evaluated. A non-nil error aborts the call. The CLI uses it
// to wait for preload hooks.
func WithEnvironmentBarrier(fn func(context.Context) error) Option {
	return func(o *callOptions) {
		o.barrier = fn
	}
}

package cuenv

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rawkode/cuenv-sub002/platform"
	"github.com/rawkode/cuenv-sub002/policy"
)

// Sentinel errors returned by the cuenv package.
var (
	// ErrIsolationUnavailable indicates the sandbox could not be built on
	// this system or for this request.
	ErrIsolationUnavailable = errors.New("cuenv: isolation unavailable")

	// ErrIdentityMappingFailed marks the warning recorded when the sandbox
	// had to map the invoking user to root. It is never returned as an
	// error from Run or Exec.
	ErrIdentityMappingFailed = errors.New("cuenv: identity mapping failed")

	// ErrChildSpawnFailed indicates the sandbox was ready but the task could
	// not be executed inside it.
	ErrChildSpawnFailed = errors.New("cuenv: child spawn failed")

	// ErrManagerClosed indicates the manager has already been closed via Cleanup.
	ErrManagerClosed = errors.New("cuenv: manager already closed")

	// ErrConfigInvalid indicates the provided configuration failed validation.
	ErrConfigInvalid = errors.New("cuenv: invalid configuration")

	// ErrEmptyCommand indicates Run was called without a program.
	ErrEmptyCommand = errors.New("cuenv: command must not be empty")

	// ErrInvalidPolicy is policy.ErrInvalidPolicy, re-exported so callers
	// of Run need not import the policy package.
	ErrInvalidPolicy = policy.ErrInvalidPolicy
)

// IsolationUnavailableError is returned when a restricted task cannot be
// sandboxed and the manager is in strict mode. It matches both
// ErrIsolationUnavailable and platform.ErrIsolationUnavailable.
type IsolationUnavailableError struct {
	// Platform is the name of the sandbox platform that was tried.
	Platform string
	// Err is the underlying cause.
	Err error
}

func (e *IsolationUnavailableError) Error() string {
	if e.Platform == "" {
		return fmt.Sprintf("%s: %v", ErrIsolationUnavailable.Error(), e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", ErrIsolationUnavailable.Error(), e.Platform, e.Err)
}

func (e *IsolationUnavailableError) Unwrap() []error {
	return []error{ErrIsolationUnavailable, e.Err}
}

// ChildSpawnError is returned when the task program could not be started,
// either directly or inside a ready sandbox.
type ChildSpawnError struct {
	// Argv is the command line that failed to start.
	Argv []string
	// Err is the underlying cause.
	Err error
}

func (e *ChildSpawnError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrChildSpawnFailed.Error(), strings.Join(e.Argv, " "), e.Err)
}

func (e *ChildSpawnError) Unwrap() []error {
	return []error{ErrChildSpawnFailed, e.Err}
}

// classifyStartErr converts a platform start error into the package's
// typed errors. Errors that are neither isolation nor spawn failures are
// returned unchanged.
func classifyStartErr(platformName string, argv []string, err error) error {
	switch {
	case errors.Is(err, platform.ErrSpawnFailed):
		return &ChildSpawnError{Argv: argv, Err: err}
	case errors.Is(err, platform.ErrIsolationUnavailable):
		return &IsolationUnavailableError{Platform: platformName, Err: err}
	default:
		return err
	}
}

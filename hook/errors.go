package hook

import (
	"errors"
	"fmt"
)

var (
	// ErrHookSpawnFailed is wrapped by *SpawnError.
	ErrHookSpawnFailed = errors.New("hook: spawn failed")

	// ErrCaptureParse is wrapped by *ParseError.
	ErrCaptureParse = errors.New("hook: cannot parse exports")
)

// SpawnError reports a hook whose process could not be started.
type SpawnError struct {
	Hook string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrHookSpawnFailed.Error(), e.Hook, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrHookSpawnFailed, e.Err}
}

// ParseError reports the first unparseable statement of a Source hook's
// output.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: line %d: %s", ErrCaptureParse.Error(), e.Line, e.Msg)
}

func (e *ParseError) Unwrap() error {
	return ErrCaptureParse
}

package platform

import (
	"errors"
	"fmt"
)

var (
	// ErrIsolationUnavailable reports that the sandbox could not be built.
	ErrIsolationUnavailable = errors.New("isolation unavailable")

	// ErrSpawnFailed reports that the sandbox was built but the program
	// could not be executed inside it.
	ErrSpawnFailed = errors.New("spawn failed")
)

// StageExec is the stage name for the final exec of the user program.
const StageExec = "exec"

// StageError is a sandbox failure attributed to a setup stage.
// It matches ErrSpawnFailed for StageExec and ErrIsolationUnavailable for
// every other stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's stage.
func (e *StageError) Is(target error) bool {
	if e.Stage == StageExec {
		return target == ErrSpawnFailed
	}
	return target == ErrIsolationUnavailable
}

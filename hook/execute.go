package hook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
)

// report is what one hook execution contributes to its event.
type report struct {
	warnings []string
	// err is the hook's own failure: a *SpawnError or a non-zero exit.
	err error
}

// execute runs the hook of r to completion and stores the outcome. Enter
// uses it for synchronous kinds and Supervise for detached ones. The
// returned error is a state store failure; hook failures are recorded in
// the run and the report.
func execute(ctx context.Context, dc *DirContext, r *Run, logger *slog.Logger) (*Run, report, error) {
	var rep report
	logger = logger.With("hook", r.Spec.Name, "run", r.ID)

	logFile, err := os.OpenFile(dc.LogFile(r.ID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, stateFilePerm)
	var sink io.Writer = io.Discard
	if err != nil {
		logger.Debug("hook log unavailable", "error", err)
	} else {
		defer logFile.Close()
		sink = logFile
	}

	_, source := r.Spec.Kind.(Source)
	var stdout bytes.Buffer

	cmd := exec.CommandContext(ctx, r.Spec.Command, r.Spec.Args...)
	cmd.Dir = r.Spec.Dir
	if cmd.Dir == "" {
		cmd.Dir = r.Dir
	}
	cmd.Env = r.Environ
	cmd.Stdout = sink
	if source {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = sink
	setProcessGroup(cmd)

	exitCode := -1
	if err := cmd.Start(); err != nil {
		rep.err = &SpawnError{Hook: r.Spec.Name, Err: err}
	} else {
		logger.Debug("hook started", "pid", cmd.Process.Pid)
		waitErr := cmd.Wait()
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		if waitErr != nil {
			rep.err = fmt.Errorf("hook %s: %w", r.Spec.Name, waitErr)
		}
	}

	var env map[string]string
	if source {
		env, rep.warnings = captureExports(r, stdout.Bytes(), rep.err, logger)
	}
	if rep.err != nil {
		logger.Warn("hook failed", "error", rep.err)
		rep.warnings = append(rep.warnings, rep.err.Error())
	}

	var stored *Run
	err = dc.withLock(func() error {
		cur, err := dc.readRun(r.ID)
		if err != nil {
			return err
		}
		cur.FinishedAt = time.Now()
		cur.ExitCode = exitCode
		cur.State = StateCompleted
		if rep.err != nil {
			cur.State = StateFailed
			cur.Error = rep.err.Error()
		}
		// Only Source runs wait for their capture to be consumed.
		cur.Retired = !source
		if source {
			cur.CapturedEnv = env
			merged, err := dc.mergeCapture(cur, env, rep.warnings)
			if err != nil {
				return err
			}
			if !merged {
				logger.Info("discarding exports of a superseded event", "event", cur.EventID)
				cur.Retired = true
			}
		}
		stored = cur
		return dc.writeRun(cur)
	})
	if err != nil {
		return nil, rep, fmt.Errorf("hook: record %s: %w", r.Spec.Name, err)
	}
	return stored, rep, nil
}

// captureExports parses the stdout of a Source hook. A failed hook or
// unparseable output yields no variables and a warning.
func captureExports(r *Run, out []byte, runErr error, logger *slog.Logger) (map[string]string, []string) {
	if runErr != nil {
		return map[string]string{}, []string{fmt.Sprintf("hook %s: no variables captured", r.Spec.Name)}
	}
	env, err := ParseExports(out)
	if err != nil {
		logger.Warn("cannot parse hook exports", "error", err)
		return map[string]string{}, []string{fmt.Sprintf("hook %s: %v", r.Spec.Name, err)}
	}
	return env, nil
}

// mergeCapture adds the exports of r to the pending capture record. It
// must be called with the lock held. It reports false, and writes nothing,
// when r belongs to an event that is no longer current.
func (dc *DirContext) mergeCapture(r *Run, env map[string]string, warnings []string) (bool, error) {
	event, err := dc.currentEvent()
	if err != nil {
		return false, err
	}
	if event != r.EventID {
		return false, nil
	}
	rec, err := dc.readCapture()
	if err != nil {
		return false, err
	}
	if rec == nil || rec.EventID != r.EventID {
		rec = &CaptureRecord{
			Dir:       r.Dir,
			EventID:   r.EventID,
			Token:     newToken(),
			CreatedAt: time.Now(),
			Env:       map[string]string{},
		}
	}
	maps.Copy(rec.Env, env)
	rec.Warnings = append(rec.Warnings, warnings...)
	rec.Runs = append(rec.Runs, r.ID)
	return true, dc.writeCapture(rec)
}

// newToken returns a time-ordered identifier.
func newToken() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// isNotExist reports whether err means the directory context is gone.
func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

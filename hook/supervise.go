package hook

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Supervise runs the detached hook recorded in runFile to completion. It
// marks the run Running with the supervisor's pid, executes the hook and
// stores the terminal state. A Source run's exports are merged into the
// capture record unless a newer event has started since.
//
// Supervise returns nil without running anything when the run is already
// terminal.
func Supervise(ctx context.Context, runFile string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	r, err := readRunFile(runFile)
	if err != nil {
		return fmt.Errorf("hook: read run: %w", err)
	}
	dc := dirContextForRunFile(runFile, r.Dir)

	pid := os.Getpid()
	r, err = dc.updateRun(r.ID, func(cur *Run) bool {
		if cur.State.Terminal() {
			return false
		}
		cur.State = StateRunning
		cur.PID = pid
		return true
	})
	if err != nil {
		if isNotExist(err) {
			logger.Info("directory context removed before the hook started", "dir", dc.Dir)
		}
		return fmt.Errorf("hook: claim run: %w", err)
	}
	if r.State.Terminal() {
		return nil
	}

	_, _, err = execute(ctx, dc, r, logger)
	return err
}

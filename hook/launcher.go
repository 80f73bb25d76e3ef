package hook

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// SuperviseCommand is the hidden subcommand a ProcessLauncher invokes.
const SuperviseCommand = "__supervise"

// Launcher starts the supervisor of a detached run. It returns the pid
// that WaitPreload checks for liveness.
type Launcher interface {
	Launch(ctx context.Context, runFile string) (int, error)
}

// ProcessLauncher re-executes a binary as a detached supervisor:
// <Executable> <Args...> <run-file>. The binary must call Supervise for
// that command line.
type ProcessLauncher struct {
	// Executable defaults to the running binary.
	Executable string
	// Args defaults to [SuperviseCommand].
	Args []string
	// Env defaults to the current environment.
	Env []string
}

// Launch starts the supervisor in its own session with stdio connected to
// the run's log file. The child is reaped in the background; it keeps
// running if the caller exits.
func (l *ProcessLauncher) Launch(_ context.Context, runFile string) (int, error) {
	exe := l.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("hook: locate executable: %w", err)
		}
		exe = self
	}
	args := l.Args
	if len(args) == 0 {
		args = []string{SuperviseCommand}
	}

	logFile, err := os.OpenFile(logFileForRunFile(runFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, stateFilePerm)
	if err != nil {
		return 0, fmt.Errorf("hook: open supervisor log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, append(append([]string(nil), args...), runFile)...)
	cmd.Env = l.Env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

// GoroutineLauncher supervises detached runs on goroutines of the current
// process. Wait blocks until all of them have finished.
type GoroutineLauncher struct {
	Logger *slog.Logger
	wg     sync.WaitGroup
}

// Launch starts Supervise on a new goroutine. The run outlives ctx.
func (l *GoroutineLauncher) Launch(ctx context.Context, runFile string) (int, error) {
	ctx = context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := Supervise(ctx, runFile, l.Logger); err != nil && l.Logger != nil {
			l.Logger.Warn("hook supervisor failed", "run_file", runFile, "error", err)
		}
	}()
	return os.Getpid(), nil
}

// Wait blocks until every launched run has been supervised.
func (l *GoroutineLauncher) Wait() {
	l.wg.Wait()
}

func logFileForRunFile(runFile string) string {
	root := filepath.Dir(filepath.Dir(runFile))
	id := strings.TrimSuffix(filepath.Base(runFile), runFileSuffix)
	return filepath.Join(root, logsDirName, id+".log")
}

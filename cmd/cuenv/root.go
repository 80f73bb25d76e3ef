package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	cuenv "github.com/rawkode/cuenv-sub002"
	"github.com/rawkode/cuenv-sub002/hook"
	"github.com/rawkode/cuenv-sub002/internal/config"
)

// envLogLevel sets the default of --log-level.
const envLogLevel = "CUENV_LOG_LEVEL"

// app holds the state shared by all subcommands of one invocation.
type app struct {
	stdin          io.Reader
	stdout, stderr io.Writer

	logLevel   string
	configPath string
	stateDir   string

	logger *slog.Logger
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "cuenv",
		Short: "Per-directory environments, hooks and sandboxed tasks",
		Long: `cuenv runs the hooks declared for a project directory and executes
project tasks, optionally inside an unprivileged sandbox that restricts
filesystem and network access.

Project files are cuenv.yaml, cuenv.yml, cuenv.jsonc or cuenv.json, found
in the working directory or its parents. CUENV_CONFIG names a file
explicitly.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(a.stderr, a.logLevel)
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
	}

	level := os.Getenv(envLogLevel)
	if level == "" {
		level = "warn"
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", level, "Log level (debug, info, warn, error); env "+envLogLevel)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Project file (default: discovered from the working directory)")
	root.PersistentFlags().StringVar(&a.stateDir, "state-dir", "", "Hook state directory (default: $XDG_STATE_HOME/cuenv/hooks)")

	root.AddCommand(
		newExecCmd(a),
		newHookCmd(a),
		newPolicyCmd(a),
		newDNSCmd(a),
		newDoctorCmd(a),
		newSuperviseCmd(a),
	)
	return root
}

// newLogger builds the stderr text logger at the named level.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// loadProject reads the project file for dir. A missing file is not an
// error unless one was named explicitly; the result is then nil.
func (a *app) loadProject(dir string) (*config.File, error) {
	if a.configPath != "" {
		return config.LoadFile(a.configPath)
	}
	f, err := config.Load(dir)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

// runtimeConfig returns the default configuration with the project's
// sandbox section applied.
func (a *app) runtimeConfig(f *config.File) (*cuenv.Config, error) {
	cfg := cuenv.DefaultConfig()
	cfg.Logger = a.logger
	if f != nil {
		if err := f.Apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// hookManager opens the hook state shared with other cuenv processes.
func (a *app) hookManager(f *config.File) (*hook.Manager, error) {
	stateDir := a.stateDir
	if stateDir == "" && f != nil {
		stateDir = f.StatePath()
	}
	return hook.NewManager(hook.Options{
		StateDir: stateDir,
		Launcher: &hook.ProcessLauncher{},
		Logger:   a.logger,
	})
}

// targetDir returns the optional directory argument, or the working
// directory.
func targetDir(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	return os.Getwd()
}

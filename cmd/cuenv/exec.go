package main

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cuenv "github.com/rawkode/cuenv-sub002"
)

func newExecCmd(a *app) *cobra.Command {
	var (
		sec       securityFlags
		noSandbox bool
		strict    bool
		noWait    bool
		dir       string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "exec [flags] [-- command [args...]]",
		Short: "Run a command or project task",
		Long: `Run a command, or the project task named by --task, applying its
security request. Restricted commands run in a sandbox; when isolation is
unavailable they run unrestricted with a warning, or fail with --strict.

Before running, exec waits for the project's preload hooks to finish.`,
		Example: `  cuenv exec --task build
  cuenv exec --restrict-network --allow-host '*.golang.org' -- go mod download
  cuenv exec --restrict-disk --rw . -- make`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			wd, err := targetDir(nil)
			if err != nil {
				return err
			}
			if dir != "" {
				wd = dir
			}

			proj, err := a.loadProject(wd)
			if err != nil {
				return err
			}
			task, req, err := sec.resolve(proj)
			if err != nil {
				return err
			}

			argv := args
			var script string
			var opts []cuenv.Option
			if task != nil {
				wd = task.Dir
				opts = append(opts, cuenv.WithEnv(task.EnvList()...))
				if task.Timeout > 0 && !cmd.Flags().Changed("timeout") {
					timeout = task.Timeout
				}
				switch {
				case task.Script != "" && len(args) > 0:
					return fmt.Errorf("task %q runs a script and takes no arguments", sec.task)
				case task.Script != "":
					script = task.Script
				default:
					argv = append(append([]string{task.Command}, task.Args...), args...)
				}
			}
			if script == "" && len(argv) == 0 {
				return errors.New("no command given; pass one after -- or use --task")
			}

			opts = append(opts,
				cuenv.WithWorkingDir(wd),
				cuenv.WithStdio(a.stdin, a.stdout, a.stderr),
			)
			if timeout > 0 {
				opts = append(opts, cuenv.WithTimeout(timeout))
			}
			if proj != nil && !noWait {
				hooks, err := a.hookManager(proj)
				if err != nil {
					return err
				}
				opts = append(opts, cuenv.WithEnvironmentBarrier(func(ctx context.Context) error {
					return hooks.WaitPreload(ctx, proj.Dir)
				}))
			}

			cfg, err := a.runtimeConfig(proj)
			if err != nil {
				return err
			}
			if strict {
				cfg.FallbackPolicy = cuenv.FallbackStrict
			}
			var m cuenv.Manager
			if noSandbox {
				m = cuenv.NewNopManager()
			} else if m, err = cuenv.NewManager(cfg); err != nil {
				return err
			}
			defer func() {
				if err := m.Cleanup(context.WithoutCancel(ctx)); err != nil {
					a.logger.Debug("manager cleanup failed", "error", err)
				}
			}()

			var res *cuenv.ExecResult
			if script != "" {
				res, err = m.Exec(ctx, script, req, opts...)
			} else {
				res, err = m.Run(ctx, argv, req, opts...)
			}
			if res != nil {
				for _, w := range res.Warnings {
					fmt.Fprintf(a.stderr, "cuenv: warning: %s\n", w)
				}
			}
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				return &exitError{code: exitCode(res)}
			}
			return nil
		},
	}

	sec.register(cmd.Flags())
	cmd.Flags().BoolVar(&noSandbox, "no-sandbox", false, "Run without isolation; restrictions are validated but not enforced")
	cmd.Flags().BoolVar(&strict, "strict", false, "Fail instead of running unrestricted when isolation is unavailable")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Do not wait for preload hooks")
	cmd.Flags().StringVarP(&dir, "dir", "C", "", "Working directory (default: current directory)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Kill the command after this long")
	return cmd
}

// exitCode maps a task result to the conventional shell status: 128+N
// for a task killed by signal N.
func exitCode(res *cuenv.ExecResult) int {
	if res.ExitCode > 0 {
		return res.ExitCode
	}
	if n, ok := signalNumbers[res.Signal]; ok {
		return 128 + n
	}
	return 1
}

var signalNumbers = map[string]int{}

func init() {
	for _, sig := range []syscall.Signal{
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGABRT,
		syscall.SIGKILL, syscall.SIGSEGV, syscall.SIGPIPE, syscall.SIGTERM,
	} {
		signalNumbers[sig.String()] = int(sig)
	}
}

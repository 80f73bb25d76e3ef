package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rawkode/cuenv-sub002/hook"
	"github.com/rawkode/cuenv-sub002/internal/config"
)

func newHookCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Run and inspect directory hooks",
		Long: `Directory hooks are declared under hooks.onEnter and hooks.onExit in the
project file. Shell integration calls "cuenv hook enter" when the prompt
enters a project and evaluates "cuenv hook consume" to import variables
exported by source hooks:

  cuenv hook enter && eval "$(cuenv hook consume)"`,
	}
	cmd.AddCommand(
		newHookEnterCmd(a),
		newHookExitCmd(a),
		newHookStatusCmd(a),
		newHookConsumeCmd(a),
		newHookWaitCmd(a),
	)
	return cmd
}

// hookTarget resolves the project for the optional directory argument.
// The project is nil when there is no project file.
func (a *app) hookTarget(args []string) (*config.File, *hook.Manager, error) {
	dir, err := targetDir(args)
	if err != nil {
		return nil, nil, err
	}
	proj, err := a.loadProject(dir)
	if err != nil || proj == nil {
		return nil, nil, err
	}
	m, err := a.hookManager(proj)
	if err != nil {
		return nil, nil, err
	}
	return proj, m, nil
}

func newHookEnterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enter [dir]",
		Short: "Run the onEnter hooks of a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, m, err := a.hookTarget(args)
			if err != nil || proj == nil {
				return err
			}
			onEnter, _, err := proj.HookSpecs()
			if err != nil {
				return err
			}
			res, err := m.Enter(cmd.Context(), proj.Dir, onEnter)
			if err != nil {
				return err
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(a.stderr, "cuenv: %s\n", w)
			}
			return nil
		},
	}
}

func newHookExitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "exit [dir]",
		Short: "Run the onExit hooks of a project and drop its hook state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, m, err := a.hookTarget(args)
			if err != nil || proj == nil {
				return err
			}
			_, onExit, err := proj.HookSpecs()
			if err != nil {
				return err
			}
			runs, err := m.Exit(cmd.Context(), proj.Dir, onExit)
			for _, r := range runs {
				if r.State == hook.StateFailed {
					fmt.Fprintf(a.stderr, "cuenv: hook %s failed: %s\n", r.Spec.Name, r.Error)
				}
			}
			return err
		},
	}
}

func newHookStatusCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status [dir]",
		Short: "Show the hook runs of the current event",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, m, err := a.hookTarget(args)
			if err != nil {
				return err
			}
			if proj == nil {
				fmt.Fprintln(a.stdout, "no project")
				return nil
			}
			st, err := m.Status(proj.Dir)
			if err != nil {
				return err
			}
			switch output {
			case "yaml":
				enc := yaml.NewEncoder(a.stdout)
				enc.SetIndent(2)
				if err := enc.Encode(st); err != nil {
					return err
				}
				return enc.Close()
			case "text", "":
				return writeStatus(a.stdout, st)
			default:
				return fmt.Errorf("unknown output format %q (want text or yaml)", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, yaml)")
	return cmd
}

func writeStatus(w io.Writer, st *hook.Status) error {
	states := []hook.State{hook.StatePending, hook.StateRunning, hook.StateCompleted, hook.StateFailed}
	parts := make([]string, 0, len(states))
	for _, s := range states {
		if n := st.Counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "no hooks")
	}
	fmt.Fprintf(w, "%s: %s\n", st.Dir, strings.Join(parts, ", "))
	if st.CapturePending {
		fmt.Fprintln(w, "captured environment pending")
	}
	if len(st.Runs) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HOOK\tKIND\tSTATE\tEXIT\tDURATION")
	for _, r := range st.Runs {
		exit, dur := "-", "-"
		if r.State.Terminal() {
			exit = fmt.Sprint(r.ExitCode)
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Spec.Name, r.Spec.Kind, r.State, exit, dur)
	}
	return tw.Flush()
}

func newHookConsumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "consume [dir]",
		Short: "Print captured variables as shell exports, once",
		Long: `Print the variables captured from source hooks as export statements and
clear them. A second call prints nothing until a source hook runs again.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, m, err := a.hookTarget(args)
			if err != nil || proj == nil {
				return err
			}
			rec, err := m.Consume(proj.Dir)
			if err != nil || rec == nil {
				return err
			}
			for _, w := range rec.Warnings {
				fmt.Fprintf(a.stderr, "cuenv: %s\n", w)
			}
			writeExports(a.stdout, rec.Env)
			return nil
		},
	}
}

// writeExports prints env as POSIX shell export statements in key order.
func writeExports(w io.Writer, env map[string]string) {
	for _, k := range slices.Sorted(maps.Keys(env)) {
		fmt.Fprintf(w, "export %s=%s\n", k, shellQuote(env[k]))
	}
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func newHookWaitCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait [dir]",
		Short: "Wait for preload hooks to finish",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, m, err := a.hookTarget(args)
			if err != nil || proj == nil {
				return err
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return m.WaitPreload(ctx, proj.Dir)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long")
	return cmd
}

func newSuperviseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:    hook.SuperviseCommand + " <run-file>",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return hook.Supervise(context.WithoutCancel(cmd.Context()), args[0], a.logger)
		},
	}
}

// Command cuenv runs project tasks under an optional sandbox and manages
// the hooks of project directories.
//
// Usage:
//
//	cuenv exec [--task name | flags] -- <command> [args...]
//	cuenv hook enter|exit|status|consume|wait [dir]
//	cuenv policy check [--task name | flags]
//	cuenv dns serve [flags]
//	cuenv doctor
//
// Shell integration evaluates the output of "cuenv hook consume" after
// "cuenv hook enter" to import variables exported by source hooks.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	cuenv "github.com/rawkode/cuenv-sub002"
)

func main() {
	// Must run before anything else: inside a sandbox child this call
	// never returns.
	cuenv.MaybeSandboxInit()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

// exitError carries a task's exit status out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

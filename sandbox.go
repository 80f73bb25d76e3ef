package cuenv

import (
	"context"
	"log/slog"

	"github.com/rawkode/cuenv-sub002/policy"
)

// Manager runs tasks, sandboxing those whose security request asks for it.
// Use NewManager to create an instance with a specific configuration.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Manager interface {
	// Run executes argv under the restrictions of req and returns the
	// result. A nil req runs the task unrestricted. A non-zero exit is not
	// an error; it is reported in ExecResult.ExitCode.
	Run(ctx context.Context, argv []string, req *policy.SecurityRequest, opts ...Option) (*ExecResult, error)

	// Exec executes a shell command string through Config.Shell -c.
	Exec(ctx context.Context, command string, req *policy.SecurityRequest, opts ...Option) (*ExecResult, error)

	// Check evaluates req the way Run would, without executing anything.
	// It is useful for dry-run scenarios or pre-flight validation.
	Check(ctx context.Context, req *policy.SecurityRequest, opts ...Option) (*policy.SandboxPolicy, error)

	// Available reports whether the sandbox platform is functional on this system.
	Available() bool

	// CheckDependencies inspects the system for required and optional dependencies.
	CheckDependencies() *DependencyCheck

	// Capabilities reports the isolation features of the platform.
	Capabilities() Capabilities

	// Cleanup releases all resources held by the manager.
	// After Cleanup is called, all subsequent calls return ErrManagerClosed.
	Cleanup(ctx context.Context) error
}

// Run is a convenience function that creates a temporary manager with
// DefaultConfig, runs argv, and cleans up.
func Run(ctx context.Context, argv []string, req *policy.SecurityRequest, opts ...Option) (*ExecResult, error) {
	mgr, err := NewManager(DefaultConfig())
	if err != nil {
		return nil, err
	}
	defer func() { logCleanupErr(mgr.Cleanup(context.WithoutCancel(ctx))) }()
	return mgr.Run(ctx, argv, req, opts...)
}

// Exec is a convenience function that creates a temporary manager with
// DefaultConfig, executes the shell command, and cleans up.
func Exec(ctx context.Context, command string, req *policy.SecurityRequest, opts ...Option) (*ExecResult, error) {
	mgr, err := NewManager(DefaultConfig())
	if err != nil {
		return nil, err
	}
	defer func() { logCleanupErr(mgr.Cleanup(context.WithoutCancel(ctx))) }()
	return mgr.Exec(ctx, command, req, opts...)
}

// NewManager creates a new Manager with the given configuration.
// The configuration is validated before the manager is created.
//
// A manager is created even when the sandbox platform is unavailable:
// unrestricted tasks still run, and restricted ones follow
// Config.FallbackPolicy at the time they are started.
func NewManager(cfg *Config) (Manager, error) {
	return newManager(cfg)
}

// logCleanupErr logs cleanup errors using the default logger.
// The convenience functions don't have access to a configured logger.
func logCleanupErr(err error) {
	if err != nil {
		slog.Debug("cuenv: cleanup error", "err", err)
	}
}

package cuenv

import (
	"context"
	"sync"

	"github.com/rawkode/cuenv-sub002/policy"
)

// nopWarning is attached to results of restricted tasks run by a nop manager.
const nopWarning = "sandboxing disabled, restrictions not enforced"

// nopManager is a pass-through Manager that executes commands without
// any sandboxing. Security requests are still validated.
type nopManager struct {
	mu     sync.Mutex
	closed bool
	cfg    Config
}

// NewNopManager creates a Manager that runs every task unrestricted.
// It backs the CLI's --no-sandbox flag and is useful in tests.
func NewNopManager() Manager {
	cfg := DefaultConfig()
	return &nopManager{cfg: *cfg}
}

func (n *nopManager) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *nopManager) Run(ctx context.Context, argv []string, req *policy.SecurityRequest, opts ...Option) (*ExecResult, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrEmptyCommand
	}
	if n.isClosed() {
		return nil, ErrManagerClosed
	}
	co := mergeCallOptions(opts...)
	if co.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, co.timeout)
		defer cancel()
	}
	return n.run(ctx, argv, req, co)
}

func (n *nopManager) Exec(ctx context.Context, command string, req *policy.SecurityRequest, opts ...Option) (*ExecResult, error) {
	if n.isClosed() {
		return nil, ErrManagerClosed
	}
	co := mergeCallOptions(opts...)
	if co.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, co.timeout)
		defer cancel()
	}
	shell := n.cfg.Shell
	if co.shell != "" {
		shell = co.shell
	}
	return n.run(ctx, []string{shell, "-c", command}, req, co)
}

func (n *nopManager) run(ctx context.Context, argv []string, req *policy.SecurityRequest, co *callOptions) (*ExecResult, error) {
	pol, err := evaluate(ctx, req, co)
	if err != nil {
		return nil, err
	}
	res, err := runDirect(ctx, argv, co, outputLimit(n.cfg.MaxOutputBytes, co))
	if res == nil {
		return nil, err
	}
	warnings := append([]string(nil), pol.Warnings...)
	if !pol.Unrestricted() {
		warnings = append(warnings, nopWarning)
	}
	res.Warnings = warnings
	return res, err
}

func (n *nopManager) Check(ctx context.Context, req *policy.SecurityRequest, opts ...Option) (*policy.SandboxPolicy, error) {
	if n.isClosed() {
		return nil, ErrManagerClosed
	}
	pol, err := evaluate(ctx, req, mergeCallOptions(opts...))
	if err != nil {
		return nil, err
	}
	return &pol, nil
}

func (n *nopManager) Cleanup(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

func (n *nopManager) Available() bool { return true }

func (n *nopManager) CheckDependencies() *DependencyCheck {
	return &DependencyCheck{}
}

func (n *nopManager) Capabilities() Capabilities {
	return Capabilities{}
}

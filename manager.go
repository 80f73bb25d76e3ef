package cuenv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rawkode/cuenv-sub002/platform"
	"github.com/rawkode/cuenv-sub002/policy"
)

const (
	// defaultMaxOutputBytes is the default limit for captured stdout/stderr (10 MB).
	defaultMaxOutputBytes = 10 * 1024 * 1024

	// defaultShell is the default shell used for command execution.
	defaultShell = "/bin/sh"
)

// detectPlatformFn is the function used to detect the sandbox platform.
// platform_linux.go replaces it; tests override it with stubs.
var detectPlatformFn = platform.NewUnsupportedPlatform

// identityWarningPrefix starts the handle warning reported when the
// sandbox fell back to a root identity mapping.
var identityWarningPrefix = "identity mapping failed"

// manager is the core Manager implementation. It evaluates security
// requests, starts sandboxes through the platform and applies the
// fallback policy when isolation is unavailable.
type manager struct {
	mu       sync.RWMutex
	closed   bool
	cfg      *Config
	platform platform.Platform
	logger   *slog.Logger
}

// newManager validates cfg, fills in defaults and detects the platform.
func newManager(cfg *Config) (Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config must not be nil", ErrConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfgCopy := deepCopyConfig(cfg)
	if cfgCopy.Shell == "" {
		cfgCopy.Shell = defaultShell
	}
	if _, err := os.Stat(cfgCopy.Shell); err != nil {
		return nil, fmt.Errorf("%w: shell %q does not exist: %w", ErrConfigInvalid, cfgCopy.Shell, err)
	}

	logger := cfgCopy.Logger
	if logger == nil {
		logger = slog.Default()
	}

	plat := detectPlatformFn()
	if !plat.Available() {
		logger.Debug("sandbox platform unavailable", "platform", plat.Name(), "fallback", cfgCopy.FallbackPolicy)
	}

	return &manager{
		cfg:      &cfgCopy,
		platform: plat,
		logger:   logger,
	}, nil
}

// snapshotConfig returns a copy of the current config under the read lock.
func (m *manager) snapshotConfig() (Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Config{}, ErrManagerClosed
	}
	return *m.cfg, nil
}

func (m *manager) Run(ctx context.Context, argv []string, req *policy.SecurityRequest, opts ...Option) (*ExecResult, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrEmptyCommand
	}
	snap, err := m.snapshotConfig()
	if err != nil {
		return nil, err
	}
	co := mergeCallOptions(opts...)
	if co.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, co.timeout)
		defer cancel()
	}
	return m.run(ctx, argv, req, co, &snap)
}

func (m *manager) Exec(ctx context.Context, command string, req *policy.SecurityRequest, opts ...Option) (*ExecResult, error) {
	snap, err := m.snapshotConfig()
	if err != nil {
		return nil, err
	}
	co := mergeCallOptions(opts...)
	if co.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, co.timeout)
		defer cancel()
	}
	shell := snap.Shell
	if co.shell != "" {
		shell = co.shell
	}
	return m.run(ctx, []string{shell, "-c", command}, req, co, &snap)
}

func (m *manager) Check(ctx context.Context, req *policy.SecurityRequest, opts ...Option) (*policy.SandboxPolicy, error) {
	if _, err := m.snapshotConfig(); err != nil {
		return nil, err
	}
	co := mergeCallOptions(opts...)
	pol, err := evaluate(ctx, req, co)
	if err != nil {
		return nil, err
	}
	if !pol.Unrestricted() {
		if err := pol.CheckWorkDir(co.workingDir); err != nil {
			return nil, err
		}
	}
	return &pol, nil
}

// run evaluates req and executes argv either directly or inside a sandbox.
func (m *manager) run(ctx context.Context, argv []string, req *policy.SecurityRequest, co *callOptions, snap *Config) (*ExecResult, error) {
	pol, err := evaluate(ctx, req, co)
	if err != nil {
		return nil, err
	}
	warnings := append([]string(nil), pol.Warnings...)
	maxOutput := outputLimit(snap.MaxOutputBytes, co)

	if pol.Unrestricted() {
		res, err := runDirect(ctx, argv, co, maxOutput)
		if res != nil {
			res.Warnings = append(warnings, res.Warnings...)
		}
		return res, err
	}
	if err := pol.CheckWorkDir(co.workingDir); err != nil {
		return nil, err
	}

	res, err := m.runSandboxed(ctx, argv, &pol, co, snap, maxOutput)
	var iso *IsolationUnavailableError
	if err == nil || !errors.As(err, &iso) || ctx.Err() != nil {
		if res != nil {
			res.Warnings = append(warnings, res.Warnings...)
		}
		return res, err
	}

	if snap.FallbackPolicy == FallbackStrict {
		return nil, err
	}
	m.logger.Warn("sandbox unavailable, running without isolation", "argv", argv, "error", err)
	warnings = append(warnings, fmt.Sprintf("running without isolation: %v", err))
	res, err = runDirect(ctx, argv, co, maxOutput)
	if res != nil {
		res.Warnings = append(warnings, res.Warnings...)
	}
	return res, err
}

// runSandboxed starts argv through the platform and waits for it. Every
// resource the handle owns is released before it returns.
func (m *manager) runSandboxed(ctx context.Context, argv []string, pol *policy.SandboxPolicy, co *callOptions, snap *Config, maxOutput int) (*ExecResult, error) {
	if !m.platform.Available() {
		cause := fmt.Errorf("%w: %s", platform.ErrIsolationUnavailable, strings.Join(m.platform.CheckDependencies().Errors, "; "))
		return nil, &IsolationUnavailableError{Platform: m.platform.Name(), Err: cause}
	}

	// The sandbox init resolves argv[0] against the task's PATH, so the
	// command is built without a host-side lookup.
	cmd := &exec.Cmd{Path: argv[0], Args: argv}
	applyCallOptions(cmd, co)
	out := attachOutput(cmd, co, maxOutput)

	start := time.Now()
	h, err := m.platform.Start(ctx, cmd, m.wrapConfig(pol, snap))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("cuenv: task interrupted: %w", ctx.Err())
		}
		return nil, classifyStartErr(m.platform.Name(), argv, err)
	}
	defer func() {
		if err := h.Release(); err != nil {
			m.logger.Debug("sandbox release failed", "error", err)
		}
	}()

	for _, w := range h.Warnings() {
		if strings.HasPrefix(w, identityWarningPrefix) {
			m.logger.Warn("sandbox runs with root identity mapping", "error", ErrIdentityMappingFailed, "detail", w)
		}
	}

	res, err := finish(ctx, out, start, h.Wait())
	if res != nil {
		res.Sandboxed = true
		res.Warnings = append(res.Warnings, h.Warnings()...)
	}
	return res, err
}

// wrapConfig builds the platform configuration for one sandboxed run.
func (m *manager) wrapConfig(pol *policy.SandboxPolicy, snap *Config) *platform.WrapConfig {
	wcfg := &platform.WrapConfig{
		Policy: pol,
		DNS: platform.DNSConfig{
			Upstream:    snap.DNSUpstream,
			Timeout:     snap.DNSTimeout,
			StrictTypes: snap.StrictDNSTypes,
		},
		Logger: m.logger,
	}
	if snap.ResourceLimits != nil {
		rl := *snap.ResourceLimits
		wcfg.ResourceLimits = &rl
	}
	switch snap.Slirp4netns {
	case "":
	case Slirp4netnsAuto:
		if sp, ok := m.platform.(interface{ Slirp4netns() string }); ok {
			wcfg.Slirp4netns = sp.Slirp4netns()
		}
	default:
		wcfg.Slirp4netns = snap.Slirp4netns
	}
	return wcfg
}

func (m *manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.platform.Cleanup(ctx)
}

func (m *manager) Available() bool {
	return m.platform.Available()
}

func (m *manager) CheckDependencies() *DependencyCheck {
	return m.platform.CheckDependencies()
}

func (m *manager) Capabilities() Capabilities {
	return m.platform.Capabilities()
}

// evaluate runs the environment barrier and resolves req against the
// call's working directory.
func evaluate(ctx context.Context, req *policy.SecurityRequest, co *callOptions) (policy.SandboxPolicy, error) {
	if co.barrier != nil {
		if err := co.barrier(ctx); err != nil {
			return policy.SandboxPolicy{}, fmt.Errorf("cuenv: environment barrier: %w", err)
		}
	}
	baseDir := co.workingDir
	if baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return policy.SandboxPolicy{}, fmt.Errorf("cuenv: working directory: %w", err)
		}
		baseDir = wd
	}
	return policy.Evaluate(req, baseDir)
}

func outputLimit(configured int, co *callOptions) int {
	if co.maxOutputBytes > 0 {
		return co.maxOutputBytes
	}
	return configured
}

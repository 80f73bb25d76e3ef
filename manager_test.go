package cuenv

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rawkode/cuenv-sub002/platform"
	"github.com/rawkode/cuenv-sub002/policy"
)

// stubPlatform runs the command directly as if the sandbox had been built,
// or fails with startErr.
type stubPlatform struct {
	available bool
	startErr  error
	warnings  []string
	slirp     string

	mu      sync.Mutex
	starts  int
	lastCfg *platform.WrapConfig
	handles []*stubHandle
}

func (p *stubPlatform) Name() string    { return "test-stub" }
func (p *stubPlatform) Available() bool { return p.available }
func (p *stubPlatform) CheckDependencies() *platform.DependencyCheck {
	if p.available {
		return &platform.DependencyCheck{}
	}
	return &platform.DependencyCheck{Errors: []string{"stub unavailable"}}
}
func (p *stubPlatform) Cleanup(context.Context) error { return nil }
func (p *stubPlatform) Capabilities() platform.Capabilities {
	return platform.Capabilities{FilesystemIsolation: p.available}
}
func (p *stubPlatform) Slirp4netns() string { return p.slirp }

func (p *stubPlatform) Start(_ context.Context, cmd *exec.Cmd, cfg *platform.WrapConfig) (platform.Handle, error) {
	p.mu.Lock()
	p.starts++
	p.lastCfg = cfg
	p.mu.Unlock()
	if p.startErr != nil {
		return nil, p.startErr
	}
	if err := cmd.Start(); err != nil {
		return nil, &platform.StageError{Stage: platform.StageExec, Err: err}
	}
	h := &stubHandle{cmd: cmd, warnings: p.warnings}
	p.mu.Lock()
	p.handles = append(p.handles, h)
	p.mu.Unlock()
	return h, nil
}

type stubHandle struct {
	cmd      *exec.Cmd
	warnings []string
	released int
}

func (h *stubHandle) Pid() int           { return h.cmd.Process.Pid }
func (h *stubHandle) Wait() error        { return h.cmd.Wait() }
func (h *stubHandle) Release() error     { h.released++; return nil }
func (h *stubHandle) Warnings() []string { return h.warnings }

// useStubPlatform overrides detectPlatformFn and returns the stub the
// manager will use.
func useStubPlatform(t *testing.T, p *stubPlatform) *stubPlatform {
	t.Helper()
	origDetect := detectPlatformFn
	detectPlatformFn = func() platform.Platform { return p }
	t.Cleanup(func() { detectPlatformFn = origDetect })
	return p
}

func newTestManager(t *testing.T, p *stubPlatform, mutate func(*Config)) *manager {
	t.Helper()
	useStubPlatform(t, p)
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.DiscardHandler)
	if mutate != nil {
		mutate(cfg)
	}
	mgr, err := newManager(cfg)
	if err != nil {
		t.Fatalf("newManager() error: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Cleanup(context.Background()) })
	return mgr.(*manager)
}

// diskRequest restricts the disk to dir, which is also the working dir.
func diskRequest(dir string) *policy.SecurityRequest {
	return &policy.SecurityRequest{RestrictDisk: true, ReadWritePaths: []string{dir}}
}

func TestNewManagerNilConfig(t *testing.T) {
	_, err := newManager(nil)
	if !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("newManager(nil) error = %v, want ErrConfigInvalid", err)
	}
}

func TestNewManagerInvalidConfig(t *testing.T) {
	_, err := newManager(&Config{MaxOutputBytes: -1})
	if !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("error = %v, want ErrConfigInvalid", err)
	}
}

func TestNewManagerMissingShell(t *testing.T) {
	useStubPlatform(t, &stubPlatform{available: true})
	cfg := DefaultConfig()
	cfg.Shell = filepath.Join(t.TempDir(), "nosh")
	_, err := newManager(cfg)
	if !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("error = %v, want ErrConfigInvalid", err)
	}
}

func TestNewManagerDefaultsFilled(t *testing.T) {
	m := newTestManager(t, &stubPlatform{available: true}, func(c *Config) {
		c.Shell = ""
		c.Logger = nil
	})
	if m.cfg.Shell != defaultShell {
		t.Errorf("Shell = %q, want %q", m.cfg.Shell, defaultShell)
	}
	if m.logger == nil {
		t.Error("logger should default to slog.Default()")
	}
}

func TestNewManagerCopiesConfig(t *testing.T) {
	useStubPlatform(t, &stubPlatform{available: true})
	cfg := DefaultConfig()
	mgr, err := newManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Cleanup(context.Background())

	cfg.ResourceLimits.MaxProcesses = 1
	if got := mgr.(*manager).cfg.ResourceLimits.MaxProcesses; got == 1 {
		t.Error("manager config aliases the caller's ResourceLimits")
	}
}

func TestNewManagerUnavailablePlatform(t *testing.T) {
	// Creation succeeds in both modes; strictness applies per run.
	for _, fb := range []FallbackPolicy{FallbackWarn, FallbackStrict} {
		t.Run(fb.String(), func(t *testing.T) {
			m := newTestManager(t, &stubPlatform{}, func(c *Config) { c.FallbackPolicy = fb })
			if m.Available() {
				t.Error("Available() = true for unavailable stub")
			}
		})
	}
}

func TestManagerRunUnrestricted(t *testing.T) {
	p := &stubPlatform{available: true}
	m := newTestManager(t, p, nil)

	res, err := m.Run(context.Background(), []string{"/bin/sh", "-c", "echo out; echo err >&2; exit 3"}, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.ExitCode != 3 || res.Stdout != "out\n" || res.Stderr != "err\n" {
		t.Errorf("result = %+v", res)
	}
	if res.Sandboxed {
		t.Error("unrestricted run reported as sandboxed")
	}
	if p.starts != 0 {
		t.Errorf("platform started %d times for an unrestricted task", p.starts)
	}
}

func TestManagerRunSandboxed(t *testing.T) {
	dir := t.TempDir()
	p := &stubPlatform{available: true, warnings: []string{"landlock not applied: stub"}}
	m := newTestManager(t, p, func(c *Config) {
		c.DNSUpstream = "10.0.0.1:53"
		c.StrictDNSTypes = true
	})

	res, err := m.Run(context.Background(), []string{"/bin/sh", "-c", "pwd"}, diskRequest(dir), WithWorkingDir(dir))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.Sandboxed {
		t.Error("Sandboxed = false")
	}
	if strings.TrimSpace(res.Stdout) != dir {
		t.Errorf("Stdout = %q, want %q", res.Stdout, dir)
	}
	if !slices.Contains(res.Warnings, "landlock not applied: stub") {
		t.Errorf("Warnings = %v, want handle warning", res.Warnings)
	}

	cfg := p.lastCfg
	if cfg.Policy == nil || !cfg.Policy.RestrictDisk || !slices.Contains(cfg.Policy.ReadWritePaths, dir) {
		t.Errorf("WrapConfig.Policy = %+v", cfg.Policy)
	}
	if cfg.DNS.Upstream != "10.0.0.1:53" || !cfg.DNS.StrictTypes {
		t.Errorf("WrapConfig.DNS = %+v", cfg.DNS)
	}
	if cfg.ResourceLimits == nil || cfg.ResourceLimits == m.cfg.ResourceLimits {
		t.Error("ResourceLimits should be a copy of the configured limits")
	}
	if len(p.handles) != 1 || p.handles[0].released == 0 {
		t.Error("handle was not released")
	}
}

func TestManagerRunFallback(t *testing.T) {
	startErr := &platform.StageError{Stage: "namespaces", Err: errors.New("operation not permitted")}
	tests := []struct {
		name      string
		platform  *stubPlatform
		fallback  FallbackPolicy
		wantErr   bool
		wantStart int
	}{
		{"warn start failure", &stubPlatform{available: true, startErr: startErr}, FallbackWarn, false, 1},
		{"strict start failure", &stubPlatform{available: true, startErr: startErr}, FallbackStrict, true, 1},
		{"warn unavailable", &stubPlatform{}, FallbackWarn, false, 0},
		{"strict unavailable", &stubPlatform{}, FallbackStrict, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			marker := filepath.Join(dir, "ran")
			m := newTestManager(t, tt.platform, func(c *Config) { c.FallbackPolicy = tt.fallback })

			res, err := m.Run(context.Background(), []string{"/bin/sh", "-c", "touch " + marker}, diskRequest(dir), WithWorkingDir(dir))
			_, statErr := os.Stat(marker)
			if tt.platform.starts != tt.wantStart {
				t.Errorf("starts = %d, want %d", tt.platform.starts, tt.wantStart)
			}

			if tt.wantErr {
				var iso *IsolationUnavailableError
				if !errors.As(err, &iso) || !errors.Is(err, ErrIsolationUnavailable) {
					t.Fatalf("error = %v, want *IsolationUnavailableError", err)
				}
				if iso.Platform != "test-stub" {
					t.Errorf("Platform = %q", iso.Platform)
				}
				if statErr == nil {
					t.Error("task ran in strict mode")
				}
				return
			}
			if err != nil {
				t.Fatalf("Run() error: %v", err)
			}
			if res.Sandboxed {
				t.Error("fallback run reported as sandboxed")
			}
			if statErr != nil {
				t.Error("task did not run after fallback")
			}
			if len(res.Warnings) == 0 || !strings.Contains(res.Warnings[len(res.Warnings)-1], "running without isolation") {
				t.Errorf("Warnings = %v, want fallback warning", res.Warnings)
			}
		})
	}
}

func TestManagerRunSpawnFailureNoFallback(t *testing.T) {
	dir := t.TempDir()
	p := &stubPlatform{available: true}
	m := newTestManager(t, p, nil)

	_, err := m.Run(context.Background(), []string{filepath.Join(dir, "missing")}, diskRequest(dir), WithWorkingDir(dir))
	var spawn *ChildSpawnError
	if !errors.As(err, &spawn) || !errors.Is(err, ErrChildSpawnFailed) {
		t.Fatalf("error = %v, want *ChildSpawnError", err)
	}
	if errors.Is(err, ErrIsolationUnavailable) {
		t.Error("spawn failure must not be an isolation failure")
	}
}

func TestManagerRunInvalidPolicy(t *testing.T) {
	p := &stubPlatform{available: true}
	m := newTestManager(t, p, nil)

	req := &policy.SecurityRequest{RestrictNetwork: true, AllowedHosts: []string{"https://example.com"}}
	_, err := m.Run(context.Background(), []string{"/bin/true"}, req)
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("error = %v, want ErrInvalidPolicy", err)
	}
	if p.starts != 0 {
		t.Error("platform started despite invalid policy")
	}
}

func TestManagerRunWorkDirOutsidePolicy(t *testing.T) {
	granted := t.TempDir()
	other := t.TempDir()
	p := &stubPlatform{available: true}
	m := newTestManager(t, p, nil)

	_, err := m.Run(context.Background(), []string{"/bin/true"}, diskRequest(granted), WithWorkingDir(other))
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("error = %v, want ErrInvalidPolicy", err)
	}
	if p.starts != 0 {
		t.Error("platform started with an invisible working directory")
	}
}

func TestManagerRunIdentityWarning(t *testing.T) {
	dir := t.TempDir()
	w := identityWarningPrefix + ", task runs as root inside its user namespace: EPERM"
	p := &stubPlatform{available: true, warnings: []string{w}}

	var logs bytes.Buffer
	m := newTestManager(t, p, func(c *Config) { c.Logger = slog.New(slog.NewTextHandler(&logs, nil)) })

	res, err := m.Run(context.Background(), []string{"/bin/true"}, diskRequest(dir), WithWorkingDir(dir))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.Sandboxed || !slices.Contains(res.Warnings, w) {
		t.Errorf("result = %+v, want sandboxed with identity warning", res)
	}
	if !strings.Contains(logs.String(), "root identity mapping") {
		t.Errorf("identity fallback not logged: %s", logs.String())
	}
}

func TestManagerWrapConfigSlirp(t *testing.T) {
	tests := []struct {
		name, configured, detected, want string
	}{
		{"disabled", "", "/usr/bin/slirp4netns", ""},
		{"auto", Slirp4netnsAuto, "/usr/bin/slirp4netns", "/usr/bin/slirp4netns"},
		{"auto not found", Slirp4netnsAuto, "", ""},
		{"explicit", "/opt/slirp", "/usr/bin/slirp4netns", "/opt/slirp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, &stubPlatform{available: true, slirp: tt.detected}, func(c *Config) {
				c.Slirp4netns = tt.configured
			})
			snap, _ := m.snapshotConfig()
			got := m.wrapConfig(&policy.SandboxPolicy{RestrictNetwork: true}, &snap)
			if got.Slirp4netns != tt.want {
				t.Errorf("Slirp4netns = %q, want %q", got.Slirp4netns, tt.want)
			}
		})
	}
}

func TestManagerExecUsesShell(t *testing.T) {
	m := newTestManager(t, &stubPlatform{available: true}, nil)
	res, err := m.Exec(context.Background(), "echo $0", nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != defaultShell {
		t.Errorf("Stdout = %q, want %q", res.Stdout, defaultShell)
	}
}

func TestManagerRunEmptyCommand(t *testing.T) {
	m := newTestManager(t, &stubPlatform{available: true}, nil)
	for _, argv := range [][]string{nil, {""}} {
		if _, err := m.Run(context.Background(), argv, nil); !errors.Is(err, ErrEmptyCommand) {
			t.Errorf("Run(%q) error = %v, want ErrEmptyCommand", argv, err)
		}
	}
}

func TestManagerEnvironmentBarrier(t *testing.T) {
	m := newTestManager(t, &stubPlatform{available: true}, nil)

	var called bool
	_, err := m.Run(context.Background(), []string{"/bin/true"}, nil, WithEnvironmentBarrier(func(context.Context) error {
		called = true
		return nil
	}))
	if err != nil || !called {
		t.Fatalf("barrier called = %v, err = %v", called, err)
	}

	boom := errors.New("preload failed")
	_, err = m.Run(context.Background(), []string{"/bin/true"}, nil, WithEnvironmentBarrier(func(context.Context) error {
		return boom
	}))
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want barrier error", err)
	}
}

func TestManagerTimeout(t *testing.T) {
	m := newTestManager(t, &stubPlatform{available: true}, nil)

	start := time.Now()
	res, err := m.Run(context.Background(), []string{"/bin/sh", "-c", "sleep 30"}, nil, WithTimeout(100*time.Millisecond))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded", err)
	}
	if res == nil || res.Signal == "" {
		t.Errorf("result = %+v, want a signal", res)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("timeout did not kill the task promptly")
	}
}

func TestManagerCheck(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, &stubPlatform{available: true}, nil)

	pol, err := m.Check(context.Background(), diskRequest(dir), WithWorkingDir(dir))
	if err != nil {
		t.Fatal(err)
	}
	if !pol.RestrictDisk {
		t.Errorf("policy = %+v", pol)
	}

	_, err = m.Check(context.Background(), diskRequest(dir), WithWorkingDir(t.TempDir()))
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("error = %v, want ErrInvalidPolicy", err)
	}
}

func TestManagerCleanup(t *testing.T) {
	m := newTestManager(t, &stubPlatform{available: true}, nil)
	if err := m.Cleanup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Cleanup(context.Background()); err != nil {
		t.Errorf("second Cleanup() error: %v", err)
	}
	if _, err := m.Run(context.Background(), []string{"/bin/true"}, nil); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Run() after Cleanup error = %v", err)
	}
	if _, err := m.Exec(context.Background(), "true", nil); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Exec() after Cleanup error = %v", err)
	}
	if _, err := m.Check(context.Background(), nil); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Check() after Cleanup error = %v", err)
	}
}

func TestManagerConcurrentRuns(t *testing.T) {
	dir := t.TempDir()
	p := &stubPlatform{available: true}
	m := newTestManager(t, p, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Run(context.Background(), []string{"/bin/true"}, diskRequest(dir), WithWorkingDir(dir))
			if err != nil || !res.Sandboxed {
				t.Errorf("Run() = %+v, %v", res, err)
			}
		}()
	}
	wg.Wait()
	if p.starts != 8 {
		t.Errorf("starts = %d, want 8", p.starts)
	}
}

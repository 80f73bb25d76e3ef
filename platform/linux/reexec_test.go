//go:build linux

package linux

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/rawkode/cuenv-sub002/platform"
	"github.com/rawkode/cuenv-sub002/policy"
)

// stubInit replaces every init step with a recorder and returns the log of
// steps taken. The exec stub fails so runInit reports back instead of
// replacing the test binary.
func stubInit(t *testing.T) *[]string {
	t.Helper()
	origLoopback, origDNS, origMounts, origLandlock := setupLoopbackFn, bindDNSFn, setupMountsFn, applyLandlockFn
	origHarden, origRlimits, origCaps, origSeccomp := hardenProcessFn, applyResourceLimFn, clearAmbientCapsFn, applySeccompFn
	origChdir, origExec := chdirFn, syscallExecFn
	t.Cleanup(func() {
		setupLoopbackFn, bindDNSFn, setupMountsFn, applyLandlockFn = origLoopback, origDNS, origMounts, origLandlock
		hardenProcessFn, applyResourceLimFn, clearAmbientCapsFn, applySeccompFn = origHarden, origRlimits, origCaps, origSeccomp
		chdirFn, syscallExecFn = origChdir, origExec
	})

	steps := &[]string{}
	step := func(name string) { *steps = append(*steps, name) }

	setupLoopbackFn = func() error { step("loopback"); return nil }
	bindDNSFn = func() (*os.File, error) {
		step("dns")
		r, w, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		_ = w.Close()
		return r, nil
	}
	setupMountsFn = func(*initConfig) ([]string, error) { step("mounts"); return nil, nil }
	applyLandlockFn = func(*policy.SandboxPolicy) error { step("landlock"); return nil }
	hardenProcessFn = func() error { step("harden"); return nil }
	applyResourceLimFn = func(*platform.ResourceLimits) error { step("rlimits"); return nil }
	clearAmbientCapsFn = func() error { step("caps"); return nil }
	applySeccompFn = func(blockUnix bool) error {
		if blockUnix {
			step("seccomp+unix")
		} else {
			step("seccomp")
		}
		return nil
	}
	chdirFn = func(dir string) error { step("chdir " + dir); return nil }
	syscallExecFn = func(path string, args, env []string) error {
		step("exec " + path + " " + strings.Join(args, ",") + " " + strings.Join(env, ","))
		return errors.New("exec stub")
	}
	return steps
}

// driveInit plays the parent side of the protocol against runInit.
func driveInit(t *testing.T, cfg *initConfig) (ready *readyReport, readyFiles int, final error, code int) {
	t.Helper()
	parent, child := newTestControlPair(t)

	done := make(chan int, 1)
	go func() { done <- runInit(child, cfg) }()

	m, files, err := parent.expect(msgReady)
	if err != nil {
		return nil, 0, err, <-done
	}
	closeAll(files)
	if err := parent.send(&message{Kind: msgGo}); err != nil {
		t.Fatal(err)
	}
	_, _, final = parent.expect(msgFailure)
	return m.Ready, len(files), final, <-done
}

func TestRunInit_StepOrder(t *testing.T) {
	tests := []struct {
		name    string
		pol     policy.SandboxPolicy
		want    []string
		wantDNS bool
	}{
		{
			name: "unrestricted",
			want: []string{"mounts", "harden", "rlimits", "caps", "seccomp", "chdir /work"},
		},
		{
			name: "disk",
			pol:  policy.SandboxPolicy{RestrictDisk: true},
			want: []string{"mounts", "landlock", "harden", "rlimits", "caps", "seccomp", "chdir /work"},
		},
		{
			name:    "network",
			pol:     policy.SandboxPolicy{RestrictNetwork: true},
			want:    []string{"loopback", "dns", "mounts", "harden", "rlimits", "caps", "seccomp+unix", "chdir /work"},
			wantDNS: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := stubInit(t)
			cfg := &initConfig{Policy: tt.pol, WorkDir: "/work", Path: "/bin/echo", Args: []string{"echo", "hi"}, Env: []string{"A=1"}}

			ready, nfiles, final, code := driveInit(t, cfg)
			if ready == nil {
				t.Fatalf("no ready report: %v", final)
			}
			if ready.HasDNS != tt.wantDNS || (nfiles == 1) != tt.wantDNS {
				t.Errorf("HasDNS = %v with %d files, want %v", ready.HasDNS, nfiles, tt.wantDNS)
			}
			if !errors.Is(final, platform.ErrSpawnFailed) || !strings.Contains(final.Error(), "exec stub") {
				t.Errorf("final = %v, want exec failure", final)
			}
			if code != 1 {
				t.Errorf("exit code = %d, want 1", code)
			}

			want := append(tt.want, "exec /bin/echo echo,hi A=1")
			if !slices.Equal(*steps, want) {
				t.Errorf("steps = %q\nwant    %q", *steps, want)
			}
		})
	}
}

func TestRunInit_LandlockFailureIsWarning(t *testing.T) {
	stubInit(t)
	applyLandlockFn = func(*policy.SandboxPolicy) error { return errors.New("no landlock") }
	setupMountsFn = func(*initConfig) ([]string, error) { return []string{"skipping /x"}, nil }

	ready, _, _, _ := driveInit(t, &initConfig{Policy: policy.SandboxPolicy{RestrictDisk: true}, Path: "/bin/true"})
	if ready == nil {
		t.Fatal("no ready report")
	}
	want := []string{"skipping /x", "landlock not applied: no landlock"}
	if !slices.Equal(ready.Warnings, want) {
		t.Fatalf("Warnings = %q, want %q", ready.Warnings, want)
	}
}

func TestRunInit_StageFailures(t *testing.T) {
	tests := []struct {
		name     string
		inject   func()
		stage    string
		sentinel error
	}{
		{name: "loopback", inject: func() { setupLoopbackFn = func() error { return errors.New("x") } }, stage: "network", sentinel: platform.ErrIsolationUnavailable},
		{name: "mounts", inject: func() { setupMountsFn = func(*initConfig) ([]string, error) { return nil, errors.New("x") } }, stage: "mount", sentinel: platform.ErrIsolationUnavailable},
		{name: "seccomp", inject: func() { applySeccompFn = func(bool) error { return errors.New("x") } }, stage: "seccomp", sentinel: platform.ErrIsolationUnavailable},
		{name: "chdir", inject: func() { chdirFn = func(string) error { return errors.New("x") } }, stage: platform.StageExec, sentinel: platform.ErrSpawnFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubInit(t)
			tt.inject()

			_, _, err, code := driveInit(t, &initConfig{Policy: policy.SandboxPolicy{RestrictNetwork: true}, Path: "/bin/true"})
			var se *platform.StageError
			if !errors.As(err, &se) || se.Stage != tt.stage {
				t.Fatalf("err = %v, want stage %q", err, tt.stage)
			}
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("err = %v, want %v", err, tt.sentinel)
			}
			if code != 1 {
				t.Errorf("exit code = %d", code)
			}
		})
	}
}

func TestRunInit_ParentGone(t *testing.T) {
	stubInit(t)
	parent, child := newTestControlPair(t)

	done := make(chan int, 1)
	go func() { done <- runInit(child, &initConfig{Path: "/bin/true"}) }()

	if _, _, err := parent.expect(msgReady); err != nil {
		t.Fatal(err)
	}
	_ = parent.Close()
	if code := <-done; code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestResolveExecutable(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "tool")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plain"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	env := []string{"HOME=/root", "PATH=/nonexistent:" + dir}
	if got, err := resolveExecutable("tool", env); err != nil || got != exe {
		t.Errorf("resolveExecutable(tool) = %q, %v", got, err)
	}
	if got, err := resolveExecutable("./rel/tool", env); err != nil || got != "./rel/tool" {
		t.Errorf("paths with a slash must be used as is, got %q, %v", got, err)
	}
	if _, err := resolveExecutable("plain", env); err == nil {
		t.Error("non-executable file must not resolve")
	}
	if _, err := resolveExecutable("tool", []string{"PATH="}); err == nil {
		t.Error("empty PATH must not resolve")
	}
	if _, err := resolveExecutable("", env); err == nil {
		t.Error("empty name must fail")
	}
}

func TestSandboxInit_BadControlFD(t *testing.T) {
	for _, fd := range []string{"abc", "-1", "9999"} {
		if code := sandboxInit(fd); code != 1 {
			t.Errorf("sandboxInit(%q) = %d, want 1", fd, code)
		}
	}
}

func TestMaybeSandboxInit_NotInit(t *testing.T) {
	t.Setenv(reExecEnvKey, "")
	if MaybeSandboxInit() {
		t.Fatal("MaybeSandboxInit() = true without the init marker")
	}
}

func TestMaybeSandboxInit_Exits(t *testing.T) {
	orig := osExitFn
	t.Cleanup(func() { osExitFn = orig })

	var code = -1
	osExitFn = func(c int) { code = c }
	t.Setenv(reExecEnvKey, "not-a-number")

	if !MaybeSandboxInit() {
		t.Fatal("MaybeSandboxInit() = false with the init marker set")
	}
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

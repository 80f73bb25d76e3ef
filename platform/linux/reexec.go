//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/rawkode/cuenv-sub002/internal/envutil"
	"github.com/rawkode/cuenv-sub002/platform"
)

// reExecEnvKey marks a process as the sandbox init. Its value is the
// descriptor number of the control socket.
const reExecEnvKey = "_CUENV_SANDBOX_INIT"

// controlFD is where the control socket lands in the init (first ExtraFile).
const controlFD = 3

// Function variables for dependency injection in tests.
var (
	setupLoopbackFn    = setupLoopback
	bindDNSFn          = bindDNS
	setupMountsFn      = setupMounts
	applyLandlockFn    = applyLandlock
	hardenProcessFn    = hardenProcess
	applyResourceLimFn = applyResourceLimits
	clearAmbientCapsFn = clearAmbientCaps
	applySeccompFn     = ApplySeccomp
	chdirFn            = os.Chdir
	syscallExecFn      = unix.Exec
	osExitFn           = os.Exit
)

// MaybeSandboxInit checks whether the current process was started as a
// sandbox init. If so it runs the init and never returns; otherwise it
// returns false and the caller continues normally. Programs that use the
// linux platform must call it first thing in main.
func MaybeSandboxInit() bool {
	fdStr := os.Getenv(reExecEnvKey)
	if fdStr == "" {
		return false
	}
	osExitFn(sandboxInit(fdStr))
	return true
}

// sandboxInit runs inside the new namespaces. It reports progress to the
// parent over the control socket and ends in exec of the task.
func sandboxInit(fdStr string) int {
	// Landlock, seccomp and no_new_privs are per-thread; the thread that
	// applies them must be the one that execs.
	runtime.LockOSThread()

	fd, err := strconv.Atoi(fdStr)
	if err != nil || fd < 0 {
		fmt.Fprintf(os.Stderr, "cuenv: invalid control fd %q\n", fdStr)
		return 1
	}
	f := os.NewFile(uintptr(fd), "control")
	if f == nil {
		fmt.Fprintf(os.Stderr, "cuenv: cannot open control fd %d\n", fd)
		return 1
	}
	ctrl, err := newControlConn(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cuenv: %v\n", err)
		return 1
	}
	defer ctrl.Close()

	m, files, err := ctrl.expect(msgInit)
	closeAll(files)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cuenv: read sandbox config: %v\n", err)
		return 1
	}
	if m.Init == nil {
		fmt.Fprintln(os.Stderr, "cuenv: empty sandbox config")
		return 1
	}
	return runInit(ctrl, m.Init)
}

func runInit(ctrl *controlConn, cfg *initConfig) int {
	fail := func(stage string, err error) int {
		if serr := ctrl.send(&message{Kind: msgFailure, Failure: &failure{Stage: stage, Error: err.Error()}}); serr != nil {
			fmt.Fprintf(os.Stderr, "cuenv: sandbox %s: %v\n", stage, err)
		}
		return 1
	}

	var dnsFile *os.File
	if cfg.Policy.RestrictNetwork {
		if err := setupLoopbackFn(); err != nil {
			return fail("network", err)
		}
		f, err := bindDNSFn()
		if err != nil {
			return fail("network", err)
		}
		dnsFile = f
	}

	warnings, err := setupMountsFn(cfg)
	if err != nil {
		if dnsFile != nil {
			_ = dnsFile.Close()
		}
		return fail("mount", err)
	}
	if cfg.Policy.RestrictDisk {
		if err := applyLandlockFn(&cfg.Policy); err != nil {
			warnings = append(warnings, "landlock not applied: "+err.Error())
		}
	}

	ready := &message{Kind: msgReady, Ready: &readyReport{Warnings: warnings, HasDNS: dnsFile != nil}}
	if dnsFile != nil {
		err = ctrl.send(ready, dnsFile)
		_ = dnsFile.Close()
	} else {
		err = ctrl.send(ready)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cuenv: %v\n", err)
		return 1
	}

	_, files, err := ctrl.expect(msgGo)
	closeAll(files)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cuenv: waiting for parent: %v\n", err)
		return 1
	}

	if err := hardenProcessFn(); err != nil {
		return fail("harden", err)
	}
	if err := applyResourceLimFn(cfg.ResourceLimits); err != nil {
		return fail("rlimits", err)
	}
	if err := clearAmbientCapsFn(); err != nil {
		return fail("harden", err)
	}
	if err := applySeccompFn(cfg.Policy.RestrictNetwork); err != nil {
		return fail("seccomp", err)
	}

	if err := chdirFn(cfg.WorkDir); err != nil {
		return fail(platform.StageExec, err)
	}
	path, err := resolveExecutable(cfg.Path, cfg.Env)
	if err != nil {
		return fail(platform.StageExec, err)
	}
	args := cfg.Args
	if len(args) == 0 {
		args = []string{cfg.Path}
	}

	err = syscallExecFn(path, args, cfg.Env)
	return fail(platform.StageExec, fmt.Errorf("exec %s: %w", path, err))
}

// resolveExecutable finds name on the task's PATH. The init itself runs
// with an empty environment, so exec.LookPath cannot be used.
func resolveExecutable(name string, env []string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("no executable given")
	}
	if strings.Contains(name, "/") {
		return name, nil
	}
	pathEnv, _ := envutil.GetEnv(env, "PATH")
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			dir = "."
		}
		p := filepath.Join(dir, name)
		if unix.Access(p, unix.X_OK) == nil {
			if st, err := os.Stat(p); err == nil && !st.IsDir() {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("executable %q not found in PATH", name)
}

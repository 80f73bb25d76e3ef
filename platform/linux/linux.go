//go:build linux

package linux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rawkode/cuenv-sub002/internal/envutil"
	"github.com/rawkode/cuenv-sub002/platform"
	"github.com/rawkode/cuenv-sub002/proxy"
)

const (
	platformName = "linux-namespace"

	// setupTimeout bounds each exchange with the sandbox init.
	setupTimeout = 30 * time.Second

	// processWaitDelay bounds stdio copying after the sandbox exits.
	processWaitDelay = 3 * time.Second

	// WarnIdentityMappingFailed starts the warning reported when the
	// sandbox had to map the invoking user to root.
	WarnIdentityMappingFailed = "identity mapping failed"
)

// Function variables for dependency injection in tests.
var (
	selfExeFn      = func() string { return "/proc/self/exe" }
	lookPathFn     = exec.LookPath
	scratchBaseDir = ""
)

// Platform implements platform.Platform with user, mount, PID and network
// namespaces, a filtering DNS proxy, Landlock and seccomp.
type Platform struct {
	kernelVersion KernelVersion
	landlockABI   int
	userns        UsernsInfo
	slirp4netns   string
}

// New creates a new Platform, probing the kernel at construction time.
func New() *Platform {
	// DetectKernelVersion may fail in restricted environments (e.g., /proc not
	// mounted). A zero KernelVersion safely disables version-gated features.
	kv, _ := DetectKernelVersion()
	p := &Platform{
		kernelVersion: kv,
		landlockABI:   DetectLandlock().ABIVersion,
		userns:        DetectUserNamespaces(),
	}
	if path, err := lookPathFn("slirp4netns"); err == nil {
		p.slirp4netns = path
	}
	return p
}

// Name returns the platform identifier.
func (l *Platform) Name() string {
	return platformName
}

// Available reports whether unprivileged user namespaces can be created.
func (l *Platform) Available() bool {
	return l.userns.Allowed
}

// Slirp4netns returns the slirp4netns path found on PATH, or "".
func (l *Platform) Slirp4netns() string {
	return l.slirp4netns
}

// CheckDependencies inspects the system for required and optional sandbox
// dependencies.
func (l *Platform) CheckDependencies() *platform.DependencyCheck {
	check := &platform.DependencyCheck{}

	if !l.userns.Allowed {
		check.Errors = append(check.Errors, "unprivileged user namespaces are disabled: "+l.userns.Reason)
	}
	if l.userns.AppArmorRestricted {
		check.Warnings = append(check.Warnings,
			"AppArmor restricts unprivileged user namespaces (kernel.apparmor_restrict_unprivileged_userns=1)")
	}
	if !l.kernelVersion.AtLeast(5, 13) {
		check.Warnings = append(check.Warnings,
			fmt.Sprintf("kernel %s < 5.13: Landlock filesystem restrictions unavailable", l.kernelVersion))
	} else if l.landlockABI == 0 {
		check.Warnings = append(check.Warnings,
			"Landlock not enabled: only the mount namespace restricts the filesystem")
	}
	if l.slirp4netns == "" {
		check.Warnings = append(check.Warnings,
			"slirp4netns not found: network-restricted tasks resolve names but cannot connect out")
	}

	return check
}

// Capabilities returns the isolation features available on this host.
func (l *Platform) Capabilities() platform.Capabilities {
	ok := l.userns.Allowed
	return platform.Capabilities{
		FilesystemIsolation: ok,
		Landlock:            l.landlockABI >= 1,
		NetworkIsolation:    ok,
		DNSFiltering:        ok,
		OutboundRouting:     ok && l.slirp4netns != "",
		PIDIsolation:        ok,
		SyscallFilter:       true,
		ProcessHarden:       true,
	}
}

// Cleanup releases platform-specific resources. Every sandbox owns its own
// resources through its handle, so there is nothing to do here.
func (l *Platform) Cleanup(_ context.Context) error {
	return nil
}

// Start runs cmd inside a new sandbox. It first tries to keep the invoking
// identity inside the user namespace; if the kernel refuses, it retries
// with the user mapped to root and reports a warning. Cancelling ctx kills
// the sandbox.
func (l *Platform) Start(ctx context.Context, cmd *exec.Cmd, cfg *platform.WrapConfig) (platform.Handle, error) {
	if cfg == nil || cfg.Policy == nil {
		return nil, &platform.StageError{Stage: "prepare", Err: errors.New("policy is required")}
	}
	if cmd.Err != nil {
		return nil, &platform.StageError{Stage: platform.StageExec, Err: cmd.Err}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h, err := l.launch(ctx, cmd, cfg, mapIdentity, logger)
	if err == nil {
		return h, nil
	}
	if ctx.Err() != nil || !errors.Is(err, platform.ErrIsolationUnavailable) {
		return nil, err
	}

	logger.Warn("sandbox identity mapping failed, retrying with root mapping", "error", err)
	h, rootErr := l.launch(ctx, cmd, cfg, mapRoot, logger)
	if rootErr != nil {
		return nil, rootErr
	}
	h.warnings = append([]string{fmt.Sprintf("%s, task runs as root inside its user namespace: %v", WarnIdentityMappingFailed, err)}, h.warnings...)
	return h, nil
}

// launch performs one sandbox creation attempt.
func (l *Platform) launch(ctx context.Context, cmd *exec.Cmd, cfg *platform.WrapConfig, mapping idMapping, logger *slog.Logger) (_ *handle, err error) {
	pol := *cfg.Policy
	h := &handle{logger: logger}
	defer func() {
		if err != nil {
			_ = h.Release()
		}
	}()

	h.scratch, err = os.MkdirTemp(scratchBaseDir, "cuenv-sandbox-")
	if err != nil {
		return nil, &platform.StageError{Stage: "prepare", Err: err}
	}

	var resolvConf string
	if pol.RestrictNetwork {
		resolvConf, err = proxy.WriteResolvConf(h.scratch, "127.0.0.1")
		if err != nil {
			return nil, &platform.StageError{Stage: "prepare", Err: err}
		}
	}

	workDir := cmd.Dir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return nil, &platform.StageError{Stage: "prepare", Err: err}
		}
	}

	parentEnd, childEnd, err := newControlPair()
	if err != nil {
		return nil, &platform.StageError{Stage: "prepare", Err: err}
	}

	init := exec.Command(selfExeFn())
	init.Args = []string{"cuenv-sandbox-init"}
	init.Env = []string{reExecEnvKey + "=" + strconv.Itoa(controlFD)}
	init.Stdin, init.Stdout, init.Stderr = cmd.Stdin, cmd.Stdout, cmd.Stderr
	init.ExtraFiles = []*os.File{childEnd}
	init.WaitDelay = processWaitDelay
	configureNamespaces(init, &pol, mapping)

	if err := init.Start(); err != nil {
		_ = childEnd.Close()
		_ = parentEnd.Close()
		return nil, &platform.StageError{Stage: "namespaces", Err: err}
	}
	_ = childEnd.Close()
	h.cmd = init
	h.stopWatch = context.AfterFunc(ctx, func() { _ = h.kill() })

	h.ctrl, err = newControlConn(parentEnd)
	if err != nil {
		return nil, &platform.StageError{Stage: "prepare", Err: err}
	}
	_ = h.ctrl.setDeadline(time.Now().Add(setupTimeout))

	args := cmd.Args
	if len(args) == 0 {
		args = []string{cmd.Path}
	}
	initMsg := &message{Kind: msgInit, Init: &initConfig{
		Policy:         pol,
		ResolvConf:     resolvConf,
		ScratchDir:     h.scratch,
		WorkDir:        workDir,
		Path:           cmd.Path,
		Args:           args,
		Env:            envutil.RemoveEnv(cmd.Environ(), reExecEnvKey),
		ResourceLimits: cfg.ResourceLimits,
		RootMapped:     mapping == mapRoot,
	}}
	if err := h.ctrl.send(initMsg); err != nil {
		return nil, h.setupErr(ctx, "init", err)
	}

	m, files, err := h.ctrl.expect(msgReady)
	if err != nil {
		return nil, h.setupErr(ctx, "init", err)
	}
	if m.Ready != nil {
		h.warnings = append(h.warnings, m.Ready.Warnings...)
	}

	if m.Ready != nil && m.Ready.HasDNS {
		if len(files) == 0 {
			return nil, &platform.StageError{Stage: "network", Err: errors.New("dns socket missing from ready message")}
		}
		closeAll(files[1:])
		if err := h.startDNS(files[0], &pol, cfg, logger); err != nil {
			return nil, &platform.StageError{Stage: "network", Err: err}
		}
	} else {
		closeAll(files)
	}

	if pol.RestrictNetwork && cfg.Slirp4netns != "" {
		if err := h.startSlirp(cfg.Slirp4netns, init.Process.Pid); err != nil {
			w := fmt.Sprintf("slirp4netns unavailable, sandbox has no outbound connectivity: %v", err)
			logger.Warn("slirp4netns attach failed", "error", err)
			h.warnings = append(h.warnings, w)
		}
	}

	if err := h.ctrl.send(&message{Kind: msgGo}); err != nil {
		return nil, h.setupErr(ctx, "init", err)
	}

	// EOF means the close-on-exec control socket went away with a
	// successful exec.
	if _, _, err := h.ctrl.expect(msgFailure); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("unexpected message after go")
		}
		return nil, h.setupErr(ctx, "exec", err)
	}
	_ = h.ctrl.setDeadline(time.Time{})

	logger.Debug("sandbox started",
		"pid", init.Process.Pid,
		"mapping", mapping.String(),
		"restrict_disk", pol.RestrictDisk,
		"restrict_network", pol.RestrictNetwork,
	)
	return h, nil
}

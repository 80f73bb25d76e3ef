//go:build linux

package linux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rawkode/cuenv-sub002/platform"
	"github.com/rawkode/cuenv-sub002/policy"
	"github.com/rawkode/cuenv-sub002/proxy"
)

// slirpReadyTimeout bounds how long slirp4netns may take to configure tap0.
const slirpReadyTimeout = 10 * time.Second

// handle owns one running sandbox and everything created for it.
type handle struct {
	cmd       *exec.Cmd
	ctrl      *controlConn
	dns       *proxy.Server
	slirp     *exec.Cmd
	scratch   string
	warnings  []string
	logger    *slog.Logger
	stopWatch func() bool

	exited      atomic.Bool
	waitOnce    sync.Once
	waitErr     error
	releaseOnce sync.Once
	releaseErr  error
}

var _ platform.Handle = (*handle)(nil)

func (h *handle) Pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *handle) Warnings() []string {
	return slices.Clone(h.warnings)
}

// Wait blocks until the task exits and then tears the sandbox down. The
// returned error is the task's own exit status; teardown problems are
// logged.
func (h *handle) Wait() error {
	err := h.wait()
	if rerr := h.Release(); rerr != nil {
		h.logger.Warn("sandbox teardown incomplete", "error", rerr)
	}
	return err
}

func (h *handle) wait() error {
	h.waitOnce.Do(func() {
		if h.cmd == nil || h.cmd.Process == nil {
			return
		}
		h.waitErr = h.cmd.Wait()
		h.exited.Store(true)
	})
	return h.waitErr
}

// kill sends SIGKILL to the sandbox process group. The init runs in its
// own session, so the group contains every task descendant that did not
// start a new session of its own; those die with the PID namespace.
func (h *handle) kill() error {
	if h.cmd == nil || h.cmd.Process == nil || h.exited.Load() {
		return nil
	}
	pid := h.cmd.Process.Pid
	if pid <= 1 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Release stops the task if it is still running and frees the DNS proxy,
// slirp4netns, the control socket and the scratch directory. It is safe to
// call more than once and concurrently with Wait.
func (h *handle) Release() error {
	h.releaseOnce.Do(func() {
		if h.stopWatch != nil {
			h.stopWatch()
		}
		var errs []error
		if err := h.kill(); err != nil {
			errs = append(errs, fmt.Errorf("kill sandbox: %w", err))
		}
		_ = h.wait()
		if h.ctrl != nil {
			_ = h.ctrl.Close()
		}
		if h.dns != nil {
			if err := h.dns.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close dns proxy: %w", err))
			}
		}
		if h.slirp != nil && h.slirp.Process != nil {
			_ = h.slirp.Process.Kill()
			_ = h.slirp.Wait()
		}
		if h.scratch != "" {
			if err := os.RemoveAll(h.scratch); err != nil {
				errs = append(errs, fmt.Errorf("remove scratch dir: %w", err))
			}
		}
		h.releaseErr = errors.Join(errs...)
	})
	return h.releaseErr
}

// setupErr classifies an error seen while talking to the sandbox init.
func (h *handle) setupErr(ctx context.Context, stage string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("sandbox start: %w", ctx.Err())
	}
	var se *platform.StageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, io.EOF) {
		_ = h.kill()
		werr := h.wait()
		return &platform.StageError{Stage: stage, Err: fmt.Errorf("sandbox init exited before reporting: %v", werr)}
	}
	return &platform.StageError{Stage: stage, Err: err}
}

// startDNS serves the sandbox's loopback DNS socket from the host side.
func (h *handle) startDNS(f *os.File, pol *policy.SandboxPolicy, cfg *platform.WrapConfig, logger *slog.Logger) error {
	pc, err := net.FilePacketConn(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("dns socket: %w", err)
	}
	srv, err := proxy.NewServer(&proxy.Config{
		Filter:      func(name string) bool { return pol.Decide(name) == policy.Allow },
		Upstream:    cfg.DNS.Upstream,
		Timeout:     cfg.DNS.Timeout,
		StrictTypes: cfg.DNS.StrictTypes,
		Logger:      logger,
	})
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := srv.Start(pc); err != nil {
		_ = pc.Close()
		return err
	}
	h.dns = srv
	return nil
}

// startSlirp attaches slirp4netns to the sandbox network namespace and
// waits for it to report that tap0 is configured.
func (h *handle) startSlirp(path string, pid int) error {
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	defer r.Close()

	c := exec.Command(path,
		"--configure",
		"--mtu=65520",
		"--disable-host-loopback",
		"--disable-dns",
		"--ready-fd=3",
		strconv.Itoa(pid),
		"tap0",
	)
	c.ExtraFiles = []*os.File{w}
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Pdeathsig: syscall.SIGKILL}
	if err := c.Start(); err != nil {
		_ = w.Close()
		return err
	}
	_ = w.Close()
	h.slirp = c

	_ = r.SetReadDeadline(time.Now().Add(slirpReadyTimeout))
	buf := make([]byte, 1)
	if _, err := r.Read(buf); err != nil {
		_ = c.Process.Kill()
		_ = c.Wait()
		h.slirp = nil
		if errors.Is(err, io.EOF) {
			return errors.New("slirp4netns exited before becoming ready")
		}
		return err
	}
	return nil
}

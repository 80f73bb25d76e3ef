package platform

import (
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/rawkode/cuenv-sub002/policy"
)

// Platform defines the interface for OS-specific sandbox implementations.
type Platform interface {
	// Name returns a human-readable identifier for this platform
	// (e.g., "linux-namespace").
	Name() string

	// Available reports whether this platform's sandbox mechanism is
	// functional on the current system.
	Available() bool

	// CheckDependencies inspects the system for required and optional
	// dependencies needed by this platform.
	CheckDependencies() *DependencyCheck

	// Start launches cmd inside a sandbox built from cfg. cmd supplies the
	// program, arguments, environment, working directory and stdio; it is
	// not started itself. Errors wrap ErrIsolationUnavailable when the
	// sandbox could not be built and ErrSpawnFailed when the program could
	// not be executed inside it.
	Start(ctx context.Context, cmd *exec.Cmd, cfg *WrapConfig) (Handle, error)

	// Cleanup releases all platform-specific resources.
	Cleanup(ctx context.Context) error

	// Capabilities returns the set of isolation features this platform supports.
	Capabilities() Capabilities
}

// Handle is a running sandboxed process and the resources backing it.
type Handle interface {
	// Pid returns the host pid of the sandbox init process.
	Pid() int

	// Wait waits for the process to exit and then releases the handle.
	// A non-zero exit is reported as *exec.ExitError.
	Wait() error

	// Release kills the process if it is still running and frees every
	// resource owned by the handle. It is idempotent.
	Release() error

	// Warnings returns non-fatal issues met while building the sandbox.
	Warnings() []string
}

// DependencyCheck holds the result of a dependency check.
type DependencyCheck struct {
	// Errors lists critical missing dependencies that prevent sandboxing.
	Errors []string

	// Warnings lists non-critical issues that may degrade functionality.
	Warnings []string
}

// OK returns true if no critical dependency errors were found.
func (d *DependencyCheck) OK() bool {
	return len(d.Errors) == 0
}

// Capabilities describes what isolation features a platform supports.
type Capabilities struct {
	// FilesystemIsolation indicates the platform can hide everything but
	// the granted paths (mount namespace and pivot_root).
	FilesystemIsolation bool

	// Landlock indicates the kernel supports Landlock as a second
	// filesystem layer.
	Landlock bool

	// NetworkIsolation indicates the platform can give the process its own
	// network namespace.
	NetworkIsolation bool

	// DNSFiltering indicates the platform can answer name lookups through
	// the filtering proxy.
	DNSFiltering bool

	// OutboundRouting indicates slirp4netns is installed, so a restricted
	// sandbox can still reach allowed hosts.
	OutboundRouting bool

	// PIDIsolation indicates the platform can isolate process IDs.
	PIDIsolation bool

	// SyscallFilter indicates the platform can filter system calls (e.g., seccomp).
	SyscallFilter bool

	// ProcessHarden indicates the platform can apply process hardening measures.
	ProcessHarden bool
}

// DNSConfig configures the per-sandbox filtering DNS proxy.
type DNSConfig struct {
	// Upstream is the resolver allowed queries are forwarded to.
	Upstream string

	// Timeout bounds each upstream exchange.
	Timeout time.Duration

	// StrictTypes rejects query types other than A, AAAA and CNAME.
	StrictTypes bool
}

// WrapConfig is the configuration passed to Platform.Start. It describes
// the sandbox for a single command execution.
type WrapConfig struct {
	// Policy is the evaluated rule set. It must not be nil.
	Policy *policy.SandboxPolicy

	// DNS configures the filtering proxy used when Policy restricts the
	// network.
	DNS DNSConfig

	// Slirp4netns is the path of the slirp4netns binary. When set and the
	// network is restricted, the sandbox gets outbound connectivity through
	// it. Empty disables the attachment.
	Slirp4netns string

	// ResourceLimits specifies resource constraints for the sandboxed process.
	ResourceLimits *ResourceLimits

	// Logger receives sandbox lifecycle events. If nil, slog.Default is used.
	Logger *slog.Logger
}

// ResourceLimits specifies resource constraints for sandboxed processes.
type ResourceLimits struct {
	// MaxProcesses is the maximum number of processes the sandbox may spawn.
	MaxProcesses int `cbor:"max_processes,omitempty" yaml:"max_processes" json:"max_processes"`

	// MaxMemoryBytes is the maximum memory in bytes the sandbox may use.
	MaxMemoryBytes int64 `cbor:"max_memory_bytes,omitempty" yaml:"max_memory_bytes" json:"max_memory_bytes"`

	// MaxFileDescriptors is the maximum number of open file descriptors.
	MaxFileDescriptors int `cbor:"max_file_descriptors,omitempty" yaml:"max_file_descriptors" json:"max_file_descriptors"`

	// MaxCPUSeconds is the maximum CPU time in seconds.
	MaxCPUSeconds int `cbor:"max_cpu_seconds,omitempty" yaml:"max_cpu_seconds" json:"max_cpu_seconds"`
}

// DefaultResourceLimits returns the default resource limits for sandboxed processes.
func DefaultResourceLimits() *ResourceLimits {
	return &ResourceLimits{
		MaxProcesses:       1024,
		MaxMemoryBytes:     2 * 1024 * 1024 * 1024, // 2 GB
		MaxFileDescriptors: 1024,
		MaxCPUSeconds:      0, // unlimited
	}
}

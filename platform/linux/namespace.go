//go:build linux

package linux

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/rawkode/cuenv-sub002/platform"
	"github.com/rawkode/cuenv-sub002/policy"
)

// idMapping selects how the invoking user appears inside the user namespace.
type idMapping int

const (
	// mapIdentity keeps the invoking uid/gid and grants setup capabilities
	// as ambient capabilities. The init clears them before exec.
	mapIdentity idMapping = iota

	// mapRoot maps the invoking user to root. Used when mapIdentity is
	// refused by the kernel.
	mapRoot
)

func (m idMapping) String() string {
	switch m {
	case mapIdentity:
		return "identity"
	case mapRoot:
		return "root"
	default:
		return fmt.Sprintf("idMapping(%d)", int(m))
	}
}

// Capabilities needed by the sandbox init for mounts, bringing up lo and
// binding port 53.
const (
	capNetBindService = 10
	capNetAdmin       = 12
	capSysAdmin       = 21
)

var (
	getuidFn = os.Getuid
	getgidFn = os.Getgid
)

// configureNamespaces sets up namespace isolation on the re-exec command.
// User, mount, PID, IPC and UTS namespaces are always created; a network
// namespace is added when the policy restricts the network.
func configureNamespaces(cmd *exec.Cmd, pol *policy.SandboxPolicy, mapping idMapping) {
	flags := unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWIPC | unix.CLONE_NEWUTS
	if pol != nil && pol.RestrictNetwork {
		flags |= unix.CLONE_NEWNET
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	attr := cmd.SysProcAttr
	attr.Cloneflags = uintptr(flags)
	attr.Setsid = true
	attr.Pdeathsig = syscall.SIGKILL
	attr.GidMappingsEnableSetgroups = false

	uid, gid := getuidFn(), getgidFn()
	switch mapping {
	case mapRoot:
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: uid, Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: gid, Size: 1}}
		attr.Credential = nil
		attr.AmbientCaps = nil
	default:
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}}
		attr.Credential = &syscall.Credential{
			Uid:         uint32(uid), //nolint:gosec // uids fit in uint32
			Gid:         uint32(gid), //nolint:gosec // gids fit in uint32
			NoSetGroups: true,
		}
		attr.AmbientCaps = []uintptr{capSysAdmin, capNetAdmin, capNetBindService}
	}
}

// rlimitEntry pairs a resource type with its limit value.
type rlimitEntry struct {
	resource int
	name     string
	rlimit   unix.Rlimit
}

// resourceLimitEntries converts limits into setrlimit calls. Zero fields
// are left alone.
func resourceLimitEntries(limits *platform.ResourceLimits) []rlimitEntry {
	if limits == nil {
		return nil
	}
	var entries []rlimitEntry
	add := func(resource int, name string, v uint64) {
		entries = append(entries, rlimitEntry{resource: resource, name: name, rlimit: unix.Rlimit{Cur: v, Max: v}})
	}
	if limits.MaxProcesses > 0 {
		add(unix.RLIMIT_NPROC, "RLIMIT_NPROC", uint64(limits.MaxProcesses))
	}
	if limits.MaxFileDescriptors > 0 {
		add(unix.RLIMIT_NOFILE, "RLIMIT_NOFILE", uint64(limits.MaxFileDescriptors))
	}
	if limits.MaxMemoryBytes > 0 {
		add(unix.RLIMIT_AS, "RLIMIT_AS", uint64(limits.MaxMemoryBytes))
	}
	if limits.MaxCPUSeconds > 0 {
		add(unix.RLIMIT_CPU, "RLIMIT_CPU", uint64(limits.MaxCPUSeconds))
	}
	return entries
}

// applyResourceLimits sets rlimits on the current process. It runs in the
// sandbox init just before exec so the parent is never affected.
func applyResourceLimits(limits *platform.ResourceLimits) error {
	for _, e := range resourceLimitEntries(limits) {
		if err := setrlimitFunc(e.resource, &e.rlimit); err != nil {
			return fmt.Errorf("setrlimit(%s): %w", e.name, err)
		}
	}
	return nil
}

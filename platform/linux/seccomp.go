//go:build linux

package linux

import (
	"fmt"
	"runtime"
	"syscall"
	"unsafe"
)

// BPF instruction constants for seccomp filter.
const (
	bpfLD  = 0x00
	bpfJMP = 0x05
	bpfRET = 0x06
	bpfW   = 0x00
	bpfABS = 0x20
	bpfJEQ = 0x10
	bpfK   = 0x00

	// seccomp constants.
	seccompSetModeFilter = 2 // SECCOMP_MODE_FILTER (not SECCOMP_MODE_STRICT which is 1)
	seccompRetAllow      = 0x7fff0000
	seccompRetErrno      = 0x00050000 // SECCOMP_RET_ERRNO
	seccompRetKill       = 0x00000000 // SECCOMP_RET_KILL

	// Audit architecture constants.
	auditArchX86_64  = 0xc000003e
	auditArchAarch64 = 0xc00000b7

	// Offsets into struct seccomp_data.
	seccompDataArchOffset = 4
	seccompDataArgsOffset = 16

	epermErrno = 1

	// Socket families.
	afUnix = 1
)

// sockFprog is the BPF program structure for seccomp.
type sockFprog struct {
	len    uint16
	_      [6]byte // padding
	filter unsafe.Pointer
}

// sockFilter is a single BPF instruction.
type sockFilter struct {
	code uint16
	jt   uint8
	jf   uint8
	k    uint32
}

// Architecture constants for GOARCH strings.
const (
	archAMD64 = "amd64"
	archARM64 = "arm64"
)

// seccompSyscalls holds architecture-specific syscall numbers used by the
// seccomp BPF filter.
type seccompSyscalls struct {
	auditArch  uint32
	sysSocket  uint32
	sysPtrace  uint32
	sysMount   uint32
	sysUmount2 uint32
	sysReboot  uint32
	sysSwapon  uint32
	sysSwapoff uint32
	sysMknod   uint32
	sysMknodat uint32
}

// seccompSyscallsFor returns the full set of architecture-specific syscall
// numbers for the given GOARCH string.
func seccompSyscallsFor(goarch string) (seccompSyscalls, error) {
	switch goarch {
	case archAMD64:
		return seccompSyscalls{
			auditArch:  auditArchX86_64,
			sysSocket:  41,
			sysPtrace:  101,
			sysMount:   165,
			sysUmount2: 166,
			sysReboot:  169,
			sysSwapon:  167,
			sysSwapoff: 168,
			sysMknod:   133,
			sysMknodat: 259,
		}, nil
	case archARM64:
		return seccompSyscalls{
			auditArch:  auditArchAarch64,
			sysSocket:  198,
			sysPtrace:  117,
			sysMount:   40,
			sysUmount2: 39,
			sysReboot:  142,
			sysSwapon:  224,
			sysSwapoff: 225,
			sysMknod:   0, // arm64 does not have mknod; only mknodat
			sysMknodat: 33,
		}, nil
	default:
		return seccompSyscalls{}, fmt.Errorf("unsupported architecture for seccomp: %s", goarch)
	}
}

// seccompSyscallsFn is a function variable for full syscall lookup, allowing
// tests to override it.
var seccompSyscallsFn = func() (seccompSyscalls, error) {
	return seccompSyscallsFor(runtime.GOARCH)
}

// seccompPrctlFn is a function variable for the prctl syscall used to apply
// seccomp filters. Tests can override this to avoid irreversible process changes.
var seccompPrctlFn = syscall.Syscall

// buildSeccompFilter constructs the BPF filter for seccomp. Syscalls that
// do not exist on the architecture (mknod on arm64) are left out. When
// blockUnix is set, socket(AF_UNIX, ...) fails with EPERM.
//
// Layout:
//
//	[0]     load arch
//	[1]     arch mismatch -> KILL
//	[2]     load syscall nr
//	[3]     SYS_socket -> socket arg check     (blockUnix only)
//	[h..]   one check per blocked syscall -> EPERM
//	        ALLOW
//	        load args[0]; AF_UNIX -> EPERM; ALLOW  (blockUnix only)
//	        EPERM
//	        KILL
func buildSeccompFilter(sc seccompSyscalls, blockUnix bool) []sockFilter {
	blocked := []uint32{
		sc.sysPtrace,
		sc.sysMount,
		sc.sysUmount2,
		sc.sysReboot,
		sc.sysSwapon,
		sc.sysSwapoff,
	}
	if sc.sysMknod != 0 {
		blocked = append(blocked, sc.sysMknod)
	}
	if sc.sysMknodat != 0 {
		blocked = append(blocked, sc.sysMknodat)
	}

	head := 3
	if blockUnix {
		head = 4
	}
	allowIdx := head + len(blocked)
	socketArgIdx := allowIdx + 1
	epermIdx := allowIdx + 1
	if blockUnix {
		epermIdx = allowIdx + 4
	}
	killIdx := epermIdx + 1

	filter := make([]sockFilter, 0, killIdx+1)

	filter = append(filter, sockFilter{code: bpfLD | bpfW | bpfABS, k: seccompDataArchOffset})
	filter = append(filter, sockFilter{code: bpfJMP | bpfJEQ | bpfK, jt: 0, jf: uint8(killIdx - 1 - 1), k: sc.auditArch}) //nolint:gosec
	filter = append(filter, sockFilter{code: bpfLD | bpfW | bpfABS, k: 0})
	if blockUnix {
		filter = append(filter, sockFilter{code: bpfJMP | bpfJEQ | bpfK, jt: uint8(socketArgIdx - 3 - 1), jf: 0, k: sc.sysSocket}) //nolint:gosec
	}
	for i, nr := range blocked {
		idx := head + i
		filter = append(filter, sockFilter{code: bpfJMP | bpfJEQ | bpfK, jt: uint8(epermIdx - idx - 1), jf: 0, k: nr}) //nolint:gosec
	}
	filter = append(filter, sockFilter{code: bpfRET | bpfK, k: seccompRetAllow})
	if blockUnix {
		filter = append(filter, sockFilter{code: bpfLD | bpfW | bpfABS, k: seccompDataArgsOffset})
		filter = append(filter, sockFilter{code: bpfJMP | bpfJEQ | bpfK, jt: 1, jf: 0, k: afUnix})
		filter = append(filter, sockFilter{code: bpfRET | bpfK, k: seccompRetAllow})
	}
	filter = append(filter, sockFilter{code: bpfRET | bpfK, k: seccompRetErrno | epermErrno})
	filter = append(filter, sockFilter{code: bpfRET | bpfK, k: seccompRetKill})

	return filter
}

// ApplySeccomp installs a filter that blocks ptrace, mount, umount2, reboot,
// swapon, swapoff, mknod and mknodat with EPERM. With blockUnix it also
// refuses AF_UNIX sockets, so a network-restricted task cannot reach host
// daemons through sockets visible in its filesystem view.
func ApplySeccomp(blockUnix bool) error {
	sc, err := seccompSyscallsFn()
	if err != nil {
		return fmt.Errorf("seccomp: %w", err)
	}

	filter := buildSeccompFilter(sc, blockUnix)

	prog := sockFprog{
		len:    uint16(len(filter)), //nolint:gosec // filter length is bounded by seccomp BPF limits
		filter: unsafe.Pointer(&filter[0]),
	}

	_, _, errno := seccompPrctlFn(
		syscall.SYS_PRCTL,
		syscall.PR_SET_SECCOMP,
		uintptr(seccompSetModeFilter),
		uintptr(unsafe.Pointer(&prog)),
	)
	if errno != 0 {
		return errno
	}

	return nil
}

//go:build linux

package linux

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// prctlFunc is a function variable for the prctl syscall, overridden in tests.
var prctlFunc = func(option, arg2, arg3, arg4, arg5, arg6 uintptr) (uintptr, uintptr, unix.Errno) {
	return unix.Syscall6(unix.SYS_PRCTL, option, arg2, arg3, arg4, arg5, arg6)
}

// setrlimitFunc is a function variable for setrlimit, overridden in tests.
var setrlimitFunc = unix.Setrlimit

// hardenProcess applies process hardening measures to the current process:
//   - PR_SET_NO_NEW_PRIVS: the task can never gain privileges through exec.
//   - PR_SET_DUMPABLE = 0: prevents core dumps and ptrace attachment.
//   - RLIMIT_CORE = 0: ensures no core dump files are written.
func hardenProcess() error {
	if _, _, errno := prctlFunc(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0, 0); errno != 0 {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %w", errno)
	}

	if _, _, errno := prctlFunc(unix.PR_SET_DUMPABLE, 0, 0, 0, 0, 0); errno != 0 {
		return fmt.Errorf("prctl(PR_SET_DUMPABLE): %w", errno)
	}

	rlimit := unix.Rlimit{Cur: 0, Max: 0}
	if err := setrlimitFunc(unix.RLIMIT_CORE, &rlimit); err != nil {
		return fmt.Errorf("setrlimit(RLIMIT_CORE): %w", err)
	}

	return nil
}

// clearAmbientCaps drops the setup capabilities so the exec'd task runs
// with none.
func clearAmbientCaps() error {
	if _, _, errno := prctlFunc(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0, 0); errno != 0 {
		// Kernels before 4.3 have no ambient set, so nothing to clear.
		if errno == unix.EINVAL {
			return nil
		}
		return fmt.Errorf("prctl(PR_CAP_AMBIENT_CLEAR_ALL): %w", errno)
	}
	return nil
}

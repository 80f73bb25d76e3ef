//go:build linux

// Package linux implements the sandbox platform on Linux.
//
// A sandbox is a re-execution of the current binary inside new user, mount,
// PID, IPC and UTS namespaces, plus a network namespace when the policy
// restricts the network. The re-executed init talks to its parent over a
// SOCK_SEQPACKET control socket: it receives its configuration, builds the
// mount view, hands back a bound DNS socket, waits for the go-ahead and
// finally hardens itself and execs the task.
//
// Binaries using this package must call MaybeSandboxInit at the top of main.
package linux

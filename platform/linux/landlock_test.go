//go:build linux

package linux

import (
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"unsafe"

	"github.com/rawkode/cuenv-sub002/policy"
)

func saveLandlockFns(t *testing.T) {
	t.Helper()
	origCreate := landlockCreateRulesetFn
	origAddRule := landlockAddRuleFn
	origRestrict := landlockRestrictSelfFn
	origOpen := openPathFn
	origClose := closePathFn
	origStat := statPathFn
	t.Cleanup(func() {
		landlockCreateRulesetFn = origCreate
		landlockAddRuleFn = origAddRule
		landlockRestrictSelfFn = origRestrict
		openPathFn = origOpen
		closePathFn = origClose
		statPathFn = origStat
	})
}

// mockLandlock simulates a kernel with the given ABI. The first
// create_ruleset call is the version probe; later calls return a fake fd.
// Every rule added is recorded as path -> access.
func mockLandlock(t *testing.T, abi uintptr) map[string]uint64 {
	t.Helper()
	saveLandlockFns(t)

	rules := make(map[string]uint64)
	fdPath := make(map[int]string)
	nextFd := 10

	var createCalls atomic.Int64
	landlockCreateRulesetFn = func(attr, size, flags uintptr) (uintptr, uintptr, syscall.Errno) {
		if createCalls.Add(1) == 1 {
			return abi, 0, 0
		}
		return 42, 0, 0
	}
	openPathFn = func(path string, flags int, mode uint32) (int, error) {
		nextFd++
		fdPath[nextFd] = path
		return nextFd, nil
	}
	closePathFn = func(fd int) error { return nil }
	statPathFn = func(path string) (os.FileInfo, error) { return nil, nil }
	landlockAddRuleFn = func(rulesetFd, ruleType, ruleAttr, flags, _, _ uintptr) (uintptr, uintptr, syscall.Errno) {
		attr := (*landlockPathBeneathAttr)(unsafe.Pointer(ruleAttr)) //nolint:govet // test-only decoding of the rule
		rules[fdPath[int(attr.parentFd)]] = attr.allowedAccess
		return 0, 0, 0
	}
	landlockRestrictSelfFn = func(rulesetFd, flags, _ uintptr) (uintptr, uintptr, syscall.Errno) {
		return 0, 0, 0
	}
	return rules
}

func TestDetectLandlock(t *testing.T) {
	tests := []struct {
		abi      uintptr
		errno    syscall.Errno
		want     bool
		contains string
		excludes string
	}{
		{abi: 1, want: true, contains: "fs access", excludes: "refer"},
		{abi: 2, want: true, contains: "refer", excludes: "truncate"},
		{abi: 3, want: true, contains: "truncate"},
		{errno: syscall.ENOSYS, contains: "landlock not available"},
	}
	for _, tt := range tests {
		saveLandlockFns(t)
		landlockCreateRulesetFn = func(attr, size, flags uintptr) (uintptr, uintptr, syscall.Errno) {
			return tt.abi, 0, tt.errno
		}
		info := DetectLandlock()
		if info.Supported != tt.want {
			t.Errorf("abi %d: Supported = %v, want %v", tt.abi, info.Supported, tt.want)
		}
		if tt.want && info.ABIVersion != int(tt.abi) {
			t.Errorf("abi %d: ABIVersion = %d", tt.abi, info.ABIVersion)
		}
		if !strings.Contains(info.Features, tt.contains) {
			t.Errorf("abi %d: Features = %q, want %q", tt.abi, info.Features, tt.contains)
		}
		if tt.excludes != "" && strings.Contains(info.Features, tt.excludes) {
			t.Errorf("abi %d: Features = %q, must not contain %q", tt.abi, info.Features, tt.excludes)
		}
	}
}

func TestApplyLandlock_Unsupported(t *testing.T) {
	saveLandlockFns(t)
	landlockCreateRulesetFn = func(attr, size, flags uintptr) (uintptr, uintptr, syscall.Errno) {
		return 0, 0, syscall.ENOSYS
	}
	err := applyLandlock(&policy.SandboxPolicy{RestrictDisk: true})
	if err == nil || !strings.Contains(err.Error(), "kernel >= 5.13") {
		t.Fatalf("applyLandlock() = %v, want unsupported error", err)
	}
}

func TestApplyLandlock_PolicyPaths(t *testing.T) {
	rules := mockLandlock(t, 1)
	pol := &policy.SandboxPolicy{
		RestrictDisk:   true,
		ReadOnlyPaths:  []string{"/srv/ro"},
		ReadWritePaths: []string{"/srv/rw"},
	}
	if err := applyLandlock(pol); err != nil {
		t.Fatalf("applyLandlock() error: %v", err)
	}

	if rules["/srv/rw"]&accessFSWriteFile == 0 {
		t.Errorf("/srv/rw access = %#x, want write", rules["/srv/rw"])
	}
	if got := rules["/srv/ro"]; got&accessFSWriteFile != 0 || got&accessFSReadFile == 0 {
		t.Errorf("/srv/ro access = %#x, want read-only", got)
	}
	if rules["/tmp"]&accessFSWriteFile == 0 {
		t.Errorf("/tmp should be writable, got %#x", rules["/tmp"])
	}
	if got := rules["/usr"]; got == 0 || got&accessFSWriteFile != 0 {
		t.Errorf("/usr access = %#x, want read-only", got)
	}
}

func TestApplyLandlock_ABIAccessBits(t *testing.T) {
	for _, abi := range []uintptr{1, 2, 3} {
		rules := mockLandlock(t, abi)
		if err := applyLandlock(&policy.SandboxPolicy{ReadWritePaths: []string{"/w"}}); err != nil {
			t.Fatalf("abi %d: %v", abi, err)
		}
		got := rules["/w"]
		if (got&accessFSRefer != 0) != (abi >= 2) {
			t.Errorf("abi %d: refer bit = %v", abi, got&accessFSRefer != 0)
		}
		if (got&accessFSTruncate != 0) != (abi >= 3) {
			t.Errorf("abi %d: truncate bit = %v", abi, got&accessFSTruncate != 0)
		}
	}
}

func TestApplyLandlock_MissingPathsSkipped(t *testing.T) {
	rules := mockLandlock(t, 1)
	statPathFn = func(path string) (os.FileInfo, error) {
		if path == "/gone" {
			return nil, os.ErrNotExist
		}
		return nil, nil
	}
	pol := &policy.SandboxPolicy{ReadOnlyPaths: []string{"/gone"}, ReadWritePaths: []string{"/here"}}
	if err := applyLandlock(pol); err != nil {
		t.Fatalf("applyLandlock() error: %v", err)
	}
	if _, ok := rules["/gone"]; ok {
		t.Error("missing path must not get a rule")
	}
	if _, ok := rules["/here"]; !ok {
		t.Error("existing path must get a rule")
	}
}

func TestApplyLandlock_Errors(t *testing.T) {
	t.Run("create ruleset", func(t *testing.T) {
		mockLandlock(t, 1)
		var calls atomic.Int64
		landlockCreateRulesetFn = func(attr, size, flags uintptr) (uintptr, uintptr, syscall.Errno) {
			if calls.Add(1) == 1 {
				return 1, 0, 0
			}
			return 0, 0, syscall.ENOMEM
		}
		err := applyLandlock(&policy.SandboxPolicy{})
		if err == nil || !strings.Contains(err.Error(), "landlock_create_ruleset") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("writable rule", func(t *testing.T) {
		mockLandlock(t, 1)
		landlockAddRuleFn = func(rulesetFd, ruleType, ruleAttr, flags, _, _ uintptr) (uintptr, uintptr, syscall.Errno) {
			return 0, 0, syscall.EINVAL
		}
		err := applyLandlock(&policy.SandboxPolicy{ReadWritePaths: []string{"/w"}})
		if err == nil || !strings.Contains(err.Error(), "landlock add writable rule") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("read-only rule", func(t *testing.T) {
		mockLandlock(t, 1)
		openPathFn = func(path string, flags int, mode uint32) (int, error) {
			return -1, syscall.EACCES
		}
		err := applyLandlock(&policy.SandboxPolicy{ReadOnlyPaths: []string{"/r"}})
		if err == nil || !strings.Contains(err.Error(), "landlock add read-only rule") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("system path rule is not fatal", func(t *testing.T) {
		mockLandlock(t, 1)
		landlockAddRuleFn = func(rulesetFd, ruleType, ruleAttr, flags, _, _ uintptr) (uintptr, uintptr, syscall.Errno) {
			return 0, 0, syscall.EINVAL
		}
		if err := applyLandlock(&policy.SandboxPolicy{}); err != nil {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("restrict self", func(t *testing.T) {
		mockLandlock(t, 1)
		landlockRestrictSelfFn = func(rulesetFd, flags, _ uintptr) (uintptr, uintptr, syscall.Errno) {
			return 0, 0, syscall.EPERM
		}
		err := applyLandlock(&policy.SandboxPolicy{})
		if err == nil || !strings.Contains(err.Error(), "landlock_restrict_self") {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestLandlockDefaultPaths(t *testing.T) {
	for _, p := range []string{"/usr", "/etc", "/proc"} {
		if !slices.Contains(landlockReadPaths, p) {
			t.Errorf("landlockReadPaths missing %s", p)
		}
	}
	for _, p := range []string{"/tmp", "/dev"} {
		if !slices.Contains(landlockWritePaths, p) {
			t.Errorf("landlockWritePaths missing %s", p)
		}
	}
}

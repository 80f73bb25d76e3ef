//go:build linux

package linux

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// KernelVersion represents a parsed Linux kernel version.
type KernelVersion struct {
	Major, Minor, Patch int
}

// readProcVersion reads /proc/version.
// It is overridden in tests to simulate errors.
var readProcVersion = func() ([]byte, error) {
	return os.ReadFile("/proc/version")
}

// DetectKernelVersion reads and parses the running kernel version from /proc/version.
func DetectKernelVersion() (KernelVersion, error) {
	data, err := readProcVersion()
	if err != nil {
		return KernelVersion{}, fmt.Errorf("read /proc/version: %w", err)
	}
	// /proc/version format: "Linux version X.Y.Z-... (...)"
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return KernelVersion{}, errors.New("unexpected /proc/version format")
	}
	return ParseKernelVersion(fields[2])
}

// ParseKernelVersion parses a kernel version string like "5.15.0-generic" into
// a KernelVersion. Only the major.minor.patch components are extracted; any
// trailing suffix (e.g., "-generic") is ignored.
func ParseKernelVersion(s string) (KernelVersion, error) {
	// Strip everything after the first hyphen or space.
	if idx := strings.IndexAny(s, "- "); idx != -1 {
		s = s[:idx]
	}
	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 2 {
		return KernelVersion{}, fmt.Errorf("invalid kernel version: %q", s)
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return KernelVersion{}, fmt.Errorf("invalid major version in %q: %w", s, err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return KernelVersion{}, fmt.Errorf("invalid minor version in %q: %w", s, err)
	}

	var patch int
	if len(parts) == 3 && parts[2] != "" {
		patch, err = strconv.Atoi(parts[2])
		if err != nil {
			return KernelVersion{}, fmt.Errorf("invalid patch version in %q: %w", s, err)
		}
	}

	return KernelVersion{Major: major, Minor: minor, Patch: patch}, nil
}

// AtLeast reports whether v is at least major.minor.
func (v KernelVersion) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// String returns the version in "major.minor.patch" format.
func (v KernelVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// readSysctlFn reads a /proc/sys entry. It is overridden in tests.
var readSysctlFn = func(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// UsernsInfo describes whether unprivileged user namespaces can be created.
type UsernsInfo struct {
	// Allowed is false when a sysctl disables unprivileged user namespaces.
	Allowed bool

	// Reason explains why Allowed is false.
	Reason string

	// AppArmorRestricted reports that AppArmor confines unprivileged user
	// namespaces. Creation may still work for binaries with a profile.
	AppArmorRestricted bool
}

// DetectUserNamespaces inspects the sysctls that gate unprivileged user
// namespaces. Missing entries are treated as permissive.
func DetectUserNamespaces() UsernsInfo {
	info := UsernsInfo{Allowed: true}

	if v, err := readSysctlFn("/proc/sys/kernel/unprivileged_userns_clone"); err == nil && v == "0" {
		info.Allowed = false
		info.Reason = "kernel.unprivileged_userns_clone is 0"
	}
	if v, err := readSysctlFn("/proc/sys/user/max_user_namespaces"); err == nil && v == "0" {
		info.Allowed = false
		info.Reason = "user.max_user_namespaces is 0"
	}
	if v, err := readSysctlFn("/proc/sys/kernel/apparmor_restrict_unprivileged_userns"); err == nil && v == "1" {
		info.AppArmorRestricted = true
	}
	return info
}

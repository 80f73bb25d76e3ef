//go:build linux

package linux

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sys/unix"
)

// systemPaths are bound read-only into a disk-restricted sandbox so
// ordinary programs can run. Symlinks (merged /usr layouts) are recreated
// as symlinks.
var systemPaths = []string{
	"/usr", "/bin", "/sbin", "/lib", "/lib32", "/lib64", "/libx32", "/etc",
	"/run/systemd/resolve", "/run/current-system", "/nix/store",
}

const resolvConfPath = "/etc/resolv.conf"

// Function variables for mount syscalls, overridden in tests.
var (
	mountFn     = unix.Mount
	unmountFn   = unix.Unmount
	pivotRootFn = unix.PivotRoot
	statfsFn    = unix.Statfs
)

// bindSpec is one bind mount in the new root.
type bindSpec struct {
	src      string
	readOnly bool
}

// planBinds orders the policy's paths so that parents are mounted before
// the paths nested in them. A path listed both ways is writable.
func planBinds(ro, rw []string) []bindSpec {
	specs := make([]bindSpec, 0, len(ro)+len(rw))
	for _, p := range rw {
		specs = append(specs, bindSpec{src: filepath.Clean(p)})
	}
	for _, p := range ro {
		p = filepath.Clean(p)
		if slices.ContainsFunc(specs, func(s bindSpec) bool { return s.src == p }) {
			continue
		}
		specs = append(specs, bindSpec{src: p, readOnly: true})
	}
	slices.SortStableFunc(specs, func(a, b bindSpec) int {
		return strings.Count(a.src, "/") - strings.Count(b.src, "/")
	})
	return specs
}

// statfs flag to mount flag pairs that a read-only remount must carry over.
// Dropping a locked flag makes the kernel refuse the remount with EPERM.
var lockedFlagMap = []struct {
	st, ms uintptr
}{
	{unix.ST_NOSUID, unix.MS_NOSUID},
	{unix.ST_NODEV, unix.MS_NODEV},
	{unix.ST_NOEXEC, unix.MS_NOEXEC},
	{unix.ST_NOATIME, unix.MS_NOATIME},
	{unix.ST_NODIRATIME, unix.MS_NODIRATIME},
	{unix.ST_RELATIME, unix.MS_RELATIME},
}

func lockedMountFlags(statFlags int64) uintptr {
	var flags uintptr
	for _, f := range lockedFlagMap {
		if uintptr(statFlags)&f.st != 0 {
			flags |= f.ms
		}
	}
	return flags
}

// remountReadOnly turns the bind mount at dst read-only.
func remountReadOnly(dst string) error {
	var st unix.Statfs_t
	if err := statfsFn(dst, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", dst, err)
	}
	flags := unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY | lockedMountFlags(st.Flags)
	if err := mountFn("", dst, "", flags, ""); err != nil {
		return fmt.Errorf("remount %s read-only: %w", dst, err)
	}
	return nil
}

// ensureMountPoint creates an empty file or directory at dst matching the
// type of src.
func ensureMountPoint(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return nil
	}
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return os.MkdirAll(dst, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// bindInto binds src at the same path below root.
func bindInto(root, src string, readOnly bool) error {
	dst := filepath.Join(root, src)
	if err := ensureMountPoint(src, dst); err != nil {
		return fmt.Errorf("mount point for %s: %w", src, err)
	}
	if err := mountFn(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind %s: %w", src, err)
	}
	if readOnly {
		return remountReadOnly(dst)
	}
	return nil
}

// setupMounts builds the filesystem view described by cfg and returns
// non-fatal findings. It runs in the sandbox init with CAP_SYS_ADMIN over
// the new mount namespace.
func setupMounts(cfg *initConfig) ([]string, error) {
	if err := mountFn("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return nil, fmt.Errorf("make mounts private: %w", err)
	}

	// The target is resolved on the host view so a symlinked
	// /etc/resolv.conf (systemd-resolved) is shadowed where it points.
	var resolvTarget string
	if cfg.ResolvConf != "" {
		t, err := filepath.EvalSymlinks(resolvConfPath)
		switch {
		case err == nil:
			resolvTarget = t
		case cfg.Policy.RestrictDisk:
			resolvTarget = resolvConfPath
		default:
			return nil, fmt.Errorf("resolve %s: %w", resolvConfPath, err)
		}
	}

	if !cfg.Policy.RestrictDisk {
		if resolvTarget == "" {
			return nil, nil
		}
		if err := mountFn(cfg.ResolvConf, resolvTarget, "", unix.MS_BIND, ""); err != nil {
			return nil, fmt.Errorf("bind resolv.conf over %s: %w", resolvTarget, err)
		}
		return nil, remountReadOnly(resolvTarget)
	}

	return buildRoot(cfg, resolvTarget)
}

// buildRoot assembles a tmpfs root holding only the granted paths and
// pivots into it.
func buildRoot(cfg *initConfig, resolvTarget string) ([]string, error) {
	var warnings []string
	newRoot := filepath.Join(cfg.ScratchDir, "root")
	if err := os.MkdirAll(newRoot, 0o700); err != nil {
		return nil, fmt.Errorf("create new root: %w", err)
	}
	if err := mountFn("tmpfs", newRoot, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=0755"); err != nil {
		return nil, fmt.Errorf("mount tmpfs root: %w", err)
	}

	for _, p := range systemPaths {
		fi, err := os.Lstat(p)
		if err != nil {
			continue
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(p)
			if err != nil {
				return nil, fmt.Errorf("readlink %s: %w", p, err)
			}
			dst := filepath.Join(newRoot, p)
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return nil, err
			}
			if err := os.Symlink(target, dst); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, fmt.Errorf("symlink %s: %w", p, err)
			}
			continue
		}
		if err := bindInto(newRoot, p, true); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Join(newRoot, "proc"), 0o555); err != nil {
		return nil, err
	}
	if err := mountFn("proc", filepath.Join(newRoot, "proc"), "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		// Container runtimes that mask parts of /proc make a fresh
		// mount fail; a recursive bind keeps the masks.
		if err := mountFn("/proc", filepath.Join(newRoot, "proc"), "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return nil, fmt.Errorf("mount /proc: %w", err)
		}
		warnings = append(warnings, "fresh /proc not permitted, host /proc bound instead")
	}

	if err := os.MkdirAll(filepath.Join(newRoot, "dev"), 0o755); err != nil {
		return nil, err
	}
	if err := mountFn("/dev", filepath.Join(newRoot, "dev"), "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return nil, fmt.Errorf("bind /dev: %w", err)
	}

	// /tmp is mounted before the policy binds so granted paths below it
	// stay visible.
	tmp := filepath.Join(newRoot, "tmp")
	if err := os.MkdirAll(tmp, 0o1777); err != nil {
		return nil, err
	}
	if err := mountFn("tmpfs", tmp, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=1777"); err != nil {
		return nil, fmt.Errorf("mount /tmp: %w", err)
	}

	for _, b := range planBinds(cfg.Policy.ReadOnlyPaths, cfg.Policy.ReadWritePaths) {
		if _, err := os.Stat(b.src); err != nil {
			warnings = append(warnings, fmt.Sprintf("skipping %s: %v", b.src, err))
			continue
		}
		if err := bindInto(newRoot, b.src, b.readOnly); err != nil {
			return nil, err
		}
	}

	if resolvTarget != "" {
		dst := filepath.Join(newRoot, resolvTarget)
		if err := ensureMountPoint(cfg.ResolvConf, dst); err != nil {
			return nil, fmt.Errorf("resolv.conf mount point %s: %w", resolvTarget, err)
		}
		if err := mountFn(cfg.ResolvConf, dst, "", unix.MS_BIND, ""); err != nil {
			return nil, fmt.Errorf("bind resolv.conf over %s: %w", resolvTarget, err)
		}
		if err := remountReadOnly(dst); err != nil {
			return nil, err
		}
	}

	for _, p := range cfg.Policy.ProtectedPaths {
		dst := filepath.Join(newRoot, p)
		if _, err := os.Lstat(dst); err != nil {
			continue
		}
		if err := mountFn(dst, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return nil, fmt.Errorf("bind protected %s: %w", p, err)
		}
		if err := remountReadOnly(dst); err != nil {
			return nil, err
		}
	}

	if err := pivotInto(newRoot); err != nil {
		return nil, err
	}
	return warnings, nil
}

// pivotInto makes newRoot the root and detaches the old one.
func pivotInto(newRoot string) error {
	const putOld = ".oldroot"
	if err := os.MkdirAll(filepath.Join(newRoot, putOld), 0o700); err != nil {
		return err
	}
	if err := pivotRootFn(newRoot, filepath.Join(newRoot, putOld)); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	if err := unmountFn("/"+putOld, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach old root: %w", err)
	}
	return os.Remove("/" + putOld)
}

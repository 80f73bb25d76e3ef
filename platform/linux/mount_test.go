//go:build linux

package linux

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/rawkode/cuenv-sub002/policy"
)

type mountCall struct {
	src, dst, fstype string
	flags            uintptr
}

// recordMounts replaces the mount syscalls with recorders. pivot_root
// fails with errPivotStub so buildRoot stops before touching the real root.
func recordMounts(t *testing.T) *[]mountCall {
	t.Helper()
	origMount, origUnmount, origPivot, origStatfs := mountFn, unmountFn, pivotRootFn, statfsFn
	t.Cleanup(func() {
		mountFn, unmountFn, pivotRootFn, statfsFn = origMount, origUnmount, origPivot, origStatfs
	})

	calls := &[]mountCall{}
	mountFn = func(src, dst, fstype string, flags uintptr, data string) error {
		*calls = append(*calls, mountCall{src: src, dst: dst, fstype: fstype, flags: flags})
		return nil
	}
	unmountFn = func(string, int) error { return nil }
	pivotRootFn = func(string, string) error { return errPivotStub }
	statfsFn = func(string, *unix.Statfs_t) error { return nil }
	return calls
}

var errPivotStub = errors.New("pivot stub")

func TestPlanBinds(t *testing.T) {
	got := planBinds(
		[]string{"/a/b/c", "/x", "/a"},
		[]string{"/a/b", "/x/"},
	)
	want := []bindSpec{
		{src: "/x"},
		{src: "/a", readOnly: true},
		{src: "/a/b"},
		{src: "/a/b/c", readOnly: true},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("planBinds() = %+v, want %+v", got, want)
	}
}

func TestLockedMountFlags(t *testing.T) {
	tests := []struct {
		st   int64
		want uintptr
	}{
		{st: 0, want: 0},
		{st: unix.ST_NOSUID | unix.ST_NODEV, want: unix.MS_NOSUID | unix.MS_NODEV},
		{st: unix.ST_NOEXEC | unix.ST_RELATIME, want: unix.MS_NOEXEC | unix.MS_RELATIME},
		{st: unix.ST_RDONLY, want: 0},
	}
	for _, tt := range tests {
		if got := lockedMountFlags(tt.st); got != tt.want {
			t.Errorf("lockedMountFlags(%#x) = %#x, want %#x", tt.st, got, tt.want)
		}
	}
}

func TestRemountReadOnly_KeepsLockedFlags(t *testing.T) {
	calls := recordMounts(t)
	statfsFn = func(path string, st *unix.Statfs_t) error {
		st.Flags = unix.ST_NOSUID | unix.ST_NODEV
		return nil
	}
	if err := remountReadOnly("/mnt/x"); err != nil {
		t.Fatal(err)
	}
	want := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY | unix.MS_NOSUID | unix.MS_NODEV)
	if len(*calls) != 1 || (*calls)[0].flags != want || (*calls)[0].dst != "/mnt/x" {
		t.Fatalf("calls = %+v, want one remount with flags %#x", *calls, want)
	}
}

func TestEnsureMountPoint(t *testing.T) {
	dir := t.TempDir()
	srcFile := filepath.Join(dir, "file")
	if err := os.WriteFile(srcFile, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	dstDir := filepath.Join(dir, "root", "some", "dir")
	if err := ensureMountPoint(dir, dstDir); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(dstDir); err != nil || !fi.IsDir() {
		t.Fatalf("directory mount point not created: %v", err)
	}

	dstFile := filepath.Join(dir, "root", "etc", "file")
	if err := ensureMountPoint(srcFile, dstFile); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(dstFile); err != nil || !fi.Mode().IsRegular() {
		t.Fatalf("file mount point not created: %v", err)
	}

	if err := ensureMountPoint(filepath.Join(dir, "missing"), filepath.Join(dir, "root", "m")); err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestSetupMounts_Unrestricted(t *testing.T) {
	calls := recordMounts(t)
	warnings, err := setupMounts(&initConfig{})
	if err != nil || warnings != nil {
		t.Fatalf("setupMounts() = %v, %v", warnings, err)
	}
	if len(*calls) != 1 || (*calls)[0].flags != unix.MS_REC|unix.MS_PRIVATE {
		t.Fatalf("calls = %+v, want only the private remount", *calls)
	}
}

func TestSetupMounts_ResolvConfOnly(t *testing.T) {
	target, err := filepath.EvalSymlinks(resolvConfPath)
	if err != nil {
		t.Skipf("no %s on this host: %v", resolvConfPath, err)
	}
	calls := recordMounts(t)
	cfg := &initConfig{ResolvConf: "/scratch/resolv.conf", Policy: policy.SandboxPolicy{RestrictNetwork: true}}
	if _, err := setupMounts(cfg); err != nil {
		t.Fatal(err)
	}
	if len(*calls) != 3 {
		t.Fatalf("calls = %+v", *calls)
	}
	bind := (*calls)[1]
	if bind.src != cfg.ResolvConf || bind.dst != target || bind.flags != unix.MS_BIND {
		t.Errorf("bind = %+v, want %s over %s", bind, cfg.ResolvConf, target)
	}
	if (*calls)[2].flags&unix.MS_RDONLY == 0 {
		t.Errorf("resolv.conf bind not remounted read-only: %+v", (*calls)[2])
	}
}

func TestSetupMounts_RestrictDisk(t *testing.T) {
	calls := recordMounts(t)
	scratch := t.TempDir()
	work := t.TempDir()
	data := t.TempDir()
	protected := filepath.Join(work, ".envrc")
	// Binds are stubbed, so the protected file must already be visible
	// under the new root.
	inRoot := filepath.Join(scratch, "root", protected)
	if err := os.MkdirAll(filepath.Dir(inRoot), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(inRoot, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &initConfig{
		ScratchDir: scratch,
		Policy: policy.SandboxPolicy{
			RestrictDisk:   true,
			ReadOnlyPaths:  []string{data, "/does/not/exist"},
			ReadWritePaths: []string{work},
			ProtectedPaths: []string{protected},
		},
	}
	_, err := setupMounts(cfg)
	if !errors.Is(err, errPivotStub) {
		t.Fatalf("setupMounts() error = %v, want pivot stub", err)
	}

	root := filepath.Join(scratch, "root")
	find := func(dst string) []mountCall {
		var out []mountCall
		for _, c := range *calls {
			if c.dst == dst {
				out = append(out, c)
			}
		}
		return out
	}

	if c := find(root); len(c) != 1 || c[0].fstype != "tmpfs" {
		t.Errorf("root mounts = %+v, want one tmpfs", c)
	}
	if c := find(filepath.Join(root, work)); len(c) != 1 || c[0].src != work {
		t.Errorf("work mounts = %+v, want one writable bind", c)
	}
	if c := find(filepath.Join(root, data)); len(c) != 2 || c[1].flags&unix.MS_RDONLY == 0 {
		t.Errorf("data mounts = %+v, want bind plus read-only remount", c)
	}
	if c := find(filepath.Join(root, protected)); len(c) != 2 || c[1].flags&unix.MS_RDONLY == 0 {
		t.Errorf("protected mounts = %+v, want self-bind plus read-only remount", c)
	}
	if c := find(filepath.Join(root, "proc")); len(c) != 1 || c[0].fstype != "proc" {
		t.Errorf("proc mounts = %+v", c)
	}
	if c := find(filepath.Join(root, "tmp")); len(c) != 1 || c[0].fstype != "tmpfs" {
		t.Errorf("tmp mounts = %+v", c)
	}
	if c := find(filepath.Join(root, "dev")); len(c) != 1 || c[0].src != "/dev" {
		t.Errorf("dev mounts = %+v", c)
	}
	for _, c := range *calls {
		if strings.Contains(c.dst, "/does/not/exist") {
			t.Errorf("missing path was mounted: %+v", c)
		}
	}
}

func TestBuildRoot_ProcFallback(t *testing.T) {
	calls := recordMounts(t)
	mountFn = func(src, dst, fstype string, flags uintptr, data string) error {
		if fstype == "proc" {
			return unix.EPERM
		}
		*calls = append(*calls, mountCall{src: src, dst: dst, fstype: fstype, flags: flags})
		return nil
	}

	_, err := buildRoot(&initConfig{ScratchDir: t.TempDir(), Policy: policy.SandboxPolicy{RestrictDisk: true}}, "")
	if !errors.Is(err, errPivotStub) {
		t.Fatalf("buildRoot() error = %v", err)
	}
	var rbound bool
	for _, c := range *calls {
		if c.src == "/proc" && c.flags&unix.MS_REC != 0 {
			rbound = true
		}
	}
	if !rbound {
		t.Fatal("host /proc was not bound after fresh mount failed")
	}
}

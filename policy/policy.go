package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/rawkode/cuenv-sub002/internal/pathutil"
)

// dangerousScanDepth bounds the ProtectDangerousFiles walk of each
// writable root.
const dangerousScanDepth = 5

// SecurityRequest is the per-task restriction block as declared in the
// project configuration.
type SecurityRequest struct {
	RestrictDisk          bool     `yaml:"restrict_disk" json:"restrict_disk"`
	ReadOnlyPaths         []string `yaml:"read_only_paths" json:"read_only_paths"`
	ReadWritePaths        []string `yaml:"read_write_paths" json:"read_write_paths"`
	RestrictNetwork       bool     `yaml:"restrict_network" json:"restrict_network"`
	AllowedHosts          []string `yaml:"allowed_hosts" json:"allowed_hosts"`
	ProtectDangerousFiles bool     `yaml:"protect_dangerous_files" json:"protect_dangerous_files"`
}

// SandboxPolicy is the concrete rule set for one task run. It is not
// modified after Evaluate returns it.
type SandboxPolicy struct {
	RestrictDisk    bool          `cbor:"restrict_disk"`
	ReadOnlyPaths   []string      `cbor:"read_only_paths,omitempty"`
	ReadWritePaths  []string      `cbor:"read_write_paths,omitempty"`
	RestrictNetwork bool          `cbor:"restrict_network"`
	AllowedHosts    []HostPattern `cbor:"allowed_hosts,omitempty"`

	// ProtectedPaths are entries below ReadWritePaths that stay read-only.
	ProtectedPaths []string `cbor:"protected_paths,omitempty"`

	// Warnings are non-fatal findings such as paths missing on disk.
	Warnings []string `cbor:"-"`
}

// Unrestricted reports whether p asks for no isolation at all.
func (p *SandboxPolicy) Unrestricted() bool {
	return p == nil || (!p.RestrictDisk && !p.RestrictNetwork)
}

// Decide applies the domain filter to name under p.
func (p *SandboxPolicy) Decide(name string) Decision {
	return Decide(name, p)
}

// Evaluate validates req and resolves it into a SandboxPolicy. Relative
// paths are resolved against baseDir. A nil request yields an
// unrestricted policy.
func Evaluate(req *SecurityRequest, baseDir string) (SandboxPolicy, error) {
	if req == nil {
		return SandboxPolicy{}, nil
	}

	e := evaluator{baseDir: baseDir}
	pol := SandboxPolicy{
		RestrictDisk:    req.RestrictDisk,
		RestrictNetwork: req.RestrictNetwork,
	}
	pol.ReadOnlyPaths = e.paths("read_only_paths", req.ReadOnlyPaths)
	pol.ReadWritePaths = e.paths("read_write_paths", req.ReadWritePaths)

	for i, h := range req.AllowedHosts {
		hp, err := ParseHostPattern(h)
		if err != nil {
			e.problems = append(e.problems, fmt.Sprintf("allowed_hosts[%d]: %v", i, err))
			continue
		}
		if !slices.Contains(pol.AllowedHosts, hp) {
			pol.AllowedHosts = append(pol.AllowedHosts, hp)
		}
	}

	if !req.RestrictNetwork && len(req.AllowedHosts) > 0 {
		e.warnings = append(e.warnings, "allowed_hosts has no effect without restrict_network")
	}
	if !req.RestrictDisk && (len(req.ReadOnlyPaths) > 0 || len(req.ReadWritePaths) > 0) {
		e.warnings = append(e.warnings, "path lists have no effect without restrict_disk")
	}

	// A path granted both ways is writable.
	pol.ReadOnlyPaths = slices.DeleteFunc(pol.ReadOnlyPaths, func(p string) bool {
		return slices.Contains(pol.ReadWritePaths, p)
	})

	if len(e.problems) > 0 {
		return SandboxPolicy{}, &ValidationError{Problems: e.problems}
	}

	if req.RestrictDisk && req.ProtectDangerousFiles {
		for _, root := range pol.ReadWritePaths {
			found, err := pathutil.ScanDangerousFiles(root, dangerousScanDepth)
			if err != nil {
				e.warnings = append(e.warnings, fmt.Sprintf("scan %s: %v", root, err))
				continue
			}
			pol.ProtectedPaths = append(pol.ProtectedPaths, found...)
		}
	}
	pol.Warnings = e.warnings
	return pol, nil
}

type evaluator struct {
	baseDir  string
	problems []string
	warnings []string
}

// paths resolves one path list. Globs are expanded against the live
// filesystem; literal paths that do not exist are kept and reported as
// warnings because the mount layer skips them.
func (e *evaluator) paths(field string, in []string) []string {
	var out []string
	add := func(p string) {
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}

	for i, raw := range in {
		if raw == "" {
			e.problems = append(e.problems, fmt.Sprintf("%s[%d]: must not be empty", field, i))
			continue
		}
		if pathutil.ContainsNullByte(raw) {
			e.problems = append(e.problems, fmt.Sprintf("%s[%d]: must not contain null bytes", field, i))
			continue
		}
		abs, err := pathutil.Absolute(raw, e.baseDir)
		if err != nil {
			e.problems = append(e.problems, fmt.Sprintf("%s[%d]: %v", field, i, err))
			continue
		}

		if pathutil.IsGlobPattern(abs) {
			if err := pathutil.ValidateGlob(abs); err != nil {
				e.problems = append(e.problems, fmt.Sprintf("%s[%d]: %v", field, i, err))
				continue
			}
			matches, err := pathutil.ExpandGlob(abs, 0)
			if err != nil {
				e.problems = append(e.problems, fmt.Sprintf("%s[%d]: %v", field, i, err))
				continue
			}
			if len(matches) == 0 {
				e.warnings = append(e.warnings, fmt.Sprintf("%s[%d]: %q matches nothing", field, i, raw))
			}
			for _, m := range matches {
				add(e.resolve(field, i, m))
			}
			continue
		}

		if missing := pathutil.FindFirstNonExistent(abs); missing != "" {
			e.warnings = append(e.warnings, fmt.Sprintf("%s[%d]: %q does not exist (missing %s)", field, i, raw, missing))
			add(abs)
			continue
		}
		add(e.resolve(field, i, abs))
	}
	return out
}

// resolve follows symlinks so the mount layer binds the real target.
func (e *evaluator) resolve(field string, i int, p string) string {
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return p
	}
	if resolved != p && pathutil.IsSymlinkOutsideBoundary(p, resolved) {
		e.warnings = append(e.warnings, fmt.Sprintf("%s[%d]: %s resolves outside its parent to %s", field, i, p, resolved))
	}
	return resolved
}

// workDirVisible reports whether dir is reachable under p's disk
// restriction.
func (p *SandboxPolicy) workDirVisible(dir string) bool {
	if !p.RestrictDisk {
		return true
	}
	for _, root := range append(slices.Clone(p.ReadWritePaths), p.ReadOnlyPaths...) {
		if dir == root || within(dir, root) {
			return true
		}
	}
	return false
}

// CheckWorkDir returns an error when dir would be invisible inside a
// sandbox built from p.
func (p *SandboxPolicy) CheckWorkDir(dir string) error {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		dir = wd
	}
	if !p.workDirVisible(filepath.Clean(dir)) {
		return &ValidationError{Problems: []string{fmt.Sprintf("working directory %s is not in read_only_paths or read_write_paths", dir)}}
	}
	return nil
}

func within(p, root string) bool {
	if root == "/" {
		return true
	}
	return len(p) > len(root) && p[:len(root)] == root && p[len(root)] == filepath.Separator
}

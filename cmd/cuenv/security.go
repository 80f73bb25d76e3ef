package main

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/rawkode/cuenv-sub002/internal/config"
	"github.com/rawkode/cuenv-sub002/policy"
)

// securityFlags selects a security request: a project task's security
// block, or one assembled from flags.
type securityFlags struct {
	task             string
	restrictDisk     bool
	readOnly         []string
	readWrite        []string
	restrictNetwork  bool
	allowHosts       []string
	protectDangerous bool
}

func (s *securityFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&s.task, "task", "t", "", "Project task to use")
	fs.BoolVar(&s.restrictDisk, "restrict-disk", false, "Restrict filesystem access to the granted paths")
	fs.StringSliceVar(&s.readOnly, "ro", nil, "Path granted read-only (repeatable)")
	fs.StringSliceVar(&s.readWrite, "rw", nil, "Path granted read-write (repeatable)")
	fs.BoolVar(&s.restrictNetwork, "restrict-network", false, "Restrict network access to the allowed hosts")
	fs.StringSliceVar(&s.allowHosts, "allow-host", nil, "Host pattern that may be resolved, e.g. *.example.com (repeatable)")
	fs.BoolVar(&s.protectDangerous, "protect-dangerous-files", false, "Keep shell rc files and VCS hooks read-only")
}

func (s *securityFlags) fromFlags() bool {
	return s.restrictDisk || s.restrictNetwork || s.protectDangerous ||
		len(s.readOnly) > 0 || len(s.readWrite) > 0 || len(s.allowHosts) > 0
}

// resolve returns the task named by --task, if any, and the security
// request to apply. A task's request cannot be combined with flags.
func (s *securityFlags) resolve(f *config.File) (*config.TaskConfig, *policy.SecurityRequest, error) {
	if s.task == "" {
		if !s.fromFlags() {
			return nil, nil, nil
		}
		return nil, &policy.SecurityRequest{
			RestrictDisk:          s.restrictDisk,
			ReadOnlyPaths:         s.readOnly,
			ReadWritePaths:        s.readWrite,
			RestrictNetwork:       s.restrictNetwork,
			AllowedHosts:          s.allowHosts,
			ProtectDangerousFiles: s.protectDangerous,
		}, nil
	}
	if f == nil {
		return nil, nil, errors.New("--task requires a project file")
	}
	if s.fromFlags() {
		return nil, nil, fmt.Errorf("task %q declares its own security; drop the restriction flags", s.task)
	}
	t, err := f.Task(s.task)
	if err != nil {
		return nil, nil, err
	}
	return t, t.Security, nil
}

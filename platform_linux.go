//go:build linux

package cuenv

import (
	"github.com/rawkode/cuenv-sub002/platform"
	"github.com/rawkode/cuenv-sub002/platform/linux"
)

func init() {
	detectPlatformFn = func() platform.Platform {
		return linux.New()
	}
	maybeSandboxInitFn = linux.MaybeSandboxInit
	identityWarningPrefix = linux.WarnIdentityMappingFailed
}

package platform

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// unsupportedName is the name returned by the unsupported platform stub.
const unsupportedName = "unsupported"

// unsupportedPlatform is returned on operating systems where no sandbox is available.
type unsupportedPlatform struct{}

func (p *unsupportedPlatform) Name() string { return unsupportedName }

func (p *unsupportedPlatform) Available() bool { return false }

func (p *unsupportedPlatform) CheckDependencies() *DependencyCheck {
	return &DependencyCheck{
		Errors: []string{fmt.Sprintf("no sandbox implementation for %s", runtime.GOOS)},
	}
}

func (p *unsupportedPlatform) Start(_ context.Context, _ *exec.Cmd, _ *WrapConfig) (Handle, error) {
	return nil, &StageError{Stage: "detect", Err: fmt.Errorf("sandbox not supported on %s", runtime.GOOS)}
}

func (p *unsupportedPlatform) Cleanup(_ context.Context) error {
	return nil
}

func (p *unsupportedPlatform) Capabilities() Capabilities {
	return Capabilities{}
}

// NewUnsupportedPlatform returns a Platform that always reports as unavailable.
// This is useful for testing and for platforms without sandbox support.
func NewUnsupportedPlatform() Platform {
	return &unsupportedPlatform{}
}

package cuenv

import (
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/rawkode/cuenv-sub002/platform"
	"github.com/rawkode/cuenv-sub002/proxy"
)

// unknownStr is the string representation for unknown enum values.
const unknownStr = "unknown"

// FallbackPolicy determines behavior when a restricted task cannot be
// sandboxed.
type FallbackPolicy int

const (
	// FallbackWarn logs a warning and runs the task without isolation.
	// The result reports Sandboxed=false and carries the warning.
	FallbackWarn FallbackPolicy = iota

	// FallbackStrict refuses to run the task and returns an
	// *IsolationUnavailableError.
	FallbackStrict
)

// String returns the string representation of a FallbackPolicy.
func (f FallbackPolicy) String() string {
	switch f {
	case FallbackWarn:
		return "warn"
	case FallbackStrict:
		return "strict"
	default:
		return unknownStr
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f FallbackPolicy) MarshalText() ([]byte, error) {
	s := f.String()
	if s == unknownStr {
		return nil, fmt.Errorf("%w: FallbackPolicy %d", ErrConfigInvalid, int(f))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. The empty string
// selects FallbackWarn.
func (f *FallbackPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "warn":
		*f = FallbackWarn
	case "strict":
		*f = FallbackStrict
	default:
		return fmt.Errorf("%w: fallback policy %q (want warn or strict)", ErrConfigInvalid, text)
	}
	return nil
}

// ResourceLimits is an alias for platform.ResourceLimits.
type ResourceLimits = platform.ResourceLimits

// DependencyCheck is an alias for platform.DependencyCheck.
type DependencyCheck = platform.DependencyCheck

// Capabilities is an alias for platform.Capabilities.
type Capabilities = platform.Capabilities

// DefaultResourceLimits returns the default resource limits for sandboxed processes.
func DefaultResourceLimits() *ResourceLimits {
	return platform.DefaultResourceLimits()
}

// Slirp4netnsAuto asks the manager to use the slirp4netns binary found by
// the platform, if any.
const Slirp4netnsAuto = "auto"

// Config is the runtime configuration of a Manager. Per-task restrictions
// are not part of it; they arrive with each call as a policy.SecurityRequest.
type Config struct {
	// FallbackPolicy determines what happens when a restricted task cannot
	// be sandboxed. It is consulted once per sandbox creation attempt.
	FallbackPolicy FallbackPolicy

	// DNSUpstream is the resolver allowed queries are forwarded to.
	// Empty means proxy.DefaultUpstream.
	DNSUpstream string

	// DNSTimeout bounds each upstream exchange. Zero means proxy.DefaultTimeout.
	DNSTimeout time.Duration

	// StrictDNSTypes answers FORMERR to query types other than A, AAAA
	// and CNAME instead of forwarding them.
	StrictDNSTypes bool

	// Shell is the absolute path of the shell used by Exec.
	Shell string

	// MaxOutputBytes caps captured stdout and stderr. Zero means no limit.
	MaxOutputBytes int

	// ResourceLimits are applied inside the sandbox. Nil disables them.
	ResourceLimits *ResourceLimits

	// Slirp4netns is the slirp4netns binary attached to network-restricted
	// sandboxes for outbound routing. Slirp4netnsAuto uses the one the
	// platform detected; empty disables outbound routing.
	Slirp4netns string

	// Logger receives lifecycle and fallback events. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config that warns and falls back when isolation
// is unavailable.
func DefaultConfig() *Config {
	return &Config{
		FallbackPolicy: FallbackWarn,
		DNSUpstream:    proxy.DefaultUpstream,
		DNSTimeout:     proxy.DefaultTimeout,
		Shell:          defaultShell,
		MaxOutputBytes: defaultMaxOutputBytes,
		ResourceLimits: DefaultResourceLimits(),
		Slirp4netns:    Slirp4netnsAuto,
	}
}

// StrictConfig is DefaultConfig with FallbackStrict, for CI where an
// unsandboxed run must not pass silently.
func StrictConfig() *Config {
	cfg := DefaultConfig()
	cfg.FallbackPolicy = FallbackStrict
	return cfg
}

// Validate checks the configuration for errors. It collects every problem
// and reports them together.
func (c *Config) Validate() error {
	var errs []string

	if c.FallbackPolicy < FallbackWarn || c.FallbackPolicy > FallbackStrict {
		errs = append(errs, "FallbackPolicy: invalid value")
	}

	if c.DNSUpstream != "" {
		host, port, err := net.SplitHostPort(c.DNSUpstream)
		switch {
		case err != nil:
			errs = append(errs, fmt.Sprintf("DNSUpstream: %q must be host:port: %v", c.DNSUpstream, err))
		case host == "" || port == "":
			errs = append(errs, fmt.Sprintf("DNSUpstream: %q must be host:port", c.DNSUpstream))
		}
	}
	if c.DNSTimeout < 0 {
		errs = append(errs, "DNSTimeout: must be >= 0")
	}

	if c.Shell != "" && !filepath.IsAbs(c.Shell) {
		errs = append(errs, fmt.Sprintf("Shell: %q must be an absolute path", c.Shell))
	}
	if c.MaxOutputBytes < 0 {
		errs = append(errs, "MaxOutputBytes: must be >= 0")
	}
	if c.Slirp4netns != "" && c.Slirp4netns != Slirp4netnsAuto && !filepath.IsAbs(c.Slirp4netns) {
		errs = append(errs, fmt.Sprintf("Slirp4netns: %q must be an absolute path or %q", c.Slirp4netns, Slirp4netnsAuto))
	}

	errs = c.validateResourceLimits(errs)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateResourceLimits(errs []string) []string {
	if c.ResourceLimits == nil {
		return errs
	}
	if c.ResourceLimits.MaxProcesses < 0 {
		errs = append(errs, "ResourceLimits.MaxProcesses: must be >= 0")
	}
	if c.ResourceLimits.MaxMemoryBytes < 0 {
		errs = append(errs, "ResourceLimits.MaxMemoryBytes: must be >= 0")
	}
	if c.ResourceLimits.MaxFileDescriptors < 0 {
		errs = append(errs, "ResourceLimits.MaxFileDescriptors: must be >= 0")
	}
	if c.ResourceLimits.MaxCPUSeconds < 0 {
		errs = append(errs, "ResourceLimits.MaxCPUSeconds: must be >= 0")
	}
	return errs
}

// deepCopyConfig returns a copy of cfg that shares no pointers with it.
func deepCopyConfig(cfg *Config) Config {
	cfgCopy := *cfg
	if cfg.ResourceLimits != nil {
		rl := *cfg.ResourceLimits
		cfgCopy.ResourceLimits = &rl
	}
	return cfgCopy
}

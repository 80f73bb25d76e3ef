package policy

import (
	"errors"
	"fmt"
	"strings"
)

const maxNameLength = 253

// HostPattern is a validated, lowercased host name or single-label
// wildcard ("*.example.com"). The zero value matches nothing.
type HostPattern struct {
	base     string
	wildcard bool
}

// ParseHostPattern validates s and returns its normalized form.
// A trailing dot is accepted and dropped.
func ParseHostPattern(s string) (HostPattern, error) {
	if err := validateHostPattern(s); err != nil {
		return HostPattern{}, err
	}
	p := normalizeName(s)
	if strings.HasPrefix(p, "*.") {
		return HostPattern{base: p[2:], wildcard: true}, nil
	}
	return HostPattern{base: p}, nil
}

// MustHostPattern is like ParseHostPattern but panics on error.
func MustHostPattern(s string) HostPattern {
	h, err := ParseHostPattern(s)
	if err != nil {
		panic(err)
	}
	return h
}

// String returns the normalized pattern.
func (h HostPattern) String() string {
	if h.wildcard {
		return "*." + h.base
	}
	return h.base
}

// IsWildcard reports whether h has a leading "*." label.
func (h HostPattern) IsWildcard() bool {
	return h.wildcard
}

// Match reports whether a DNS query name is covered by h. A wildcard
// matches its base name and names with exactly one extra leading label.
func (h HostPattern) Match(name string) bool {
	if h.base == "" {
		return false
	}
	name = normalizeName(name)
	if name == h.base {
		return true
	}
	if !h.wildcard {
		return false
	}
	suffix := "." + h.base
	if !strings.HasSuffix(name, suffix) {
		return false
	}
	label := name[:len(name)-len(suffix)]
	return label != "" && !strings.Contains(label, ".")
}

// MarshalText implements encoding.TextMarshaler.
func (h HostPattern) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *HostPattern) UnmarshalText(text []byte) error {
	p, err := ParseHostPattern(string(text))
	if err != nil {
		return err
	}
	*h = p
	return nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "."))
}

// validateHostPattern accepts "example.com", "registry" and "*.example.com".
// Schemes, ports, paths, interior wildcards and wildcards over a
// single-label base are rejected.
func validateHostPattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return errors.New("host pattern must not be empty")
	}
	if strings.Contains(pattern, "://") {
		return fmt.Errorf("host pattern %q must not contain a scheme", pattern)
	}
	if strings.Contains(pattern, ":") {
		return fmt.Errorf("host pattern %q must not contain a port", pattern)
	}
	if strings.Contains(pattern, "/") {
		return fmt.Errorf("host pattern %q must not contain a path", pattern)
	}

	p := normalizeName(pattern)
	wildcard := strings.HasPrefix(p, "*.")
	if wildcard {
		p = p[2:]
	}
	if strings.Contains(p, "*") {
		return fmt.Errorf("host pattern %q: wildcard is only allowed as a leading \"*.\" label", pattern)
	}
	if len(p) > maxNameLength {
		return fmt.Errorf("host pattern %q exceeds %d characters", pattern, maxNameLength)
	}
	labels := strings.Split(p, ".")
	if wildcard && len(labels) < 2 {
		return fmt.Errorf("host pattern %q: wildcard base must have at least two labels", pattern)
	}
	for _, l := range labels {
		if err := validateLabel(l); err != nil {
			return fmt.Errorf("host pattern %q: %w", pattern, err)
		}
	}
	return nil
}

func validateLabel(l string) error {
	if l == "" {
		return errors.New("empty label")
	}
	if len(l) > 63 {
		return fmt.Errorf("label %q exceeds 63 characters", l)
	}
	if l[0] == '-' || l[len(l)-1] == '-' {
		return fmt.Errorf("label %q must not start or end with '-'", l)
	}
	for _, c := range l {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Errorf("label %q contains invalid character %q", l, c)
		}
	}
	return nil
}

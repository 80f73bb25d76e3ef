package policy

// Decision is the outcome of the domain filter.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Decide reports whether a sandbox running under p may resolve name.
// Without network restriction every name is allowed; with it, only names
// matching an allowed host pattern are, so an empty list denies all.
// Decide has no side effects and is safe for concurrent use.
func Decide(name string, p *SandboxPolicy) Decision {
	if p == nil || !p.RestrictNetwork {
		return Allow
	}
	for _, h := range p.AllowedHosts {
		if h.Match(name) {
			return Allow
		}
	}
	return Deny
}

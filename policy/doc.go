// Package policy turns a task's declarative security request into the
// SandboxPolicy consumed by the sandbox, and decides which DNS names a
// network-restricted sandbox may resolve.
//
// Restrictions are opt-in: a missing request evaluates to an unrestricted
// policy. Everything else is validated up front, and all problems are
// reported together in a single *ValidationError.
package policy

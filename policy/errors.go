package policy

import (
	"errors"
	"strings"
)

// ErrInvalidPolicy is wrapped by every *ValidationError.
var ErrInvalidPolicy = errors.New("policy: invalid security request")

// ValidationError lists every problem found in a SecurityRequest.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return ErrInvalidPolicy.Error() + ": " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPolicy
}

package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Specific errors wrap one of these so callers can branch with
// errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrExternalCall = errors.New("external call failed")
	ErrConflict     = errors.New("conflict")
)

var (
	ErrLeadNotFound      = fmt.Errorf("lead %w", ErrNotFound)
	ErrJobNotFound       = fmt.Errorf("production job %w", ErrNotFound)
	ErrSequenceNotFound  = fmt.Errorf("sequence %w", ErrNotFound)
	ErrMissingPhone      = fmt.Errorf("%w: lead has no usable phone", ErrInvalidInput)
	ErrInvalidTransition = fmt.Errorf("%w: stage transition not allowed", ErrInvalidInput)
	ErrStaleStatus       = fmt.Errorf("%w: document already transitioned", ErrConflict)
	ErrListenExhausted   = fmt.Errorf("%w: listen token exhausted", ErrConflict)
)

// External wraps a provider or gateway failure.
func External(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrExternalCall, err)
}

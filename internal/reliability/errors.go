package reliability

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidStrategy = errors.New("retry: unknown strategy")
	ErrInvalidPolicy   = errors.New("retry: invalid policy")
)

// PolicyError describes a rejected retry policy.
type PolicyError struct {
	Field string
	Value any
	Err   error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%v: %s=%v", e.Err, e.Field, e.Value)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}

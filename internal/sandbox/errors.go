package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout            = errors.New("execution deadline exceeded")
	ErrResourceExceeded   = errors.New("resource ceiling exceeded")
	ErrIsolationViolation = errors.New("isolation violation detected")
	ErrBackendDown        = errors.New("sandbox backend unavailable")
	ErrInvalidRequest     = errors.New("invalid sandbox request")
	ErrUnsupportedLang    = errors.New("unsupported language")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a deadline kill.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsResourceExceeded returns true if the error is a resource-ceiling kill.
func IsResourceExceeded(err error) bool {
	return errors.Is(err, ErrResourceExceeded)
}

// IsIsolationViolation returns true if the error is a detected escape
// attempt. Callers must treat the execution context as compromised and tear
// it down.
func IsIsolationViolation(err error) bool {
	return errors.Is(err, ErrIsolationViolation)
}

package executor

import (
	"aiexec-sandbox/internal/sandbox"
)

// Status is the terminal classification of a code submission.
type Status string

const (
	// StatusSuccess: the entry point ran and exited zero.
	StatusSuccess Status = "success"
	// StatusCompileError: the code failed structural validation or the
	// language runtime rejected it before user logic ran.
	StatusCompileError Status = "compile_error"
	// StatusRuntimeError: the code started and then failed.
	StatusRuntimeError Status = "runtime_error"
	// StatusTimeout: the deadline killed the execution.
	StatusTimeout Status = "timeout"
	// StatusResourceExceeded: a resource ceiling killed the execution.
	StatusResourceExceeded Status = "resource_exceeded"
	// StatusRejectedBusy: no execution slot freed up within the queue
	// wait; the code never ran.
	StatusRejectedBusy Status = "rejected_busy"
)

// Terminal statuses that reached the sandbox. rejected_busy and
// compile_error never did.
func (s Status) Ran() bool {
	switch s {
	case StatusSuccess, StatusRuntimeError, StatusTimeout, StatusResourceExceeded:
		return true
	}
	return false
}

// classifyError maps sandbox errors onto statuses. A nil return means the
// error is internal and should propagate instead of classifying.
func classifyError(err error) (Status, bool) {
	switch {
	case sandbox.IsTimeout(err):
		return StatusTimeout, true
	case sandbox.IsResourceExceeded(err):
		return StatusResourceExceeded, true
	default:
		return "", false
	}
}

package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout        = errors.New("execution timed out")
	ErrLaunch         = errors.New("worker launch failed")
	ErrWait           = errors.New("waiting for worker failed")
	ErrInvalidRequest = errors.New("invalid execution request")
	ErrInvalidConfig  = errors.New("invalid sandbox configuration")
	ErrInterpreter    = errors.New("interpreter unavailable")
	ErrClosed         = errors.New("sandbox closed")
	ErrUnknown        = errors.New("unknown execution")
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

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsLaunchFailure returns true if the worker process could not be created.
func IsLaunchFailure(err error) bool {
	return errors.Is(err, ErrLaunch)
}

// IsInvalidRequest returns true if the request was rejected before dispatch.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

package supervisor

import (
	"errors"
	"fmt"
)

// Sentinel errors for supervisor operations.
var (
	// ErrAttemptsExhausted indicates that all start attempts have been
	// used; the failure is terminal until Reset.
	ErrAttemptsExhausted = errors.New("start attempts exhausted")

	// ErrStartTimeout indicates the ready marker was not observed
	// within the startup timeout.
	ErrStartTimeout = errors.New("startup timed out")

	// ErrProcessExited indicates the child process exited before
	// emitting the ready marker.
	ErrProcessExited = errors.New("process exited during startup")
)

// StartError carries the attempt number alongside the failure cause.
type StartError struct {
	Attempt int
	Cause   error
}

// Error implements the error interface.
func (e *StartError) Error() string {
	return fmt.Sprintf("start attempt %d failed: %v", e.Attempt, e.Cause)
}

// Unwrap returns the underlying error.
func (e *StartError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *StartError) Is(target error) bool {
	_, ok := target.(*StartError)
	return ok || errors.Is(e.Cause, target)
}

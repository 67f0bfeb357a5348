package engine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidWorkers = errors.New("scheduler worker count must be >= 1")
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrStopping       = errors.New("scheduler stopping")
)

// PanicError wraps a value recovered from a panicking payload.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// IsPanic reports whether err came from a recovered panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}

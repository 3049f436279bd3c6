// Package control holds the typed error values shared across the control
// plane. Acquire is the only operation whose failure is
// user-visible; Release and Cancel never fail their caller.
package control

import "errors"

// Acquire failure reasons. Callers type-switch or errors.Is against these.
var (
	// ErrNoCapacity means the pool had no available container and a
	// scale-up could not produce one within the bounded wait.
	ErrNoCapacity = errors.New("runnerhub: no capacity available")

	// ErrScalingBlocked means a scale-up was denied by a cooldown or the
	// concurrent-scaling cap; Acquire may retry once after a bounded wait.
	ErrScalingBlocked = errors.New("runnerhub: scaling request blocked")

	// ErrRuntimeUnavailable means the ContainerRuntime adapter reported a
	// transport failure that persisted past retry.
	ErrRuntimeUnavailable = errors.New("runnerhub: container runtime unavailable")
)

// ErrInvalidTransition is returned by StateManager.Transition when the
// requested edge is not in the valid-transition table. It never
// propagates outside the state package's callers.
var ErrInvalidTransition = errors.New("runnerhub: invalid state transition")

// ErrNotFound is returned when a container id is not tracked.
var ErrNotFound = errors.New("runnerhub: container not found")

// RuntimeError wraps a ContainerRuntime failure with a retryability flag.
type RuntimeError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *RuntimeError) Error() string {
	if e.Retryable {
		return "runnerhub: transient runtime error in " + e.Op + ": " + e.Err.Error()
	}
	return "runnerhub: semantic runtime error in " + e.Op + ": " + e.Err.Error()
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable RuntimeError.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RuntimeError{Op: op, Retryable: true, Err: err}
}

// Semantic wraps err as a non-retryable RuntimeError.
func Semantic(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RuntimeError{Op: op, Retryable: false, Err: err}
}

// IsRetryable reports whether err (possibly wrapped) is a retryable
// RuntimeError.
func IsRetryable(err error) bool {
	var rerr *RuntimeError
	if errors.As(err, &rerr) {
		return rerr.Retryable
	}
	return false
}

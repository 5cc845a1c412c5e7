package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrDispatchFailure is matched by every error produced when a task fails
	// at the dispatcher boundary (returned error, panic, host unavailable).
	ErrDispatchFailure = errors.New("dispatch failure")
	// ErrHostUnavailable is reported when the host execution context refuses
	// work or the dispatcher has been closed.
	ErrHostUnavailable = errors.New("host execution context unavailable")
	// ErrCancelled is reported for tasks cancelled before or while running.
	ErrCancelled = errors.New("task cancelled")
)

// DispatchError wraps the cause of a failed task. It matches both
// ErrDispatchFailure and its cause under errors.Is.
type DispatchError struct {
	Cause error
	// Panic holds the recovered value when the task panicked.
	Panic any
	Stack []byte
}

func (e *DispatchError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("dispatch failure: task panicked: %v", e.Panic)
	}
	return fmt.Sprintf("dispatch failure: %v", e.Cause)
}

func (e *DispatchError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrDispatchFailure}
	}
	return []error{ErrDispatchFailure, e.Cause}
}

func cancelledError(cause error) error {
	if cause == nil || errors.Is(cause, ErrCancelled) {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

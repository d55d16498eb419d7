package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyThread is returned when no thread identity is given.
	ErrEmptyThread = errors.New("thread id is required")
	// ErrEmptyPrompt is returned for a blank prompt.
	ErrEmptyPrompt = errors.New("prompt is required")
	// ErrInvalidStatus is returned when a status update names a
	// non-terminal status.
	ErrInvalidStatus = errors.New("status must be completed or aborted")
)

// SessionInitError reports that the thread's engine could not be bound.
type SessionInitError struct {
	ThreadID string
	Err      error
}

func (e *SessionInitError) Error() string {
	return fmt.Sprintf("initialize session %q: %v", e.ThreadID, e.Err)
}

func (e *SessionInitError) Unwrap() error { return e.Err }

package transport

import (
	"errors"
	"fmt"
)

// Common engine errors
var (
	// ErrNotStarted indicates the engine has not been started
	ErrNotStarted = errors.New("engine not started")

	// ErrAlreadyStarted indicates Start was called twice
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrStopped indicates the engine has been stopped
	ErrStopped = errors.New("engine stopped")

	// ErrSessionClosed indicates the session handle no longer refers to a live session
	ErrSessionClosed = errors.New("session closed")

	// ErrQueueFull indicates the session outbound queue is at capacity
	ErrQueueFull = errors.New("session send queue full")

	// ErrInvalidConfig indicates the engine configuration was rejected
	ErrInvalidConfig = errors.New("invalid engine configuration")
)

// EngineError represents an engine error with additional context
type EngineError struct {
	Op   string // operation that caused the error
	Addr string // remote or local address if relevant
	Err  error  // underlying error
}

func (e *EngineError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("soe %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("soe %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func newEngineError(op, addr string, err error) *EngineError {
	return &EngineError{
		Op:   op,
		Addr: addr,
		Err:  err,
	}
}

package transport

import (
	"errors"
	"fmt"
)

// Normalized transport error codes.
var (
	ErrValidation    = errors.New("VALIDATION")
	ErrTransportOpen = errors.New("TRANSPORT_OPEN")
	ErrFatalIO       = errors.New("FATAL_IO")

	// ErrReadTimeout is returned by TryRead when no data arrived in time.
	// Workers ignore it.
	ErrReadTimeout = errors.New("read timeout")
)

// Error wraps an underlying failure with a normalized code and the operation
// that produced it. errors.Is matches both the code and the cause.
type Error struct {
	Code error
	Op   string
	Err  error
}

func newError(code error, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Code, e.Op)
	}
	return fmt.Sprintf("%v: %s: %v", e.Code, e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.Err}
}

// transientError marks a write failure that must not stop the worker.
type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient marks err as non-fatal to the polling loop.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

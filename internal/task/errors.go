package task

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalid   = errors.New("invalid task")
	ErrNotFound  = errors.New("task not found")
	ErrCancelled = errors.New("task cancelled")
	ErrCycle     = errors.New("dependency cycle")
)

// ValidationError reports a malformed descriptor. Submit returns it before
// any record is created.
type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return fmt.Sprintf("invalid task: %s", e.Msg)
	}
	return fmt.Sprintf("invalid task: %s: %s", e.Field, e.Msg)
}

// Unwrap exposes both ErrInvalid and the specific cause (e.g. ErrCycle).
func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalid, e.Err}
	}
	return []error{ErrInvalid}
}

func invalid(field, msg string) error { return &ValidationError{Field: field, Msg: msg} }

func invalidf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Invalid builds a ValidationError wrapping cause (may be nil).
func Invalid(field string, cause error, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Fatal marks an executor error as non-retryable.
//
//	return nil, task.Fatal(fmt.Errorf("bad input: %w", err))
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// FatalError is an executor failure that must not be retried.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err was wrapped with Fatal.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// RetryAfter attaches a suggested delay before the next attempt, e.g. from an
// HTTP Retry-After header. The retry policy still caps it.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e *retryAfterError) Unwrap() error             { return e.err }
func (e *retryAfterError) RetryAfter() time.Duration { return e.after }

// PanicError is recorded when an executor panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

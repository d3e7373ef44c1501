// Package errs carries the error taxonomy shared across the service.
// Classification (validation vs dependency vs processing vs external, and
// retryability) is attached where the error is constructed and threaded
// through return values.
package errs

import (
	"errors"
	"fmt"
)

// Kind partitions errors by how callers should react to them.
type Kind int

const (
	// KindValidation marks bad or missing input. Never retried.
	KindValidation Kind = iota
	// KindDependency marks a failed store/queue/blob call. The caller or
	// delivery channel decides whether to retry.
	KindDependency
	// KindProcessing marks an export transform failure for one job. Recorded
	// into the job's terminal failed state.
	KindProcessing
	// KindExternal marks a third-party sync failure, classified retryable or
	// not at construction.
	KindExternal
)

// ErrNotFound is the sentinel for lookups that matched no record.
var ErrNotFound = errors.New("not found")

// Error is a classified error.
type Error struct {
	Kind      Kind
	Retryable bool
	Err       error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Validation builds a non-retryable input error.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// Dependency wraps a failed collaborator call.
func Dependency(op string, err error) error {
	return &Error{Kind: KindDependency, Retryable: true, Err: fmt.Errorf("%s: %w", op, err)}
}

// Processing wraps an export transform failure.
func Processing(err error) error {
	return &Error{Kind: KindProcessing, Err: err}
}

// External wraps a third-party failure with its retryability decided by the
// caller at the point of classification.
func External(retryable bool, format string, args ...any) error {
	return &Error{Kind: KindExternal, Retryable: retryable, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification, defaulting unclassified errors to
// KindDependency.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindDependency
}

// IsRetryable reports whether the error was tagged retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

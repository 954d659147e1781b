package storage

import (
	"errors"
	"fmt"
)

// ErrorKind classifies backend failures so callers can decide between
// retry, fallback, and skip without string matching.
type ErrorKind string

const (
	KindConnection  ErrorKind = "connection"
	KindQuery       ErrorKind = "query"
	KindData        ErrorKind = "data"
	KindTimeout     ErrorKind = "timeout"
	KindConsistency ErrorKind = "consistency"
)

// ErrNotFound is returned when a record does not exist. Absence is a
// normal outcome, not a backend fault, so it stays a plain sentinel.
var ErrNotFound = errors.New("record not found")

// BackendError wraps a backend failure with its classification and the
// backend that produced it.
type BackendError struct {
	Kind    ErrorKind
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s %s error", e.Backend, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s %s error: %v", e.Backend, e.Op, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewError builds a classified backend error.
func NewError(kind ErrorKind, backend, op string, err error) *BackendError {
	return &BackendError{Kind: kind, Backend: backend, Op: op, Err: err}
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// IsTransient reports whether err is worth retrying: connection drops and
// timeouts, never data or consistency faults.
func IsTransient(err error) bool {
	return IsKind(err, KindConnection) || IsKind(err, KindTimeout)
}

package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced natural key does not exist.
	ErrNotFound = errors.New("archive: not found")
	// ErrConflict is returned when a concurrent insert violated a natural
	// key constraint. The store engine retries on it.
	ErrConflict = errors.New("archive: conflicting concurrent update")
	// ErrCursorClosed is returned by a cursor used after Close.
	ErrCursorClosed = errors.New("archive: cursor closed")
	// ErrNoMoreResults is returned by Next on an exhausted cursor.
	ErrNoMoreResults = errors.New("archive: no more results")
)

// QueryErrorCode classifies a malformed query.
type QueryErrorCode int

const (
	InvalidLevel QueryErrorCode = iota
	UnsupportedLevel
	IllegalKey
	InvalidValue
)

func (c QueryErrorCode) String() string {
	switch c {
	case InvalidLevel:
		return "invalid-level"
	case UnsupportedLevel:
		return "unsupported-level"
	case IllegalKey:
		return "illegal-key"
	case InvalidValue:
		return "invalid-value"
	default:
		return "unknown"
	}
}

// QueryError reports a malformed query or store request. Protocol layers
// map Code to a negative acknowledgement.
type QueryError struct {
	Code QueryErrorCode
	Key  string
	Msg  string
}

func (e *QueryError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("malformed query (%s) %s: %s", e.Code, e.Key, e.Msg)
	}
	return fmt.Sprintf("malformed query (%s): %s", e.Code, e.Msg)
}

// NewQueryError creates a new query error
func NewQueryError(code QueryErrorCode, key, msg string) *QueryError {
	return &QueryError{Code: code, Key: key, Msg: msg}
}

// TransientError is returned when an operation kept conflicting and gave up.
// Callers may retry later.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Temporary marks the error as retryable.
func (e *TransientError) Temporary() bool {
	return true
}

// NewTransientError creates a new transient error
func NewTransientError(op string, attempts int, err error) *TransientError {
	return &TransientError{Op: op, Attempts: attempts, Err: err}
}

// ResourceError wraps a failure to acquire a connection or cursor.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource unavailable during %s: %v", e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// Temporary marks the error as retryable.
func (e *ResourceError) Temporary() bool {
	return true
}

// NewResourceError creates a new resource error
func NewResourceError(op string, err error) *ResourceError {
	return &ResourceError{Op: op, Err: err}
}

// IsTemporary reports whether err is worth retrying.
func IsTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

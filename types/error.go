package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the retrieval core.
type ErrorCode string

// Index error codes
const (
	ErrDimensionMismatch  ErrorCode = "DIMENSION_MISMATCH"
	ErrCorruptIndex       ErrorCode = "CORRUPT_INDEX"
	ErrDuplicateEmbedding ErrorCode = "DUPLICATE_EMBEDDING"
)

// Query error codes
const (
	ErrNoRelevantContent      ErrorCode = "NO_RELEVANT_CONTENT"
	ErrDanglingChunkReference ErrorCode = "DANGLING_CHUNK_REFERENCE"
	ErrNotFound               ErrorCode = "NOT_FOUND"
)

// Graph error codes
const (
	ErrExtractionFailure ErrorCode = "EXTRACTION_FAILURE"
)

// General error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrUpstreamError  ErrorCode = "UPSTREAM_ERROR"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code, so package
// level sentinels can be matched with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// AsError extracts the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

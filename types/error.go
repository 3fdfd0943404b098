package types

import "fmt"

// ErrorCode represents a unified error code across the pipeline engine.
type ErrorCode string

// Transient / infrastructure error codes. Failures in this family are
// candidates for exponential-backoff retry.
const (
	ErrConnection         ErrorCode = "CONNECTION"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrRateLimit          ErrorCode = "RATE_LIMIT"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrInternal           ErrorCode = "INTERNAL"
)

// Validation / programmer error codes. These are never retried; the engine
// falls back to graceful degradation instead.
const (
	ErrValidation   ErrorCode = "VALIDATION"
	ErrTypeMismatch ErrorCode = "TYPE_MISMATCH"
	ErrMissingKey   ErrorCode = "MISSING_KEY"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Stage     string    `json:"stage,omitempty"`
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

// NewError creates a new Error with the given code and message.
// The Retryable flag is seeded from the code family and can be overridden
// with WithRetryable.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the retryable flag.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithStage tags the error with the stage it originated from.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

func defaultRetryable(code ErrorCode) bool {
	switch code {
	case ErrConnection, ErrTimeout, ErrRateLimit, ErrServiceUnavailable, ErrInternal:
		return true
	default:
		return false
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

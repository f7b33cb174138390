package types

import "fmt"

// ErrorCode represents a unified error code across the node.
type ErrorCode string

// Startup and configuration error codes. These are fatal: the node must
// not start with a bad sidecar config or an unreadable private key.
const (
	ErrConfiguration ErrorCode = "CONFIGURATION"
	ErrPrivateKey    ErrorCode = "PRIVATE_KEY"
)

// Run admission error codes. These are reported synchronously to the
// caller as data, never raised; the outer poller may retry.
const (
	ErrImageRejected           ErrorCode = "IMAGE_REJECTED"
	ErrDuplicateRun            ErrorCode = "DUPLICATE_RUN"
	ErrOrchestratorUnavailable ErrorCode = "ORCHESTRATOR_UNAVAILABLE"
)

// Run outcome and relay error codes.
const (
	ErrUnexpectedOutput ErrorCode = "UNEXPECTED_OUTPUT"
	ErrDecryption       ErrorCode = "DECRYPTION"
	ErrCleanup          ErrorCode = "CLEANUP"
	ErrCoordinator      ErrorCode = "COORDINATOR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	RunID     int64     `json:"run_id,omitempty"`
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
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRun attaches the run the error belongs to.
func (e *Error) WithRun(runID int64) *Error {
	e.RunID = runID
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
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

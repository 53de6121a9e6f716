package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies a failure. Retry eligibility is derived from it alone.
type ErrorType string

const (
	TypeValidation ErrorType = "validation"
	TypeNetwork    ErrorType = "network"
	TypeTimeout    ErrorType = "timeout"
	TypeAbort      ErrorType = "abort"
	TypeParse      ErrorType = "parse"
	TypeScript     ErrorType = "script"
	TypeTransform  ErrorType = "transform"
	TypeAuth       ErrorType = "auth"
	TypePermission ErrorType = "permission"
	TypeSystem     ErrorType = "system"
	TypeUnknown    ErrorType = "unknown"
)

var (
	// ErrUnsupportedType indicates that no executor is registered for a data source type
	ErrUnsupportedType = errors.New("unsupported data source type")

	// ErrRequiredParams indicates that one or more required parameters could not be resolved
	ErrRequiredParams = errors.New("required parameters unresolved")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrNotFound indicates that a stored configuration does not exist
	ErrNotFound = errors.New("not found")

	// ErrDisposed indicates use of a component after Dispose/Close
	ErrDisposed = errors.New("component disposed")
)

// Error represents a classified engine error
type Error struct {
	// Type is the taxonomy bucket used for retry decisions
	Type ErrorType

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error

	// Details carries extra, already-redacted context
	Details map[string]any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new classified error
func New(errType ErrorType, message string, err error) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// Newf creates a classified error with a formatted message and no cause
func Newf(errType ErrorType, format string, args ...any) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetail attaches a detail value and returns the same error
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// IsRetryable reports whether failures of this type may be retried.
// Only transient transport failures qualify.
func IsRetryable(t ErrorType) bool {
	return t == TypeNetwork || t == TypeTimeout
}

// HumanMessage returns a user-facing summary for an error type
func HumanMessage(t ErrorType) string {
	switch t {
	case TypeValidation:
		return "configuration invalid"
	case TypeNetwork:
		return "network request failed"
	case TypeTimeout:
		return "request timed out"
	case TypeAbort:
		return "request was cancelled"
	case TypeParse:
		return "response could not be parsed"
	case TypeScript:
		return "script execution failed"
	case TypeTransform:
		return "data transformation failed"
	case TypeAuth:
		return "authentication required"
	case TypePermission:
		return "permission denied"
	case TypeSystem:
		return "server reported an error"
	default:
		return "unexpected error"
	}
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || Classify(err) == TypeTimeout
}

// IsNotFound checks if an error is a not-found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a ccswitch error code.
type ErrorCode string

// Error codes for engine operations.
const (
	// Lookup errors
	ErrNotFound      ErrorCode = "E_NOT_FOUND"
	ErrDuplicateName ErrorCode = "E_DUPLICATE_NAME"

	// State errors
	ErrInUse    ErrorCode = "E_IN_USE"
	ErrDisabled ErrorCode = "E_DISABLED"

	// Persistence errors
	ErrParse                   ErrorCode = "E_PARSE"
	ErrWriteVerificationFailed ErrorCode = "E_WRITE_VERIFICATION_FAILED"

	// Coordination errors
	ErrLockTimeout       ErrorCode = "E_LOCK_TIMEOUT"
	ErrMigrationConflict ErrorCode = "E_MIGRATION_CONFLICT"

	// Input errors
	ErrValidation ErrorCode = "E_VALIDATION"

	// Anything not covered above
	ErrInternal ErrorCode = "E_INTERNAL"
)

// CcsError represents a structured error with code and context.
type CcsError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *CcsError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *CcsError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CcsError carrying the same code, so
// callers can match against a bare NewError(code, "") sentinel.
func (e *CcsError) Is(target error) bool {
	t, ok := target.(*CcsError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new CcsError.
func NewError(code ErrorCode, message string) *CcsError {
	return &CcsError{
		Code:    code,
		Message: message,
	}
}

// WithDetails adds details to the error.
func (e *CcsError) WithDetails(key string, value interface{}) *CcsError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause adds a cause to the error.
func (e *CcsError) WithCause(cause error) *CcsError {
	e.Cause = cause
	return e
}

// On records the resource and operation an error happened in.
func (e *CcsError) On(resource, operation string) *CcsError {
	return e.WithDetails("resource", resource).WithDetails("operation", operation)
}

// Wrap wraps an error with a CcsError.
func Wrap(code ErrorCode, message string, cause error) *CcsError {
	return &CcsError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf returns the code of the first CcsError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var ce *CcsError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// ExitCode maps an error to a process exit status for command-line front-ends.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch CodeOf(err) {
	case ErrNotFound:
		return 3
	case ErrDuplicateName:
		return 4
	case ErrInUse:
		return 5
	case ErrDisabled:
		return 6
	case ErrParse:
		return 7
	case ErrLockTimeout:
		return 8
	case ErrMigrationConflict:
		return 9
	case ErrWriteVerificationFailed:
		return 10
	case ErrValidation:
		return 11
	default:
		return 1
	}
}

// HTTPStatus maps an error to an HTTP status code for the API layer.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrDuplicateName:
		return http.StatusConflict
	case ErrInUse:
		return http.StatusLocked
	case ErrDisabled:
		return http.StatusForbidden
	case ErrParse:
		return http.StatusUnprocessableEntity
	case ErrLockTimeout:
		return http.StatusServiceUnavailable
	case ErrMigrationConflict:
		return http.StatusPreconditionFailed
	case ErrWriteVerificationFailed:
		return http.StatusBadGateway
	case ErrValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier. Codes travel verbatim as the
// realtime "reason" and the HTTP "code" field.
type ErrorCode string

const (
	// Session & membership
	ErrCodeAuthRequired ErrorCode = "AuthRequired"
	ErrCodeNotAMember   ErrorCode = "NotAMember"
	ErrCodeRoomNotFound ErrorCode = "RoomNotFound"

	// Federation trust boundary
	ErrCodeInvalidSignature ErrorCode = "InvalidSignature"
	ErrCodeDomainMismatch   ErrorCode = "DomainMismatch"

	// Federation transport
	ErrCodeRemoteUnavailable ErrorCode = "RemoteUnavailable"
	ErrCodeRemoteRejected    ErrorCode = "RemoteRejected"

	// Idempotent no-op, never surfaced as a failure
	ErrCodeDuplicateRequest ErrorCode = "DuplicateRequest"

	// Validation
	ErrCodeInvalidInput ErrorCode = "InvalidInput"

	// Resource
	ErrCodeNotFound ErrorCode = "NotFound"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RateLimitExceeded"

	// Internal
	ErrCodeInternal ErrorCode = "Internal"
	ErrCodeDatabase ErrorCode = "Database"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Retryable reports whether a relay may be attempted again after this error.
func (e *AppError) Retryable() bool {
	return e.Code == ErrCodeRemoteUnavailable
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func AuthRequired() *AppError {
	return New(ErrCodeAuthRequired, "Authentication required")
}

func NotAMember(roomID string) *AppError {
	return New(ErrCodeNotAMember, fmt.Sprintf("Not a member of room %s", roomID))
}

func RoomNotFound(roomID string) *AppError {
	return New(ErrCodeRoomNotFound, fmt.Sprintf("Room %s not found", roomID))
}

func InvalidSignature(domain string) *AppError {
	return New(ErrCodeInvalidSignature, fmt.Sprintf("Invalid signature from %s", domain))
}

func DomainMismatch(claimed, origin string) *AppError {
	return New(ErrCodeDomainMismatch, fmt.Sprintf("Payload acts for %s but is signed by %s", claimed, origin))
}

func RemoteUnavailable(domain string, cause error) *AppError {
	return Wrap(ErrCodeRemoteUnavailable, fmt.Sprintf("Remote server %s unavailable", domain), cause)
}

func RemoteRejected(domain, reason string) *AppError {
	return New(ErrCodeRemoteRejected, fmt.Sprintf("Remote server %s rejected request: %s", domain, reason))
}

func DuplicateRequest(what string) *AppError {
	return New(ErrCodeDuplicateRequest, fmt.Sprintf("%s already applied", what))
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("%s is required", field))
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

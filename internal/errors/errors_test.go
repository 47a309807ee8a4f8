package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "User not found")
		assert.Equal(t, "NotFound: User not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("database connection failed")
		err := Wrap(ErrCodeDatabase, "Database error", cause)
		assert.Contains(t, err.Error(), "Database")
		assert.Contains(t, err.Error(), "database connection failed")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"field": "roomId"}
		err := New(ErrCodeInvalidInput, "Validation failed").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"AuthRequired", func() *AppError { return AuthRequired() }, ErrCodeAuthRequired},
		{"NotAMember", func() *AppError { return NotAMember("r1") }, ErrCodeNotAMember},
		{"RoomNotFound", func() *AppError { return RoomNotFound("r1") }, ErrCodeRoomNotFound},
		{"InvalidSignature", func() *AppError { return InvalidSignature("a.example") }, ErrCodeInvalidSignature},
		{"DomainMismatch", func() *AppError { return DomainMismatch("a.example", "b.example") }, ErrCodeDomainMismatch},
		{"RemoteUnavailable", func() *AppError { return RemoteUnavailable("a.example", nil) }, ErrCodeRemoteUnavailable},
		{"RemoteRejected", func() *AppError { return RemoteRejected("a.example", "NotFound") }, ErrCodeRemoteRejected},
		{"DuplicateRequest", func() *AppError { return DuplicateRequest("friend request") }, ErrCodeDuplicateRequest},
		{"InvalidInput", func() *AppError { return InvalidInput("roomId", "empty") }, ErrCodeInvalidInput},
		{"MissingRequired", func() *AppError { return MissingRequired("roomId") }, ErrCodeInvalidInput},
		{"NotFound", func() *AppError { return NotFound("User") }, ErrCodeNotFound},
		{"RateLimitExceeded", func() *AppError { return RateLimitExceeded() }, ErrCodeRateLimitExceeded},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, RemoteUnavailable("a.example", errors.New("timeout")).Retryable())
	assert.False(t, RemoteRejected("a.example", "NotAMember").Retryable())
	assert.False(t, InvalidSignature("a.example").Retryable())
	assert.False(t, DomainMismatch("a.example", "b.example").Retryable())
}

func TestDatabase(t *testing.T) {
	t.Run("wraps database error", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Database(cause)
		assert.Equal(t, ErrCodeDatabase, err.Code)
		assert.Equal(t, cause, err.Unwrap())
	})
}

func TestAsAppError(t *testing.T) {
	t.Run("extracts AppError", func(t *testing.T) {
		original := NotAMember("r1")
		extracted, ok := AsAppError(original)
		assert.True(t, ok)
		assert.Equal(t, original, extracted)
	})

	t.Run("extracts wrapped AppError", func(t *testing.T) {
		wrapped := fmt.Errorf("join: %w", RoomNotFound("r1"))
		assert.True(t, IsAppError(wrapped))
		assert.True(t, Is(wrapped, ErrCodeRoomNotFound))
	})

	t.Run("returns false for non-AppError", func(t *testing.T) {
		err := errors.New("standard error")
		extracted, ok := AsAppError(err)
		assert.False(t, ok)
		assert.Nil(t, extracted)
		assert.False(t, Is(err, ErrCodeInternal))
	})
}

func TestGetCode(t *testing.T) {
	t.Run("returns code for AppError", func(t *testing.T) {
		assert.Equal(t, ErrCodeNotAMember, GetCode(NotAMember("r1")))
	})

	t.Run("returns ErrCodeInternal for standard error", func(t *testing.T) {
		assert.Equal(t, ErrCodeInternal, GetCode(errors.New("standard error")))
	})
}

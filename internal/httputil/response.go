package httputil

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/fedchat/chat-server-go/internal/errors"
)

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error   string              `json:"error"`
	Code    apperrors.ErrorCode `json:"code"`
	Details any                 `json:"details,omitempty"`
}

// WriteError writes an AppError as an HTTP response with appropriate status code
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("An unexpected error occurred")
	}

	WriteJSON(w, StatusFromCode(appErr.Code), NewErrorResponse(appErr))
}

func NewErrorResponse(err *apperrors.AppError) ErrorResponse {
	return ErrorResponse{
		Error:   err.Message,
		Code:    err.Code,
		Details: err.Details,
	}
}

// StatusFromCode maps ErrorCode to HTTP status code
func StatusFromCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest

	case apperrors.ErrCodeAuthRequired,
		apperrors.ErrCodeInvalidSignature:
		return http.StatusUnauthorized

	case apperrors.ErrCodeNotAMember,
		apperrors.ErrCodeDomainMismatch:
		return http.StatusForbidden

	case apperrors.ErrCodeNotFound,
		apperrors.ErrCodeRoomNotFound:
		return http.StatusNotFound

	case apperrors.ErrCodeDuplicateRequest:
		return http.StatusConflict

	case apperrors.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests

	case apperrors.ErrCodeRemoteRejected:
		return http.StatusBadGateway

	case apperrors.ErrCodeRemoteUnavailable:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

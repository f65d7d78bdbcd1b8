package errors

import (
	"fmt"
	"net/http"
)

// APIError represents a structured API error with an HTTP status code.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NotFound(resource, id string) *APIError {
	return &APIError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
		Status:  http.StatusNotFound,
	}
}

// Gone reports a resource that existed but has expired. Expired sessions are
// projected with this status so HTTP callers see the same outcome a websocket
// peer sees as a "session expired" close.
func Gone(resource, id string) *APIError {
	return &APIError{
		Code:    "SESSION_EXPIRED",
		Message: fmt.Sprintf("%s '%s' has expired", resource, id),
		Status:  http.StatusGone,
	}
}

func Validation(msg string) *APIError {
	return &APIError{
		Code:    "VALIDATION_ERROR",
		Message: msg,
		Status:  http.StatusBadRequest,
	}
}

func Forbidden(msg string) *APIError {
	return &APIError{
		Code:    "FORBIDDEN",
		Message: msg,
		Status:  http.StatusForbidden,
	}
}

func Unauthorized(msg string) *APIError {
	return &APIError{
		Code:    "UNAUTHORIZED",
		Message: msg,
		Status:  http.StatusUnauthorized,
	}
}

func TooManyRequests(msg string) *APIError {
	return &APIError{
		Code:    "RATE_LIMITED",
		Message: msg,
		Status:  http.StatusTooManyRequests,
	}
}

func PayloadTooLarge(limit int64) *APIError {
	return &APIError{
		Code:    "PAYLOAD_TOO_LARGE",
		Message: fmt.Sprintf("request body exceeds %d bytes", limit),
		Status:  http.StatusRequestEntityTooLarge,
	}
}

func Internal(msg string) *APIError {
	return &APIError{
		Code:    "INTERNAL_ERROR",
		Message: msg,
		Status:  http.StatusInternalServerError,
	}
}

func ServiceUnavailable(msg string) *APIError {
	return &APIError{
		Code:    "SERVICE_UNAVAILABLE",
		Message: msg,
		Status:  http.StatusServiceUnavailable,
	}
}

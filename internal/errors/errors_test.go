package errors

import (
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: "NOT_FOUND", Message: "session 'foo' not found", Status: 404}
	got := err.Error()
	want := "session 'foo' not found"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name       string
		fn         func() *APIError
		wantCode   string
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "NotFound",
			fn:         func() *APIError { return NotFound("session", "abc") },
			wantCode:   "NOT_FOUND",
			wantStatus: 404,
			wantMsg:    "session 'abc' not found",
		},
		{
			name:       "Gone",
			fn:         func() *APIError { return Gone("session", "abc") },
			wantCode:   "SESSION_EXPIRED",
			wantStatus: 410,
			wantMsg:    "session 'abc' has expired",
		},
		{
			name:       "Validation",
			fn:         func() *APIError { return Validation("invalid envelope") },
			wantCode:   "VALIDATION_ERROR",
			wantStatus: 400,
			wantMsg:    "invalid envelope",
		},
		{
			name:       "Forbidden",
			fn:         func() *APIError { return Forbidden("origin not allowed") },
			wantCode:   "FORBIDDEN",
			wantStatus: 403,
			wantMsg:    "origin not allowed",
		},
		{
			name:       "TooManyRequests",
			fn:         func() *APIError { return TooManyRequests("slow down") },
			wantCode:   "RATE_LIMITED",
			wantStatus: 429,
			wantMsg:    "slow down",
		},
		{
			name:       "PayloadTooLarge",
			fn:         func() *APIError { return PayloadTooLarge(1024) },
			wantCode:   "PAYLOAD_TOO_LARGE",
			wantStatus: 413,
			wantMsg:    "request body exceeds 1024 bytes",
		},
		{
			name:       "ServiceUnavailable",
			fn:         func() *APIError { return ServiceUnavailable("broker stopped") },
			wantCode:   "SERVICE_UNAVAILABLE",
			wantStatus: 503,
			wantMsg:    "broker stopped",
		},
		{
			name:       "Unauthorized",
			fn:         func() *APIError { return Unauthorized("invalid token") },
			wantCode:   "UNAUTHORIZED",
			wantStatus: 401,
			wantMsg:    "invalid token",
		},
		{
			name:       "Internal",
			fn:         func() *APIError { return Internal("unexpected error") },
			wantCode:   "INTERNAL_ERROR",
			wantStatus: 500,
			wantMsg:    "unexpected error",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.fn()
			if err.Code != tc.wantCode {
				t.Errorf("Code = %q, want %q", err.Code, tc.wantCode)
			}
			if err.Status != tc.wantStatus {
				t.Errorf("Status = %d, want %d", err.Status, tc.wantStatus)
			}
			if err.Message != tc.wantMsg {
				t.Errorf("Message = %q, want %q", err.Message, tc.wantMsg)
			}
		})
	}
}

package protocol

import "fmt"

// Close codes sent in the websocket close frame. The first four reuse the
// RFC 6455 registry; the rest live in the private 4000-4999 range.
const (
	CloseNormal          = 1000
	CloseMalformed       = 1007
	ClosePolicyViolation = 1008
	CloseTooLarge        = 1009
	CloseJoinTimeout     = 4000
	CloseAuthFailed      = 4001
)

// Close reasons. Reasons are informational; peers should branch on codes.
const (
	ReasonSessionExpired   = "session expired"
	ReasonSessionInvalid   = "session invalid"
	ReasonPongTimeout      = "pong timeout"
	ReasonJoinTimeout      = "join timeout"
	ReasonNotAuthenticated = "not authenticated"
	ReasonInvalidToken     = "invalid token"
	ReasonInvalidRole      = "invalid role"
	ReasonCapacity         = "session at capacity"
	ReasonRateLimited      = "rate limit exceeded"
	ReasonTooLarge         = "frame too large"
	ReasonShutdown         = "server shutting down"
)

// CloseError is a fault that terminates exactly the offending connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %d: %s", e.Code, e.Reason)
}

// Error constructors.

func NewMalformed(reason string) *CloseError {
	return &CloseError{Code: CloseMalformed, Reason: reason}
}

func NewAuthFailed(reason string) *CloseError {
	return &CloseError{Code: CloseAuthFailed, Reason: reason}
}

func NewPolicyViolation(reason string) *CloseError {
	return &CloseError{Code: ClosePolicyViolation, Reason: reason}
}

func NewTooLarge() *CloseError {
	return &CloseError{Code: CloseTooLarge, Reason: ReasonTooLarge}
}

func NewSessionExpired() *CloseError {
	return &CloseError{Code: CloseNormal, Reason: ReasonSessionExpired}
}

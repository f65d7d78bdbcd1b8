package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the wire protocol version stamped on server-originated envelopes.
const Version = "1"

// MessageType identifies the kind of envelope on the wire.
type MessageType string

const (
	TypeJoin          MessageType = "join"
	TypeFullUpdate    MessageType = "full_update"
	TypePartialUpdate MessageType = "partial_update"
	TypeCodeDiff      MessageType = "code_diff"
	TypeEvent         MessageType = "event"
	TypePing          MessageType = "ping"
	TypePong          MessageType = "pong"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeJoin, TypeFullUpdate, TypePartialUpdate, TypeCodeDiff, TypeEvent, TypePing, TypePong:
		return true
	}
	return false
}

// Role is the kind of peer holding a connection.
type Role string

const (
	RoleDevice Role = "device"
	RoleEditor Role = "editor"
)

// Valid reports whether r is device or editor.
func (r Role) Valid() bool {
	return r == RoleDevice || r == RoleEditor
}

// Envelope is the wrapper for every frame exchanged over /ws.
// Payload is carried as raw JSON and only ever routed, never interpreted,
// except for join requests.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Meta    Meta            `json:"meta"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Meta carries routing metadata. SessionID and Timestamp are overwritten by
// the broker before any envelope is relayed.
type Meta struct {
	SessionID string `json:"sessionId"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
}

// JoinRequest is the payload of a join envelope.
type JoinRequest struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	Role      Role   `json:"role"`
}

// JoinAck is the payload of the join envelope sent back on success.
type JoinAck struct {
	Status       string `json:"status"`
	ConnectionID string `json:"connectionId"`
	Role         Role   `json:"role"`
}

// Decode parses a raw frame into an envelope. It fails on invalid JSON and on
// unknown message types.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	return &env, nil
}

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// JoinPayload extracts the join request from a join envelope.
func (e *Envelope) JoinPayload() (*JoinRequest, error) {
	if len(e.Payload) == 0 {
		return nil, fmt.Errorf("join payload is required")
	}
	var req JoinRequest
	if err := json.Unmarshal(e.Payload, &req); err != nil {
		return nil, fmt.Errorf("invalid join payload: %w", err)
	}
	return &req, nil
}

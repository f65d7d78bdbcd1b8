package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/agent-smit/devbridge/internal/protocol"
)

const (
	// DefaultLifetime is how long a session stays valid after creation.
	DefaultLifetime = 8 * time.Hour
	// DefaultSweepInterval is the period of the active expiry sweep.
	DefaultSweepInterval = 5 * time.Minute

	idBytes    = 32
	tokenBytes = 32
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
)

// Reason explains why a session lookup failed.
type Reason string

const (
	ReasonNotFound Reason = "NOT_FOUND"
	ReasonExpired  Reason = "EXPIRED"
)

// Member is the roster's view of an attached connection. The store never
// touches the transport behind it; Close routes back into the owner's close
// path.
type Member interface {
	ID() string
	Role() protocol.Role
	Close(code int, reason string) error
}

// Session is a read-only copy of a session's identity and timestamps.
// The secret token is held only as a digest.
type Session struct {
	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time

	tokenDigest [blake2b.Size256]byte
}

// Expired reports whether the session is past its lifetime at now.
// A session is valid for now < ExpiresAt and expired from ExpiresAt on.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TokenMatches compares token against the session secret in constant time.
func (s Session) TokenMatches(token string) bool {
	d := blake2b.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(d[:], s.tokenDigest[:]) == 1
}

// Created is returned once by CreateSession. It is the only place the
// plaintext token ever leaves the store.
type Created struct {
	Session
	Token string
}

// Result is the outcome of Validate.
type Result struct {
	Valid   bool
	Session Session
	Reason  Reason
}

// Err maps an invalid Result to ErrNotFound or ErrExpired and returns nil
// for a valid one.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	if r.Reason == ReasonExpired {
		return ErrExpired
	}
	return ErrNotFound
}

// Snapshot is the read-only status projection used by the HTTP gateway.
type Snapshot struct {
	ID        string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Devices   int       `json:"devices"`
	Editors   int       `json:"editors"`
}

// AdmitResult is the outcome of Admit.
type AdmitResult int

const (
	Admitted AdmitResult = iota
	AdmitNotFound
	AdmitExpired
	AdmitFull
)

func (r AdmitResult) String() string {
	switch r {
	case Admitted:
		return "admitted"
	case AdmitNotFound:
		return "not_found"
	case AdmitExpired:
		return "expired"
	case AdmitFull:
		return "full"
	default:
		return "unknown"
	}
}

// entry is the stored form of a session.
type entry struct {
	session Session
	roster  []Member
}

func (e *entry) countRole(role protocol.Role) int {
	n := 0
	for _, m := range e.roster {
		if m.Role() == role {
			n++
		}
	}
	return n
}

// randomHex returns n cryptographically random bytes, hex-encoded.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

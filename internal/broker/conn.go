package broker

import (
	"sync"
	"time"

	"github.com/agent-smit/devbridge/internal/clock"
	"github.com/agent-smit/devbridge/internal/protocol"
	"github.com/agent-smit/devbridge/internal/ratelimit"
)

// State is a connection's position in the join handshake.
type State int

const (
	StatePending State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the broker-owned record for one connection. The transport is a
// field of the record; nothing is attached to the transport itself.
type Conn struct {
	id         string
	remoteAddr string
	broker     *Broker
	transport  Transport

	mu        sync.Mutex
	state     State
	role      protocol.Role
	sessionID string
	lastSeen  time.Time
	window    ratelimit.Window
	joinTimer *clock.Timer
}

// ID returns the connection id assigned at accept.
func (c *Conn) ID() string { return c.id }

// Role returns the role claimed at join. It is empty while pending.
func (c *Conn) Role() protocol.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the owning session, empty until authenticated.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close runs the broker's close path for this connection. It is safe to call
// more than once and from any goroutine.
func (c *Conn) Close(code int, reason string) error {
	c.broker.closeConn(c, code, reason, false)
	return nil
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	if now.After(c.lastSeen) {
		c.lastSeen = now
	}
	c.mu.Unlock()
}

// silentSince reports whether the connection is still open and has not shown
// liveness at or after t.
func (c *Conn) silentSince(t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateClosed && c.lastSeen.Before(t)
}

func (c *Conn) deliverable() bool {
	c.mu.Lock()
	authenticated := c.state == StateAuthenticated
	c.mu.Unlock()
	return authenticated && c.transport.Open()
}

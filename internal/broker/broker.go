// Package broker authenticates connections against the session store, tracks
// their liveness and fans messages out to the right subset of a session's
// roster.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/agent-smit/devbridge/internal/clock"
	"github.com/agent-smit/devbridge/internal/origin"
	"github.com/agent-smit/devbridge/internal/protocol"
	"github.com/agent-smit/devbridge/internal/session"
)

var (
	// ErrClosed is returned for operations on a closed connection or a
	// stopped broker.
	ErrClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned when a peer's outbound queue is full.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Sessions is the part of the session store the broker depends on.
type Sessions interface {
	Validate(id string) session.Result
	CheckToken(sess session.Session, token string) bool
	Admit(sessionID string, m session.Member, limit int) session.AdmitResult
	RemoveConnection(sessionID, connID string) bool
	ListConnections(sessionID string) []session.Member
}

// Options configures a Broker.
type Options struct {
	Config Config
	Clock  clock.Clock
	Logger *slog.Logger
	Meter  metric.Meter
}

// Broker owns every connection record and the only path that closes one.
type Broker struct {
	cfg      Config
	sessions Sessions
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics
	origins  *origin.Policy
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       map[string]*Conn
	running     bool
	stopped     bool
	healthGen   uint64
	healthTimer *clock.Timer
	pongTimer   *clock.Timer
	lastProbe   time.Time

	liveTimers int
	timersMu   sync.Mutex
}

// New creates a Broker bound to sessions. Call Start to begin health probes.
func New(sessions Sessions, opts Options) *Broker {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("github.com/agent-smit/devbridge/internal/broker")
	}
	cfg := opts.Config.withDefaults()
	logger := opts.Logger.With("component", "broker")

	b := &Broker{
		cfg:      cfg,
		sessions: sessions,
		clock:    opts.Clock,
		logger:   logger,
		metrics:  newMetrics(opts.Meter, logger),
		origins:  origin.NewPolicy(cfg.AllowedOrigins),
		conns:    make(map[string]*Conn),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return b.origins.Allowed(r.Header.Get("Origin"))
		},
	}
	return b
}

// Accept registers a new pending connection and arms its join timer.
func (b *Broker) Accept(t Transport, remoteAddr string) (*Conn, error) {
	c := &Conn{
		id:         uuid.New().String(),
		remoteAddr: remoteAddr,
		broker:     b,
		transport:  t,
		state:      StatePending,
		lastSeen:   b.clock.Now(),
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.conns[c.id] = c
	b.mu.Unlock()
	b.metrics.active.Add(context.Background(), 1)

	// A concurrent Stop may already have closed c.
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.joinTimer = b.clock.AfterFunc(b.cfg.JoinTimeout, func() { b.joinExpired(c) })
	b.addLiveTimers(1)
	c.mu.Unlock()

	b.logger.Debug("connection accepted", "conn_id", c.id, "remote_addr", remoteAddr)
	return c, nil
}

func (b *Broker) joinExpired(c *Conn) {
	c.mu.Lock()
	if c.joinTimer == nil {
		c.mu.Unlock()
		return
	}
	c.joinTimer = nil
	b.addLiveTimers(-1)
	pending := c.state == StatePending
	c.mu.Unlock()

	if pending {
		b.metrics.join("timeout")
		b.closeConn(c, protocol.CloseJoinTimeout, protocol.ReasonJoinTimeout, false)
	}
}

// HandleFrame processes one inbound frame. Frames of a single connection
// must be handed in from one goroutine, in receipt order. The returned
// *protocol.CloseError describes the close the frame caused, if any.
func (b *Broker) HandleFrame(c *Conn, data []byte) error {
	now := b.clock.Now()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if now.After(c.lastSeen) {
		c.lastSeen = now
	}
	allowed, _, _ := c.window.Allow(now, b.cfg.RateLimit, b.cfg.RateWindow)
	c.mu.Unlock()

	if int64(len(data)) > b.cfg.MaxFrameBytes {
		return b.fail(c, protocol.NewTooLarge())
	}
	if !allowed {
		return b.fail(c, protocol.NewPolicyViolation(protocol.ReasonRateLimited))
	}

	env, err := protocol.Decode(data)
	if err != nil {
		return b.fail(c, protocol.NewMalformed(err.Error()))
	}

	switch env.Type {
	case protocol.TypePing:
		b.reply(c, protocol.TypePong, nil)
		return nil
	case protocol.TypePong:
		return nil
	}

	switch c.State() {
	case StatePending:
		if env.Type != protocol.TypeJoin {
			return b.fail(c, protocol.NewAuthFailed(protocol.ReasonNotAuthenticated))
		}
		return b.join(c, env)
	case StateAuthenticated:
		if env.Type == protocol.TypeJoin {
			return b.fail(c, protocol.NewMalformed("already joined"))
		}
		return b.relay(c, env)
	default:
		return ErrClosed
	}
}

func (b *Broker) join(c *Conn, env *protocol.Envelope) error {
	req, err := env.JoinPayload()
	if err != nil {
		b.metrics.join("malformed")
		return b.fail(c, protocol.NewMalformed(err.Error()))
	}
	if !req.Role.Valid() {
		b.metrics.join("invalid_role")
		return b.fail(c, protocol.NewAuthFailed(protocol.ReasonInvalidRole))
	}

	res := b.sessions.Validate(req.SessionID)
	if !res.Valid {
		b.metrics.join(admitOutcome(res.Reason).String())
		return b.fail(c, invalidSession(res))
	}
	if !b.sessions.CheckToken(res.Session, req.Token) {
		b.metrics.join("bad_token")
		return b.fail(c, protocol.NewAuthFailed(protocol.ReasonInvalidToken))
	}

	c.mu.Lock()
	c.role = req.Role
	c.sessionID = req.SessionID
	c.mu.Unlock()

	switch b.sessions.Admit(req.SessionID, c, b.capacity(req.Role)) {
	case session.Admitted:
	case session.AdmitFull:
		b.metrics.join(session.AdmitFull.String())
		return b.fail(c, protocol.NewPolicyViolation(protocol.ReasonCapacity))
	case session.AdmitExpired:
		b.metrics.join(session.AdmitExpired.String())
		return b.fail(c, protocol.NewAuthFailed(protocol.ReasonSessionExpired))
	default:
		b.metrics.join(session.AdmitNotFound.String())
		return b.fail(c, protocol.NewAuthFailed(protocol.ReasonSessionInvalid))
	}

	c.mu.Lock()
	if c.state == StateClosed {
		// Closed (join timeout, shutdown) while being admitted.
		c.mu.Unlock()
		b.sessions.RemoveConnection(req.SessionID, c.id)
		return ErrClosed
	}
	c.state = StateAuthenticated
	b.stopJoinTimerLocked(c)
	c.mu.Unlock()

	b.metrics.join("ok")
	b.logger.Info("connection joined",
		"conn_id", c.id, "session_id", req.SessionID, "role", req.Role)

	b.reply(c, protocol.TypeJoin, protocol.JoinAck{
		Status:       "ok",
		ConnectionID: c.id,
		Role:         req.Role,
	})
	return nil
}

func (b *Broker) relay(c *Conn, env *protocol.Envelope) error {
	c.mu.Lock()
	sessionID, role := c.sessionID, c.role
	c.mu.Unlock()

	res := b.sessions.Validate(sessionID)
	if !res.Valid {
		ce := protocol.NewAuthFailed(protocol.ReasonSessionInvalid)
		if res.Reason == session.ReasonExpired {
			ce = protocol.NewSessionExpired()
		}
		return b.fail(c, ce)
	}

	b.stamp(env, sessionID, string(role))

	var filter protocol.Role
	if env.Type == protocol.TypeEvent {
		filter = protocol.RoleEditor
	}
	n := b.Broadcast(sessionID, env, c.id, filter)
	b.metrics.relayed.Add(context.Background(), int64(n))
	return nil
}

// Broadcast sends env to every authenticated, open connection of the
// session except exclude, optionally restricted to role. It returns the
// number of successful sends. One failing recipient never blocks the rest.
func (b *Broker) Broadcast(sessionID string, env *protocol.Envelope, exclude string, role protocol.Role) int {
	data, err := protocol.Encode(env)
	if err != nil {
		b.logger.Error("broadcast encode failed", "session_id", sessionID, "error", err)
		return 0
	}

	sent := 0
	for _, m := range b.sessions.ListConnections(sessionID) {
		if m.ID() == exclude {
			continue
		}
		if role != "" && m.Role() != role {
			continue
		}
		c, ok := m.(*Conn)
		if !ok || !c.deliverable() {
			continue
		}
		if err := c.transport.Send(data); err != nil {
			b.metrics.failures.Add(context.Background(), 1)
			b.logger.Warn("broadcast send failed",
				"session_id", sessionID, "conn_id", c.id, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Publish is the gateway's entry point: it validates the session, stamps
// the envelope and broadcasts it to role with no exclusion.
func (b *Broker) Publish(sessionID string, env *protocol.Envelope, role protocol.Role) (int, error) {
	res := b.sessions.Validate(sessionID)
	if err := res.Err(); err != nil {
		return 0, err
	}
	b.stamp(env, sessionID, "gateway")
	n := b.Broadcast(sessionID, env, "", role)
	b.metrics.relayed.Add(context.Background(), int64(n))
	return n, nil
}

// stamp overwrites routing metadata before an envelope is relayed.
func (b *Broker) stamp(env *protocol.Envelope, sessionID, defaultSource string) {
	env.Meta.SessionID = sessionID
	env.Meta.Timestamp = b.clock.Now().UnixMilli()
	if env.Meta.Source == "" {
		env.Meta.Source = defaultSource
	}
	if env.Meta.Version == "" {
		env.Meta.Version = protocol.Version
	}
}

func (b *Broker) reply(c *Conn, typ protocol.MessageType, payload any) {
	env := &protocol.Envelope{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			b.logger.Error("encode reply payload", "conn_id", c.id, "error", err)
			return
		}
		env.Payload = raw
	}
	b.stamp(env, c.SessionID(), "server")

	data, err := protocol.Encode(env)
	if err != nil {
		b.logger.Error("encode reply", "conn_id", c.id, "error", err)
		return
	}
	if err := c.transport.Send(data); err != nil {
		b.logger.Debug("reply not sent", "conn_id", c.id, "type", typ, "error", err)
	}
}

func (b *Broker) fail(c *Conn, ce *protocol.CloseError) error {
	b.closeConn(c, ce.Code, ce.Reason, false)
	return ce
}

// closeConn is the single terminal transition. It stops the join timer under
// the connection mutex, drops the connection from its roster and the broker
// table, and then closes the transport. Later calls are no-ops.
func (b *Broker) closeConn(c *Conn, code int, reason string, hard bool) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateClosed
	b.stopJoinTimerLocked(c)
	sessionID := c.sessionID
	c.mu.Unlock()

	if prev == StateAuthenticated {
		b.sessions.RemoveConnection(sessionID, c.id)
	}

	b.mu.Lock()
	delete(b.conns, c.id)
	b.mu.Unlock()

	var err error
	if hard {
		err = c.transport.Terminate()
	} else {
		err = c.transport.Close(code, reason)
	}
	if err != nil {
		b.logger.Debug("transport close", "conn_id", c.id, "error", err)
	}

	b.metrics.closed(code)
	b.logger.Info("connection closed",
		"conn_id", c.id, "session_id", sessionID, "state", prev.String(),
		"code", code, "reason", reason)
}

// Disconnect runs the close path for a peer whose transport already failed.
func (b *Broker) Disconnect(c *Conn) {
	b.closeConn(c, websocket.CloseAbnormalClosure, "transport closed", true)
}

func (b *Broker) stopJoinTimerLocked(c *Conn) {
	if c.joinTimer == nil {
		return
	}
	c.joinTimer.Stop()
	c.joinTimer = nil
	b.addLiveTimers(-1)
}

func (b *Broker) addLiveTimers(n int) {
	b.timersMu.Lock()
	b.liveTimers += n
	b.timersMu.Unlock()
}

// LiveTimers returns the number of per-connection timers still armed.
func (b *Broker) LiveTimers() int {
	b.timersMu.Lock()
	defer b.timersMu.Unlock()
	return b.liveTimers
}

// Touch records liveness for c, e.g. on a websocket pong control frame.
func (b *Broker) Touch(c *Conn) {
	c.touch(b.clock.Now())
}

func (b *Broker) capacity(role protocol.Role) int {
	if role == protocol.RoleEditor {
		return b.cfg.MaxEditors
	}
	return b.cfg.MaxDevices
}

func admitOutcome(r session.Reason) session.AdmitResult {
	if r == session.ReasonExpired {
		return session.AdmitExpired
	}
	return session.AdmitNotFound
}

func invalidSession(res session.Result) *protocol.CloseError {
	if res.Reason == session.ReasonExpired {
		return protocol.NewAuthFailed(protocol.ReasonSessionExpired)
	}
	return protocol.NewAuthFailed(protocol.ReasonSessionInvalid)
}

// Len returns the number of open connections.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Start begins the periodic health probe.
func (b *Broker) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running || b.stopped {
		return
	}
	b.running = true
	b.healthGen++
	gen := b.healthGen
	b.healthTimer = b.clock.AfterFunc(b.cfg.ProbeInterval, func() { b.healthTick(gen) })
}

// Stop halts health probes and closes every connection. The broker accepts
// no new connections afterwards.
func (b *Broker) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.running = false
	b.healthGen++
	if b.healthTimer != nil {
		b.healthTimer.Stop()
		b.healthTimer = nil
	}
	if b.pongTimer != nil {
		b.pongTimer.Stop()
		b.pongTimer = nil
	}
	conns := b.snapshotLocked()
	b.mu.Unlock()

	for _, c := range conns {
		b.closeConn(c, protocol.CloseNormal, protocol.ReasonShutdown, false)
	}
	b.logger.Info("broker stopped", "closed", len(conns))
}

// Ping reports whether the broker is accepting connections.
func (b *Broker) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrClosed
	}
	return nil
}

// healthTick probes every open connection. The pong deadline and the next
// tick are armed before any probe goes out. A connection silent since the
// previous probe missed it entirely and is terminated without a handshake;
// one silent since this probe is closed gracefully at the pong deadline.
func (b *Broker) healthTick(gen uint64) {
	probeAt := b.clock.Now()

	b.mu.Lock()
	if !b.running || b.healthGen != gen {
		b.mu.Unlock()
		return
	}
	prevProbe := b.lastProbe
	b.lastProbe = probeAt
	b.pongTimer = b.clock.AfterFunc(b.cfg.PongTimeout, func() { b.reap(gen, probeAt) })
	b.healthTimer = b.clock.AfterFunc(b.cfg.ProbeInterval, func() { b.healthTick(gen) })
	conns := b.snapshotLocked()
	b.mu.Unlock()

	for _, c := range conns {
		if !prevProbe.IsZero() && c.silentSince(prevProbe) {
			b.closeConn(c, protocol.CloseNormal, protocol.ReasonPongTimeout, true)
			continue
		}
		if c.State() == StateClosed {
			continue
		}
		if err := c.transport.Ping(); err != nil {
			b.logger.Debug("probe not sent", "conn_id", c.id, "error", err)
		}
	}
}

func (b *Broker) reap(gen uint64, probeAt time.Time) {
	b.mu.Lock()
	if !b.running || b.healthGen != gen {
		b.mu.Unlock()
		return
	}
	conns := b.snapshotLocked()
	b.mu.Unlock()

	for _, c := range conns {
		if c.silentSince(probeAt) {
			b.closeConn(c, protocol.CloseNormal, protocol.ReasonPongTimeout, false)
		}
	}
}

func (b *Broker) snapshotLocked() []*Conn {
	out := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c)
	}
	return out
}

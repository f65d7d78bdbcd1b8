package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/crypto/blake2b"

	"github.com/agent-smit/devbridge/internal/clock"
	"github.com/agent-smit/devbridge/internal/protocol"
)

// Options configures a Store. Zero values fall back to defaults.
type Options struct {
	Lifetime      time.Duration
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
	Meter         metric.Meter
}

// Store is the in-memory session table. All roster mutation happens under a
// single lock so readers never observe a roster mid-update.
type Store struct {
	lifetime      time.Duration
	sweepInterval time.Duration
	clock         clock.Clock
	logger        *slog.Logger

	created metric.Int64Counter
	expired metric.Int64Counter

	mu       sync.RWMutex
	sessions map[string]*entry

	sweepMu      sync.Mutex
	sweepTimer   *clock.Timer
	sweepGen     uint64
	sweepRunning bool
}

// NewStore creates an empty Store.
func NewStore(opts Options) *Store {
	if opts.Lifetime <= 0 {
		opts.Lifetime = DefaultLifetime
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("github.com/agent-smit/devbridge/internal/session")
	}

	s := &Store{
		lifetime:      opts.Lifetime,
		sweepInterval: opts.SweepInterval,
		clock:         opts.Clock,
		logger:        opts.Logger.With("component", "session_store"),
		sessions:      make(map[string]*entry),
	}

	var err error
	s.created, err = opts.Meter.Int64Counter("devbridge.sessions.created",
		metric.WithDescription("Sessions created"))
	if err != nil {
		s.logger.Warn("sessions.created counter unavailable", "error", err)
		s.created = noop.Int64Counter{}
	}
	s.expired, err = opts.Meter.Int64Counter("devbridge.sessions.expired",
		metric.WithDescription("Sessions removed because they expired"))
	if err != nil {
		s.logger.Warn("sessions.expired counter unavailable", "error", err)
		s.expired = noop.Int64Counter{}
	}

	return s
}

// CreateSession creates a session with a fresh random id and token and an
// empty roster. The returned token is not retrievable afterwards.
func (s *Store) CreateSession() (*Created, error) {
	id, err := randomHex(idBytes)
	if err != nil {
		return nil, err
	}
	token, err := randomHex(tokenBytes)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sess := Session{
		ID:          id,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.lifetime),
		tokenDigest: blake2b.Sum256([]byte(token)),
	}

	s.mu.Lock()
	s.sessions[id] = &entry{session: sess}
	s.mu.Unlock()

	s.created.Add(context.Background(), 1)
	s.logger.Info("session created", "session_id", id, "expires_at", sess.ExpiresAt)

	return &Created{Session: sess, Token: token}, nil
}

// Validate looks up a session. An expired session is evicted as a side
// effect and its remaining roster members are closed.
func (s *Store) Validate(id string) Result {
	now := s.clock.Now()

	s.mu.RLock()
	e, ok := s.sessions[id]
	var sess Session
	if ok {
		sess = e.session
	}
	s.mu.RUnlock()

	if !ok {
		return Result{Reason: ReasonNotFound}
	}
	if sess.Expired(now) {
		s.evict(id, now)
		return Result{Reason: ReasonExpired}
	}
	return Result{Valid: true, Session: sess}
}

// evict removes an expired session and closes its roster outside the lock.
func (s *Store) evict(id string, now time.Time) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok || !e.session.Expired(now) {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, id)
	roster := e.roster
	e.roster = nil
	s.mu.Unlock()

	s.expired.Add(context.Background(), 1)
	s.logger.Info("session expired", "session_id", id, "members", len(roster))
	s.closeMembers(id, roster)
}

// CheckToken reports whether token is the secret of sess.
func (s *Store) CheckToken(sess Session, token string) bool {
	return sess.TokenMatches(token)
}

// AddConnection appends m to the session's roster. It returns false if the
// session does not exist or has expired.
func (s *Store) AddConnection(sessionID string, m Member) bool {
	return s.Admit(sessionID, m, 0) == Admitted
}

// Admit atomically checks the per-role capacity and appends m to the
// roster. A limit <= 0 disables the capacity check.
func (s *Store) Admit(sessionID string, m Member, limit int) AdmitResult {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return AdmitNotFound
	}
	if e.session.Expired(now) {
		return AdmitExpired
	}
	for _, existing := range e.roster {
		if existing.ID() == m.ID() {
			return Admitted
		}
	}
	if limit > 0 && e.countRole(m.Role()) >= limit {
		return AdmitFull
	}
	e.roster = append(e.roster, m)
	return Admitted
}

// RemoveConnection drops connID from the session's roster. It is idempotent
// and returns false when either the session or the connection is absent.
func (s *Store) RemoveConnection(sessionID, connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	for i, m := range e.roster {
		if m.ID() == connID {
			roster := make([]Member, 0, len(e.roster)-1)
			roster = append(roster, e.roster[:i]...)
			roster = append(roster, e.roster[i+1:]...)
			e.roster = roster
			return true
		}
	}
	return false
}

// ListConnections returns a snapshot of the roster. The slice is a copy and
// is empty when the session is absent or expired.
func (s *Store) ListConnections(sessionID string) []Member {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[sessionID]
	if !ok || e.session.Expired(now) {
		return []Member{}
	}
	out := make([]Member, len(e.roster))
	copy(out, e.roster)
	return out
}

// Status returns the read-only projection of a session.
func (s *Store) Status(id string) (Snapshot, Reason) {
	res := s.Validate(id)
	if !res.Valid {
		return Snapshot{}, res.Reason
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[id]
	if !ok {
		return Snapshot{}, ReasonNotFound
	}
	return Snapshot{
		ID:        e.session.ID,
		CreatedAt: e.session.CreatedAt,
		ExpiresAt: e.session.ExpiresAt,
		Devices:   e.countRole(protocol.RoleDevice),
		Editors:   e.countRole(protocol.RoleEditor),
	}, ""
}

// SweepExpired removes every session with ExpiresAt <= now, closes each of
// their roster members with "session expired" and returns the number of
// sessions removed.
func (s *Store) SweepExpired(now time.Time) int {
	type removed struct {
		id     string
		roster []Member
	}
	var gone []removed

	s.mu.Lock()
	for id, e := range s.sessions {
		if e.session.Expired(now) {
			gone = append(gone, removed{id: id, roster: e.roster})
			e.roster = nil
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, r := range gone {
		s.closeMembers(r.id, r.roster)
	}
	if len(gone) > 0 {
		s.expired.Add(context.Background(), int64(len(gone)))
	}
	return len(gone)
}

func (s *Store) closeMembers(sessionID string, roster []Member) {
	for _, m := range roster {
		if err := m.Close(protocol.CloseNormal, protocol.ReasonSessionExpired); err != nil {
			s.logger.Warn("closing member of expired session",
				"session_id", sessionID, "conn_id", m.ID(), "error", err)
		}
	}
}

// Len returns the number of stored sessions, including expired ones that
// have not been evicted yet.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// StartSweeper starts the periodic expiry sweep. Calling it while the sweep
// is already running is a no-op.
func (s *Store) StartSweeper() {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	if s.sweepRunning {
		return
	}
	s.sweepRunning = true
	s.sweepGen++
	s.scheduleSweepLocked(s.sweepGen)
}

// StopSweeper stops the periodic sweep. A sweep already in progress
// completes but does not reschedule.
func (s *Store) StopSweeper() {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	if !s.sweepRunning {
		return
	}
	s.sweepRunning = false
	s.sweepGen++
	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
		s.sweepTimer = nil
	}
}

func (s *Store) scheduleSweepLocked(gen uint64) {
	s.sweepTimer = s.clock.AfterFunc(s.sweepInterval, func() { s.runSweep(gen) })
}

func (s *Store) runSweep(gen uint64) {
	s.sweepMu.Lock()
	current := s.sweepRunning && s.sweepGen == gen
	s.sweepMu.Unlock()
	if !current {
		return
	}

	if n := s.SweepExpired(s.clock.Now()); n > 0 {
		s.logger.Info("swept expired sessions", "count", n)
	}

	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if s.sweepRunning && s.sweepGen == gen {
		s.scheduleSweepLocked(gen)
	}
}

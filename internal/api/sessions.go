package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/agent-smit/devbridge/internal/errors"
	"github.com/agent-smit/devbridge/internal/protocol"
	"github.com/agent-smit/devbridge/internal/ratelimit"
	"github.com/agent-smit/devbridge/internal/session"
)

// SessionStore is the subset of the session store the gateway needs.
type SessionStore interface {
	CreateSession() (*session.Created, error)
	Validate(id string) session.Result
	Status(id string) (session.Snapshot, session.Reason)
}

// Publisher delivers gateway-originated envelopes into a session.
type Publisher interface {
	Publish(sessionID string, env *protocol.Envelope, role protocol.Role) (int, error)
}

// SessionsHandler provides HTTP handlers for session endpoints.
type SessionsHandler struct {
	store      SessionStore
	publisher  Publisher
	limiter    *ratelimit.RateLimiter
	sendRate   int
	rateWindow time.Duration
	wsPath     string
	logger     *slog.Logger
}

// SessionsConfig configures a SessionsHandler.
type SessionsConfig struct {
	// SendRate caps gateway sends per session per RateWindow. Zero disables it.
	SendRate   int
	RateWindow time.Duration
	// WSPath is advertised to clients in the create response.
	WSPath string
	Logger *slog.Logger
}

// NewSessionsHandler creates a new SessionsHandler.
func NewSessionsHandler(store SessionStore, publisher Publisher, limiter *ratelimit.RateLimiter, cfg SessionsConfig) *SessionsHandler {
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Second
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SessionsHandler{
		store:      store,
		publisher:  publisher,
		limiter:    limiter,
		sendRate:   cfg.SendRate,
		rateWindow: cfg.RateWindow,
		wsPath:     cfg.WSPath,
		logger:     cfg.Logger.With("component", "sessions_api"),
	}
}

type createSessionResponse struct {
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	WSPath    string    `json:"wsPath"`
}

// Create handles POST /api/sessions.
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	created, err := h.store.CreateSession()
	if err != nil {
		h.logger.Error("create session failed", "error", err)
		RespondError(w, r, apierrors.Internal("failed to create session"))
		return
	}

	RespondJSON(w, r, http.StatusCreated, createSessionResponse{
		SessionID: created.ID,
		Token:     created.Token,
		ExpiresAt: created.ExpiresAt,
		WSPath:    h.wsPath,
	})
}

// Get handles GET /api/sessions/{sessionId}.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	snap, reason := h.store.Status(sessionID)
	if reason != "" {
		RespondError(w, r, sessionError(sessionID, reason))
		return
	}
	RespondJSON(w, r, http.StatusOK, snap)
}

type publishResponse struct {
	Delivered int `json:"delivered"`
}

// Publish handles POST /api/sessions/{sessionId}/messages. The body is an
// envelope; it is delivered to every device in the session.
func (h *SessionsHandler) Publish(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	if h.limiter != nil && h.sendRate > 0 {
		if allowed, _, _ := h.limiter.Allow("send:"+sessionID, h.sendRate, h.rateWindow); !allowed {
			RespondError(w, r, apierrors.TooManyRequests("send rate exceeded for session"))
			return
		}
	}

	res := h.store.Validate(sessionID)
	if !res.Valid {
		RespondError(w, r, sessionError(sessionID, res.Reason))
		return
	}

	var env protocol.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			RespondError(w, r, apierrors.PayloadTooLarge(tooLarge.Limit))
			return
		}
		RespondError(w, r, apierrors.Validation("invalid request body"))
		return
	}
	if !env.Type.Valid() {
		RespondError(w, r, apierrors.Validation("unknown message type"))
		return
	}
	if env.Type == protocol.TypeJoin {
		RespondError(w, r, apierrors.Validation("join cannot be sent through the gateway"))
		return
	}

	n, err := h.publisher.Publish(sessionID, &env, protocol.RoleDevice)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrExpired):
			RespondError(w, r, sessionError(sessionID, session.ReasonExpired))
		case errors.Is(err, session.ErrNotFound):
			RespondError(w, r, sessionError(sessionID, session.ReasonNotFound))
		default:
			h.logger.Error("publish failed", "session_id", sessionID, "error", err)
			RespondError(w, r, apierrors.Internal("failed to publish message"))
		}
		return
	}

	RespondJSON(w, r, http.StatusAccepted, publishResponse{Delivered: n})
}

func sessionError(id string, reason session.Reason) *apierrors.APIError {
	if reason == session.ReasonExpired {
		return apierrors.Gone("session", id)
	}
	return apierrors.NotFound("session", id)
}

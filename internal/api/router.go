package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agent-smit/devbridge/internal/origin"
	"github.com/agent-smit/devbridge/internal/ratelimit"
)

// RouterConfig holds all dependencies needed to build the router.
type RouterConfig struct {
	Health   *HealthHandler
	Sessions *SessionsHandler
	WS       http.HandlerFunc // websocket endpoint (nil = not mounted)
	WSPath   string

	Origins     *origin.Policy
	RateLimiter *ratelimit.RateLimiter // nil = no rate limiting
	// SessionRate caps session creation per client IP per minute.
	SessionRate  int
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// NewRouter creates the chi router with middleware and all routes.
func NewRouter(cfg RouterConfig) chi.Router {
	if cfg.Origins == nil {
		cfg.Origins = origin.NewPolicy(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	// The websocket upgrade does its own origin check and must not get
	// the JSON API headers.
	if cfg.WS != nil {
		r.Get(cfg.WSPath, cfg.WS)
	}

	r.Group(func(r chi.Router) {
		r.Use(CORSMiddleware(cfg.Origins))
		r.Use(securityHeaders)

		// Health routes
		r.Get("/healthz", cfg.Health.Healthz)
		r.Get("/readyz", cfg.Health.Readyz)

		if cfg.Sessions == nil {
			return
		}
		r.Route("/api/sessions", func(r chi.Router) {
			r.Use(MaxBodySize(cfg.MaxBodyBytes))

			// Rate limit session creation per client IP.
			if cfg.RateLimiter != nil && cfg.SessionRate > 0 {
				r.With(cfg.RateLimiter.Middleware(cfg.SessionRate, time.Minute, func(r *http.Request) string {
					return "create:" + clientIP(r)
				})).Post("/", cfg.Sessions.Create)
			} else {
				r.Post("/", cfg.Sessions.Create)
			}
			r.Get("/{sessionId}", cfg.Sessions.Get)
			r.Post("/{sessionId}/messages", cfg.Sessions.Publish)
		})
	})

	return r
}

// securityHeaders adds security-related HTTP headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agent-smit/devbridge/internal/clock"
)

// Window is a fixed-window counter. The window starts at the first hit and
// resets only once it has fully elapsed, never on a rolling basis.
// Window is not safe for concurrent use; callers serialize access.
type Window struct {
	count       int
	windowStart time.Time
}

// Allow records a hit at now and reports whether it fits in the window,
// along with the remaining budget and the time the window resets.
func (w *Window) Allow(now time.Time, limit int, window time.Duration) (allowed bool, remaining int, resetAt time.Time) {
	if w.windowStart.IsZero() || now.Sub(w.windowStart) >= window {
		w.count = 1
		w.windowStart = now
		return true, limit - 1, now.Add(window)
	}

	resetAt = w.windowStart.Add(window)

	if w.count >= limit {
		return false, 0, resetAt
	}

	w.count++
	return true, limit - w.count, resetAt
}

// RateLimiter provides in-memory per-key rate limiting with fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets map[string]*Window
}

// NewRateLimiter creates a new in-memory rate limiter.
func NewRateLimiter() *RateLimiter {
	return NewRateLimiterWithClock(clock.Real())
}

// NewRateLimiterWithClock creates a rate limiter that reads time from clk.
func NewRateLimiterWithClock(clk clock.Clock) *RateLimiter {
	return &RateLimiter{
		clock:   clk,
		buckets: make(map[string]*Window),
	}
}

// Allow checks whether a request with the given key is allowed.
// Returns whether the request is allowed, the remaining requests in the window,
// and the time when the window resets.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) (allowed bool, remaining int, resetAt time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[key]
	if !exists {
		b = &Window{}
		rl.buckets[key] = b
	}
	return b.Allow(rl.clock.Now(), limit, window)
}

// Prune drops buckets whose window started more than maxAge ago.
// Returns the number of buckets removed.
func (rl *RateLimiter) Prune(maxAge time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	removed := 0
	for key, b := range rl.buckets {
		if now.Sub(b.windowStart) >= maxAge {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// Middleware returns an HTTP middleware that enforces rate limits.
// keyFunc extracts the rate limit key from the request (e.g., IP address, session ID).
func (rl *RateLimiter) Middleware(limit int, window time.Duration, keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			allowed, remaining, resetAt := rl.Allow(key, limit, window)

			// Always set rate limit headers
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

			if !allowed {
				retryAfter := int(resetAt.Sub(rl.clock.Now()).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"success": false,
					"error": map[string]string{
						"code":    "RATE_LIMITED",
						"message": "Too many requests. Please try again later.",
					},
					"data": nil,
					"meta": map[string]interface{}{
						"timestamp":  rl.clock.Now().UTC().Format(time.RFC3339),
						"request_id": r.Header.Get("X-Request-ID"),
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter implements a simple in-memory rate limiter using fixed
// windows keyed by scope (e.g. "register:<ip>"). When disabled, Allow
// always succeeds.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*windowState
	enabled bool
}

type windowState struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(enabled bool) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string]*windowState),
		enabled: enabled,
	}

	// Cleanup goroutine to remove expired windows
	go rl.cleanup()

	return rl
}

// Allow checks if a request is allowed for the given key, counting it
// against a window of the given width.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if !rl.enabled {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	state, exists := rl.windows[key]
	if !exists || !state.resetAt.After(now) {
		rl.windows[key] = &windowState{count: 1, resetAt: now.Add(window)}
		return true
	}

	state.count++
	return state.count <= limit
}

// cleanup periodically removes expired windows to prevent memory growth
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, state := range rl.windows {
			if !state.resetAt.After(now) {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// ClientIP extracts the client IP for rate limiting. X-Forwarded-For is
// only honored when the deployment trusts its proxy.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
		if forwarded != "" {
			// Take first IP if multiple
			first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
			if first != "" {
				return first
			}
			return "unknown"
		}
	}

	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	if host == "" {
		return "unknown"
	}
	return host
}

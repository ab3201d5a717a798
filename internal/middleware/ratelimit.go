package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/puntaiq/aigate/internal/observability"
)

// DefaultClientTTL is the default TTL for per-client limiter entries.
const DefaultClientTTL = 10 * time.Minute

// clientEntry holds a rate limiter and its last access time for
// TTL-based cleanup.
type clientEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter limits request throughput per client IP. Entries for
// idle clients are dropped after clientTTL to bound memory.
type RateLimiter struct {
	rps       float64
	burst     int
	logger    observability.Logger
	clientTTL time.Duration

	mu      sync.Mutex
	clients map[string]*clientEntry
}

// RateLimiterOption is a functional option for configuring the rate limiter.
type RateLimiterOption func(*RateLimiter)

// WithRateLimiterLogger sets the logger for the rate limiter.
func WithRateLimiterLogger(logger observability.Logger) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.logger = logger
	}
}

// WithClientTTL overrides how long idle client entries are kept.
func WithClientTTL(ttl time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.clientTTL = ttl
	}
}

// NewRateLimiter creates a new per-client rate limiter.
func NewRateLimiter(rps float64, burst int, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		rps:       rps,
		burst:     burst,
		logger:    observability.NopLogger(),
		clientTTL: DefaultClientTTL,
		clients:   make(map[string]*clientEntry),
	}

	for _, opt := range opts {
		opt(rl)
	}

	return rl
}

// Allow checks if a request from the given client is allowed.
func (rl *RateLimiter) Allow(clientIP string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.clients[clientIP]
	if !ok {
		entry = &clientEntry{
			limiter: rate.NewLimiter(rate.Limit(rl.rps), rl.burst),
		}
		rl.clients[clientIP] = entry
	}
	entry.lastAccess = now

	rl.evictStaleLocked(now)

	return entry.limiter.Allow()
}

// evictStaleLocked drops entries idle longer than clientTTL. Caller
// must hold rl.mu.
func (rl *RateLimiter) evictStaleLocked(now time.Time) {
	for ip, entry := range rl.clients {
		if now.Sub(entry.lastAccess) > rl.clientTTL {
			delete(rl.clients, ip)
		}
	}
}

// Middleware returns an HTTP middleware enforcing the rate limit.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := clientIPFromRequest(r)

			if !rl.Allow(clientIP) {
				rl.logger.Warn("rate limit exceeded",
					observability.String("client_ip", clientIP),
					observability.String("path", r.URL.Path),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "Too Many Requests",
					"message": "rate limit exceeded",
					"code":    "RATE_LIMIT_EXCEEDED",
					"path":    r.URL.Path,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIPFromRequest extracts the client IP from RemoteAddr only.
// Forwarded headers are not trusted.
func clientIPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

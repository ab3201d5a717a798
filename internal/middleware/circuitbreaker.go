package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/puntaiq/aigate/internal/observability"
)

// CircuitBreaker wraps gobreaker.CircuitBreaker for the proxy path. It
// sheds load when the AI service fails repeatedly, so waiting callers
// get an immediate answer instead of piling onto a dying backend.
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	logger observability.Logger
}

// CircuitBreakerOption is a functional option for configuring the circuit breaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithCircuitBreakerLogger sets the logger for the circuit breaker.
func WithCircuitBreakerLogger(logger observability.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// NewCircuitBreaker creates a new circuit breaker. The breaker trips
// when at least threshold requests have been seen in the current
// window and more than half of them failed.
func NewCircuitBreaker(
	name string,
	threshold int,
	timeout time.Duration,
	opts ...CircuitBreakerOption,
) *CircuitBreaker {
	cb := &CircuitBreaker{
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(cb)
	}

	thresholdU32 := safeIntToUint32(threshold)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: thresholdU32,
		Interval:    timeout,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= thresholdU32 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			cb.logger.Info("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	}

	cb.cb = gobreaker.NewCircuitBreaker(settings)
	return cb
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.cb.State()
}

// Middleware returns an HTTP middleware guarded by the circuit breaker.
// Responses with 5xx status count as failures.
func (cb *CircuitBreaker) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, err := cb.cb.Execute(func() (interface{}, error) {
				rw := &responseWriter{
					ResponseWriter: w,
					status:         http.StatusOK,
				}
				next.ServeHTTP(rw, r)

				if rw.status >= http.StatusInternalServerError {
					return nil, errUpstreamFailure
				}
				return nil, nil
			})

			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				cb.logger.Warn("circuit breaker rejected request",
					observability.String("path", r.URL.Path),
					observability.String("method", r.Method),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "Service Unavailable",
					"message": "circuit breaker is open",
					"code":    "SERVICE_UNAVAILABLE",
					"path":    r.URL.Path,
				})
			}
		})
	}
}

// errUpstreamFailure marks 5xx responses as failures for trip accounting.
var errUpstreamFailure = &upstreamFailureError{}

type upstreamFailureError struct{}

func (e *upstreamFailureError) Error() string { return "upstream returned server error" }

// safeIntToUint32 converts an int to uint32, clamping negatives to zero.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)>>1) {
		return ^uint32(0)
	}
	return uint32(n)
}

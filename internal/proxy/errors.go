package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/puntaiq/aigate/internal/observability"
	"github.com/puntaiq/aigate/internal/supervisor"
)

// ErrorCode is a machine-readable error code returned to callers.
type ErrorCode string

const (
	// CodeServiceUnavailable is returned when the AI service is
	// unreachable and could not be started.
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// CodeServiceTimeout is returned when a connection was established
	// but no response arrived within the deadline.
	CodeServiceTimeout ErrorCode = "SERVICE_TIMEOUT"

	// CodeProxyInternal is returned for local faults constructing or
	// dispatching the proxied request.
	CodeProxyInternal ErrorCode = "PROXY_INTERNAL_ERROR"
)

// ErrorResponse is the structured JSON body returned for every
// classified failure. It never carries stack traces or internal paths.
type ErrorResponse struct {
	Error   string    `json:"error"`
	Message string    `json:"message"`
	Code    ErrorCode `json:"code"`
	Path    string    `json:"path"`
}

// Classify maps a failure cause to its HTTP status, error code and
// caller-facing message. The mapping is total: every error lands on
// exactly one of the three codes.
func Classify(err error) (int, ErrorCode, string) {
	switch {
	case isUnavailable(err):
		return http.StatusServiceUnavailable, CodeServiceUnavailable,
			"AI service is unavailable"
	case isTimeout(err):
		return http.StatusGatewayTimeout, CodeServiceTimeout,
			"AI service did not respond in time"
	default:
		return http.StatusBadGateway, CodeProxyInternal,
			"failed to proxy request to AI service"
	}
}

// isUnavailable reports whether the error means the AI service is not
// there at all: the supervisor gave up, or the connection was refused.
func isUnavailable(err error) bool {
	if errors.Is(err, supervisor.ErrAttemptsExhausted) ||
		errors.Is(err, supervisor.ErrStartTimeout) ||
		errors.Is(err, supervisor.ErrProcessExited) {
		return true
	}
	var startErr *supervisor.StartError
	if errors.As(err, &startErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}

// isTimeout reports whether the error is a deadline expiry after a
// connection was established.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// WriteError classifies err and writes the structured JSON error
// response for the given request.
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger observability.Logger, metrics *observability.Metrics) {
	status, code, message := Classify(err)
	path := OriginalPath(r)

	if metrics != nil {
		metrics.RecordProxyError(string(code))
	}

	logger.WithContext(r.Context()).Error("proxy error",
		observability.String("path", path),
		observability.String("method", r.Method),
		observability.Int("status", status),
		observability.String("code", string(code)),
		observability.Error(err),
	)

	resp := ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    code,
		Path:    path,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

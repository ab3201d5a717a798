package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puntaiq/aigate/internal/observability"
	"github.com/puntaiq/aigate/internal/supervisor"
)

// timeoutErr implements net.Error with Timeout() true.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   ErrorCode
	}{
		{
			name:       "attempts exhausted",
			err:        supervisor.ErrAttemptsExhausted,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   CodeServiceUnavailable,
		},
		{
			name:       "start timeout",
			err:        &supervisor.StartError{Attempt: 1, Cause: supervisor.ErrStartTimeout},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   CodeServiceUnavailable,
		},
		{
			name:       "process exited",
			err:        &supervisor.StartError{Attempt: 2, Cause: supervisor.ErrProcessExited},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   CodeServiceUnavailable,
		},
		{
			name:       "connection refused",
			err:        &net.OpError{Op: "dial", Err: errors.New("connection refused")},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   CodeServiceUnavailable,
		},
		{
			name:       "deadline exceeded",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   CodeServiceTimeout,
		},
		{
			name:       "net timeout",
			err:        timeoutErr{},
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   CodeServiceTimeout,
		},
		{
			name:       "anything else",
			err:        errors.New("malformed response"),
			wantStatus: http.StatusBadGateway,
			wantCode:   CodeProxyInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			status, code, message := Classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
			assert.NotEmpty(t, message)
		})
	}
}

func TestWriteError_Body(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/ai-service/predict", nil)
	rec := httptest.NewRecorder()

	WriteError(rec, req, supervisor.ErrAttemptsExhausted, observability.NopLogger(), nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "Service Unavailable", body.Error)
	assert.Equal(t, CodeServiceUnavailable, body.Code)
	assert.Equal(t, "/ai-service/predict", body.Path)
	assert.NotEmpty(t, body.Message)

	// The body never leaks internals.
	assert.NotContains(t, rec.Body.String(), "goroutine")
	assert.NotContains(t, rec.Body.String(), "exhausted")
}

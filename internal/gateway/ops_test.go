package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puntaiq/aigate/internal/config"
	"github.com/puntaiq/aigate/internal/supervisor"
)

func TestOps_Health(t *testing.T) {
	backend := aiBackend(t)
	gw := newTestGateway(t, backend.URL, nil)

	rec := httptest.NewRecorder()
	gw.opsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}

func TestOps_ReadyReflectsUpstream(t *testing.T) {
	backend := aiBackend(t)
	gw := newTestGateway(t, backend.URL, nil)

	rec := httptest.NewRecorder()
	gw.opsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"upstream"`)
	assert.Contains(t, rec.Body.String(), `"supervisor"`)
}

func TestOps_ReadyUnhealthyWhenExhausted(t *testing.T) {
	gw := newTestGateway(t, "", nil)

	// Burn the single allowed attempt.
	rec := httptest.NewRecorder()
	gw.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ai-service/predict", nil))
	require.True(t, gw.sup.Snapshot().Exhausted())

	rec = httptest.NewRecorder()
	gw.opsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "reset required")
}

func TestOps_Metrics(t *testing.T) {
	backend := aiBackend(t)
	gw := newTestGateway(t, backend.URL, nil)

	rec := httptest.NewRecorder()
	gw.opsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aigate_supervisor_state")
}

func TestOps_SupervisorStatus(t *testing.T) {
	backend := aiBackend(t)
	gw := newTestGateway(t, backend.URL, func(cfg *config.Config) {
		cfg.MaxStartAttempts = 3
	})

	rec := httptest.NewRecorder()
	gw.opsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/supervisor", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var status supervisorStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "idle", status.State)
	assert.Equal(t, 3, status.MaxAttempts)

	// Status is read-only.
	rec = httptest.NewRecorder()
	gw.opsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/supervisor", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestOps_SupervisorReset(t *testing.T) {
	gw := newTestGateway(t, "", nil)

	rec := httptest.NewRecorder()
	gw.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ai-service/predict", nil))
	require.True(t, gw.sup.Snapshot().Exhausted())

	rec = httptest.NewRecorder()
	gw.opsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/supervisor/reset", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var status supervisorStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "idle", status.State)
	assert.Zero(t, status.Attempts)
	assert.False(t, status.Exhausted)

	assert.Equal(t, supervisor.StateIdle, gw.sup.State())
}

func TestOps_SupervisorResetRequiresPost(t *testing.T) {
	backend := aiBackend(t)
	gw := newTestGateway(t, backend.URL, nil)

	rec := httptest.NewRecorder()
	gw.opsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/supervisor/reset", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

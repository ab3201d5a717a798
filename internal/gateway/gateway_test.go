package gateway

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puntaiq/aigate/internal/config"
	"github.com/puntaiq/aigate/internal/supervisor"
)

// newTestGateway builds a gateway whose upstream points at backendURL
// (or a dead port when backendURL is empty) without binding listeners.
func newTestGateway(t *testing.T, backendURL string, mutate func(*config.Config)) *Gateway {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Process.Command = "sh"
	cfg.Process.Args = []string{"-c", "exit 1"}
	cfg.Process.Dir = ""
	cfg.Process.ReadyMarker = "service ready"
	cfg.MaxStartAttempts = 1
	cfg.StartupTimeout = config.Duration(2 * time.Second)
	cfg.HealthCheckTimeout = config.Duration(500 * time.Millisecond)

	if backendURL == "" {
		// A port that was just released; nothing listens there.
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		backendURL = srv.URL
		srv.Close()
	}

	u, err := url.Parse(backendURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	cfg.Upstream.Host = u.Hostname()
	cfg.Upstream.Port = port

	if mutate != nil {
		mutate(cfg)
	}

	gw, err := New(cfg)
	require.NoError(t, err)

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})
	gw.engine = gin.New()
	gw.setupRoutes()

	return gw
}

func aiBackend(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/status":
			_, _ = w.Write([]byte(`{"status":"AI service is running"}`))
		case "/predict":
			_, _ = w.Write([]byte(`{"prediction":"home_win","confidence":0.74}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGateway_ForwardsWhenUpstreamHealthy(t *testing.T) {
	backend := aiBackend(t)
	gw := newTestGateway(t, backend.URL, nil)

	req := httptest.NewRequest(http.MethodGet, "/ai-service/predict", nil)
	rec := httptest.NewRecorder()

	gw.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "home_win")

	// A healthy upstream never triggers a start attempt.
	assert.Zero(t, gw.sup.Snapshot().Attempts)
}

func TestGateway_StartFailureReturns503(t *testing.T) {
	gw := newTestGateway(t, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/ai-service/predict", nil)
	rec := httptest.NewRecorder()

	gw.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"SERVICE_UNAVAILABLE"`)
	assert.Contains(t, rec.Body.String(), `"/ai-service/predict"`)
}

func TestGateway_ExhaustionShortCircuits(t *testing.T) {
	gw := newTestGateway(t, "", nil)

	// First request burns the single allowed attempt.
	rec := httptest.NewRecorder()
	gw.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ai-service/predict", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.True(t, gw.sup.Snapshot().Exhausted())

	// Subsequent requests fail fast without another spawn.
	start := time.Now()
	rec = httptest.NewRecorder()
	gw.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ai-service/predict", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 1, gw.sup.Snapshot().Attempts)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGateway_StartSucceedsButServiceUnreachable(t *testing.T) {
	// The child reports ready but never listens; forwarding then fails
	// fast with 503 instead of waiting for another probe cycle.
	gw := newTestGateway(t, "", func(cfg *config.Config) {
		cfg.Process.Args = []string{"-c", `echo "service ready"; exec sleep 60`}
	})
	t.Cleanup(func() {
		_ = gw.sup.Stop(t.Context())
	})

	rec := httptest.NewRecorder()
	gw.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ai-service/predict", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, supervisor.StateRunning, gw.sup.State())
}

func TestGateway_PathOutsidePrefixIs404(t *testing.T) {
	backend := aiBackend(t)
	gw := newTestGateway(t, backend.URL, nil)

	rec := httptest.NewRecorder()
	gw.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/secrets", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no route matched")
}

func TestGateway_NewValidatesConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RoutePrefix = "/"

	_, err := New(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfigInvalid)

	_, err = New(nil)
	assert.Error(t, err)
}

func TestGateway_StateLifecycle(t *testing.T) {
	backend := aiBackend(t)
	gw := newTestGateway(t, backend.URL, nil)

	assert.Equal(t, StateStopped, gw.State())
	assert.False(t, gw.IsRunning())
	assert.Zero(t, gw.Uptime())

	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestGateway_OptionalMiddlewaresEnabled(t *testing.T) {
	backend := aiBackend(t)
	gw := newTestGateway(t, backend.URL, func(cfg *config.Config) {
		cfg.CircuitBreaker.Enabled = true
		cfg.RateLimit.Enabled = true
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ai-service/predict", nil)
	req.RemoteAddr = "192.0.2.1:1000"
	gw.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

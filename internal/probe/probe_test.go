package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAlive_HealthyUpstream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"AI service is running"}`))
	}))
	defer srv.Close()

	p := New(srv.URL+"/status", time.Second)

	assert.True(t, p.CheckAlive(context.Background()))
}

func TestCheckAlive_Non200(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"broken"}`))
	}))
	defer srv.Close()

	p := New(srv.URL+"/status", time.Second)

	assert.False(t, p.CheckAlive(context.Background()))
}

func TestCheckAlive_InvalidJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	p := New(srv.URL+"/status", time.Second)

	assert.False(t, p.CheckAlive(context.Background()))
}

func TestCheckAlive_ConnectionRefused(t *testing.T) {
	t.Parallel()

	// Grab a port that nothing listens on.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := New(url+"/status", time.Second)

	assert.False(t, p.CheckAlive(context.Background()))
}

func TestCheckAlive_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	p := New(srv.URL+"/status", 50*time.Millisecond)

	start := time.Now()
	alive := p.CheckAlive(context.Background())
	elapsed := time.Since(start)

	assert.False(t, alive)
	assert.Less(t, elapsed, time.Second, "probe must observe its own timeout")
}

func TestCheckAlive_CallerContextCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	p := New(srv.URL+"/status", 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.False(t, p.CheckAlive(ctx))
}

func TestCheckAlive_CacheTTL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	p := New(srv.URL+"/status", time.Second, WithCacheTTL(time.Minute))

	require.True(t, p.CheckAlive(context.Background()))
	require.True(t, p.CheckAlive(context.Background()))
	require.True(t, p.CheckAlive(context.Background()))

	assert.Equal(t, int32(1), hits.Load(), "cached result should be reused within TTL")
}

func TestCheckAlive_NoCacheByDefault(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	p := New(srv.URL+"/status", time.Second)

	require.True(t, p.CheckAlive(context.Background()))
	require.True(t, p.CheckAlive(context.Background()))

	assert.Equal(t, int32(2), hits.Load())
}

func TestInvalidate_DropsCachedResult(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	p := New(srv.URL+"/status", time.Second, WithCacheTTL(time.Minute))

	require.True(t, p.CheckAlive(context.Background()))
	p.Invalidate()
	require.True(t, p.CheckAlive(context.Background()))

	assert.Equal(t, int32(2), hits.Load(), "invalidate should force a fresh probe")
}

func TestCheckAlive_NeverPanics(t *testing.T) {
	t.Parallel()

	p := New("http://invalid.invalid:0/status", 100*time.Millisecond)

	assert.NotPanics(t, func() {
		_ = p.CheckAlive(context.Background())
	})
}

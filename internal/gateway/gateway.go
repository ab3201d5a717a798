// Package gateway wires the proxy server: inbound listener, AI service
// supervision, health probing and the operational endpoints.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/puntaiq/aigate/internal/config"
	"github.com/puntaiq/aigate/internal/health"
	"github.com/puntaiq/aigate/internal/middleware"
	"github.com/puntaiq/aigate/internal/observability"
	"github.com/puntaiq/aigate/internal/probe"
	"github.com/puntaiq/aigate/internal/proxy"
	"github.com/puntaiq/aigate/internal/supervisor"
)

// State represents the gateway state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

// Gateway owns the proxy listener, the operational listener and the
// AI service supervisor.
type Gateway struct {
	config  *config.Config
	logger  observability.Logger
	metrics *observability.Metrics
	version string

	prober    *probe.Prober
	sup       *supervisor.Supervisor
	forwarder *proxy.Forwarder
	checker   *health.Checker

	engine    *gin.Engine
	proxySrv  *http.Server
	opsSrv    *http.Server
	state     atomic.Int32
	startTime time.Time
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics registry for the gateway.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithVersion sets the version reported on the health endpoint.
func WithVersion(version string) Option {
	return func(g *Gateway) {
		g.version = version
	}
}

// New creates a gateway from configuration and wires its components.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{
		config:  cfg,
		logger:  observability.NopLogger(),
		version: "dev",
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.metrics == nil {
		g.metrics = observability.NewMetrics("aigate")
	}

	g.prober = probe.New(
		cfg.Upstream.HealthURL(),
		cfg.HealthCheckTimeout.Duration(),
		probe.WithLogger(g.logger),
		probe.WithCacheTTL(cfg.HealthCacheTTL.Duration()),
	)

	g.sup = supervisor.New(supervisor.Config{
		Command:         cfg.Process.Command,
		Args:            cfg.Process.Args,
		Dir:             cfg.Process.Dir,
		ReadyMarker:     cfg.Process.ReadyMarker,
		MaxAttempts:     cfg.MaxStartAttempts,
		StartupTimeout:  cfg.StartupTimeout.Duration(),
		StopGracePeriod: cfg.StopGracePeriod.Duration(),
	},
		supervisor.WithLogger(g.logger),
		supervisor.WithMetrics(g.metrics),
	)

	forwarder, err := proxy.New(
		cfg.Upstream.URL(),
		cfg.RoutePrefix,
		proxy.WithLogger(g.logger),
		proxy.WithMetrics(g.metrics),
		proxy.WithResponseTimeout(cfg.ResponseTimeout.Duration()),
		proxy.WithOnSuccess(g.sup.NoteSuccess),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwarder: %w", err)
	}
	g.forwarder = forwarder

	g.checker = health.NewChecker(g.version)
	g.checker.RegisterCheck("upstream", health.UpstreamCheck(g.prober))
	g.checker.RegisterCheck("supervisor", health.SupervisorCheck(g.sup))

	g.state.Store(int32(StateStopped))

	return g, nil
}

// Start starts both listeners. It returns once they are accepting;
// serve errors after that are logged, not returned.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("gateway is not in stopped state")
	}

	g.logger.Info("starting gateway",
		observability.String("listen_addr", g.config.ListenAddr),
		observability.String("ops_addr", g.config.OpsAddr),
		observability.String("route_prefix", g.config.RoutePrefix),
		observability.String("upstream", g.config.Upstream.URL()),
	)

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})
	g.engine = gin.New()
	g.setupRoutes()

	g.proxySrv = &http.Server{
		Addr:        g.config.ListenAddr,
		Handler:     g.engine,
		ReadTimeout: g.config.ReadTimeout.Duration(),
		IdleTimeout: g.config.IdleTimeout.Duration(),
	}

	g.opsSrv = &http.Server{
		Addr:              g.config.OpsAddr,
		Handler:           g.opsHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.serve(g.proxySrv, "proxy")
	g.serve(g.opsSrv, "ops")

	g.startTime = time.Now()
	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started")

	return nil
}

// serve runs a server in the background, logging unexpected exits.
func (g *Gateway) serve(srv *http.Server, name string) {
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("server exited",
				observability.String("server", name),
				observability.Error(err),
			)
		}
	}()
}

// Stop drains both listeners, then stops the AI service child process.
// Listener shutdown comes first so in-flight proxied requests finish
// before the process behind them is signalled.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("gateway is not running")
	}

	g.logger.Info("stopping gateway")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.ShutdownTimeout.Duration())
		defer cancel()
	}

	var errs []error
	if err := g.proxySrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("proxy server shutdown: %w", err))
	}
	if err := g.opsSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("ops server shutdown: %w", err))
	}
	if err := g.sup.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("supervisor stop: %w", err))
	}

	g.state.Store(int32(StateStopped))
	g.logger.Info("gateway stopped")

	return errors.Join(errs...)
}

// State returns the current gateway state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning returns true if the gateway is running.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Uptime returns the gateway uptime.
func (g *Gateway) Uptime() time.Duration {
	if g.startTime.IsZero() {
		return 0
	}
	return time.Since(g.startTime)
}

// Engine returns the gin engine. Exposed for tests.
func (g *Gateway) Engine() *gin.Engine {
	return g.engine
}

// Supervisor returns the AI service supervisor.
func (g *Gateway) Supervisor() *supervisor.Supervisor {
	return g.sup
}

// setupRoutes mounts the middleware chain and the proxy handler under
// the route prefix. Everything outside the prefix is a 404.
func (g *Gateway) setupRoutes() {
	g.engine.Use(gin.Recovery())

	handler := g.buildProxyChain()
	prefix := strings.TrimSuffix(g.config.RoutePrefix, "/")

	g.engine.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			handler.ServeHTTP(c.Writer, c.Request)
			return
		}

		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Not Found",
			"message": "no route matched the request",
			"path":    path,
		})
	})
}

// buildProxyChain builds the middleware chain around the proxy handler.
// Optional middlewares are appended only when enabled in config.
func (g *Gateway) buildProxyChain() http.Handler {
	var handler http.Handler = http.HandlerFunc(g.handleProxy)

	if g.config.CircuitBreaker.Enabled {
		cb := middleware.NewCircuitBreaker(
			"upstream",
			g.config.CircuitBreaker.Threshold,
			g.config.CircuitBreaker.Timeout.Duration(),
			middleware.WithCircuitBreakerLogger(g.logger),
		)
		handler = cb.Middleware()(handler)
	}

	if g.config.RateLimit.Enabled {
		rl := middleware.NewRateLimiter(
			g.config.RateLimit.RPS,
			g.config.RateLimit.Burst,
			middleware.WithRateLimiterLogger(g.logger),
		)
		handler = rl.Middleware()(handler)
	}

	handler = middleware.Metrics(g.metrics)(handler)
	handler = middleware.Logging(g.logger)(handler)
	handler = middleware.RequestID()(handler)
	handler = middleware.Recovery(g.logger)(handler)

	return handler
}

// Package proxy implements request forwarding to the AI service.
package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/puntaiq/aigate/internal/observability"
)

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder streams requests to the AI service and streams responses
// back without buffering. It performs no retries: startup retries live
// in the supervisor, and in-flight failures fail fast because the
// service may have partially processed the request.
type Forwarder struct {
	target          *url.URL
	prefix          string
	logger          observability.Logger
	metrics         *observability.Metrics
	onSuccess       func()
	transport       http.RoundTripper
	responseTimeout time.Duration
	proxy           *httputil.ReverseProxy
}

// Option is a functional option for configuring the forwarder.
type Option func(*Forwarder)

// WithLogger sets the logger for the forwarder.
func WithLogger(logger observability.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithMetrics sets the metrics sink for the forwarder.
func WithMetrics(m *observability.Metrics) Option {
	return func(f *Forwarder) {
		f.metrics = m
	}
}

// WithOnSuccess registers a callback invoked once per successfully
// forwarded response. The supervisor uses it to clear its attempt
// counter after a real end-to-end request.
func WithOnSuccess(fn func()) Option {
	return func(f *Forwarder) {
		f.onSuccess = fn
	}
}

// WithTransport sets the transport used to reach the AI service.
func WithTransport(transport http.RoundTripper) Option {
	return func(f *Forwarder) {
		f.transport = transport
	}
}

// WithResponseTimeout bounds how long the forwarder waits for the AI
// service's response headers once the request has been sent.
func WithResponseTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		f.responseTimeout = d
	}
}

// New creates a forwarder for the given target base URL (e.g.
// "http://127.0.0.1:5000"). Inbound paths have prefix stripped before
// the target URL is constructed.
func New(targetURL, prefix string, opts ...Option) (*Forwarder, error) {
	target, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}

	f := &Forwarder{
		target:          target,
		prefix:          strings.TrimSuffix(prefix, "/"),
		logger:          observability.NopLogger(),
		responseTimeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.transport == nil {
		f.transport = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: 5 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: f.responseTimeout,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
		}
	}

	f.proxy = &httputil.ReverseProxy{
		Director:  f.director,
		Transport: f.transport,
		// Immediate flush keeps memory bounded on large prediction
		// payloads and lets responses stream to slow clients.
		FlushInterval:  -1,
		ErrorHandler:   f.errorHandler,
		ModifyResponse: f.modifyResponse,
	}

	return f, nil
}

type contextKey string

const originalPathKey contextKey = "aigate.originalPath"

// ServeHTTP implements http.Handler. The request context carries the
// caller's disconnect signal: when the client goes away mid-stream the
// connection to the AI service is aborted rather than drained.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The error handler sees the rewritten outbound request, so the
	// as-received path travels on the context for error reporting.
	ctx := context.WithValue(r.Context(), originalPathKey, r.URL.Path)
	f.proxy.ServeHTTP(w, r.WithContext(ctx))
}

// OriginalPath returns the inbound request path as received from the
// client, before prefix stripping. Falls back to the current path.
func OriginalPath(r *http.Request) string {
	if p, ok := r.Context().Value(originalPathKey).(string); ok {
		return p
	}
	return r.URL.Path
}

// director rewrites the inbound request for the AI service: the routing
// prefix is stripped, the query string is preserved verbatim, and the
// Host header is rewritten to the backing host:port so the service
// never sees the proxy's virtual host.
func (f *Forwarder) director(req *http.Request) {
	req.URL.Scheme = f.target.Scheme
	req.URL.Host = f.target.Host
	req.URL.Path = f.stripPrefix(req.URL.Path)

	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	if req.TLS != nil {
		req.Header.Set("X-Forwarded-Proto", "https")
	} else {
		req.Header.Set("X-Forwarded-Proto", "http")
	}
	req.Header.Set("X-Forwarded-Host", req.Host)

	req.Host = f.target.Host
}

// stripPrefix removes the routing prefix from an inbound path.
func (f *Forwarder) stripPrefix(path string) string {
	if f.prefix == "" {
		return path
	}
	stripped := strings.TrimPrefix(path, f.prefix)
	if stripped == "" {
		return "/"
	}
	return stripped
}

// modifyResponse runs once a response from the AI service has been
// received. Receiving any response, whatever its status, counts as a
// successful end-to-end exchange for the supervisor.
func (f *Forwarder) modifyResponse(resp *http.Response) error {
	if f.metrics != nil {
		f.metrics.SetUpstreamHealth(true)
	}
	if f.onSuccess != nil {
		f.onSuccess()
	}
	return nil
}

// errorHandler translates forwarding failures into classified JSON
// error responses. A canceled caller context means the client went
// away; there is nobody left to answer, so the abort is only logged.
func (f *Forwarder) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		f.logger.Debug("caller disconnected, upstream request aborted",
			observability.String("path", r.URL.Path),
			observability.String("method", r.Method),
		)
		return
	}

	if f.metrics != nil {
		f.metrics.SetUpstreamHealth(false)
	}

	WriteError(w, r, err, f.logger, f.metrics)
}

// Handler returns an http.Handler for the forwarder.
func (f *Forwarder) Handler() http.Handler {
	return f
}

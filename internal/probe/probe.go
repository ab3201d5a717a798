// Package probe implements the AI service health probe. A probe never
// returns an error: network failures, timeouts and bad responses all
// report the service as down, which makes the probe safe to call on the
// hot path of every request.
package probe

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/puntaiq/aigate/internal/observability"
)

// maxHealthBodySize bounds how much of the status response is read when
// validating the body.
const maxHealthBodySize = 1 << 20

// Prober checks whether the backing AI service is alive.
type Prober struct {
	url      string
	client   *http.Client
	logger   observability.Logger
	cacheTTL time.Duration

	mu        sync.Mutex
	lastCheck time.Time
	lastAlive bool
}

// Option is a functional option for configuring the prober.
type Option func(*Prober)

// WithLogger sets the logger for the prober.
func WithLogger(logger observability.Logger) Option {
	return func(p *Prober) {
		p.logger = logger
	}
}

// WithCacheTTL enables caching of probe results for the given duration.
// Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(p *Prober) {
		p.cacheTTL = ttl
	}
}

// WithClient sets the HTTP client used for probing.
func WithClient(client *http.Client) Option {
	return func(p *Prober) {
		p.client = client
	}
}

// New creates a prober for the given health URL with a bounded
// per-check timeout.
func New(healthURL string, timeout time.Duration, opts ...Option) *Prober {
	p := &Prober{
		url:    healthURL,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		p.client = &http.Client{Timeout: timeout}
	}

	return p
}

// CheckAlive reports whether the AI service answered its health
// endpoint with HTTP 200 and a parseable JSON body. Any network error,
// timeout, non-200 status or malformed body reports down; none of these
// are exceptional conditions.
func (p *Prober) CheckAlive(ctx context.Context) bool {
	if p.cacheTTL > 0 {
		p.mu.Lock()
		if time.Since(p.lastCheck) < p.cacheTTL {
			alive := p.lastAlive
			p.mu.Unlock()
			return alive
		}
		p.mu.Unlock()
	}

	alive := p.check(ctx)

	if p.cacheTTL > 0 {
		p.mu.Lock()
		p.lastCheck = time.Now()
		p.lastAlive = alive
		p.mu.Unlock()
	}

	return alive
}

// check performs a single uncached probe.
func (p *Prober) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, http.NoBody)
	if err != nil {
		p.logger.Error("failed to build health request",
			observability.String("url", p.url),
			observability.Error(err),
		)
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("ai service down",
			observability.String("url", p.url),
			observability.Error(err),
		)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.logger.Debug("ai service returned non-200 status",
			observability.String("url", p.url),
			observability.Int("status", resp.StatusCode),
		)
		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBodySize))
	if err != nil {
		p.logger.Debug("failed to read health response body",
			observability.Error(err),
		)
		return false
	}

	if !json.Valid(body) {
		p.logger.Debug("ai service health body is not valid JSON",
			observability.Int("size", len(body)),
		)
		return false
	}

	return true
}

// Invalidate drops any cached probe result so the next CheckAlive hits
// the network.
func (p *Prober) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastCheck = time.Time{}
}

package gateway

import (
	"net/http"

	"github.com/puntaiq/aigate/internal/observability"
	"github.com/puntaiq/aigate/internal/proxy"
)

// handleProxy is the per-request flow: probe the AI service, start it
// if it is down, then forward. Forwarding happens exactly once; there
// are no retries because the service may have partially processed the
// request.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !g.prober.CheckAlive(ctx) {
		g.metrics.SetUpstreamHealth(false)

		g.logger.Debug("AI service down, ensuring start",
			observability.String("path", r.URL.Path),
			observability.String("method", r.Method),
		)

		if err := g.sup.EnsureRunning(ctx); err != nil {
			proxy.WriteError(w, r, err, g.logger, g.metrics)
			return
		}

		// The probe may still hold a cached negative result from
		// before the start.
		g.prober.Invalidate()
	}

	g.forwarder.ServeHTTP(w, r)
}

package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/puntaiq/aigate/internal/observability"
)

// supervisorStatus is the JSON shape of the supervisor endpoints.
type supervisorStatus struct {
	State       string `json:"state"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`
	PID         int    `json:"pid,omitempty"`
	Exhausted   bool   `json:"exhausted"`
}

// opsHandler builds the operational endpoints mux. These are served on
// a separate listener so they are never reachable through the proxied
// surface.
func (g *Gateway) opsHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.checker.HealthHandler())
	mux.HandleFunc("/ready", g.checker.ReadinessHandler())
	mux.HandleFunc("/live", g.checker.LivenessHandler())
	mux.Handle("/metrics", g.metrics.Handler())
	mux.HandleFunc("/supervisor", g.handleSupervisorStatus)
	mux.HandleFunc("/supervisor/reset", g.handleSupervisorReset)

	return mux
}

// handleSupervisorStatus reports the supervisor state machine.
func (g *Gateway) handleSupervisorStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeSupervisorStatus(w, g)
}

// handleSupervisorReset clears the supervisor's attempt counter. This
// is the external recovery signal after start attempts are exhausted.
func (g *Gateway) handleSupervisorReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	before := g.sup.Snapshot()
	g.sup.Reset()
	g.prober.Invalidate()

	g.logger.Info("supervisor reset via ops endpoint",
		observability.String("previous_state", before.State.String()),
		observability.Int("previous_attempts", before.Attempts),
		observability.String("remote_addr", r.RemoteAddr),
	)

	writeSupervisorStatus(w, g)
}

func writeSupervisorStatus(w http.ResponseWriter, g *Gateway) {
	snap := g.sup.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(supervisorStatus{
		State:       snap.State.String(),
		Attempts:    snap.Attempts,
		MaxAttempts: snap.MaxAttempts,
		PID:         snap.PID,
		Exhausted:   snap.Exhausted(),
	})
}

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/puntaiq/aigate/internal/supervisor"
)

// AliveChecker reports whether the AI service answers its status
// endpoint. Satisfied by *probe.Prober.
type AliveChecker interface {
	CheckAlive(ctx context.Context) bool
}

// SnapshotProvider exposes the supervisor's current state. Satisfied
// by *supervisor.Supervisor.
type SnapshotProvider interface {
	Snapshot() supervisor.Snapshot
}

// defaultCheckTimeout bounds a single readiness probe of the AI service.
const defaultCheckTimeout = 2 * time.Second

// UpstreamCheck returns a readiness check that probes the AI service.
// A down service degrades readiness rather than failing it: the proxy
// will start the service on the next request.
func UpstreamCheck(prober AliveChecker) CheckFunc {
	return func() Check {
		ctx, cancel := context.WithTimeout(context.Background(), defaultCheckTimeout)
		defer cancel()

		if prober.CheckAlive(ctx) {
			return Check{Status: StatusHealthy}
		}
		return Check{
			Status:  StatusDegraded,
			Message: "AI service is not responding",
		}
	}
}

// SupervisorCheck returns a readiness check reflecting the supervisor
// state. Only attempt exhaustion is unhealthy: every other state can
// resolve itself without operator action.
func SupervisorCheck(sup SnapshotProvider) CheckFunc {
	return func() Check {
		snap := sup.Snapshot()

		if snap.Exhausted() {
			return Check{
				Status: StatusUnhealthy,
				Message: fmt.Sprintf("start attempts exhausted (%d/%d), reset required",
					snap.Attempts, snap.MaxAttempts),
			}
		}

		switch snap.State {
		case supervisor.StateRunning:
			return Check{Status: StatusHealthy}
		case supervisor.StateStarting:
			return Check{
				Status:  StatusDegraded,
				Message: "AI service is starting",
			}
		case supervisor.StateFailed:
			return Check{
				Status: StatusDegraded,
				Message: fmt.Sprintf("last start failed (attempt %d/%d)",
					snap.Attempts, snap.MaxAttempts),
			}
		default:
			return Check{
				Status:  StatusDegraded,
				Message: "AI service not started yet",
			}
		}
	}
}

package supervisor

import "time"

// State represents the supervisor lifecycle state.
type State int

const (
	// StateIdle indicates no process and no start in progress.
	StateIdle State = iota

	// StateStarting indicates a start attempt is in progress.
	StateStarting

	// StateRunning indicates the AI service emitted its ready marker
	// and the child process is alive.
	StateRunning

	// StateFailed indicates the last start attempt failed, or the
	// process exited unexpectedly.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time copy of the supervisor state, safe to
// read outside the supervisor's critical section.
type Snapshot struct {
	State          State     `json:"state"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"maxAttempts"`
	PID            int       `json:"pid,omitempty"`
	LastTransition time.Time `json:"lastTransition"`
}

// Exhausted reports whether start attempts are used up and the service
// is not running.
func (s Snapshot) Exhausted() bool {
	return s.State != StateRunning && s.Attempts >= s.MaxAttempts
}

package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/puntaiq/aigate/internal/supervisor"
)

type stubProber struct {
	alive bool
}

func (s *stubProber) CheckAlive(ctx context.Context) bool { return s.alive }

type stubSupervisor struct {
	snap supervisor.Snapshot
}

func (s *stubSupervisor) Snapshot() supervisor.Snapshot { return s.snap }

func TestUpstreamCheck(t *testing.T) {
	t.Parallel()

	check := UpstreamCheck(&stubProber{alive: true})
	assert.Equal(t, StatusHealthy, check().Status)

	check = UpstreamCheck(&stubProber{alive: false})
	result := check()
	assert.Equal(t, StatusDegraded, result.Status)
	assert.NotEmpty(t, result.Message)
}

func TestSupervisorCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		snap supervisor.Snapshot
		want Status
	}{
		{
			name: "running",
			snap: supervisor.Snapshot{State: supervisor.StateRunning, MaxAttempts: 3},
			want: StatusHealthy,
		},
		{
			name: "idle",
			snap: supervisor.Snapshot{State: supervisor.StateIdle, MaxAttempts: 3},
			want: StatusDegraded,
		},
		{
			name: "starting",
			snap: supervisor.Snapshot{State: supervisor.StateStarting, Attempts: 1, MaxAttempts: 3},
			want: StatusDegraded,
		},
		{
			name: "failed with attempts left",
			snap: supervisor.Snapshot{State: supervisor.StateFailed, Attempts: 1, MaxAttempts: 3},
			want: StatusDegraded,
		},
		{
			name: "exhausted",
			snap: supervisor.Snapshot{State: supervisor.StateFailed, Attempts: 3, MaxAttempts: 3},
			want: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			check := SupervisorCheck(&stubSupervisor{snap: tt.snap})
			assert.Equal(t, tt.want, check().Status)
		})
	}
}

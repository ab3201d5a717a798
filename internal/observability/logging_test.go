package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LogConfig
		wantErr bool
	}{
		{name: "json info", cfg: LogConfig{Level: "info", Format: "json"}},
		{name: "console debug", cfg: LogConfig{Level: "debug", Format: "console"}},
		{name: "stderr output", cfg: LogConfig{Level: "warn", Format: "json", Output: "stderr"}},
		{name: "empty level defaults", cfg: LogConfig{Format: "json"}},
		{name: "bad level", cfg: LogConfig{Level: "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestLogger_WithFields(t *testing.T) {
	logger, err := NewLogger(DefaultLogConfig())
	require.NoError(t, err)

	child := logger.With(String("component", "test"))
	assert.NotNil(t, child)

	assert.NotPanics(t, func() {
		child.Debug("debug message", Int("n", 1))
		child.Info("info message", Bool("ok", true))
		child.Warn("warn message")
		child.Error("error message", Error(nil))
	})
}

func TestLogger_WithContext(t *testing.T) {
	logger, err := NewLogger(DefaultLogConfig())
	require.NoError(t, err)

	ctx := ContextWithRequestID(context.Background(), "req-123")
	assert.NotNil(t, logger.WithContext(ctx))

	// A context without a request ID returns the logger unchanged.
	assert.NotNil(t, logger.WithContext(context.Background()))
}

func TestRequestIDFromContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "abc")
	assert.Equal(t, "abc", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()

	assert.NotPanics(t, func() {
		logger.Info("ignored")
		logger.With(String("k", "v")).Error("also ignored")
		_ = logger.Sync()
	})
}

func TestGlobalLogger(t *testing.T) {
	original := GetGlobalLogger()
	defer SetGlobalLogger(original)

	logger := NopLogger()
	SetGlobalLogger(logger)

	assert.Equal(t, logger, GetGlobalLogger())
	assert.Equal(t, logger, L())
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/puntaiq/aigate/internal/config"
	"github.com/puntaiq/aigate/internal/gateway"
	"github.com/puntaiq/aigate/internal/observability"
)

// runGateway runs the gateway and handles shutdown.
func runGateway(gw *gateway.Gateway, cfg *config.Config, logger observability.Logger) {
	ctx := context.Background()

	if err := gw.Start(ctx); err != nil {
		logger.Fatal("failed to start gateway", observability.Error(err))
		return // unreachable in production; allows test to continue
	}

	waitForShutdown(gw, cfg, logger)
}

// waitForShutdown waits for a shutdown signal and performs graceful
// shutdown: listeners drain first, then the AI service child is
// stopped.
func waitForShutdown(gw *gateway.Gateway, cfg *config.Config, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration())
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop gateway gracefully", observability.Error(err))
	}

	logger.Info("gateway stopped")
}

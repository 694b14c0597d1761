// Command runner executes one evaluation at a time inside a sandbox and
// serves the internal run/logs/kill API consumed by the dispatcher and
// gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evalbox/evalbox/internal/adapter/observability"
	"github.com/evalbox/evalbox/internal/app"
	"github.com/evalbox/evalbox/internal/config"
	"github.com/evalbox/evalbox/internal/runner"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	catalog, err := runner.LoadCatalog(cfg)
	if err != nil {
		slog.Error("language catalog load failed", slog.Any("error", err))
		os.Exit(1)
	}

	box, err := app.OpenSandbox(ctx, cfg)
	if err != nil {
		slog.Error("sandbox open failed", slog.Any("error", err))
		os.Exit(1)
	}

	bus, _, closeBus, err := app.OpenBus(cfg)
	if err != nil {
		slog.Error("bus open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeBus()

	svc := runner.New(runner.Options{
		RunnerID:      cfg.RunnerID,
		Heartbeat:     cfg.RunnerHeartbeat(),
		KillGrace:     cfg.KillGrace(),
		CaptureBudget: cfg.OutputCaptureMaxBytes,
		MinTimeoutS:   cfg.MinTimeoutS,
		MaxTimeoutS:   cfg.MaxTimeoutS,
		MemoryBytes:   cfg.SandboxMemoryBytes,
		NanoCPUs:      cfg.SandboxNanoCPUs,
		PidsLimit:     cfg.SandboxPidsLimit,
	}, box, bus, catalog, logger)

	handler := runner.NewHandler(svc, logger)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler.Router(),
		ReadTimeout:       cfg.HTTPReadTimeout(),
		WriteTimeout:      cfg.HTTPWriteTimeout(),
		IdleTimeout:       cfg.HTTPIdleTimeout(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("runner starting",
			slog.String("runner_id", svc.RunnerID()),
			slog.Int("port", cfg.Port),
			slog.Any("languages", catalog.Tags()))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	// Draining stops new work; an in-flight evaluation gets the shutdown
	// window to finish before the process exits.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	slog.Info("runner stopped")
}

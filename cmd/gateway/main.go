// Command gateway serves the public evaluation API: submissions, listings,
// status reads, and log/kill proxying to runners.
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

	"github.com/evalbox/evalbox/internal/adapter/httpserver"
	"github.com/evalbox/evalbox/internal/adapter/observability"
	"github.com/evalbox/evalbox/internal/app"
	"github.com/evalbox/evalbox/internal/config"
	"github.com/evalbox/evalbox/internal/runner"
	"github.com/evalbox/evalbox/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics once per process so /metrics exposes
	// HTTP and pipeline instrumentation.
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
	host, _ := os.Hostname()

	store, storeCheck, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("store open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	index, indexCheck, closeIndex, err := app.OpenIndex(cfg)
	if err != nil {
		slog.Error("index open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeIndex()

	bus, busCheck, closeBus, err := app.OpenBus(cfg)
	if err != nil {
		slog.Error("bus open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeBus()

	// The gateway only produces, but it shares the dispatcher consumer
	// group so Depth sees the same backlog the dispatchers do.
	queue, queueCheck, closeQueue, err := app.OpenQueue(cfg, "gateway-"+host)
	if err != nil {
		slog.Error("queue open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeQueue()

	blobs, blobsCheck, closeBlobs, err := app.OpenBlobs(ctx, cfg)
	if err != nil {
		slog.Error("blob store open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeBlobs()

	limiter, closeThrottle, err := app.OpenThrottle(cfg, logger)
	if err != nil {
		slog.Error("throttle open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeThrottle()

	// Live log reads and kill requests go straight to the owning runner.
	runners := runner.NewClient(cfg.DispatchDeadline())

	srv := httpserver.NewServer(cfg,
		usecase.NewSubmitService(cfg, queue, bus, limiter),
		usecase.NewQueryService(cfg, store, index),
		usecase.NewProxyService(store, index, blobs, runners),
		storeCheck, indexCheck, busCheck, queueCheck, blobsCheck,
	)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout(),
		WriteTimeout:      cfg.HTTPWriteTimeout(),
		IdleTimeout:       cfg.HTTPIdleTimeout(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway starting", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	slog.Info("gateway stopped")
}

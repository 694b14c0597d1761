// Command reactor applies runner lifecycle events to the evaluation store.
// It is the only writer of evaluation records; a sidecar listener exposes
// /metrics and nothing else.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evalbox/evalbox/internal/adapter/observability"
	"github.com/evalbox/evalbox/internal/app"
	"github.com/evalbox/evalbox/internal/config"
	"github.com/evalbox/evalbox/internal/reactor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, _, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("store open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	index, _, closeIndex, err := app.OpenIndex(cfg)
	if err != nil {
		slog.Error("index open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeIndex()

	blobs, _, closeBlobs, err := app.OpenBlobs(ctx, cfg)
	if err != nil {
		slog.Error("blob store open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeBlobs()

	bus, _, closeBus, err := app.OpenBus(cfg)
	if err != nil {
		slog.Error("bus open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeBus()

	r := reactor.New(reactor.Options{
		RoutingGrace:   cfg.IndexGrace(),
		ReconcileEvery: cfg.ReconcileInterval(),
		QueuedSweepAge: cfg.QueuedSweepAge(),
		InlineMax:      cfg.OutputInlineMaxBytes,
		PreviewBytes:   cfg.OutputPreviewBytes,
	}, store, index, blobs, bus, logger)

	slog.Info("reactor starting", slog.String("env", cfg.AppEnv))
	if err := r.Start(ctx); err != nil {
		slog.Error("reactor stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("reactor stopped")
}

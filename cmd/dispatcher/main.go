// Command dispatcher claims queued evaluations and assigns them to live
// runners. It is headless: a small sidecar listener exposes /metrics and
// nothing else.
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
	"github.com/evalbox/evalbox/internal/dispatcher"
	"github.com/evalbox/evalbox/internal/domain"
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
	host, _ := os.Hostname()

	queue, _, closeQueue, err := app.OpenQueue(cfg, "dispatcher-"+host)
	if err != nil {
		slog.Error("queue open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeQueue()

	store, _, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("store open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	bus, _, closeBus, err := app.OpenBus(cfg)
	if err != nil {
		slog.Error("bus open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeBus()

	pools, err := cfg.Pools()
	if err != nil {
		slog.Error("runner pools misconfigured", slog.Any("error", err))
		os.Exit(1)
	}

	d, err := dispatcher.New(dispatcher.Options{
		Classes:          cfg.PriorityClasses,
		Pools:            pools,
		ClaimWait:        cfg.ClaimWait(),
		IdleSleep:        cfg.IdleSleep(),
		DispatchDeadline: cfg.DispatchDeadline(),
		ProbeInterval:    cfg.HealthProbeInterval(),
		Liveness:         cfg.RunnerLiveness(),
		Policy: domain.RetryPolicy{
			MaxRetries: cfg.RetryMax,
			Base:       cfg.RetryBase(),
			MaxDelay:   domain.DefaultRetryPolicy().MaxDelay,
		},
	}, queue, store, bus, runner.NewClient(cfg.DispatchDeadline()), logger)
	if err != nil {
		slog.Error("dispatcher init failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("dispatcher starting",
		slog.Any("classes", cfg.PriorityClasses),
		slog.String("env", cfg.AppEnv))
	if err := d.Start(ctx); err != nil {
		slog.Error("dispatcher stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("dispatcher stopped")
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
	"trainpipe/internal/api"
	"trainpipe/internal/dispatcher"
	"trainpipe/internal/health"
	"trainpipe/internal/observability"

	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the trigger API and metrics servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	svcCfg := a.cfg.Service

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	var events dispatcher.Dispatcher
	eventDispatcher := a.dispatcher(metrics)
	if eventDispatcher != nil {
		events = eventDispatcher
	}
	started := false
	defer func() {
		if !started {
			closeDispatcher(eventDispatcher)
		}
	}()

	runs, checks, err := a.pipeline(ctx, pipelineDeps{metrics: metrics, dispatcher: events})
	if err != nil {
		return err
	}

	var ingester api.Ingester
	if a.cfg.ValidateIngest() == nil {
		appender, err := a.appender(ctx)
		if err != nil {
			return err
		}
		ingester = appender
		store, err := a.objectStore(ctx)
		if err != nil {
			return err
		}
		checks["ingestStorage"] = health.ReadinessFunc(func(ctx context.Context) error {
			return store.Ready(ctx, a.cfg.Ingest.Bucket)
		})
	} else {
		slog.Warn("Transaction ingest disabled - no ingest bucket/key configured")
	}

	healthChecker := health.NewChecker(checks)

	router := api.NewRouter(api.RouterConfig{
		Runs:          runs,
		Ingest:        ingester,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	started = true
	serverErr := make(chan error, 2)
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		closeDispatcher(eventDispatcher)
		return err
	}

	// Phase 1: report unready so load balancers stop routing here
	healthChecker.SetShuttingDown()
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting requests, finish in-flight ones
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: cancel active runs; their instances are still terminated and logs shipped
	runsCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Instance.TerminateTimeout+time.Minute)
	defer cancel()
	if err := runs.Close(runsCtx); err != nil {
		slog.Warn("Pipeline shutdown error", "error", err)
	}

	// Phase 4: drain callbacks, including the exit events of cancelled runs
	if eventDispatcher != nil {
		slog.Info("Draining callback dispatcher")
		closeDispatcher(eventDispatcher)
		stats := eventDispatcher.Stats()
		slog.Info("Dispatcher stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	slog.Info("Shutdown complete")
	return nil
}

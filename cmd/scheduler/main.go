package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/healthsync/internal/app"
	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/orchestrator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := observability.NewLogger("healthsync-scheduler", observability.LogConfig{})
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := observability.NewLogger("healthsync-scheduler", observability.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, "healthsync-scheduler")
	if err != nil {
		logger.Fatal().Err(err).Msg("setup tracing")
	}

	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open store")
	}
	defer rt.Close()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddress).Msg("scheduler metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	opts := app.SchedulerOptions(cfg)
	scheduler := orchestrator.NewScheduler(rt.Store, rt.Orchestrator, opts, logger.With().Str("component", "scheduler").Logger())
	go scheduler.Start(ctx)

	logger.Info().
		Dur("interval", opts.Interval).
		Int("window_days", opts.WindowDays).
		Int("user_concurrency", opts.UserConcurrency).
		Msg("scheduler started")

	<-ctx.Done()
	logger.Info().Msg("shutdown requested")
	scheduler.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown failed")
	}
}

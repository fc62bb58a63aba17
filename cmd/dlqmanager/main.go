package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/outbox"
	"example.com/healthsync/internal/persistence/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := observability.NewLogger("healthsync-dlqmanager", observability.LogConfig{})
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := observability.NewLogger("healthsync-dlqmanager", observability.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{URL: cfg.PostgresURL})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	manager := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddress).Msg("dlq manager metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	ticker := time.NewTicker(cfg.DLQPollInterval)
	defer ticker.Stop()

	logger.Info().Dur("interval", cfg.DLQPollInterval).Int("max_retries", cfg.DLQMaxRetries).Msg("dlq manager started")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			processed, err := manager.RunOnce(ctx, cfg.DLQBatchSize)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Int("processed", processed).Msg("dlq pass failed")
			} else if processed > 0 {
				logger.Info().Int("processed", processed).Msg("dlq pass complete")
			}
		}
	}

	logger.Info().Msg("dlq manager shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
}

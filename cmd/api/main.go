package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/healthsync/internal/api"
	"example.com/healthsync/internal/app"
	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/outbox"
	httptransport "example.com/healthsync/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := observability.NewLogger("healthsync-api", observability.LogConfig{})
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := observability.NewLogger("healthsync-api", observability.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, "healthsync-api")
	if err != nil {
		logger.Fatal().Err(err).Msg("setup tracing")
	}

	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open store")
	}
	defer rt.Close()

	var dispatcher *outbox.Dispatcher
	if rt.Pool != nil {
		publisher := outbox.NewKafkaPublisher(cfg.KafkaBrokers)
		defer publisher.Close()

		dispatcher = outbox.NewDispatcher(rt.Pool, publisher, cfg.OutboxPollInterval, cfg.OutboxBatchSize,
			outbox.WithLogger(logger.With().Str("component", "outbox").Logger()))
		go dispatcher.Start(ctx)
	} else {
		logger.Info().Str("driver", cfg.StoreDriver).Msg("outbox dispatcher disabled for non-postgres store")
	}

	mux := http.NewServeMux()
	api.NewHandler(rt.Service).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})

	// A sync request may run for a whole cycle.
	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.SyncCycleTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}, httptransport.Chain(mux,
		httptransport.RequestLogger(logger),
		httptransport.CORS(cfg.CORSOrigins),
		authMiddleware.Wrap,
	))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddress).Msg("healthsync api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-shutdownCh
	logger.Info().Msg("shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if dispatcher != nil {
		dispatcher.Wait()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown failed")
	}
}

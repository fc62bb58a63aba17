// Package app assembles the store, provider registry, orchestrator and service from Config for
// the healthsync binaries.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/orchestrator"
	"example.com/healthsync/internal/persistence/memory"
	"example.com/healthsync/internal/persistence/postgres"
	"example.com/healthsync/internal/persistence/sqlite"
	"example.com/healthsync/internal/provider"
	"example.com/healthsync/internal/provider/clue"
	"example.com/healthsync/internal/provider/fitbit"
	"example.com/healthsync/internal/provider/gdrive"
	"example.com/healthsync/internal/provider/oura"
	"example.com/healthsync/internal/service"
)

// Runtime holds the wired components of one process.
type Runtime struct {
	Store        domain.Store
	Orchestrator *orchestrator.Orchestrator
	Service      *service.Service
	// Pool is set only for the postgres driver; the outbox dispatcher needs it.
	Pool *pgxpool.Pool

	closers []func()
}

// Build opens the configured store and wires the sync stack on top of it.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Runtime, error) {
	rt := &Runtime{}
	store, err := rt.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.Store = store
	rt.Orchestrator = orchestrator.New(store, Registry(cfg), SyncOptions(cfg),
		orchestrator.WithLogger(logger.With().Str("component", "orchestrator").Logger()))
	rt.Service = service.New(store, rt.Orchestrator)
	return rt, nil
}

// Close releases the store in reverse order of acquisition.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func (rt *Runtime) openStore(ctx context.Context, cfg *config.Config) (domain.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{URL: cfg.PostgresURL})
		if err != nil {
			return nil, err
		}
		rt.Pool = pool
		rt.closers = append(rt.closers, pool.Close)
		return postgres.NewRepository(pool), nil
	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = store.Close() })
		return store, nil
	case config.DriverMemory:
		return memory.NewStore(), nil
	}
	return nil, fmt.Errorf("app: unknown store driver %q", cfg.StoreDriver)
}

// Registry builds one adapter per supported provider from the provider settings.
func Registry(cfg *config.Config) *provider.Registry {
	settings := func(p domain.Provider) provider.Config {
		s := cfg.Provider(p)
		return provider.Config{
			BaseURL:      s.BaseURL,
			TokenURL:     s.TokenURL,
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			RateLimit:    s.RateLimit,
		}
	}
	return provider.NewRegistry(
		fitbit.New(settings(domain.ProviderFitbit)),
		oura.New(settings(domain.ProviderOura)),
		clue.New(settings(domain.ProviderClue)),
		gdrive.New(settings(domain.ProviderGoogleDrive), nil),
	)
}

// SyncOptions maps the SYNC_* settings onto orchestrator options.
func SyncOptions(cfg *config.Config) orchestrator.Options {
	return orchestrator.Options{
		Concurrency:    cfg.SyncConcurrency,
		AdapterTimeout: cfg.SyncAdapterTimeout,
		CycleTimeout:   cfg.SyncCycleTimeout,
		NetworkRetries: cfg.SyncNetworkRetries,
		RetryBaseDelay: cfg.SyncRetryBaseDelay,
	}
}

// SchedulerOptions maps the SCHEDULER_* settings onto scheduler options.
func SchedulerOptions(cfg *config.Config) orchestrator.SchedulerOptions {
	return orchestrator.SchedulerOptions{
		Interval:        cfg.SchedulerInterval,
		WindowDays:      cfg.SchedulerWindowDays,
		UserConcurrency: cfg.SchedulerUserConcurrency,
	}
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress)
	require.Equal(t, DriverPostgres, cfg.StoreDriver)
	require.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 4, cfg.SyncConcurrency)
	require.Equal(t, 30*time.Second, cfg.SyncAdapterTimeout)
	require.Equal(t, 2*time.Minute, cfg.SyncCycleTimeout)
	require.Zero(t, cfg.SyncNetworkRetries)
	require.Equal(t, time.Hour, cfg.SchedulerInterval)
	require.Equal(t, 1, cfg.SchedulerWindowDays)
	require.Equal(t, []string{"health_sync_outcomes"}, cfg.ConsumerTopics)
	require.Equal(t, 5, cfg.DLQMaxRetries)
	require.Equal(t, time.Minute, cfg.DLQBaseDelay)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/health.db")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SYNC_CONCURRENCY", "2")
	t.Setenv("SYNC_ADAPTER_TIMEOUT", "5s")
	t.Setenv("SYNC_NETWORK_RETRIES", "3")
	t.Setenv("OURA_CLIENT_ID", "oura-id")
	t.Setenv("OURA_CLIENT_SECRET", "oura-secret")
	t.Setenv("OURA_RATE_LIMIT", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DriverSQLite, cfg.StoreDriver)
	require.Equal(t, "/tmp/health.db", cfg.SQLitePath)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 2, cfg.SyncConcurrency)
	require.Equal(t, 5*time.Second, cfg.SyncAdapterTimeout)
	require.Equal(t, 3, cfg.SyncNetworkRetries)

	oura := cfg.Provider(domain.ProviderOura)
	require.Equal(t, "oura-id", oura.ClientID)
	require.Equal(t, "oura-secret", oura.ClientSecret)
	require.Equal(t, 2.5, oura.RateLimit)
	require.Empty(t, cfg.Provider(domain.ProviderFitbit).ClientID)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown driver":       {"STORE_DRIVER": "mongo"},
		"zero concurrency":     {"SYNC_CONCURRENCY": "0"},
		"adapter beyond cycle": {"SYNC_ADAPTER_TIMEOUT": "5m", "SYNC_CYCLE_TIMEOUT": "1m"},
		"negative retries":     {"SYNC_NETWORK_RETRIES": "-1"},
		"zero window":          {"SCHEDULER_WINDOW_DAYS": "0"},
		"negative rate":        {"FITBIT_RATE_LIMIT": "-1"},
		"zero dlq retries":     {"DLQ_MAX_RETRIES": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}

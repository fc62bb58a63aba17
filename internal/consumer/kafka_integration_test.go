//go:build integration

package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/outbox"
	"example.com/healthsync/internal/persistence/postgres"
)

func TestSyncOutcomeFlowsFromOutboxToAuditLog(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	kafkaC, err := kafkacontainer.Run(ctx, "confluentinc/confluent-local:7.5.0",
		testcontainers.WithEnv(map[string]string{"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true"}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kafkaC.Terminate(context.Background()) })

	brokers, err := kafkaC.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)

	conn, err := kafka.Dial("tcp", brokers[0])
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{
		Topic:             events.TopicSyncOutcomes,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))

	pool := setupPostgres(t, ctx)
	repo := postgres.NewRepository(pool)

	started := time.Date(2024, 6, 10, 6, 0, 0, 0, time.UTC)
	require.NoError(t, repo.RecordSyncOutcome(ctx, "user-e2e", domain.SyncOutcome{
		IntegrationID:   "integ-e2e",
		Provider:        domain.ProviderFitbit,
		Status:          domain.SyncStatusSuccess,
		RecordsIngested: 7,
		StartedAt:       started,
		FinishedAt:      started.Add(time.Second),
	}))

	publisher := outbox.NewKafkaPublisher(brokers)
	defer publisher.Close()

	dispatcher := outbox.NewDispatcher(pool, publisher, time.Second, 10)
	claimed, err := dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     "healthsync-audit-integration",
		Topic:       events.TopicSyncOutcomes,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	consumerCtx, stop := context.WithCancel(ctx)
	defer stop()

	proc := NewProcessor(reader, NewAuditHandler(pool))
	go func() {
		_ = proc.Run(consumerCtx)
	}()

	require.Eventually(t, func() bool {
		var count int
		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM sync_audit_log WHERE user_id = $1`, "user-e2e").Scan(&count); err != nil {
			return false
		}
		return count == 1
	}, 60*time.Second, 500*time.Millisecond)

	var provider, status string
	var ingested int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT provider, status, records_ingested FROM sync_audit_log WHERE user_id = $1`, "user-e2e",
	).Scan(&provider, &status, &ingested))
	require.Equal(t, "fitbit", provider)
	require.Equal(t, "success", status)
	require.Equal(t, 7, ingested)
}

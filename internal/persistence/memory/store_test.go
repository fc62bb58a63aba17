package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
)

func stepRecord(value float64) domain.Record {
	return domain.Record{
		UserID:    "user1",
		Provider:  domain.ProviderFitbit,
		DataType:  domain.DataTypeSteps,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Value:     value,
		Unit:      "steps",
	}
}

func TestUpsertRevisionKeepsSingleRecord(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.EnsureUser(ctx, "user1"))

	res, err := store.UpsertRecords(ctx, []domain.Record{stepRecord(1000)})
	require.NoError(t, err)
	require.Equal(t, domain.UpsertResult{Inserted: 1}, res)

	res, err = store.UpsertRecords(ctx, []domain.Record{stepRecord(1200)})
	require.NoError(t, err)
	require.Equal(t, domain.UpsertResult{Updated: 1}, res)

	res, err = store.UpsertRecords(ctx, []domain.Record{stepRecord(1200)})
	require.NoError(t, err)
	require.Equal(t, domain.UpsertResult{}, res)

	records, err := store.QueryRecords(ctx, domain.RecordQuery{UserID: "user1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 1200.0, records[0].Value)
}

func TestQueryUnknownUserIsNotFoundButEmptyIsNot(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	_, err := store.QueryRecords(ctx, domain.RecordQuery{UserID: "ghost"})
	require.ErrorIs(t, err, domain.ErrUserNotFound)

	require.NoError(t, store.EnsureUser(ctx, "user1"))
	records, err := store.QueryRecords(ctx, domain.RecordQuery{UserID: "user1", DataType: domain.DataTypeSteps})
	require.NoError(t, err)
	require.Empty(t, records)

	types, err := store.ListDataTypes(ctx, "user1")
	require.NoError(t, err)
	require.Empty(t, types)
}

func TestQueryOrdersAscendingAndFilters(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.EnsureUser(ctx, "user1"))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := []domain.Record{
		{UserID: "user1", Provider: domain.ProviderOura, DataType: domain.DataTypeSleepMinutes, Timestamp: base.AddDate(0, 0, 2), Value: 420, Unit: "minutes"},
		{UserID: "user1", Provider: domain.ProviderFitbit, DataType: domain.DataTypeSteps, Timestamp: base.AddDate(0, 0, 1), Value: 8000, Unit: "steps"},
		{UserID: "user1", Provider: domain.ProviderFitbit, DataType: domain.DataTypeSteps, Timestamp: base, Value: 6000, Unit: "steps"},
	}
	_, err := store.UpsertRecords(ctx, batch)
	require.NoError(t, err)

	all, err := store.QueryRecords(ctx, domain.RecordQuery{UserID: "user1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, 6000.0, all[0].Value)
	require.Equal(t, 420.0, all[2].Value)

	steps, err := store.QueryRecords(ctx, domain.RecordQuery{UserID: "user1", DataType: domain.DataTypeSteps, From: base.AddDate(0, 0, 1)})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, 8000.0, steps[0].Value)

	types, err := store.ListDataTypes(ctx, "user1")
	require.NoError(t, err)
	require.Equal(t, []domain.DataType{domain.DataTypeSleepMinutes, domain.DataTypeSteps}, types)
}

func TestConcurrentUpsertsDoNotDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.EnsureUser(ctx, "user1"))

	var wg sync.WaitGroup
	inserted := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.UpsertRecords(ctx, []domain.Record{stepRecord(1000)})
			if err != nil {
				inserted <- -100
				return
			}
			inserted <- res.Inserted
		}()
	}
	wg.Wait()
	close(inserted)

	total := 0
	for n := range inserted {
		total += n
	}
	require.Equal(t, 1, total)
	require.Equal(t, 1, store.RecordCount())
}

func TestConnectIntegrationReactivatesExistingRow(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.EnsureUser(ctx, "user1"))

	first, err := store.ConnectIntegration(ctx, domain.Integration{UserID: "user1", Provider: domain.ProviderOura, AccessToken: "a1"})
	require.NoError(t, err)
	require.True(t, first.IsActive)

	require.NoError(t, store.Deactivate(ctx, first.ID))

	users, err := store.ListUsersWithActiveIntegrations(ctx)
	require.NoError(t, err)
	require.Empty(t, users)

	second, err := store.ConnectIntegration(ctx, domain.Integration{UserID: "user1", Provider: domain.ProviderOura, AccessToken: "a2"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "a2", second.AccessToken)

	integrations, err := store.ListIntegrations(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, integrations, 1)
	require.True(t, integrations[0].IsActive)

	_, err = store.GetIntegration(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrIntegrationNotFound)
}

func TestFieldScopedUpdatesKeepOtherFields(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.EnsureUser(ctx, "user1"))

	integ, err := store.ConnectIntegration(ctx, domain.Integration{UserID: "user1", Provider: domain.ProviderFitbit, AccessToken: "a1", RefreshToken: "r1"})
	require.NoError(t, err)

	expiry := time.Date(2024, 6, 10, 13, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveTokens(ctx, integ.ID, "a2", "", expiry))
	require.NoError(t, store.FlagReauth(ctx, integ.ID))

	loaded, err := store.GetIntegration(ctx, integ.ID)
	require.NoError(t, err)
	require.Equal(t, "a2", loaded.AccessToken)
	require.Equal(t, "r1", loaded.RefreshToken)
	require.True(t, loaded.NeedsReauth)
	require.True(t, loaded.IsActive)

	require.NoError(t, store.Deactivate(ctx, integ.ID))
	require.NoError(t, store.MarkSynced(ctx, integ.ID, expiry))

	loaded, err = store.GetIntegration(ctx, integ.ID)
	require.NoError(t, err)
	require.False(t, loaded.IsActive)
	require.Nil(t, loaded.LastSync)
	require.True(t, loaded.NeedsReauth)

	require.NoError(t, store.MarkSynced(ctx, "missing", expiry))
	require.ErrorIs(t, store.SaveTokens(ctx, "missing", "a", "r", expiry), domain.ErrIntegrationNotFound)
}

package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/persistence/memory"
	"example.com/healthsync/internal/provider"
	"example.com/healthsync/internal/provider/providertest"
)

var (
	now    = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	window = domain.LastNDays(now, 3)
)

func dailyRecords(dt domain.DataType, unit string, values ...float64) []domain.Record {
	out := make([]domain.Record, 0, len(values))
	for i, v := range values {
		out = append(out, domain.Record{DataType: dt, Timestamp: window.Start.AddDate(0, 0, i), Value: v, Unit: unit})
	}
	return out
}

type fixture struct {
	store *memory.Store
	orch  *Orchestrator
}

func newFixture(t *testing.T, opts Options, adapters ...provider.Adapter) fixture {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.EnsureUser(context.Background(), "user1"))
	orch := New(store, provider.NewRegistry(adapters...), opts, WithClock(func() time.Time { return now }), WithLogger(zerolog.Nop()))
	return fixture{store: store, orch: orch}
}

func (f fixture) connect(t *testing.T, p domain.Provider, expiry time.Time) domain.Integration {
	t.Helper()
	integ, err := f.store.ConnectIntegration(context.Background(), domain.Integration{
		UserID:       "user1",
		Provider:     p,
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		TokenExpiry:  expiry,
	})
	require.NoError(t, err)
	return integ
}

func (f fixture) integration(t *testing.T, id string) *domain.Integration {
	t.Helper()
	integ, err := f.store.GetIntegration(context.Background(), id)
	require.NoError(t, err)
	return integ
}

func TestSyncUserIsIdempotent(t *testing.T) {
	fitbit := &providertest.Stub{Name: domain.ProviderFitbit, Threshold: 0.2, Records: dailyRecords(domain.DataTypeSteps, "steps", 1000, 2000, 3000)}
	f := newFixture(t, Options{}, fitbit)
	integ := f.connect(t, domain.ProviderFitbit, time.Time{})

	first, err := f.orch.SyncUser(context.Background(), "user1", window)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, domain.SyncStatusSuccess, first[0].Status)
	require.Equal(t, 3, first[0].RecordsIngested)

	second, err := f.orch.SyncUser(context.Background(), "user1", window)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusSuccess, second[0].Status)
	require.Zero(t, second[0].RecordsIngested)
	require.Zero(t, second[0].RecordsUpdated)
	require.Equal(t, 3, f.store.RecordCount())

	stored := f.integration(t, integ.ID)
	require.NotNil(t, stored.LastSync)
	require.True(t, stored.LastSync.Equal(now))
	require.Len(t, f.store.Outcomes("user1"), 2)
}

func TestProviderFailureIsIsolated(t *testing.T) {
	fitbit := &providertest.Stub{
		Name: domain.ProviderFitbit,
		FetchFn: func(context.Context, string, domain.Window) (provider.Payload, error) {
			return provider.Payload{}, domain.ErrRateLimited
		},
	}
	oura := &providertest.Stub{Name: domain.ProviderOura, Threshold: 0.25, Records: dailyRecords(domain.DataTypeSleepMinutes, "minutes", 400, 420)}
	f := newFixture(t, Options{}, fitbit, oura)
	fitbitInteg := f.connect(t, domain.ProviderFitbit, time.Time{})
	f.connect(t, domain.ProviderOura, time.Time{})

	outcomes, err := f.orch.SyncUser(context.Background(), "user1", window)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Equal(t, domain.ProviderFitbit, outcomes[0].Provider)
	require.Equal(t, domain.SyncStatusRateLimited, outcomes[0].Status)
	require.NotEmpty(t, outcomes[0].ErrorDetail)
	require.Equal(t, domain.SyncStatusSuccess, outcomes[1].Status)
	require.Equal(t, 2, outcomes[1].RecordsIngested)

	require.Nil(t, f.integration(t, fitbitInteg.ID).LastSync)
	records, err := f.store.QueryRecords(context.Background(), domain.RecordQuery{UserID: "user1"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		require.Equal(t, "user1", rec.UserID)
		require.Equal(t, domain.ProviderOura, rec.Provider)
	}
}

func TestExpiredTokenIsRefreshedBeforeFetch(t *testing.T) {
	fitbit := &providertest.Stub{
		Name:    domain.ProviderFitbit,
		Records: dailyRecords(domain.DataTypeSteps, "steps", 1),
		RefreshFn: func(_ context.Context, refreshToken string) (provider.Token, error) {
			require.Equal(t, "old-refresh", refreshToken)
			return provider.Token{AccessToken: "new-access", RefreshToken: "new-refresh", Expiry: now.Add(time.Hour)}, nil
		},
	}
	f := newFixture(t, Options{}, fitbit)
	integ := f.connect(t, domain.ProviderFitbit, now.Add(-time.Minute))

	outcomes, err := f.orch.SyncUser(context.Background(), "user1", window)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusSuccess, outcomes[0].Status)
	require.Equal(t, 1, fitbit.RefreshCalls())
	require.Equal(t, []string{"new-access"}, fitbit.FetchTokens())

	stored := f.integration(t, integ.ID)
	require.Equal(t, "new-access", stored.AccessToken)
	require.Equal(t, "new-refresh", stored.RefreshToken)
	require.True(t, stored.TokenExpiry.Equal(now.Add(time.Hour)))
}

func TestFailedRefreshSkipsFetchAndFlagsReauth(t *testing.T) {
	fitbit := &providertest.Stub{
		Name: domain.ProviderFitbit,
		RefreshFn: func(context.Context, string) (provider.Token, error) {
			return provider.Token{}, domain.ErrAuthExpired
		},
	}
	f := newFixture(t, Options{}, fitbit)
	integ := f.connect(t, domain.ProviderFitbit, now.Add(-time.Minute))

	outcomes, err := f.orch.SyncUser(context.Background(), "user1", window)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusAuthExpired, outcomes[0].Status)
	require.Empty(t, fitbit.FetchTokens())
	require.Equal(t, 1, fitbit.RefreshCalls())

	stored := f.integration(t, integ.ID)
	require.True(t, stored.NeedsReauth)
	require.True(t, stored.IsActive)
	require.Nil(t, stored.LastSync)
}

func TestFailedRefreshIsClassifiedByCause(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want domain.SyncStatus
	}{
		{name: "token endpoint down", err: domain.ErrNetwork, want: domain.SyncStatusNetworkError},
		{name: "no client credentials", err: domain.ErrUnsupported, want: domain.SyncStatusUnsupported},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fitbit := &providertest.Stub{
				Name: domain.ProviderFitbit,
				RefreshFn: func(context.Context, string) (provider.Token, error) {
					return provider.Token{}, tc.err
				},
			}
			f := newFixture(t, Options{}, fitbit)
			integ := f.connect(t, domain.ProviderFitbit, now.Add(-time.Minute))

			outcomes, err := f.orch.SyncUser(context.Background(), "user1", window)
			require.NoError(t, err)
			require.Equal(t, tc.want, outcomes[0].Status)
			require.Empty(t, fitbit.FetchTokens())

			stored := f.integration(t, integ.ID)
			require.False(t, stored.NeedsReauth)
			require.Equal(t, "old-refresh", stored.RefreshToken)
		})
	}
}

func TestAuthErrorRefreshesOnceAndRetries(t *testing.T) {
	fitbit := &providertest.Stub{
		Name:    domain.ProviderFitbit,
		Records: dailyRecords(domain.DataTypeSteps, "steps", 5),
		FetchFn: func(_ context.Context, token string, _ domain.Window) (provider.Payload, error) {
			if token == "old-access" {
				return provider.Payload{}, domain.ErrAuthExpired
			}
			return provider.Payload{}, nil
		},
		RefreshFn: func(context.Context, string) (provider.Token, error) {
			return provider.Token{AccessToken: "new-access"}, nil
		},
	}
	f := newFixture(t, Options{}, fitbit)
	f.connect(t, domain.ProviderFitbit, time.Time{})

	outcomes, err := f.orch.SyncUser(context.Background(), "user1", window)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusSuccess, outcomes[0].Status)
	require.Equal(t, []string{"old-access", "new-access"}, fitbit.FetchTokens())
	require.Equal(t, 1, fitbit.RefreshCalls())
}

func TestRenewedAuthFailureAfterRefreshIsAuthExpired(t *testing.T) {
	fitbit := &providertest.Stub{
		Name: domain.ProviderFitbit,
		FetchFn: func(context.Context, string, domain.Window) (provider.Payload, error) {
			return provider.Payload{}, domain.ErrAuthExpired
		},
		RefreshFn: func(context.Context, string) (provider.Token, error) {
			return provider.Token{AccessToken: "new-access"}, nil
		},
	}
	f := newFixture(t, Options{}, fitbit)
	integ := f.connect(t, domain.ProviderFitbit, time.Time{})

	outcomes, err := f.orch.SyncUser(context.Background(), "user1", window)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusAuthExpired, outcomes[0].Status)
	require.Len(t, fitbit.FetchTokens(), 2)
	require.True(t, f.integration(t, integ.ID).NeedsReauth)
}

func TestAdapterTimeoutIsNetworkError(t *testing.T) {
	slow := &providertest.Stub{
		Name: domain.ProviderOura,
		FetchFn: func(ctx context.Context, _ string, _ domain.Window) (provider.Payload, error) {
			<-ctx.Done()
			return provider.Payload{}, ctx.Err()
		},
	}
	fast := &providertest.Stub{Name: domain.ProviderFitbit, Records: dailyRecords(domain.DataTypeSteps, "steps", 1)}
	f := newFixture(t, Options{AdapterTimeout: 50 * time.Millisecond}, slow, fast)
	f.connect(t, domain.ProviderOura, time.Time{})
	f.connect(t, domain.ProviderFitbit, time.Time{})

	outcomes, err := f.orch.SyncUser(context.Background(), "user1", window)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusSuccess, outcomes[0].Status)
	require.Equal(t, domain.SyncStatusNetworkError, outcomes[1].Status)
}

func TestNetworkErrorsAreRetriedWhenConfigured(t *testing.T) {
	var calls atomic.Int32
	flaky := &providertest.Stub{
		Name:    domain.ProviderOura,
		Records: dailyRecords(domain.DataTypeSteps, "steps", 1),
		FetchFn: func(context.Context, string, domain.Window) (provider.Payload, error) {
			if calls.Add(1) < 3 {
				return provider.Payload{}, domain.ErrNetwork
			}
			return provider.Payload{}, nil
		},
	}
	f := newFixture(t, Options{NetworkRetries: 2, RetryBaseDelay: time.Millisecond}, flaky)
	f.connect(t, domain.ProviderOura, time.Time{})

	outcomes, err := f.orch.SyncUser(context.Background(), "user1", window)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusSuccess, outcomes[0].Status)
	require.EqualValues(t, 3, calls.Load())
}

func TestNetworkErrorsAreNotRetriedByDefault(t *testing.T) {
	var calls atomic.Int32
	flaky := &providertest.Stub{
		Name: domain.ProviderOura,
		FetchFn: func(context.Context, string, domain.Window) (provider.Payload, error) {
			calls.Add(1)
			return provider.Payload{}, domain.ErrNetwork
		},
	}
	f := newFixture(t, Options{}, flaky)
	f.connect(t, domain.ProviderOura, time.Time{})

	outcomes, err := f.orch.SyncUser(context.Background(), "user1", window)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusNetworkError, outcomes[0].Status)
	require.EqualValues(t, 1, calls.Load())
}

func TestUnregisteredProviderIsUnsupported(t *testing.T) {
	f := newFixture(t, Options{})
	f.connect(t, domain.ProviderClue, time.Time{})

	outcomes, err := f.orch.SyncUser(context.Background(), "user1", window)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, domain.SyncStatusUnsupported, outcomes[0].Status)
}

func TestMalformedRatioAboveThresholdIsPartial(t *testing.T) {
	clue := &providertest.Stub{Name: domain.ProviderClue, Threshold: 0.2, Records: dailyRecords(domain.DataTypeCycleDay, "day", 1, 2), Dropped: 1}
	f := newFixture(t, Options{}, clue)
	integ := f.connect(t, domain.ProviderClue, time.Time{})

	outcomes, err := f.orch.SyncUser(context.Background(), "user1", window)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusPartial, outcomes[0].Status)
	require.Equal(t, 2, outcomes[0].RecordsIngested)
	require.Equal(t, 1, outcomes[0].RecordsDropped)
	require.NotNil(t, f.integration(t, integ.ID).LastSync)
}

func TestDroppedBelowThresholdIsSuccess(t *testing.T) {
	clue := &providertest.Stub{Name: domain.ProviderClue, Threshold: 0.5, Records: dailyRecords(domain.DataTypeCycleDay, "day", 1, 2, 3), Dropped: 1}
	f := newFixture(t, Options{}, clue)
	f.connect(t, domain.ProviderClue, time.Time{})

	outcomes, err := f.orch.SyncUser(context.Background(), "user1", window)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusSuccess, outcomes[0].Status)
	require.Equal(t, 1, outcomes[0].RecordsDropped)
}

func TestCycleDeadlineReportsInFlightProvidersAsNetworkError(t *testing.T) {
	blocked := &providertest.Stub{
		Name: domain.ProviderFitbit,
		FetchFn: func(ctx context.Context, _ string, _ domain.Window) (provider.Payload, error) {
			<-ctx.Done()
			return provider.Payload{}, ctx.Err()
		},
	}
	fast := &providertest.Stub{Name: domain.ProviderOura, Records: dailyRecords(domain.DataTypeSleepMinutes, "minutes", 400)}
	f := newFixture(t, Options{CycleTimeout: 50 * time.Millisecond}, blocked, fast)
	fitbitInteg := f.connect(t, domain.ProviderFitbit, time.Time{})
	ouraInteg := f.connect(t, domain.ProviderOura, time.Time{})

	started := time.Now()
	outcomes, err := f.orch.SyncUser(context.Background(), "user1", window)
	require.NoError(t, err)
	require.Less(t, time.Since(started), 5*time.Second)
	require.Len(t, outcomes, 2)
	require.Equal(t, domain.ProviderFitbit, outcomes[0].Provider)
	require.Equal(t, domain.SyncStatusNetworkError, outcomes[0].Status)
	require.Equal(t, domain.ProviderOura, outcomes[1].Provider)
	require.Equal(t, domain.SyncStatusSuccess, outcomes[1].Status)
	require.Equal(t, 1, outcomes[1].RecordsIngested)

	require.Nil(t, f.integration(t, fitbitInteg.ID).LastSync)
	require.NotNil(t, f.integration(t, ouraInteg.ID).LastSync)
	require.Len(t, f.store.Outcomes("user1"), 2)
}

func TestDisconnectDuringSyncIsNotReverted(t *testing.T) {
	fitbit := &providertest.Stub{Name: domain.ProviderFitbit, Records: dailyRecords(domain.DataTypeSteps, "steps", 1)}
	f := newFixture(t, Options{}, fitbit)
	integ := f.connect(t, domain.ProviderFitbit, time.Time{})
	fitbit.FetchFn = func(ctx context.Context, _ string, _ domain.Window) (provider.Payload, error) {
		return provider.Payload{}, f.store.Deactivate(ctx, integ.ID)
	}

	outcomes, err := f.orch.SyncUser(context.Background(), "user1", window)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusSuccess, outcomes[0].Status)

	stored := f.integration(t, integ.ID)
	require.False(t, stored.IsActive)
	require.Nil(t, stored.LastSync)

	users, err := f.store.ListUsersWithActiveIntegrations(context.Background())
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestTokensRotatedDuringSyncAreKept(t *testing.T) {
	fitbit := &providertest.Stub{Name: domain.ProviderFitbit, Records: dailyRecords(domain.DataTypeSteps, "steps", 1)}
	f := newFixture(t, Options{}, fitbit)
	integ := f.connect(t, domain.ProviderFitbit, time.Time{})
	fitbit.FetchFn = func(ctx context.Context, _ string, _ domain.Window) (provider.Payload, error) {
		return provider.Payload{}, f.store.SaveTokens(ctx, integ.ID, "new-access", "new-refresh", now.Add(time.Hour))
	}

	outcomes, err := f.orch.SyncUser(context.Background(), "user1", window)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusSuccess, outcomes[0].Status)

	stored := f.integration(t, integ.ID)
	require.Equal(t, "new-access", stored.AccessToken)
	require.Equal(t, "new-refresh", stored.RefreshToken)
	require.True(t, stored.TokenExpiry.Equal(now.Add(time.Hour)))
	require.NotNil(t, stored.LastSync)
}

// rotatingStore simulates another cycle refreshing the tokens right after this cycle listed them.
type rotatingStore struct {
	*memory.Store
}

func (s rotatingStore) ListIntegrations(ctx context.Context, userID string) ([]domain.Integration, error) {
	integrations, err := s.Store.ListIntegrations(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, integ := range integrations {
		if err := s.SaveTokens(ctx, integ.ID, "rotated-access", "rotated-refresh", now.Add(time.Hour)); err != nil {
			return nil, err
		}
	}
	return integrations, nil
}

func TestExpiredTokenAdoptsTokensRotatedByAnotherCycle(t *testing.T) {
	store := rotatingStore{Store: memory.NewStore()}
	ctx := context.Background()
	require.NoError(t, store.EnsureUser(ctx, "user1"))
	integ, err := store.ConnectIntegration(ctx, domain.Integration{
		UserID:       "user1",
		Provider:     domain.ProviderFitbit,
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		TokenExpiry:  now.Add(-time.Minute),
	})
	require.NoError(t, err)

	fitbit := &providertest.Stub{Name: domain.ProviderFitbit, Records: dailyRecords(domain.DataTypeSteps, "steps", 1)}
	orch := New(store, provider.NewRegistry(fitbit), Options{}, WithClock(func() time.Time { return now }))

	outcomes, err := orch.SyncUser(ctx, "user1", window)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusSuccess, outcomes[0].Status)
	require.Zero(t, fitbit.RefreshCalls())
	require.Equal(t, []string{"rotated-access"}, fitbit.FetchTokens())

	stored, err := store.GetIntegration(ctx, integ.ID)
	require.NoError(t, err)
	require.Equal(t, "rotated-refresh", stored.RefreshToken)
}

type failingStore struct {
	*memory.Store
}

func (failingStore) UpsertRecords(context.Context, []domain.Record) (domain.UpsertResult, error) {
	return domain.UpsertResult{}, errors.New("disk full")
}

func TestStoreFailureAbortsCycle(t *testing.T) {
	store := failingStore{Store: memory.NewStore()}
	require.NoError(t, store.EnsureUser(context.Background(), "user1"))
	_, err := store.ConnectIntegration(context.Background(), domain.Integration{UserID: "user1", Provider: domain.ProviderFitbit})
	require.NoError(t, err)

	fitbit := &providertest.Stub{Name: domain.ProviderFitbit, Records: dailyRecords(domain.DataTypeSteps, "steps", 1)}
	orch := New(store, provider.NewRegistry(fitbit), Options{})

	outcomes, err := orch.SyncUser(context.Background(), "user1", window)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.Nil(t, outcomes)
}

func TestUnknownUserIsNotFound(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.orch.SyncUser(context.Background(), "ghost", window)
	require.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestProviderFilterAndInactiveIntegrations(t *testing.T) {
	fitbit := &providertest.Stub{Name: domain.ProviderFitbit}
	oura := &providertest.Stub{Name: domain.ProviderOura}
	clue := &providertest.Stub{Name: domain.ProviderClue}
	f := newFixture(t, Options{}, fitbit, oura, clue)
	f.connect(t, domain.ProviderFitbit, time.Time{})
	f.connect(t, domain.ProviderOura, time.Time{})
	inactive := f.connect(t, domain.ProviderClue, time.Time{})
	require.NoError(t, f.store.Deactivate(context.Background(), inactive.ID))

	outcomes, err := f.orch.SyncUser(context.Background(), "user1", window, domain.ProviderOura)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, domain.ProviderOura, outcomes[0].Provider)
	require.Empty(t, fitbit.FetchTokens())

	all, err := f.orch.SyncUser(context.Background(), "user1", window)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Empty(t, clue.FetchTokens())
}

func TestConcurrentUsersDoNotInterfere(t *testing.T) {
	fitbit := &providertest.Stub{Name: domain.ProviderFitbit, Records: dailyRecords(domain.DataTypeSteps, "steps", 1, 2, 3)}
	f := newFixture(t, Options{}, fitbit)
	ctx := context.Background()

	users := []string{"user1", "user2", "user3", "user4"}
	for _, u := range users {
		require.NoError(t, f.store.EnsureUser(ctx, u))
		_, err := f.store.ConnectIntegration(ctx, domain.Integration{UserID: u, Provider: domain.ProviderFitbit})
		require.NoError(t, err)
	}

	errs := make(chan error, len(users))
	for _, u := range users {
		u := u
		go func() {
			_, err := f.orch.SyncUser(ctx, u, window)
			errs <- err
		}()
	}
	for range users {
		require.NoError(t, <-errs)
	}

	for _, u := range users {
		records, err := f.store.QueryRecords(ctx, domain.RecordQuery{UserID: u})
		require.NoError(t, err)
		require.Len(t, records, 3)
	}
}

package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
)

type staticUsers struct {
	ids []string
	err error
}

func (s staticUsers) ListUsersWithActiveIntegrations(context.Context) ([]string, error) {
	return s.ids, s.err
}

type recordingSyncer struct {
	mu      sync.Mutex
	calls   map[string]domain.Window
	failFor string
}

func (r *recordingSyncer) SyncUser(_ context.Context, userID string, window domain.Window, _ ...domain.Provider) ([]domain.SyncOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]domain.Window)
	}
	r.calls[userID] = window
	if userID == r.failFor {
		return nil, domain.ErrStoreUnavailable
	}
	return []domain.SyncOutcome{{Provider: domain.ProviderFitbit, Status: domain.SyncStatusSuccess}}, nil
}

func (r *recordingSyncer) users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for id := range r.calls {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func TestRunOnceSyncsEveryUser(t *testing.T) {
	syncer := &recordingSyncer{failFor: "user2"}
	s := NewScheduler(staticUsers{ids: []string{"user1", "user2", "user3"}}, syncer, SchedulerOptions{WindowDays: 2}, zerolog.Nop())
	s.now = func() time.Time { return now }

	completed, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, completed)
	require.Equal(t, []string{"user1", "user2", "user3"}, syncer.users())

	w := syncer.calls["user1"]
	require.Equal(t, domain.LastNDays(now, 2), w)
	require.Equal(t, 2, w.Days())
}

func TestRunOnceReportsListingFailure(t *testing.T) {
	boom := errors.New("db down")
	s := NewScheduler(staticUsers{err: boom}, &recordingSyncer{}, SchedulerOptions{}, zerolog.Nop())

	completed, err := s.RunOnce(context.Background())
	require.ErrorIs(t, err, boom)
	require.Zero(t, completed)
}

func TestStartStopsOnCancel(t *testing.T) {
	syncer := &recordingSyncer{}
	s := NewScheduler(staticUsers{ids: []string{"user1"}}, syncer, SchedulerOptions{Interval: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)

	require.Eventually(t, func() bool { return len(syncer.users()) == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

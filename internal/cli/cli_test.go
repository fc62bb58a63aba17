package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/api"
	"example.com/healthsync/internal/db/migrate"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/orchestrator"
	"example.com/healthsync/internal/persistence/memory"
	"example.com/healthsync/internal/provider"
	"example.com/healthsync/internal/provider/providertest"
	"example.com/healthsync/internal/service"
)

var now = time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)

type harness struct {
	store      *memory.Store
	svc        *service.Service
	migrations []migrate.Direction
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	var records []domain.Record
	for i := 0; i < 3; i++ {
		records = append(records, domain.Record{
			DataType:  domain.DataTypeSleepMinutes,
			Timestamp: domain.StartOfDay(now).AddDate(0, 0, -i),
			Value:     float64(400 + 10*i),
			Unit:      "minutes",
		})
	}
	oura := &providertest.Stub{Name: domain.ProviderOura, Threshold: 0.2, Records: records}
	clock := func() time.Time { return now }
	store := memory.NewStore()
	orch := orchestrator.New(store, provider.NewRegistry(oura), orchestrator.Options{}, orchestrator.WithClock(clock))
	return &harness{store: store, svc: service.New(store, orch, service.WithClock(clock))}
}

func (h *harness) env() Env {
	return Env{
		Service: func(context.Context) (*service.Service, func(), error) {
			return h.svc, func() {}, nil
		},
		Migrate: func(d migrate.Direction) error {
			h.migrations = append(h.migrations, d)
			return nil
		},
	}
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand(h.env())
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestConnectSyncAndQuery(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "integrations", "connect", "--user", "u-1", "--provider", "oura", "--access-token", "at", "--refresh-token", "rt")
	require.NoError(t, err)
	assert.Contains(t, out, "connected oura integration")

	out, err = h.run(t, "sync", "--user", "u-1", "--days", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "window 2024-03-04..2024-03-10 (7 days)")
	assert.Contains(t, out, "oura")
	assert.Contains(t, out, "success")

	out, err = h.run(t, "types", "--user", "u-1")
	require.NoError(t, err)
	assert.Equal(t, "sleep_minutes\n", out)

	out, err = h.run(t, "series", "--user", "u-1", "--type", "sleep_minutes", "--start", "2024-03-08", "--end", "2024-03-10", "--format", "json")
	require.NoError(t, err)
	var series api.SeriesResponse
	require.NoError(t, json.Unmarshal([]byte(out), &series))
	assert.Equal(t, "day", series.Granularity)
	assert.Equal(t, api.StatsView{Count: 3, Avg: 410, Min: 400, Max: 420}, series.Stats)

	out, err = h.run(t, "summary", "--user", "u-1", "--days", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "sleep_minutes")
	assert.Contains(t, out, "400.00")

	out, err = h.run(t, "integrations", "list", "--user", "u-1", "--format", "json")
	require.NoError(t, err)
	var listed api.ListIntegrationsResponse
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed.Items, 1)
	assert.NotContains(t, out, "\"at\"")

	out, err = h.run(t, "integrations", "disconnect", "--user", "u-1", listed.Items[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "disconnected")

	integrations, err := h.store.ListIntegrations(context.Background(), "u-1")
	require.NoError(t, err)
	assert.False(t, integrations[0].IsActive)
}

func TestUserFlagIsRequired(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "types")
	require.ErrorContains(t, err, "--user is required")
}

func TestInvalidArguments(t *testing.T) {
	h := newHarness(t)
	cases := [][]string{
		{"sync", "--user", "u-1", "--start", "03/01/2024"},
		{"sync", "--user", "u-1", "--provider", "garmin"},
		{"series", "--user", "u-1", "--provider", "garmin"},
		{"summary", "--user", "u-1", "--days", "0"},
		{"types", "--user", "u-1", "--format", "yaml"},
		{"migrate", "sideways"},
	}
	for _, args := range cases {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			_, err := h.run(t, args...)
			require.Error(t, err)
		})
	}
}

func TestUnknownUserSurfacesNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "summary", "--user", "ghost")
	require.True(t, errors.Is(err, domain.ErrUserNotFound), err)
}

func TestMigrate(t *testing.T) {
	h := newHarness(t)
	out, err := h.run(t, "migrate", "up")
	require.NoError(t, err)
	assert.Equal(t, "migrations applied (up)\n", out)
	assert.Equal(t, []migrate.Direction{migrate.Up}, h.migrations)
}

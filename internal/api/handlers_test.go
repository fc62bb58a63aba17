package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/orchestrator"
	"example.com/healthsync/internal/persistence/memory"
	"example.com/healthsync/internal/provider"
	"example.com/healthsync/internal/provider/providertest"
	"example.com/healthsync/internal/service"
)

var now = time.Date(2025, time.October, 27, 20, 0, 0, 0, time.UTC)

type fixture struct {
	mux   *http.ServeMux
	store domain.Store
}

func newFixture(t *testing.T, store domain.Store) fixture {
	t.Helper()
	var records []domain.Record
	for i := 0; i < 3; i++ {
		records = append(records, domain.Record{
			DataType:  domain.DataTypeSteps,
			Timestamp: domain.StartOfDay(now).AddDate(0, 0, -i),
			Value:     float64(2 * (i + 1)),
			Unit:      "steps",
		})
	}
	fitbit := &providertest.Stub{Name: domain.ProviderFitbit, Threshold: 0.2, Records: records}
	clock := func() time.Time { return now }
	orch := orchestrator.New(store, provider.NewRegistry(fitbit), orchestrator.Options{}, orchestrator.WithClock(clock))

	mux := http.NewServeMux()
	NewHandler(service.New(store, orch, service.WithClock(clock))).RegisterRoutes(mux)
	return fixture{mux: mux, store: store}
}

func (f fixture) do(t *testing.T, method, target, body string, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if scopes != nil {
		claims := &auth.Claims{Subject: "user-1", Scopes: map[string]struct{}{}, ExpiresAt: now.Add(time.Hour)}
		for _, s := range scopes {
			claims.Scopes[s] = struct{}{}
		}
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestConnectSyncAndQuery(t *testing.T) {
	f := newFixture(t, memory.NewStore())

	rr := f.do(t, http.MethodPost, "/v1/integrations", `{"provider":"fitbit","access_token":"a","refresh_token":"r","expires_in":3600}`, auth.ScopeHealthWrite)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	integ := decode[IntegrationView](t, rr)
	require.Equal(t, "fitbit", integ.Provider)
	require.True(t, integ.IsActive)
	require.NotNil(t, integ.TokenExpiry)
	require.NotContains(t, rr.Body.String(), "access_token")

	rr = f.do(t, http.MethodPost, "/v1/sync", `{"days":7}`, auth.ScopeHealthWrite)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	synced := decode[SyncResponse](t, rr)
	require.Equal(t, 7, synced.Window.Days)
	require.Len(t, synced.Outcomes, 1)
	require.Equal(t, "success", synced.Outcomes[0].Status)
	require.Equal(t, 3, synced.Outcomes[0].RecordsIngested)

	rr = f.do(t, http.MethodGet, "/v1/health/types", "", auth.ScopeHealthRead)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"types":["steps"]}`, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/v1/health/series?type=steps&start=2025-10-25&end=2025-10-27", "", auth.ScopeHealthRead)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	series := decode[SeriesResponse](t, rr)
	require.Equal(t, "day", series.Granularity)
	require.Equal(t, StatsView{Count: 3, Avg: 4, Min: 2, Max: 6}, series.Stats)
	require.Len(t, series.Buckets, 3)
	require.Len(t, series.Records, 3)
	require.Equal(t, "fitbit", series.Records[0].Provider)

	rr = f.do(t, http.MethodGet, "/v1/health/summary?days=2", "", auth.ScopeHealthRead)
	require.Equal(t, http.StatusOK, rr.Code)
	summary := decode[SummaryResponse](t, rr)
	require.Len(t, summary.Types["steps"].Values, 2)
	require.Equal(t, 2.0, summary.Types["steps"].Current.Value)

	rr = f.do(t, http.MethodGet, "/v1/health/overview", "", auth.ScopeHealthRead)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 3, decode[OverviewResponse](t, rr).TotalRecords)

	rr = f.do(t, http.MethodGet, "/v1/health/export", "", auth.ScopeHealthRead)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Header().Get("Content-Disposition"), "healthsync-export-2025-10-27.json")
	exported := decode[ExportResponse](t, rr)
	require.Len(t, exported.Records, 3)
	require.Len(t, exported.Integrations, 1)

	rr = f.do(t, http.MethodDelete, "/v1/integrations/"+integ.ID, "", auth.ScopeHealthWrite)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/integrations", "", auth.ScopeHealthRead)
	require.Equal(t, http.StatusOK, rr.Code)
	listed := decode[ListIntegrationsResponse](t, rr)
	require.Len(t, listed.Items, 1)
	require.False(t, listed.Items[0].IsActive)
}

func TestScopesAreEnforced(t *testing.T) {
	f := newFixture(t, memory.NewStore())

	rr := f.do(t, http.MethodGet, "/v1/health/types", "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/sync", "", auth.ScopeHealthRead)
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.JSONEq(t, `{"type":"forbidden","detail":"scope health:write required"}`, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/v1/health/types", "", "profile")
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t, memory.NewStore())
	write := auth.ScopeHealthWrite

	cases := []struct {
		name, method, target, body string
	}{
		{"unknown provider", http.MethodPost, "/v1/integrations", `{"provider":"garmin","access_token":"a"}`},
		{"missing token", http.MethodPost, "/v1/integrations", `{"provider":"oura"}`},
		{"inverted window", http.MethodPost, "/v1/sync", `{"start":"2025-10-10","end":"2025-10-01"}`},
		{"bad mode", http.MethodPost, "/v1/sync", `{"mode":"hourly"}`},
		{"bad sync provider", http.MethodPost, "/v1/sync?provider=garmin", ""},
		{"bad date", http.MethodGet, "/v1/health/series?start=yesterday", ""},
		{"bad days", http.MethodGet, "/v1/health/summary?days=-1", ""},
		{"bad series provider", http.MethodGet, "/v1/health/series?provider=nope", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := f.do(t, tc.method, tc.target, tc.body, write)
			require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			require.Equal(t, "validation_failed", decode[map[string]string](t, rr)["type"])
		})
	}
}

func TestUnknownUserIsNotFound(t *testing.T) {
	f := newFixture(t, memory.NewStore())
	rr := f.do(t, http.MethodGet, "/v1/health/summary", "", auth.ScopeHealthRead)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodDelete, "/v1/integrations/nope", "", auth.ScopeHealthWrite)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

type unavailableStore struct {
	*memory.Store
}

func (unavailableStore) ListDataTypes(context.Context, string) ([]domain.DataType, error) {
	return nil, errors.Join(domain.ErrStoreUnavailable, errors.New("connection refused"))
}

func TestStoreUnavailableIs503(t *testing.T) {
	f := newFixture(t, unavailableStore{Store: memory.NewStore()})
	rr := f.do(t, http.MethodGet, "/v1/health/types", "", auth.ScopeHealthRead)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "store_unavailable", decode[map[string]string](t, rr)["type"])
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, memory.NewStore())
	rr := f.do(t, http.MethodPut, "/v1/sync", "", auth.ScopeHealthWrite)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
}

package httptransport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRequestLoggerRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}), RequestLogger(logger))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/integrations/abc", nil))
	require.Equal(t, http.StatusTeapot, rr.Code)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "GET", line["method"])
	require.Equal(t, "/v1/integrations/abc", line["path"])
	require.EqualValues(t, http.StatusTeapot, line["status"])
	require.EqualValues(t, 15, line["bytes"])
}

func TestCORS(t *testing.T) {
	called := false
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}), CORS([]string{"http://localhost:5173"}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/sync", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "http://localhost:5173", rr.Header().Get("Access-Control-Allow-Origin"))
	require.False(t, called)

	req = httptest.NewRequest(http.MethodGet, "/v1/health/types", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
	require.True(t, called)
}

func TestRouteCollapsesIDs(t *testing.T) {
	require.Equal(t, "/v1/integrations/{id}", route("/v1/integrations/123"))
	require.Equal(t, "/v1/sync", route("/v1/sync"))
}

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "test-secret", Issuer: "healthsync-tests"}

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testConfig.Secret))
	require.NoError(t, err)
	return token
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":    "user-1",
		"iss":    testConfig.Issuer,
		"exp":    time.Now().Add(time.Hour).Unix(),
		"scopes": []string{ScopeHealthRead},
	}
}

func TestParseValidToken(t *testing.T) {
	claims, err := Parse(sign(t, validClaims()), testConfig)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.True(t, claims.HasScope(ScopeHealthRead))
	require.False(t, claims.HasScope(ScopeHealthWrite))
	require.True(t, claims.CanRead())
}

func TestParseSpaceSeparatedScope(t *testing.T) {
	raw := validClaims()
	delete(raw, "scopes")
	raw["scope"] = "health:read  health:write"
	claims, err := Parse(sign(t, raw), testConfig)
	require.NoError(t, err)
	require.True(t, claims.HasScope(ScopeHealthWrite))
}

func TestParseRejects(t *testing.T) {
	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()

	noSubject := validClaims()
	delete(noSubject, "sub")

	noExpiry := validClaims()
	delete(noExpiry, "exp")

	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "someone-else"

	cases := map[string]string{
		"expired":      sign(t, expired),
		"no subject":   sign(t, noSubject),
		"no expiry":    sign(t, noExpiry),
		"wrong issuer": sign(t, wrongIssuer),
		"garbage":      "not.a.jwt",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(token, testConfig)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err := Parse("  ", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestMiddleware(t *testing.T) {
	var seen *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := NewMiddleware(testConfig).Wrap(next)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health/types", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.JSONEq(t, `{"type":"unauthorized","detail":"missing bearer token"}`, rr.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/v1/health/types", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, validClaims()))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.NotNil(t, seen)
	require.Equal(t, "user-1", seen.Subject)

	seen = nil
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Nil(t, seen)
}

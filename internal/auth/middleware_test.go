package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func serve(t *testing.T, method, path, token string) (*httptest.ResponseRecorder, *http.Request) {
	t.Helper()
	var seen *http.Request
	mw := NewMiddleware(testSecret, NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil), nil)
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp, seen
}

func mustToken(t *testing.T, role Role) string {
	t.Helper()
	token, err := IssueJWT(testSecret, "ops-1", role, time.Hour, time.Now())
	require.NoError(t, err)
	return token
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	resp, _ := serve(t, http.MethodGet, "/api/v1/fees/status", "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAuthMiddleware_ExemptPaths(t *testing.T) {
	resp, _ := serve(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.Code)
	resp, _ = serve(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestAuthMiddleware_RolePolicy(t *testing.T) {
	cases := []struct {
		method string
		path   string
		role   Role
		want   int
	}{
		{http.MethodGet, "/api/v1/fees/records", RoleViewer, http.StatusOK},
		{http.MethodGet, "/api/v1/fees/export.csv", RoleViewer, http.StatusOK},
		{http.MethodPost, "/api/v1/fees/sync", RoleViewer, http.StatusForbidden},
		{http.MethodPost, "/api/v1/fees/sync", RoleOperator, http.StatusOK},
		{http.MethodPost, "/api/v1/fees/snapshots/refresh", RoleOperator, http.StatusOK},
		{http.MethodPost, "/api/v1/reports/mirror", RoleOperator, http.StatusForbidden},
		{http.MethodPost, "/api/v1/reports/mirror", RoleAdmin, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path+" "+string(tc.role), func(t *testing.T) {
			resp, _ := serve(t, tc.method, tc.path, mustToken(t, tc.role))
			assert.Equal(t, tc.want, resp.Code)
		})
	}
}

func TestAuthMiddleware_IdentityInContext(t *testing.T) {
	resp, seen := serve(t, http.MethodGet, "/api/v1/fees/status", mustToken(t, RoleOperator))
	require.Equal(t, http.StatusOK, resp.Code)
	require.NotNil(t, seen)
	assert.Equal(t, RoleOperator, RoleFromContext(seen.Context()))
	assert.Equal(t, "ops-1", SubjectFromContext(seen.Context()))
}

func TestParseJWT_Rejects(t *testing.T) {
	expired, err := IssueJWT(testSecret, "ops-1", RoleAdmin, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = ParseJWT(expired, testSecret)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseJWT(mustToken(t, RoleAdmin), []byte("other-secret"))
	require.ErrorIs(t, err, ErrInvalidToken)

	badRole := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: "root"})
	signed, err := badRole.SignedString(testSecret)
	require.NoError(t, err)
	_, err = ParseJWT(signed, testSecret)
	require.ErrorIs(t, err, ErrInvalidRole)

	_, err = ParseJWT("", testSecret)
	require.ErrorIs(t, err, ErrEmptyToken)
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testSecret = "escrow-test-secret"

func whoAmI() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserID(r.Context())
		if !ok {
			_, _ = w.Write([]byte("anonymous"))
			return
		}
		_, _ = w.Write([]byte(user.String()))
	})
}

func TestAuthenticatorAttachesSubject(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "escrowd"}, nil)
	user := uuid.New()
	token, err := Issue(testSecret, "escrowd", "", user, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	auth.Middleware(whoAmI()).ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, user.String(), res.Body.String())
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "escrowd"}, nil)
	wrongIssuer, err := Issue(testSecret, "other", "", uuid.New(), time.Minute)
	require.NoError(t, err)
	wrongKey, err := Issue("different", "escrowd", "", uuid.New(), time.Minute)
	require.NoError(t, err)
	expired, err := Issue(testSecret, "escrowd", "", uuid.New(), -time.Hour)
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":      "",
		"not bearer":   "Basic abc",
		"wrong issuer": "Bearer " + wrongIssuer,
		"wrong key":    "Bearer " + wrongKey,
		"expired":      "Bearer " + expired,
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		res := httptest.NewRecorder()
		auth.Middleware(whoAmI()).ServeHTTP(res, req)
		if res.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, res.Code)
		}
	}
}

func TestAuthenticatorOptionalPaths(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, OptionalPaths: []string{"/api/v1/listings"}}, nil)

	res := httptest.NewRecorder()
	auth.Middleware(whoAmI()).ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/v1/listings", nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "anonymous", res.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://market.example"}})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/listings", nil)
	req.Header.Set("Origin", "https://market.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "https://market.example", res.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/listings", nil)
	req.Header.Set("Origin", "https://evil.example")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.Empty(t, res.Header().Get("Access-Control-Allow-Origin"))
}

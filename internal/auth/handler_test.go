package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"

	"github.com/billhub/billhub/internal/auth"
	"github.com/billhub/billhub/internal/shared"
	_ "github.com/billhub/billhub/testing"
)

func TestIssueAndParse(t *testing.T) {
	tokens, err := auth.NewTokens("s3cret", time.Hour)
	require.NoError(t, err)

	raw, err := tokens.Issue(7, "cashier@example.com")
	require.NoError(t, err)

	principal, err := tokens.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, int64(7), principal.TenantID)
	require.Equal(t, "cashier@example.com", principal.Subject)
}

func TestParseRejectsBadTokens(t *testing.T) {
	tokens, err := auth.NewTokens("s3cret", time.Hour)
	require.NoError(t, err)
	other, err := auth.NewTokens("other", time.Hour)
	require.NoError(t, err)

	foreign, err := other.Issue(7, "x")
	require.NoError(t, err)
	_, err = tokens.Parse(foreign)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{
		TenantID: 7,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "x",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	raw, err := expired.SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = tokens.Parse(raw)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &auth.Claims{TenantID: 7, RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}})
	raw, err = unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = tokens.Parse(raw)
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	noTenant := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}})
	raw, err = noTenant.SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = tokens.Parse(raw)
	require.ErrorIs(t, err, auth.ErrMissingTenant)

	_, err = auth.NewTokens(" ", time.Hour)
	require.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	tokens, err := auth.NewTokens("s3cret", time.Hour)
	require.NoError(t, err)

	var seen shared.Principal
	handler := auth.Middleware(tokens, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = shared.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/accounts", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/accounts", nil)
	req.Header.Set("Authorization", "Bearer nonsense")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	raw, err := tokens.Issue(42, "clerk")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/accounts", nil)
	req.Header.Set("Authorization", "bearer "+raw)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, int64(42), seen.TenantID)
}

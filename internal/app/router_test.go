package app

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/billhub/billhub/internal/auth"
	"github.com/billhub/billhub/internal/documents"
	"github.com/billhub/billhub/internal/ledger/ledgertest"
	"github.com/billhub/billhub/internal/observability"
	"github.com/billhub/billhub/internal/shared"
	"github.com/billhub/billhub/jobs"
)

func testConfig() *Config {
	return &Config{
		AppEnv:               "test",
		AppRequestTimeout:    5 * time.Second,
		JWTSecret:            "router-secret",
		TaxRate:              "0.16",
		InvoiceSeries:        "INV-",
		ServiceInvoiceSeries: "SRV-",
		ReturnSeries:         "RET-",
		SequenceMaxAttempts:  50,
		RateLimitPerMinute:   1000,
		Locale:               "en",
	}
}

func newTestRouter(t *testing.T) (http.Handler, *auth.Tokens) {
	t.Helper()
	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics()

	tokens, err := auth.NewTokens(cfg.JWTSecret, time.Hour)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	services, err := NewServices(cfg, ledgertest.New(), metrics, logger)
	require.NoError(t, err)

	params := RouterParams{
		Logger:      logger,
		Config:      cfg,
		Tokens:      tokens,
		Idempotency: shared.NewIdempotencyStore(client, time.Hour),
		Metrics:     metrics,
		JobHandler:  jobs.NewHandler(nil, logger),
	}
	services.Handlers(&params)
	return NewRouter(params), tokens
}

func request(router http.Handler, method, path, token, key, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestRouterHealthAndMetrics(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := request(router, http.MethodGet, "/healthz", "", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = request(router, http.MethodGet, "/jobs/health", "", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = request(router, http.MethodGet, "/metrics", "", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "billhub_http_requests_total")
}

func TestRouterRequiresBearerToken(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := request(router, http.MethodGet, "/api/v1/accounts", "", "", "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = request(router, http.MethodGet, "/api/v1/accounts", "garbage", "", "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRouterIssuesAndReplaysDocuments(t *testing.T) {
	router, tokens := newTestRouter(t)
	token, err := tokens.Issue(7, "frontdesk")
	require.NoError(t, err)

	body := `{"kind":"service_invoice","lines":[{"description":"Spa","quantity":"1","unit_price":"100"}]}`
	first := request(router, http.MethodPost, "/api/v1/documents", token, "order-1", body)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	var doc documents.View
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &doc))
	require.Equal(t, "SRV-00001", doc.Number)
	require.Equal(t, "116.00", doc.Total)

	replay := request(router, http.MethodPost, "/api/v1/documents", token, "order-1", body)
	require.Equal(t, http.StatusCreated, replay.Code)
	require.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	require.JSONEq(t, first.Body.String(), replay.Body.String())

	second := request(router, http.MethodPost, "/api/v1/documents", token, "", body)
	require.Equal(t, http.StatusCreated, second.Code)
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &doc))
	require.Equal(t, "SRV-00002", doc.Number)

	other, err := tokens.Issue(8, "frontdesk")
	require.NoError(t, err)
	rr := request(router, http.MethodGet, "/api/v1/documents/lookup?series=SRV-&number=SRV-00001", other, "", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOpsRouter(t *testing.T) {
	metrics := observability.NewMetrics()
	metrics.Jobs().Track("payments:link").End(nil)
	router := NewOpsRouter(metrics)

	rr := request(router, http.MethodGet, "/healthz", "", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = request(router, http.MethodGet, "/metrics", "", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "billhub_jobs_total")

	rr = request(router, http.MethodGet, "/api/v1/accounts", "", "", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

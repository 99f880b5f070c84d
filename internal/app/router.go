package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/billhub/billhub/internal/accounts"
	"github.com/billhub/billhub/internal/auth"
	"github.com/billhub/billhub/internal/billables"
	"github.com/billhub/billhub/internal/documents"
	"github.com/billhub/billhub/internal/inventory"
	"github.com/billhub/billhub/internal/observability"
	"github.com/billhub/billhub/internal/platform/httpx"
	"github.com/billhub/billhub/internal/returns"
	"github.com/billhub/billhub/internal/shared"
	"github.com/billhub/billhub/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger      *slog.Logger
	Config      *Config
	Tokens      *auth.Tokens
	Idempotency *shared.IdempotencyStore
	Metrics     *observability.Metrics

	DocumentsHandler *documents.Handler
	ReturnsHandler   *returns.Handler
	AccountsHandler  *accounts.Handler
	InventoryHandler *inventory.Handler
	BillablesHandler *billables.Handler
	JobHandler       *jobs.Handler
}

// NewRouter constructs the chi.Router with billhub defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	if !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(params.Tokens, params.Logger))
		if params.Idempotency != nil {
			r.Use(httpx.Idempotency(params.Idempotency, params.Metrics, params.Logger))
		}
		params.DocumentsHandler.MountRoutes(r)
		params.ReturnsHandler.MountRoutes(r)
		params.AccountsHandler.MountRoutes(r)
		params.InventoryHandler.MountRoutes(r)
		params.BillablesHandler.MountRoutes(r)
	})

	return r
}

// NewOpsRouter serves liveness and metrics for processes without the public API.
func NewOpsRouter(metrics *observability.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

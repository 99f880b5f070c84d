package documents

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/billhub/billhub/internal/platform/httpx"
	"github.com/billhub/billhub/internal/shared"
)

// Handler exposes document endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers document routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/documents", func(r chi.Router) {
		r.Post("/", h.issue)
		r.Get("/lookup", h.lookup)
		r.Get("/{id}", h.get)
		r.Post("/{id}/void", h.void)
	})
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	var body issueRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.service.Issue(r.Context(), body.toInput(shared.TenantFromContext(r.Context())))
	if err != nil {
		h.logger.WarnContext(r.Context(), "issue document", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, NewView(doc))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.service.Get(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, NewView(doc))
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	doc, err := h.service.GetByNumber(r.Context(), shared.TenantFromContext(r.Context()), q.Get("series"), q.Get("number"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, NewView(doc))
}

func (h *Handler) void(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.service.Void(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, NewView(doc))
}

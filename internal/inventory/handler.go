package inventory

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/platform/httpx"
	"github.com/billhub/billhub/internal/shared"
)

// Handler wires HTTP endpoints for stock items.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/stock-items", h.create)
	r.Get("/stock-items/{id}", h.get)
}

type createItemRequest struct {
	SKU      string          `json:"sku" validate:"required,max=64"`
	Name     string          `json:"name" validate:"required,max=200"`
	Quantity decimal.Decimal `json:"quantity" validate:"dgte=0"`
}

type itemView struct {
	ID        int64     `json:"id"`
	SKU       string    `json:"sku"`
	Name      string    `json:"name"`
	Quantity  string    `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newItemView(item *ledger.StockItem) itemView {
	return itemView{ID: item.ID, SKU: item.SKU, Name: item.Name, Quantity: item.Quantity.String(), UpdatedAt: item.UpdatedAt}
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var body createItemRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	item, err := h.service.CreateItem(r.Context(), CreateItemInput{
		TenantID:        shared.TenantFromContext(r.Context()),
		SKU:             body.SKU,
		Name:            body.Name,
		InitialQuantity: body.Quantity,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newItemView(item))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	item, err := h.service.Get(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newItemView(item))
}

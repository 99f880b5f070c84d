package returns

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/billhub/billhub/internal/documents"
	"github.com/billhub/billhub/internal/platform/httpx"
	"github.com/billhub/billhub/internal/shared"
)

// Handler exposes the return lifecycle over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the returns handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers return routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/returns", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/{id}", h.get)
		r.Patch("/{id}", h.update)
		r.Delete("/{id}", h.delete)
		r.Post("/{id}/process", h.process)
		r.Post("/{id}/cancel", h.cancel)
	})
}

type lineRequest struct {
	StockItemID int64           `json:"stock_item_id" validate:"required,gt=0"`
	Description string          `json:"description" validate:"max=500"`
	Quantity    decimal.Decimal `json:"quantity" validate:"dgt=0"`
	UnitPrice   decimal.Decimal `json:"unit_price" validate:"dgte=0"`
}

type createRequest struct {
	InvoiceID       *int64          `json:"invoice_id" validate:"omitempty,gt=0"`
	Lines           []lineRequest   `json:"lines" validate:"required,min=1,dive"`
	RefundAccountID *int64          `json:"refund_account_id" validate:"omitempty,gt=0"`
	RefundAmount    decimal.Decimal `json:"refund_amount" validate:"dgte=0"`
	Notes           string          `json:"notes" validate:"max=2000"`
}

type updateRequest struct {
	Notes           *string          `json:"notes" validate:"omitempty,max=2000"`
	RefundAccountID *int64           `json:"refund_account_id" validate:"omitempty,gt=0"`
	ClearRefund     bool             `json:"clear_refund"`
	RefundAmount    *decimal.Decimal `json:"refund_amount"`
	Lines           []lineRequest    `json:"lines" validate:"omitempty,dive"`
}

type processResponse struct {
	LinesRestocked int    `json:"lines_restocked"`
	Message        string `json:"message"`
}

func toLines(in []lineRequest) []LineInput {
	if in == nil {
		return nil
	}
	out := make([]LineInput, len(in))
	for i, l := range in {
		out[i] = LineInput{StockItemID: l.StockItemID, Description: l.Description, Quantity: l.Quantity, UnitPrice: l.UnitPrice}
	}
	return out
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.service.Create(r.Context(), CreateRequest{
		TenantID:        shared.TenantFromContext(r.Context()),
		InvoiceID:       body.InvoiceID,
		Lines:           toLines(body.Lines),
		RefundAccountID: body.RefundAccountID,
		RefundAmount:    body.RefundAmount,
		Notes:           body.Notes,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, documents.NewView(doc))
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
	httpx.JSON(w, http.StatusOK, documents.NewView(doc))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body updateRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.service.Update(r.Context(), shared.TenantFromContext(r.Context()), id, Patch{
		Notes:           body.Notes,
		RefundAccountID: body.RefundAccountID,
		ClearRefund:     body.ClearRefund,
		RefundAmount:    body.RefundAmount,
		Lines:           toLines(body.Lines),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, documents.NewView(doc))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Delete(r.Context(), shared.TenantFromContext(r.Context()), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Process(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, processResponse{LinesRestocked: res.LinesRestocked, Message: res.Message})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.service.Cancel(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, documents.NewView(doc))
}

package billables

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/platform/httpx"
	"github.com/billhub/billhub/internal/shared"
)

// Handler exposes bookings over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the billables handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers booking routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/bookings", func(r chi.Router) {
		r.Post("/", h.createBooking)
		r.Post("/{id}/units", h.addUnit)
		r.Get("/{id}/units", h.listUnits)
	})
}

type bookingRequest struct {
	PayerID   int64  `json:"payer_id" validate:"required,gt=0"`
	Reference string `json:"reference" validate:"max=120"`
}

type unitRequest struct {
	Description string          `json:"description" validate:"required,max=500"`
	Quantity    decimal.Decimal `json:"quantity" validate:"dgt=0"`
	UnitPrice   decimal.Decimal `json:"unit_price" validate:"dgte=0"`
}

type bookingView struct {
	ID        int64  `json:"id"`
	PayerID   int64  `json:"payer_id"`
	Reference string `json:"reference,omitempty"`
	Status    string `json:"status"`
}

type unitView struct {
	ID          int64  `json:"id"`
	BookingID   int64  `json:"booking_id"`
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Status      string `json:"status"`
}

func newUnitView(u ledger.BillableUnit) unitView {
	view := unitView{
		ID:          u.ID,
		Description: u.Description,
		Quantity:    u.Quantity.String(),
		UnitPrice:   u.UnitPrice.String(),
		Status:      string(u.Status),
	}
	if u.BookingID != nil {
		view.BookingID = *u.BookingID
	}
	return view
}

func (h *Handler) createBooking(w http.ResponseWriter, r *http.Request) {
	var body bookingRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	booking, err := h.service.CreateBooking(r.Context(), BookingInput{
		TenantID:  shared.TenantFromContext(r.Context()),
		PayerID:   body.PayerID,
		Reference: body.Reference,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, bookingView{
		ID:        booking.ID,
		PayerID:   booking.PayerID,
		Reference: booking.Reference,
		Status:    string(booking.Status),
	})
}

func (h *Handler) addUnit(w http.ResponseWriter, r *http.Request) {
	bookingID, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body unitRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	unit, err := h.service.AddUnit(r.Context(), shared.TenantFromContext(r.Context()), bookingID, UnitInput{
		Description: body.Description,
		Quantity:    body.Quantity,
		UnitPrice:   body.UnitPrice,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newUnitView(*unit))
}

func (h *Handler) listUnits(w http.ResponseWriter, r *http.Request) {
	bookingID, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	units, err := h.service.ListOpenUnits(r.Context(), shared.TenantFromContext(r.Context()), bookingID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]unitView, 0, len(units))
	for _, u := range units {
		out = append(out, newUnitView(u))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"units": out})
}

package accounts

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

// Handler exposes accounts and payments over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the accounts handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers account and payment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/accounts", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/verify", h.verify)
		r.Get("/{id}", h.get)
		r.Patch("/{id}", h.update)
		r.Delete("/{id}", h.delete)
		r.Post("/{id}/adjust", h.adjust)
		r.Post("/{id}/deactivate", h.deactivate)
	})
	r.Route("/payments", func(r chi.Router) {
		r.Post("/", h.recordPayment)
		r.Post("/{id}/link", h.linkPayment)
	})
}

type createRequest struct {
	Name           string          `json:"name" validate:"required,max=120"`
	Kind           string          `json:"kind" validate:"required,oneof=cash bank mobile_money"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

type updateRequest struct {
	Name *string `json:"name" validate:"omitempty,min=1,max=120"`
	Kind *string `json:"kind" validate:"omitempty,oneof=cash bank mobile_money"`
}

type adjustRequest struct {
	Balance decimal.Decimal `json:"balance"`
	Reason  string          `json:"reason" validate:"required,max=500"`
}

type paymentRequest struct {
	AccountID      int64           `json:"account_id" validate:"required,gt=0"`
	Amount         decimal.Decimal `json:"amount" validate:"dgt=0"`
	Reference      string          `json:"reference" validate:"max=120"`
	Channel        string          `json:"channel" validate:"max=40"`
	DocumentNumber string          `json:"document_number" validate:"max=40"`
	ReceivedAt     *time.Time      `json:"received_at"`
}

type linkRequest struct {
	DocumentNumber string `json:"document_number" validate:"required,max=40"`
}

type accountView struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Kind           string    `json:"kind"`
	OpeningBalance string    `json:"opening_balance"`
	CurrentBalance string    `json:"current_balance"`
	Active         bool      `json:"active"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type paymentView struct {
	ID             int64     `json:"id"`
	AccountID      int64     `json:"account_id"`
	Amount         string    `json:"amount"`
	Reference      string    `json:"reference"`
	Channel        string    `json:"channel,omitempty"`
	DocumentNumber string    `json:"document_number,omitempty"`
	DocumentID     *int64    `json:"document_id,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

type discrepancyView struct {
	AccountID  int64  `json:"account_id"`
	Name       string `json:"name"`
	Expected   string `json:"expected"`
	Actual     string `json:"actual"`
	Difference string `json:"difference"`
}

func newAccountView(a *ledger.Account) accountView {
	return accountView{
		ID:             a.ID,
		Name:           a.Name,
		Kind:           string(a.Kind),
		OpeningBalance: a.OpeningBalance.StringFixed(2),
		CurrentBalance: a.CurrentBalance.StringFixed(2),
		Active:         a.Active,
		UpdatedAt:      a.UpdatedAt,
	}
}

func newPaymentView(p *ledger.Payment) paymentView {
	return paymentView{
		ID:             p.ID,
		AccountID:      p.AccountID,
		Amount:         p.Amount.StringFixed(2),
		Reference:      p.Reference,
		Channel:        p.Channel,
		DocumentNumber: p.DocumentNumber,
		DocumentID:     p.DocumentID,
		ReceivedAt:     p.ReceivedAt,
	}
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	account, err := h.service.Create(r.Context(), CreateInput{
		TenantID:       shared.TenantFromContext(r.Context()),
		Name:           body.Name,
		Kind:           ledger.AccountKind(body.Kind),
		OpeningBalance: body.OpeningBalance,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newAccountView(account))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.List(r.Context(), shared.TenantFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]accountView, 0, len(accounts))
	for i := range accounts {
		out = append(out, newAccountView(&accounts[i]))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	account, err := h.service.Get(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newAccountView(account))
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
	patch := Patch{Name: body.Name}
	if body.Kind != nil {
		kind := ledger.AccountKind(*body.Kind)
		patch.Kind = &kind
	}
	account, err := h.service.Update(r.Context(), shared.TenantFromContext(r.Context()), id, patch)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newAccountView(account))
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

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body adjustRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	account, err := h.service.Adjust(r.Context(), shared.TenantFromContext(r.Context()), id, body.Balance, body.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newAccountView(account))
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	account, err := h.service.Deactivate(r.Context(), shared.TenantFromContext(r.Context()), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newAccountView(account))
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	found, err := h.service.Verify(r.Context(), shared.TenantFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]discrepancyView, 0, len(found))
	for _, d := range found {
		out = append(out, discrepancyView{
			AccountID:  d.AccountID,
			Name:       d.Name,
			Expected:   d.Expected.StringFixed(2),
			Actual:     d.Actual.StringFixed(2),
			Difference: d.Difference().StringFixed(2),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"consistent": len(out) == 0, "discrepancies": out})
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	var body paymentRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := PaymentInput{
		TenantID:       shared.TenantFromContext(r.Context()),
		AccountID:      body.AccountID,
		Amount:         body.Amount,
		Reference:      body.Reference,
		Channel:        body.Channel,
		DocumentNumber: body.DocumentNumber,
	}
	if body.ReceivedAt != nil {
		input.ReceivedAt = *body.ReceivedAt
	}
	payment, err := h.service.RecordPayment(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newPaymentView(payment))
}

func (h *Handler) linkPayment(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body linkRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	payment, err := h.service.LinkPayment(r.Context(), shared.TenantFromContext(r.Context()), id, body.DocumentNumber)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPaymentView(payment))
}

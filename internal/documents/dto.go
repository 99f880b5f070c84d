package documents

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/billhub/billhub/internal/ledger"
)

type lineRequest struct {
	StockItemID *int64          `json:"stock_item_id" validate:"omitempty,gt=0"`
	Description string          `json:"description" validate:"max=500"`
	Quantity    decimal.Decimal `json:"quantity" validate:"dgt=0"`
	UnitPrice   decimal.Decimal `json:"unit_price" validate:"dgte=0"`
}

type issueRequest struct {
	Kind            string        `json:"kind" validate:"omitempty,oneof=invoice service_invoice"`
	Series          string        `json:"series" validate:"max=20"`
	PayerID         int64         `json:"payer_id" validate:"gte=0"`
	Lines           []lineRequest `json:"lines" validate:"dive"`
	BookingID       *int64        `json:"booking_id" validate:"omitempty,gt=0"`
	BillableUnitIDs []int64       `json:"billable_unit_ids" validate:"dive,gt=0"`
	Notes           string        `json:"notes" validate:"max=2000"`
}

func (r issueRequest) toInput(tenantID int64) IssueRequest {
	lines := make([]LineInput, len(r.Lines))
	for i, l := range r.Lines {
		lines[i] = LineInput{StockItemID: l.StockItemID, Description: l.Description, Quantity: l.Quantity, UnitPrice: l.UnitPrice}
	}
	return IssueRequest{
		TenantID:        tenantID,
		Kind:            ledger.DocumentKind(r.Kind),
		Series:          r.Series,
		PayerID:         r.PayerID,
		Lines:           lines,
		BookingID:       r.BookingID,
		BillableUnitIDs: r.BillableUnitIDs,
		Notes:           r.Notes,
	}
}

// LineView is the JSON representation of a document line.
type LineView struct {
	ID             int64  `json:"id"`
	Position       int    `json:"position"`
	StockItemID    *int64 `json:"stock_item_id,omitempty"`
	BillableUnitID *int64 `json:"billable_unit_id,omitempty"`
	Description    string `json:"description"`
	Quantity       string `json:"quantity"`
	UnitPrice      string `json:"unit_price"`
	Amount         string `json:"amount"`
}

// View is the JSON representation of a document.
type View struct {
	ID              int64      `json:"id"`
	Kind            string     `json:"kind"`
	Series          string     `json:"series"`
	Number          string     `json:"number"`
	PayerID         int64      `json:"payer_id,omitempty"`
	BookingID       *int64     `json:"booking_id,omitempty"`
	InvoiceID       *int64     `json:"invoice_id,omitempty"`
	Status          string     `json:"status"`
	Subtotal        string     `json:"subtotal"`
	Tax             string     `json:"tax"`
	Total           string     `json:"total"`
	AmountPaid      string     `json:"amount_paid"`
	RefundAccountID *int64     `json:"refund_account_id,omitempty"`
	RefundAmount    string     `json:"refund_amount,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	Lines           []LineView `json:"lines"`
	CreatedAt       time.Time  `json:"created_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

// NewView maps a document for JSON output. Money is rendered with two decimals.
func NewView(d *ledger.Document) View {
	v := View{
		ID:              d.ID,
		Kind:            string(d.Kind),
		Series:          d.Series,
		Number:          d.Number,
		PayerID:         d.PayerID,
		BookingID:       d.BookingID,
		InvoiceID:       d.InvoiceID,
		Status:          string(d.Status),
		Subtotal:        d.Subtotal.StringFixed(2),
		Tax:             d.Tax.StringFixed(2),
		Total:           d.Total.StringFixed(2),
		AmountPaid:      d.AmountPaid.StringFixed(2),
		RefundAccountID: d.RefundAccountID,
		Notes:           d.Notes,
		Lines:           make([]LineView, len(d.Lines)),
		CreatedAt:       d.CreatedAt,
		ProcessedAt:     d.ProcessedAt,
	}
	if d.Kind == ledger.KindReturn {
		v.RefundAmount = d.RefundAmount.StringFixed(2)
	}
	for i, l := range d.Lines {
		v.Lines[i] = LineView{
			ID:             l.ID,
			Position:       l.Position,
			StockItemID:    l.StockItemID,
			BillableUnitID: l.BillableUnitID,
			Description:    l.Description,
			Quantity:       l.Quantity.String(),
			UnitPrice:      l.UnitPrice.StringFixed(2),
			Amount:         l.Amount.StringFixed(2),
		}
	}
	return v
}

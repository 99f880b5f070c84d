// Package returns manages return documents and settles them: restocking, refund debit and
// the status flip commit together or not at all.
package returns

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/billhub/billhub/internal/shared"
)

// DefaultSeries is the return numbering prefix used when configuration leaves it empty.
const DefaultSeries = "RET-"

// LineInput is one returned stock item.
type LineInput struct {
	StockItemID int64
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
}

// CreateRequest describes a pending return.
type CreateRequest struct {
	TenantID        int64
	InvoiceID       *int64
	Lines           []LineInput
	RefundAccountID *int64
	RefundAmount    decimal.Decimal
	Notes           string
}

// Patch lists the changes applied to a pending return. Nil fields stay untouched; non-nil
// Lines replace every line and recompute totals.
type Patch struct {
	Notes           *string
	RefundAccountID *int64
	ClearRefund     bool
	RefundAmount    *decimal.Decimal
	Lines           []LineInput
}

// Result reports the outcome of processing a return.
type Result struct {
	LinesRestocked int
	Message        string
}

var (
	// ErrNotPending rejects any change to a return that already reached a terminal status.
	ErrNotPending = fmt.Errorf("returns: return is not pending: %w", shared.ErrStateConflict)
	// ErrAccountInactive rejects refunds into a deactivated account.
	ErrAccountInactive = fmt.Errorf("returns: refund account is inactive: %w", shared.ErrStateConflict)
	// ErrInvoiceMismatch rejects a return that references something other than an invoice.
	ErrInvoiceMismatch = fmt.Errorf("returns: referenced document is not an invoice: %w", shared.ErrStateConflict)
)

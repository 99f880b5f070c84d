// Package documents issues invoices and service invoices: totals, number allocation, line
// insertion and consumption of billable units happen in one transaction.
package documents

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/shared"
)

// LineInput is an explicitly priced line.
type LineInput struct {
	StockItemID *int64
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
}

// IssueRequest describes a document to issue. Lines come from Lines first, then from the
// billable units referenced by BillableUnitIDs or, when only BookingID is set, from every
// open unit of the booking.
type IssueRequest struct {
	TenantID        int64
	Kind            ledger.DocumentKind
	Series          string
	PayerID         int64
	Lines           []LineInput
	BookingID       *int64
	BillableUnitIDs []int64
	Notes           string
}

// Series names the default prefixes per document kind.
type Series struct {
	Invoice        string
	ServiceInvoice string
}

// DefaultSeries returns the prefixes used when configuration leaves them empty.
func DefaultSeries() Series {
	return Series{Invoice: "INV-", ServiceInvoice: "SRV-"}
}

func (s Series) forKind(kind ledger.DocumentKind) string {
	if kind == ledger.KindServiceInvoice {
		return s.ServiceInvoice
	}
	return s.Invoice
}

var (
	// ErrAlreadyBilled rejects units that were consumed by another document.
	ErrAlreadyBilled = fmt.Errorf("documents: billable unit already billed: %w", shared.ErrStateConflict)
	// ErrNothingToBill rejects references to units that do not exist or a booking without open units.
	ErrNothingToBill = fmt.Errorf("documents: nothing to bill: %w", shared.ErrStateConflict)
	// ErrNotVoidable rejects voiding anything but an unpaid issued invoice.
	ErrNotVoidable = fmt.Errorf("documents: only unpaid issued invoices can be voided: %w", shared.ErrStateConflict)
)

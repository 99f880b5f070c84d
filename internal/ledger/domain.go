// Package ledger holds the persistent model shared by issuance and settlement: accounts,
// documents with their lines, stock items, bookings, billable units and payments.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/billhub/billhub/internal/shared"
)

// AccountKind enumerates supported money pools.
type AccountKind string

const (
	AccountCash        AccountKind = "cash"
	AccountBank        AccountKind = "bank"
	AccountMobileMoney AccountKind = "mobile_money"
)

// Valid reports whether the kind is known.
func (k AccountKind) Valid() bool {
	switch k {
	case AccountCash, AccountBank, AccountMobileMoney:
		return true
	}
	return false
}

// Account is a tenant scoped money pool.
type Account struct {
	ID             int64
	TenantID       int64
	Name           string
	Kind           AccountKind
	OpeningBalance decimal.Decimal
	CurrentBalance decimal.Decimal
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MovementKind names the event that caused a balance change.
type MovementKind string

const (
	MovementPayment    MovementKind = "payment"
	MovementRefund     MovementKind = "refund"
	MovementAdjustment MovementKind = "adjustment"
)

// Movement is a signed balance change recorded together with its cause.
type Movement struct {
	ID         int64
	TenantID   int64
	AccountID  int64
	Kind       MovementKind
	Amount     decimal.Decimal
	DocumentID *int64
	PaymentID  *int64
	Note       string
	CreatedAt  time.Time
}

// AccountPatch lists administrative fields that may change. Balance is not among them.
type AccountPatch struct {
	Name   *string
	Kind   *AccountKind
	Active *bool
}

// DocumentKind distinguishes the document families sharing the documents table.
type DocumentKind string

const (
	KindInvoice        DocumentKind = "invoice"
	KindServiceInvoice DocumentKind = "service_invoice"
	KindReturn         DocumentKind = "return"
)

// Valid reports whether the kind is known.
func (k DocumentKind) Valid() bool {
	switch k {
	case KindInvoice, KindServiceInvoice, KindReturn:
		return true
	}
	return false
}

// DocumentStatus enumerates invoice and return states.
type DocumentStatus string

const (
	StatusIssued        DocumentStatus = "issued"
	StatusPartiallyPaid DocumentStatus = "partially_paid"
	StatusPaid          DocumentStatus = "paid"
	StatusVoid          DocumentStatus = "void"

	StatusPending   DocumentStatus = "pending"
	StatusProcessed DocumentStatus = "processed"
	StatusCancelled DocumentStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s DocumentStatus) Terminal() bool {
	switch s {
	case StatusProcessed, StatusCancelled, StatusVoid:
		return true
	}
	return false
}

// Document is an invoice, service invoice or return.
type Document struct {
	ID              int64
	TenantID        int64
	Kind            DocumentKind
	Series          string
	Number          string
	PayerID         int64
	BookingID       *int64
	InvoiceID       *int64
	Status          DocumentStatus
	Subtotal        decimal.Decimal
	Tax             decimal.Decimal
	Total           decimal.Decimal
	AmountPaid      decimal.Decimal
	RefundAccountID *int64
	RefundAmount    decimal.Decimal
	Notes           string
	Lines           []Line
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ProcessedAt     *time.Time
}

// Line belongs to exactly one document.
type Line struct {
	ID             int64
	DocumentID     int64
	Position       int
	StockItemID    *int64
	BillableUnitID *int64
	Description    string
	Quantity       decimal.Decimal
	UnitPrice      decimal.Decimal
	Amount         decimal.Decimal
}

// ReturnPatch lists the fields of a pending return that may change.
type ReturnPatch struct {
	Notes           *string
	RefundAccountID *int64
	ClearRefund     bool
	RefundAmount    *decimal.Decimal
	Subtotal        *decimal.Decimal
	Tax             *decimal.Decimal
	Total           *decimal.Decimal
}

// StockItem is an inventory record with a quantity counter.
type StockItem struct {
	ID        int64
	TenantID  int64
	SKU       string
	Name      string
	Quantity  decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BookingStatus enumerates booking states.
type BookingStatus string

const (
	BookingOpen     BookingStatus = "open"
	BookingInvoiced BookingStatus = "invoiced"
)

// Booking groups billable units rendered for one payer.
type Booking struct {
	ID        int64
	TenantID  int64
	PayerID   int64
	Reference string
	Status    BookingStatus
	CreatedAt time.Time
}

// UnitStatus enumerates billable unit states.
type UnitStatus string

const (
	UnitOpen   UnitStatus = "open"
	UnitBilled UnitStatus = "billed"
)

// BillableUnit is completed work or a sale awaiting invoicing.
type BillableUnit struct {
	ID          int64
	TenantID    int64
	BookingID   *int64
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Status      UnitStatus
	InvoiceID   *int64
	CreatedAt   time.Time
}

// Payment is an externally confirmed money receipt.
type Payment struct {
	ID             int64
	TenantID       int64
	AccountID      int64
	Amount         decimal.Decimal
	Reference      string
	Channel        string
	DocumentNumber string
	DocumentID     *int64
	ReceivedAt     time.Time
	CreatedAt      time.Time
}

var (
	// ErrDuplicateNumber is returned by InsertDocument when the sequence number is taken.
	ErrDuplicateNumber = errors.New("ledger: duplicate document number")
	// ErrDuplicateReference is returned by InsertPayment when the reference is taken.
	ErrDuplicateReference = errors.New("ledger: duplicate payment reference")
	// ErrDuplicateSKU is returned by InsertStockItem when the tenant already uses the SKU.
	ErrDuplicateSKU = errors.New("ledger: duplicate stock item sku")
	// ErrDocumentNotFound indicates a missing document.
	ErrDocumentNotFound = fmt.Errorf("ledger: document %w", shared.ErrNotFound)
	// ErrAccountNotFound indicates a missing account.
	ErrAccountNotFound = fmt.Errorf("ledger: account %w", shared.ErrNotFound)
	// ErrStockItemNotFound indicates a missing stock item.
	ErrStockItemNotFound = fmt.Errorf("ledger: stock item %w", shared.ErrNotFound)
	// ErrBookingNotFound indicates a missing booking.
	ErrBookingNotFound = fmt.Errorf("ledger: booking %w", shared.ErrNotFound)
	// ErrPaymentNotFound indicates a missing payment.
	ErrPaymentNotFound = fmt.Errorf("ledger: payment %w", shared.ErrNotFound)
)

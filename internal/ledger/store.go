package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store opens transactions and serves committed reads.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error

	Document(ctx context.Context, tenantID, id int64) (*Document, error)
	DocumentByNumber(ctx context.Context, tenantID int64, series, number string) (*Document, error)
	Account(ctx context.Context, tenantID, id int64) (*Account, error)
	Accounts(ctx context.Context, tenantID int64) ([]Account, error)
	MovementTotals(ctx context.Context, tenantID int64) (map[int64]decimal.Decimal, error)
	StockItem(ctx context.Context, tenantID, id int64) (*StockItem, error)
	Units(ctx context.Context, tenantID, bookingID int64) ([]BillableUnit, error)
	// UnlinkedPayments pages through unlinked payments with a hint, ids greater than afterID.
	UnlinkedPayments(ctx context.Context, tenantID, afterID int64, limit int) ([]Payment, error)
	Tenants(ctx context.Context) ([]int64, error)
}

// SequenceTx is the part of a transaction the sequence allocator relies on.
type SequenceTx interface {
	// LockSeries takes an exclusive lock on (tenant, series) held until the transaction ends.
	LockSeries(ctx context.Context, tenantID int64, series string) error
	// LastNumber returns the highest number issued in the series, deleted documents
	// included, or "" when none exists.
	LastNumber(ctx context.Context, tenantID int64, series string) (string, error)
	// Savepoint runs fn so that a failure undoes only fn's work.
	Savepoint(ctx context.Context, fn func(context.Context) error) error
}

// DocumentTx manipulates documents and their lines.
type DocumentTx interface {
	// InsertDocument stores doc and sets its ID and timestamps. ErrDuplicateNumber is
	// returned when (tenant, series, number) is already taken.
	InsertDocument(ctx context.Context, doc *Document) error
	InsertLines(ctx context.Context, documentID int64, lines []Line) error
	ReplaceLines(ctx context.Context, documentID int64, lines []Line) error
	DocumentForUpdate(ctx context.Context, tenantID, id int64) (*Document, error)
	DocumentByNumberForUpdate(ctx context.Context, tenantID int64, number string) (*Document, error)
	SetDocumentStatus(ctx context.Context, tenantID, id int64, status DocumentStatus) error
	UpdateReturn(ctx context.Context, tenantID, id int64, patch ReturnPatch) error
	// DeleteDocument removes a document; its number stays retired.
	DeleteDocument(ctx context.Context, tenantID, id int64) error
	AddAmountPaid(ctx context.Context, tenantID, id int64, amount decimal.Decimal, status DocumentStatus) error
}

// BillingTx manipulates bookings and billable units.
type BillingTx interface {
	InsertBooking(ctx context.Context, b *Booking) error
	InsertUnit(ctx context.Context, u *BillableUnit) error
	BookingForUpdate(ctx context.Context, tenantID, id int64) (*Booking, error)
	SetBookingStatus(ctx context.Context, tenantID, id int64, status BookingStatus) error
	// UnitsForUpdate locks the requested units; missing ids are simply absent from the result.
	UnitsForUpdate(ctx context.Context, tenantID int64, ids []int64) ([]BillableUnit, error)
	OpenUnitsForUpdate(ctx context.Context, tenantID, bookingID int64) ([]BillableUnit, error)
	MarkUnitsBilled(ctx context.Context, tenantID int64, ids []int64, invoiceID int64) error
}

// StockTx manipulates stock quantities through signed deltas only.
type StockTx interface {
	InsertStockItem(ctx context.Context, item *StockItem) error
	AdjustStock(ctx context.Context, tenantID, itemID int64, delta decimal.Decimal, documentID int64) error
}

// AccountTx manipulates financial accounts.
type AccountTx interface {
	InsertAccount(ctx context.Context, a *Account) error
	AccountForUpdate(ctx context.Context, tenantID, id int64) (*Account, error)
	UpdateAccount(ctx context.Context, tenantID, id int64, patch AccountPatch) error
	DeleteAccount(ctx context.Context, tenantID, id int64) error
	// CountAccountReferences counts payments and documents pointing at the account.
	CountAccountReferences(ctx context.Context, tenantID, id int64) (int, error)
	// ApplyAccountDelta adds m.Amount to the account balance and records m as its cause.
	ApplyAccountDelta(ctx context.Context, m *Movement) error
}

// PaymentTx manipulates confirmed payments.
type PaymentTx interface {
	// InsertPayment stores p. ErrDuplicateReference is returned for a reused reference.
	InsertPayment(ctx context.Context, p *Payment) error
	PaymentForUpdate(ctx context.Context, tenantID, id int64) (*Payment, error)
	LinkPayment(ctx context.Context, tenantID, paymentID, documentID int64) error
}

// Tx is one open ledger transaction.
type Tx interface {
	SequenceTx
	DocumentTx
	BillingTx
	StockTx
	AccountTx
	PaymentTx
}

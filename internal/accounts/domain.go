// Package accounts owns financial accounts and confirmed payments. Every balance change is
// recorded as a movement so that current balance always equals opening balance plus the sum
// of movements.
package accounts

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/shared"
)

// CreateInput describes a new account.
type CreateInput struct {
	TenantID       int64
	Name           string
	Kind           ledger.AccountKind
	OpeningBalance decimal.Decimal
}

// Patch lists administrative changes. The balance only moves through Adjust.
type Patch struct {
	Name *string
	Kind *ledger.AccountKind
}

// PaymentInput is one entry of the payment confirmation feed.
type PaymentInput struct {
	TenantID       int64
	AccountID      int64
	Amount         decimal.Decimal
	Reference      string
	Channel        string
	DocumentNumber string
	ReceivedAt     time.Time
}

// Discrepancy reports an account whose balance disagrees with its movements.
type Discrepancy struct {
	AccountID int64
	Name      string
	Expected  decimal.Decimal
	Actual    decimal.Decimal
}

// Difference is Actual minus Expected.
func (d Discrepancy) Difference() decimal.Decimal {
	return d.Actual.Sub(d.Expected)
}

var (
	// ErrAccountInactive rejects money movements into a deactivated account.
	ErrAccountInactive = fmt.Errorf("accounts: account is inactive: %w", shared.ErrStateConflict)
	// ErrAccountInUse rejects deleting an account referenced by payments or documents.
	ErrAccountInUse = fmt.Errorf("accounts: account is referenced: %w", shared.ErrStateConflict)
	// ErrDuplicatePayment rejects a payment reference that was already recorded.
	ErrDuplicatePayment = fmt.Errorf("accounts: payment already recorded: %w", shared.ErrStateConflict)
	// ErrPaymentLinked rejects linking a payment twice.
	ErrPaymentLinked = fmt.Errorf("accounts: payment already linked: %w", shared.ErrStateConflict)
	// ErrNotPayable rejects linking a payment to a void document.
	ErrNotPayable = fmt.Errorf("accounts: document does not accept payments: %w", shared.ErrStateConflict)
)

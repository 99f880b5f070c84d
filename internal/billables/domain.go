// Package billables records bookings and the billable units rendered under them until a
// document consumes them.
package billables

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/billhub/billhub/internal/shared"
)

// BookingInput opens a booking for a payer.
type BookingInput struct {
	TenantID  int64
	PayerID   int64
	Reference string
}

// UnitInput describes completed work awaiting invoicing.
type UnitInput struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
}

// ErrBookingClosed rejects new units on a booking that has been fully invoiced.
var ErrBookingClosed = fmt.Errorf("billables: booking already invoiced: %w", shared.ErrStateConflict)

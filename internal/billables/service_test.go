package billables

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/billhub/billhub/internal/documents"
	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/ledger/ledgertest"
	"github.com/billhub/billhub/internal/pricing"
	"github.com/billhub/billhub/internal/sequence"
	"github.com/billhub/billhub/internal/shared"
)

func TestBookingLifecycle(t *testing.T) {
	store := ledgertest.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(store, logger)
	ctx := context.Background()

	booking, err := svc.CreateBooking(ctx, BookingInput{TenantID: 7, PayerID: 55, Reference: "ROOM-12"})
	require.NoError(t, err)
	require.Equal(t, ledger.BookingOpen, booking.Status)

	_, err = svc.AddUnit(ctx, 7, booking.ID, UnitInput{Description: "Night", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(80)})
	require.NoError(t, err)
	_, err = svc.AddUnit(ctx, 7, booking.ID, UnitInput{Description: "Breakfast", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(15)})
	require.NoError(t, err)

	open, err := svc.ListOpenUnits(ctx, 7, booking.ID)
	require.NoError(t, err)
	require.Len(t, open, 2)

	calc, err := pricing.NewCalculator(pricing.DefaultTaxRate)
	require.NoError(t, err)
	issuer := documents.NewService(store, sequence.NewAllocator(logger), calc, documents.Series{}, logger, nil)
	bookingID := booking.ID
	doc, err := issuer.Issue(ctx, documents.IssueRequest{TenantID: 7, Kind: ledger.KindServiceInvoice, BookingID: &bookingID})
	require.NoError(t, err)
	require.Equal(t, int64(55), doc.PayerID)
	require.Equal(t, "175.00", doc.Subtotal.StringFixed(2))

	open, err = svc.ListOpenUnits(ctx, 7, booking.ID)
	require.NoError(t, err)
	require.Empty(t, open)

	_, err = svc.AddUnit(ctx, 7, booking.ID, UnitInput{Description: "Late checkout", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(10)})
	require.ErrorIs(t, err, ErrBookingClosed)
}

func TestAddUnitValidation(t *testing.T) {
	svc := NewService(ledgertest.New(), nil)
	ctx := context.Background()

	_, err := svc.AddUnit(ctx, 7, 1, UnitInput{Quantity: decimal.Zero, UnitPrice: decimal.NewFromInt(1)})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "description")
	require.Contains(t, verr.Fields, "quantity")

	_, err = svc.AddUnit(ctx, 7, 999, UnitInput{Description: "x", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.Zero})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestBookingsAreTenantScoped(t *testing.T) {
	svc := NewService(ledgertest.New(), nil)
	ctx := context.Background()

	booking, err := svc.CreateBooking(ctx, BookingInput{TenantID: 1, PayerID: 9})
	require.NoError(t, err)

	_, err = svc.AddUnit(ctx, 2, booking.ID, UnitInput{Description: "x", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.Zero})
	require.ErrorIs(t, err, ledger.ErrBookingNotFound)

	_, err = svc.CreateBooking(ctx, BookingInput{TenantID: 1})
	require.ErrorIs(t, err, shared.ErrValidation)
}

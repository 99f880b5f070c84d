package billables

import (
	"context"
	"log/slog"
	"strings"

	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/pricing"
	"github.com/billhub/billhub/internal/shared"
)

// Service manages bookings and billable units.
type Service struct {
	store  ledger.Store
	logger *slog.Logger
}

// NewService builds Service.
func NewService(store ledger.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// CreateBooking opens a booking.
func (s *Service) CreateBooking(ctx context.Context, input BookingInput) (*ledger.Booking, error) {
	input.Reference = strings.TrimSpace(input.Reference)
	verr := &shared.ValidationError{Fields: map[string]string{}}
	if input.TenantID <= 0 {
		verr.Fields["tenant_id"] = "is required"
	}
	if input.PayerID <= 0 {
		verr.Fields["payer_id"] = "is required"
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}

	booking := &ledger.Booking{TenantID: input.TenantID, PayerID: input.PayerID, Reference: input.Reference, Status: ledger.BookingOpen}
	if err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.InsertBooking(ctx, booking)
	}); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "booking opened", slog.Int64("tenant_id", booking.TenantID), slog.Int64("booking_id", booking.ID))
	return booking, nil
}

// AddUnit records a billable unit on an open booking.
func (s *Service) AddUnit(ctx context.Context, tenantID, bookingID int64, input UnitInput) (*ledger.BillableUnit, error) {
	input.Description = strings.TrimSpace(input.Description)
	verr := &shared.ValidationError{Fields: map[string]string{}}
	if input.Description == "" {
		verr.Fields["description"] = "is required"
	}
	if err := pricing.Validate(pricing.Item{Quantity: input.Quantity, UnitPrice: input.UnitPrice}); err != nil {
		verr.Fields["quantity"] = err.Error()
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}

	var unit *ledger.BillableUnit
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		booking, err := tx.BookingForUpdate(ctx, tenantID, bookingID)
		if err != nil {
			return err
		}
		if booking.Status != ledger.BookingOpen {
			return ErrBookingClosed
		}
		id := booking.ID
		unit = &ledger.BillableUnit{
			TenantID:    tenantID,
			BookingID:   &id,
			Description: input.Description,
			Quantity:    input.Quantity,
			UnitPrice:   input.UnitPrice,
			Status:      ledger.UnitOpen,
		}
		return tx.InsertUnit(ctx, unit)
	})
	if err != nil {
		return nil, err
	}
	return unit, nil
}

// ListOpenUnits returns the units of a booking that no document has consumed yet.
func (s *Service) ListOpenUnits(ctx context.Context, tenantID, bookingID int64) ([]ledger.BillableUnit, error) {
	units, err := s.store.Units(ctx, tenantID, bookingID)
	if err != nil {
		return nil, err
	}
	open := units[:0]
	for _, u := range units {
		if u.Status == ledger.UnitOpen {
			open = append(open, u)
		}
	}
	return open, nil
}

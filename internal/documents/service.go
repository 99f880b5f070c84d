package documents

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/pricing"
	"github.com/billhub/billhub/internal/sequence"
	"github.com/billhub/billhub/internal/shared"
)

// Recorder counts issued documents.
type Recorder interface {
	DocumentIssued(kind string)
}

// Service issues and reads documents.
type Service struct {
	store    ledger.Store
	alloc    *sequence.Allocator
	calc     *pricing.Calculator
	series   Series
	logger   *slog.Logger
	recorder Recorder
}

// NewService builds Service. Empty series fall back to DefaultSeries.
func NewService(store ledger.Store, alloc *sequence.Allocator, calc *pricing.Calculator, series Series, logger *slog.Logger, recorder Recorder) *Service {
	defaults := DefaultSeries()
	if series.Invoice == "" {
		series.Invoice = defaults.Invoice
	}
	if series.ServiceInvoice == "" {
		series.ServiceInvoice = defaults.ServiceInvoice
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, alloc: alloc, calc: calc, series: series, logger: logger, recorder: recorder}
}

// Issue persists a new document with its lines and consumes the referenced billable units.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*ledger.Document, error) {
	if req.Kind == "" {
		req.Kind = ledger.KindInvoice
	}
	if err := validateIssue(req); err != nil {
		return nil, err
	}
	series := strings.TrimSpace(req.Series)
	if series == "" {
		series = s.series.forKind(req.Kind)
	}

	var doc *ledger.Document
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		payerID := req.PayerID
		units, err := s.claimUnits(ctx, tx, req, &payerID)
		if err != nil {
			return err
		}

		lines, items := buildLines(req.Lines, units)
		totals, err := s.calc.Compute(items)
		if err != nil {
			return shared.NewValidationError("lines", err.Error())
		}
		for i := range lines {
			lines[i].Amount = totals.Lines[i]
		}

		doc = &ledger.Document{
			TenantID:   req.TenantID,
			Kind:       req.Kind,
			Series:     series,
			PayerID:    payerID,
			BookingID:  req.BookingID,
			Status:     ledger.StatusIssued,
			Subtotal:   totals.Subtotal,
			Tax:        totals.Tax,
			Total:      totals.Total,
			AmountPaid: decimal.Zero,
			Notes:      req.Notes,
		}
		if _, err := s.alloc.Allocate(ctx, tx, req.TenantID, series, func(ctx context.Context, number string) error {
			doc.Number = number
			return tx.InsertDocument(ctx, doc)
		}); err != nil {
			return err
		}
		if err := tx.InsertLines(ctx, doc.ID, lines); err != nil {
			return err
		}
		doc.Lines = lines

		if len(units) > 0 {
			ids := make([]int64, len(units))
			for i, u := range units {
				ids[i] = u.ID
			}
			if err := tx.MarkUnitsBilled(ctx, req.TenantID, ids, doc.ID); err != nil {
				return err
			}
		}
		if req.BookingID != nil {
			remaining, err := tx.OpenUnitsForUpdate(ctx, req.TenantID, *req.BookingID)
			if err != nil {
				return err
			}
			if len(remaining) == 0 {
				if err := tx.SetBookingStatus(ctx, req.TenantID, *req.BookingID, ledger.BookingInvoiced); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "document issued",
		slog.Int64("tenant_id", doc.TenantID),
		slog.String("number", doc.Number),
		slog.String("kind", string(doc.Kind)),
		slog.String("total", doc.Total.StringFixed(pricing.Places)))
	if s.recorder != nil {
		s.recorder.DocumentIssued(string(doc.Kind))
	}
	return doc, nil
}

// claimUnits locks the units the request bills and rejects missing or consumed ones.
func (s *Service) claimUnits(ctx context.Context, tx ledger.Tx, req IssueRequest, payerID *int64) ([]ledger.BillableUnit, error) {
	if req.BookingID != nil {
		booking, err := tx.BookingForUpdate(ctx, req.TenantID, *req.BookingID)
		if err != nil {
			return nil, err
		}
		if *payerID == 0 {
			*payerID = booking.PayerID
		}
	}

	if len(req.BillableUnitIDs) == 0 {
		if req.BookingID == nil {
			return nil, nil
		}
		units, err := tx.OpenUnitsForUpdate(ctx, req.TenantID, *req.BookingID)
		if err != nil {
			return nil, err
		}
		if len(units) == 0 {
			return nil, fmt.Errorf("booking %d: %w", *req.BookingID, ErrNothingToBill)
		}
		return units, nil
	}

	ids := uniqueIDs(req.BillableUnitIDs)
	units, err := tx.UnitsForUpdate(ctx, req.TenantID, ids)
	if err != nil {
		return nil, err
	}
	found := make(map[int64]ledger.BillableUnit, len(units))
	for _, u := range units {
		found[u.ID] = u
	}
	for _, id := range ids {
		u, ok := found[id]
		if !ok {
			return nil, fmt.Errorf("unit %d: %w", id, ErrNothingToBill)
		}
		if u.Status != ledger.UnitOpen {
			return nil, fmt.Errorf("unit %d: %w", id, ErrAlreadyBilled)
		}
		if req.BookingID != nil && (u.BookingID == nil || *u.BookingID != *req.BookingID) {
			return nil, fmt.Errorf("unit %d does not belong to booking %d: %w", id, *req.BookingID, ErrNothingToBill)
		}
	}
	return units, nil
}

func buildLines(inputs []LineInput, units []ledger.BillableUnit) ([]ledger.Line, []pricing.Item) {
	lines := make([]ledger.Line, 0, len(inputs)+len(units))
	items := make([]pricing.Item, 0, len(inputs)+len(units))
	for _, in := range inputs {
		lines = append(lines, ledger.Line{
			Position:    len(lines) + 1,
			StockItemID: in.StockItemID,
			Description: in.Description,
			Quantity:    in.Quantity,
			UnitPrice:   in.UnitPrice,
		})
		items = append(items, pricing.Item{Quantity: in.Quantity, UnitPrice: in.UnitPrice})
	}
	for _, u := range units {
		unitID := u.ID
		lines = append(lines, ledger.Line{
			Position:       len(lines) + 1,
			BillableUnitID: &unitID,
			Description:    u.Description,
			Quantity:       u.Quantity,
			UnitPrice:      u.UnitPrice,
		})
		items = append(items, pricing.Item{Quantity: u.Quantity, UnitPrice: u.UnitPrice})
	}
	return lines, items
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func validateIssue(req IssueRequest) error {
	verr := &shared.ValidationError{Fields: map[string]string{}}
	if req.TenantID <= 0 {
		verr.Fields["tenant_id"] = "is required"
	}
	if req.Kind != ledger.KindInvoice && req.Kind != ledger.KindServiceInvoice {
		verr.Fields["kind"] = "must be invoice or service_invoice"
	}
	if len(req.Lines) == 0 && len(req.BillableUnitIDs) == 0 && req.BookingID == nil {
		verr.Fields["lines"] = "at least one line, billable unit or booking is required"
	}
	for i, l := range req.Lines {
		if err := pricing.Validate(pricing.Item{Quantity: l.Quantity, UnitPrice: l.UnitPrice}); err != nil {
			verr.Fields[fmt.Sprintf("lines[%d]", i)] = err.Error()
		}
	}
	for _, id := range req.BillableUnitIDs {
		if id <= 0 {
			verr.Fields["billable_unit_ids"] = "must contain positive ids"
		}
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// Get returns a committed document.
func (s *Service) Get(ctx context.Context, tenantID, id int64) (*ledger.Document, error) {
	return s.store.Document(ctx, tenantID, id)
}

// GetByNumber returns a committed document by series and number.
func (s *Service) GetByNumber(ctx context.Context, tenantID int64, series, number string) (*ledger.Document, error) {
	if series == "" || number == "" {
		return nil, shared.NewValidationError("number", "series and number are required")
	}
	return s.store.DocumentByNumber(ctx, tenantID, series, number)
}

// Void cancels an issued invoice that has received no payment. Billed units stay billed.
func (s *Service) Void(ctx context.Context, tenantID, id int64) (*ledger.Document, error) {
	var doc *ledger.Document
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		doc, err = tx.DocumentForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if doc.Kind == ledger.KindReturn || doc.Status != ledger.StatusIssued || !doc.AmountPaid.IsZero() {
			return ErrNotVoidable
		}
		if err := tx.SetDocumentStatus(ctx, tenantID, id, ledger.StatusVoid); err != nil {
			return err
		}
		doc.Status = ledger.StatusVoid
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "document voided", slog.Int64("tenant_id", tenantID), slog.String("number", doc.Number))
	return doc, nil
}

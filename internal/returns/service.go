package returns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/pricing"
	"github.com/billhub/billhub/internal/sequence"
	"github.com/billhub/billhub/internal/shared"
)

// Recorder counts settled returns.
type Recorder interface {
	ReturnProcessed()
}

// Option customises Service.
type Option func(*Service)

// WithLanguage selects the language of settlement messages.
func WithLanguage(tag language.Tag) Option {
	return func(s *Service) {
		s.printer = message.NewPrinter(tag)
	}
}

// Service creates, edits and settles returns.
type Service struct {
	store    ledger.Store
	alloc    *sequence.Allocator
	calc     *pricing.Calculator
	series   string
	logger   *slog.Logger
	recorder Recorder
	printer  *message.Printer
}

// NewService builds Service. An empty series falls back to DefaultSeries.
func NewService(store ledger.Store, alloc *sequence.Allocator, calc *pricing.Calculator, series string, logger *slog.Logger, recorder Recorder, opts ...Option) *Service {
	if series == "" {
		series = DefaultSeries
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    store,
		alloc:    alloc,
		calc:     calc,
		series:   series,
		logger:   logger,
		recorder: recorder,
		printer:  message.NewPrinter(language.English),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create records a pending return numbered from the return series.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*ledger.Document, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	if err := s.checkStockItems(ctx, req.TenantID, req.Lines); err != nil {
		return nil, err
	}
	lines, totals, err := s.price(req.Lines)
	if err != nil {
		return nil, err
	}

	var doc *ledger.Document
	err = s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if req.InvoiceID != nil {
			invoice, err := tx.DocumentForUpdate(ctx, req.TenantID, *req.InvoiceID)
			if err != nil {
				return err
			}
			if invoice.Kind == ledger.KindReturn {
				return ErrInvoiceMismatch
			}
		}
		if req.RefundAccountID != nil {
			if err := checkRefundAccount(ctx, tx, req.TenantID, *req.RefundAccountID); err != nil {
				return err
			}
		}

		doc = &ledger.Document{
			TenantID:        req.TenantID,
			Kind:            ledger.KindReturn,
			Series:          s.series,
			InvoiceID:       req.InvoiceID,
			Status:          ledger.StatusPending,
			Subtotal:        totals.Subtotal,
			Tax:             totals.Tax,
			Total:           totals.Total,
			AmountPaid:      decimal.Zero,
			RefundAccountID: req.RefundAccountID,
			RefundAmount:    req.RefundAmount,
			Notes:           req.Notes,
		}
		if _, err := s.alloc.Allocate(ctx, tx, req.TenantID, s.series, func(ctx context.Context, number string) error {
			doc.Number = number
			return tx.InsertDocument(ctx, doc)
		}); err != nil {
			return err
		}
		if err := tx.InsertLines(ctx, doc.ID, lines); err != nil {
			return err
		}
		doc.Lines = lines
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "return created",
		slog.Int64("tenant_id", doc.TenantID),
		slog.String("number", doc.Number),
		slog.Int("lines", len(doc.Lines)))
	return doc, nil
}

// Get returns a return document.
func (s *Service) Get(ctx context.Context, tenantID, id int64) (*ledger.Document, error) {
	doc, err := s.store.Document(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if doc.Kind != ledger.KindReturn {
		return nil, ledger.ErrDocumentNotFound
	}
	return doc, nil
}

// Update edits a pending return.
func (s *Service) Update(ctx context.Context, tenantID, id int64, patch Patch) (*ledger.Document, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}
	var (
		lines  []ledger.Line
		totals pricing.Totals
	)
	if patch.Lines != nil {
		if err := s.checkStockItems(ctx, tenantID, patch.Lines); err != nil {
			return nil, err
		}
		var err error
		if lines, totals, err = s.price(patch.Lines); err != nil {
			return nil, err
		}
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		current, err := s.lockPending(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if err := checkPatchedRefund(current, patch); err != nil {
			return err
		}
		if patch.RefundAccountID != nil && !patch.ClearRefund {
			if err := checkRefundAccount(ctx, tx, tenantID, *patch.RefundAccountID); err != nil {
				return err
			}
		}
		update := ledger.ReturnPatch{
			Notes:           patch.Notes,
			RefundAccountID: patch.RefundAccountID,
			ClearRefund:     patch.ClearRefund,
			RefundAmount:    patch.RefundAmount,
		}
		if patch.Lines != nil {
			if err := tx.ReplaceLines(ctx, id, lines); err != nil {
				return err
			}
			update.Subtotal, update.Tax, update.Total = &totals.Subtotal, &totals.Tax, &totals.Total
		}
		return tx.UpdateReturn(ctx, tenantID, id, update)
	})
	if err != nil {
		return nil, err
	}
	return s.store.Document(ctx, tenantID, id)
}

// Delete removes a pending return together with its lines.
func (s *Service) Delete(ctx context.Context, tenantID, id int64) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := s.lockPending(ctx, tx, tenantID, id); err != nil {
			return err
		}
		return tx.DeleteDocument(ctx, tenantID, id)
	})
}

// Cancel abandons a pending return without touching stock or balances.
func (s *Service) Cancel(ctx context.Context, tenantID, id int64) (*ledger.Document, error) {
	var doc *ledger.Document
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		if doc, err = s.lockPending(ctx, tx, tenantID, id); err != nil {
			return err
		}
		if err := tx.SetDocumentStatus(ctx, tenantID, id, ledger.StatusCancelled); err != nil {
			return err
		}
		doc.Status = ledger.StatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "return cancelled", slog.Int64("tenant_id", tenantID), slog.String("number", doc.Number))
	return doc, nil
}

// Process settles a pending return: every line is restocked, the refund is debited from the
// refund account and the return becomes processed, all in one transaction. Balances may go
// negative.
func (s *Service) Process(ctx context.Context, tenantID, id int64) (Result, error) {
	var (
		doc      *ledger.Document
		restored int
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		if doc, err = s.lockPending(ctx, tx, tenantID, id); err != nil {
			return err
		}

		restored = 0
		for _, line := range doc.Lines {
			if line.StockItemID == nil {
				continue
			}
			if err := tx.AdjustStock(ctx, tenantID, *line.StockItemID, line.Quantity, doc.ID); err != nil {
				return fmt.Errorf("restock line %d: %w", line.Position, err)
			}
			restored++
		}

		if doc.RefundAccountID != nil && !doc.RefundAmount.IsZero() {
			if err := checkRefundAccount(ctx, tx, tenantID, *doc.RefundAccountID); err != nil {
				return err
			}
			docID := doc.ID
			if err := tx.ApplyAccountDelta(ctx, &ledger.Movement{
				TenantID:   tenantID,
				AccountID:  *doc.RefundAccountID,
				Kind:       ledger.MovementRefund,
				Amount:     doc.RefundAmount.Neg(),
				DocumentID: &docID,
				Note:       doc.Number,
			}); err != nil {
				return fmt.Errorf("refund %s: %w", doc.Number, err)
			}
		}

		return tx.SetDocumentStatus(ctx, tenantID, doc.ID, ledger.StatusProcessed)
	})
	if err != nil {
		return Result{}, err
	}

	s.logger.InfoContext(ctx, "return processed",
		slog.Int64("tenant_id", tenantID),
		slog.String("number", doc.Number),
		slog.Int("lines_restocked", restored),
		slog.String("refund", doc.RefundAmount.StringFixed(pricing.Places)))
	if s.recorder != nil {
		s.recorder.ReturnProcessed()
	}
	return Result{
		LinesRestocked: restored,
		Message:        s.printer.Sprintf(processedKey, doc.Number, restored),
	}, nil
}

// lockPending loads the return for update and rejects anything not pending.
func (s *Service) lockPending(ctx context.Context, tx ledger.Tx, tenantID, id int64) (*ledger.Document, error) {
	doc, err := tx.DocumentForUpdate(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if doc.Kind != ledger.KindReturn {
		return nil, ledger.ErrDocumentNotFound
	}
	if doc.Status != ledger.StatusPending {
		return nil, fmt.Errorf("%s is %s: %w", doc.Number, doc.Status, ErrNotPending)
	}
	return doc, nil
}

// checkStockItems rejects lines that reference stock items the tenant does not own.
func (s *Service) checkStockItems(ctx context.Context, tenantID int64, lines []LineInput) error {
	seen := make(map[int64]struct{}, len(lines))
	for i, l := range lines {
		if _, ok := seen[l.StockItemID]; ok {
			continue
		}
		seen[l.StockItemID] = struct{}{}
		if _, err := s.store.StockItem(ctx, tenantID, l.StockItemID); err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return shared.NewValidationError(fmt.Sprintf("lines[%d].stock_item_id", i), "unknown stock item")
			}
			return err
		}
	}
	return nil
}

func checkRefundAccount(ctx context.Context, tx ledger.Tx, tenantID, accountID int64) error {
	account, err := tx.AccountForUpdate(ctx, tenantID, accountID)
	if err != nil {
		return err
	}
	if !account.Active {
		return ErrAccountInactive
	}
	return nil
}

func (s *Service) price(inputs []LineInput) ([]ledger.Line, pricing.Totals, error) {
	items := make([]pricing.Item, len(inputs))
	lines := make([]ledger.Line, len(inputs))
	for i, in := range inputs {
		items[i] = pricing.Item{Quantity: in.Quantity, UnitPrice: in.UnitPrice}
		itemID := in.StockItemID
		lines[i] = ledger.Line{
			Position:    i + 1,
			StockItemID: &itemID,
			Description: strings.TrimSpace(in.Description),
			Quantity:    in.Quantity,
			UnitPrice:   in.UnitPrice,
		}
	}
	totals, err := s.calc.Compute(items)
	if err != nil {
		return nil, pricing.Totals{}, shared.NewValidationError("lines", err.Error())
	}
	for i := range lines {
		lines[i].Amount = totals.Lines[i]
	}
	return lines, totals, nil
}

func validateCreate(req CreateRequest) error {
	verr := &shared.ValidationError{Fields: map[string]string{}}
	if req.TenantID <= 0 {
		verr.Fields["tenant_id"] = "is required"
	}
	if len(req.Lines) == 0 {
		verr.Fields["lines"] = "at least one line is required"
	}
	validateLines(verr, req.Lines)
	if req.RefundAmount.IsNegative() {
		verr.Fields["refund_amount"] = "must not be negative"
	} else if err := pricing.CheckAmount(req.RefundAmount); err != nil {
		verr.Fields["refund_amount"] = err.Error()
	}
	if !req.RefundAmount.IsZero() && req.RefundAccountID == nil {
		verr.Fields["refund_account_id"] = "is required when a refund amount is set"
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func validatePatch(p Patch) error {
	verr := &shared.ValidationError{Fields: map[string]string{}}
	if p.Lines != nil && len(p.Lines) == 0 {
		verr.Fields["lines"] = "at least one line is required"
	}
	validateLines(verr, p.Lines)
	if p.RefundAmount != nil {
		if p.RefundAmount.IsNegative() {
			verr.Fields["refund_amount"] = "must not be negative"
		} else if err := pricing.CheckAmount(*p.RefundAmount); err != nil {
			verr.Fields["refund_amount"] = err.Error()
		}
	}
	if p.ClearRefund && (p.RefundAccountID != nil || p.RefundAmount != nil) {
		verr.Fields["refund_account_id"] = "cannot be set while clearing the refund"
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// checkPatchedRefund rejects a patch that would leave a refund amount without an account to
// debit it from.
func checkPatchedRefund(doc *ledger.Document, p Patch) error {
	if p.ClearRefund {
		return nil
	}
	account, amount := doc.RefundAccountID, doc.RefundAmount
	if p.RefundAccountID != nil {
		account = p.RefundAccountID
	}
	if p.RefundAmount != nil {
		amount = *p.RefundAmount
	}
	if account == nil && !amount.IsZero() {
		return shared.NewValidationError("refund_account_id", "is required when a refund amount is set")
	}
	return nil
}

func validateLines(verr *shared.ValidationError, lines []LineInput) {
	for i, l := range lines {
		if l.StockItemID <= 0 {
			verr.Fields[fmt.Sprintf("lines[%d].stock_item_id", i)] = "is required"
		}
		if err := pricing.Validate(pricing.Item{Quantity: l.Quantity, UnitPrice: l.UnitPrice}); err != nil {
			verr.Fields[fmt.Sprintf("lines[%d]", i)] = err.Error()
		}
	}
}

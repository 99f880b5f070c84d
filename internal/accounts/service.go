package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/pricing"
	"github.com/billhub/billhub/internal/shared"
)

// pendingPage is how many unlinked payments LinkPending reads per query.
const pendingPage = 500

// Recorder counts recorded payments.
type Recorder interface {
	PaymentRecorded()
}

// Service manages accounts and payments.
type Service struct {
	store    ledger.Store
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
	pageSize int
}

// NewService builds Service.
func NewService(store ledger.Store, logger *slog.Logger, recorder Recorder) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, recorder: recorder, now: time.Now, pageSize: pendingPage}
}

// Create opens an account whose current balance starts at the opening balance.
func (s *Service) Create(ctx context.Context, input CreateInput) (*ledger.Account, error) {
	input.Name = strings.TrimSpace(input.Name)
	verr := &shared.ValidationError{Fields: map[string]string{}}
	if input.TenantID <= 0 {
		verr.Fields["tenant_id"] = "is required"
	}
	if input.Name == "" {
		verr.Fields["name"] = "is required"
	}
	if !input.Kind.Valid() {
		verr.Fields["kind"] = "must be cash, bank or mobile_money"
	}
	if err := pricing.CheckAmount(input.OpeningBalance); err != nil {
		verr.Fields["opening_balance"] = err.Error()
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}

	opening := input.OpeningBalance
	account := &ledger.Account{
		TenantID:       input.TenantID,
		Name:           input.Name,
		Kind:           input.Kind,
		OpeningBalance: opening,
		CurrentBalance: opening,
		Active:         true,
	}
	if err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.InsertAccount(ctx, account)
	}); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "account created", slog.Int64("tenant_id", account.TenantID), slog.Int64("account_id", account.ID))
	return account, nil
}

// Get returns one account.
func (s *Service) Get(ctx context.Context, tenantID, id int64) (*ledger.Account, error) {
	return s.store.Account(ctx, tenantID, id)
}

// List returns the accounts of a tenant.
func (s *Service) List(ctx context.Context, tenantID int64) ([]ledger.Account, error) {
	return s.store.Accounts(ctx, tenantID)
}

// Update changes name or kind.
func (s *Service) Update(ctx context.Context, tenantID, id int64, patch Patch) (*ledger.Account, error) {
	verr := &shared.ValidationError{Fields: map[string]string{}}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			verr.Fields["name"] = "must not be empty"
		}
		patch.Name = &name
	}
	if patch.Kind != nil && !patch.Kind.Valid() {
		verr.Fields["kind"] = "must be cash, bank or mobile_money"
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}
	return s.mutate(ctx, tenantID, id, ledger.AccountPatch{Name: patch.Name, Kind: patch.Kind})
}

// Deactivate stops the account from receiving payments and refunds.
func (s *Service) Deactivate(ctx context.Context, tenantID, id int64) (*ledger.Account, error) {
	inactive := false
	account, err := s.mutate(ctx, tenantID, id, ledger.AccountPatch{Active: &inactive})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "account deactivated", slog.Int64("tenant_id", tenantID), slog.Int64("account_id", id))
	return account, nil
}

func (s *Service) mutate(ctx context.Context, tenantID, id int64, patch ledger.AccountPatch) (*ledger.Account, error) {
	var account *ledger.Account
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.AccountForUpdate(ctx, tenantID, id); err != nil {
			return err
		}
		if err := tx.UpdateAccount(ctx, tenantID, id, patch); err != nil {
			return err
		}
		var err error
		account, err = tx.AccountForUpdate(ctx, tenantID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Delete removes an account nothing refers to.
func (s *Service) Delete(ctx context.Context, tenantID, id int64) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.AccountForUpdate(ctx, tenantID, id); err != nil {
			return err
		}
		refs, err := tx.CountAccountReferences(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if refs > 0 {
			return ErrAccountInUse
		}
		return tx.DeleteAccount(ctx, tenantID, id)
	})
}

// Adjust moves the balance to target and records the difference as an adjustment.
func (s *Service) Adjust(ctx context.Context, tenantID, id int64, target decimal.Decimal, reason string) (*ledger.Account, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, shared.NewValidationError("reason", "is required")
	}
	if err := pricing.CheckAmount(target); err != nil {
		return nil, shared.NewValidationError("balance", err.Error())
	}

	var account *ledger.Account
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		if account, err = tx.AccountForUpdate(ctx, tenantID, id); err != nil {
			return err
		}
		delta := target.Sub(account.CurrentBalance)
		if delta.IsZero() {
			return nil
		}
		if err := tx.ApplyAccountDelta(ctx, &ledger.Movement{
			TenantID:  tenantID,
			AccountID: id,
			Kind:      ledger.MovementAdjustment,
			Amount:    delta,
			Note:      reason,
		}); err != nil {
			return err
		}
		account.CurrentBalance = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "account adjusted",
		slog.Int64("tenant_id", tenantID),
		slog.Int64("account_id", id),
		slog.String("balance", target.StringFixed(pricing.Places)),
		slog.String("reason", reason))
	return account, nil
}

// RecordPayment stores a confirmed payment, credits its account and, when the document hint
// resolves, applies it to that document. A hint that does not resolve yet leaves the payment
// unlinked for LinkPending.
func (s *Service) RecordPayment(ctx context.Context, input PaymentInput) (*ledger.Payment, error) {
	input.Reference = strings.TrimSpace(input.Reference)
	input.DocumentNumber = strings.TrimSpace(input.DocumentNumber)
	verr := &shared.ValidationError{Fields: map[string]string{}}
	if input.TenantID <= 0 {
		verr.Fields["tenant_id"] = "is required"
	}
	if input.AccountID <= 0 {
		verr.Fields["account_id"] = "is required"
	}
	if !input.Amount.IsPositive() {
		verr.Fields["amount"] = "must be greater than zero"
	} else if err := pricing.CheckAmount(input.Amount); err != nil {
		verr.Fields["amount"] = err.Error()
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}
	if input.Reference == "" {
		input.Reference = "PAY-" + uuid.NewString()
	}
	if input.ReceivedAt.IsZero() {
		input.ReceivedAt = s.now()
	}

	payment := &ledger.Payment{
		TenantID:       input.TenantID,
		AccountID:      input.AccountID,
		Amount:         input.Amount,
		Reference:      input.Reference,
		Channel:        input.Channel,
		DocumentNumber: input.DocumentNumber,
		ReceivedAt:     input.ReceivedAt,
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		account, err := tx.AccountForUpdate(ctx, input.TenantID, input.AccountID)
		if err != nil {
			return err
		}
		if !account.Active {
			return ErrAccountInactive
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			if errors.Is(err, ledger.ErrDuplicateReference) {
				return fmt.Errorf("%s: %w", payment.Reference, ErrDuplicatePayment)
			}
			return err
		}
		paymentID := payment.ID
		if err := tx.ApplyAccountDelta(ctx, &ledger.Movement{
			TenantID:  payment.TenantID,
			AccountID: payment.AccountID,
			Kind:      ledger.MovementPayment,
			Amount:    payment.Amount,
			PaymentID: &paymentID,
			Note:      payment.Reference,
		}); err != nil {
			return err
		}
		if payment.DocumentNumber == "" {
			return nil
		}
		doc, err := tx.DocumentByNumberForUpdate(ctx, payment.TenantID, payment.DocumentNumber)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return nil
			}
			return err
		}
		if doc.Status == ledger.StatusVoid {
			return nil
		}
		return applyPayment(ctx, tx, payment, doc)
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "payment recorded",
		slog.Int64("tenant_id", payment.TenantID),
		slog.Int64("account_id", payment.AccountID),
		slog.String("reference", payment.Reference),
		slog.String("amount", payment.Amount.StringFixed(pricing.Places)),
		slog.Bool("linked", payment.DocumentID != nil))
	if s.recorder != nil {
		s.recorder.PaymentRecorded()
	}
	return payment, nil
}

// LinkPayment applies an unlinked payment to the document carrying number.
func (s *Service) LinkPayment(ctx context.Context, tenantID, paymentID int64, number string) (*ledger.Payment, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, shared.NewValidationError("document_number", "is required")
	}
	var payment *ledger.Payment
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		if payment, err = tx.PaymentForUpdate(ctx, tenantID, paymentID); err != nil {
			return err
		}
		if payment.DocumentID != nil {
			return ErrPaymentLinked
		}
		doc, err := tx.DocumentByNumberForUpdate(ctx, tenantID, number)
		if err != nil {
			return err
		}
		if doc.Status == ledger.StatusVoid {
			return ErrNotPayable
		}
		return applyPayment(ctx, tx, payment, doc)
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "payment linked",
		slog.Int64("tenant_id", tenantID),
		slog.String("reference", payment.Reference),
		slog.String("number", number))
	return payment, nil
}

// LinkPending links every unlinked payment whose document hint now resolves. Payments are read
// in pages so unresolvable hints never hide newer ones; each payment is linked in its own
// transaction. The number linked is returned.
func (s *Service) LinkPending(ctx context.Context, tenantID int64) (int, error) {
	linked := 0
	var after int64
	for {
		pending, err := s.store.UnlinkedPayments(ctx, tenantID, after, s.pageSize)
		if err != nil {
			return linked, err
		}
		for _, p := range pending {
			if err := ctx.Err(); err != nil {
				return linked, err
			}
			after = p.ID
			_, err := s.LinkPayment(ctx, tenantID, p.ID, p.DocumentNumber)
			switch {
			case err == nil:
				linked++
			case errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrStateConflict):
				s.logger.DebugContext(ctx, "payment left unlinked",
					slog.Int64("tenant_id", tenantID),
					slog.Int64("payment_id", p.ID),
					slog.Any("reason", err))
			default:
				return linked, err
			}
		}
		if len(pending) == 0 || len(pending) < s.pageSize {
			return linked, nil
		}
	}
}

// Verify compares every account balance with opening balance plus movements.
func (s *Service) Verify(ctx context.Context, tenantID int64) ([]Discrepancy, error) {
	accounts, err := s.store.Accounts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	totals, err := s.store.MovementTotals(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var out []Discrepancy
	for _, a := range accounts {
		expected := a.OpeningBalance.Add(totals[a.ID])
		if !expected.Equal(a.CurrentBalance) {
			out = append(out, Discrepancy{AccountID: a.ID, Name: a.Name, Expected: expected, Actual: a.CurrentBalance})
		}
	}
	if len(out) > 0 {
		s.logger.WarnContext(ctx, "ledger discrepancies found", slog.Int64("tenant_id", tenantID), slog.Int("count", len(out)))
	}
	return out, nil
}

// applyPayment links payment to doc and moves the document towards paid.
func applyPayment(ctx context.Context, tx ledger.Tx, payment *ledger.Payment, doc *ledger.Document) error {
	paid := doc.AmountPaid.Add(payment.Amount)
	status := ledger.StatusPartiallyPaid
	if paid.GreaterThanOrEqual(doc.Total) {
		status = ledger.StatusPaid
	}
	if err := tx.AddAmountPaid(ctx, payment.TenantID, doc.ID, payment.Amount, status); err != nil {
		return err
	}
	if err := tx.LinkPayment(ctx, payment.TenantID, payment.ID, doc.ID); err != nil {
		return err
	}
	docID := doc.ID
	payment.DocumentID = &docID
	return nil
}

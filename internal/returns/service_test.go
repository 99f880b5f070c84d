package returns

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/ledger/ledgertest"
	"github.com/billhub/billhub/internal/pricing"
	"github.com/billhub/billhub/internal/sequence"
	"github.com/billhub/billhub/internal/shared"
)

type fixture struct {
	store   *ledgertest.Store
	svc     *Service
	itemA   int64
	itemB   int64
	account int64
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func newFixture(t *testing.T, balance string, opts ...Option) *fixture {
	t.Helper()
	store := ledgertest.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calc, err := pricing.NewCalculator(pricing.DefaultTaxRate)
	require.NoError(t, err)
	f := &fixture{store: store, svc: NewService(store, sequence.NewAllocator(logger), calc, "", logger, nil, opts...)}

	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		a := &ledger.StockItem{TenantID: 7, SKU: "A", Name: "Item A", Quantity: dec("10")}
		if err := tx.InsertStockItem(ctx, a); err != nil {
			return err
		}
		b := &ledger.StockItem{TenantID: 7, SKU: "B", Name: "Item B", Quantity: dec("4")}
		if err := tx.InsertStockItem(ctx, b); err != nil {
			return err
		}
		acc := &ledger.Account{TenantID: 7, Name: "Till", Kind: ledger.AccountCash, OpeningBalance: dec(balance), CurrentBalance: dec(balance), Active: true}
		if err := tx.InsertAccount(ctx, acc); err != nil {
			return err
		}
		f.itemA, f.itemB, f.account = a.ID, b.ID, acc.ID
		return nil
	}))
	return f
}

func (f *fixture) createReturn(t *testing.T, refund string) *ledger.Document {
	t.Helper()
	req := CreateRequest{
		TenantID: 7,
		Lines: []LineInput{
			{StockItemID: f.itemA, Description: "A", Quantity: dec("3"), UnitPrice: dec("50")},
			{StockItemID: f.itemB, Description: "B", Quantity: dec("1"), UnitPrice: dec("50")},
		},
	}
	if refund != "" {
		acc := f.account
		req.RefundAccountID = &acc
		req.RefundAmount = dec(refund)
	}
	doc, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	return doc
}

func (f *fixture) quantity(t *testing.T, id int64) decimal.Decimal {
	t.Helper()
	item, err := f.store.StockItem(context.Background(), 7, id)
	require.NoError(t, err)
	return item.Quantity
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	acc, err := f.store.Account(context.Background(), 7, f.account)
	require.NoError(t, err)
	return acc.CurrentBalance
}

func TestProcessReturnRestocksAndRefunds(t *testing.T) {
	f := newFixture(t, "1000")
	doc := f.createReturn(t, "200")
	require.Equal(t, "RET-00001", doc.Number)
	require.Equal(t, ledger.StatusPending, doc.Status)
	require.Equal(t, "200.00", doc.Subtotal.StringFixed(2))
	require.Equal(t, "232.00", doc.Total.StringFixed(2))

	res, err := f.svc.Process(context.Background(), 7, doc.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.LinesRestocked)
	require.Equal(t, "Return RET-00001 processed: 2 lines restocked", res.Message)

	assert.True(t, dec("13").Equal(f.quantity(t, f.itemA)))
	assert.True(t, dec("5").Equal(f.quantity(t, f.itemB)))
	assert.True(t, dec("800").Equal(f.balance(t)))

	got, err := f.svc.Get(context.Background(), 7, doc.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusProcessed, got.Status)
	require.NotNil(t, got.ProcessedAt)

	moves := f.store.Movements()
	require.Len(t, moves, 1)
	require.Equal(t, ledger.MovementRefund, moves[0].Kind)
	require.True(t, dec("-200").Equal(moves[0].Amount))
}

func TestProcessTwiceIsRejected(t *testing.T) {
	f := newFixture(t, "1000")
	doc := f.createReturn(t, "200")

	_, err := f.svc.Process(context.Background(), 7, doc.ID)
	require.NoError(t, err)

	_, err = f.svc.Process(context.Background(), 7, doc.ID)
	require.ErrorIs(t, err, ErrNotPending)
	require.ErrorIs(t, err, shared.ErrStateConflict)

	require.Len(t, f.store.StockMoves(), 2)
	assert.True(t, dec("13").Equal(f.quantity(t, f.itemA)))
	assert.True(t, dec("800").Equal(f.balance(t)))
}

func TestProcessRollsBackWhenRefundFails(t *testing.T) {
	f := newFixture(t, "1000")
	doc := f.createReturn(t, "200")

	f.store.FailNext("ApplyAccountDelta", shared.Storage("apply account delta", errors.New("connection reset")))
	_, err := f.svc.Process(context.Background(), 7, doc.ID)
	require.ErrorIs(t, err, shared.ErrStorage)

	got, err := f.svc.Get(context.Background(), 7, doc.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, got.Status)
	require.Nil(t, got.ProcessedAt)
	assert.True(t, dec("10").Equal(f.quantity(t, f.itemA)))
	assert.True(t, dec("4").Equal(f.quantity(t, f.itemB)))
	assert.True(t, dec("1000").Equal(f.balance(t)))
	assert.Empty(t, f.store.StockMoves())

	res, err := f.svc.Process(context.Background(), 7, doc.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.LinesRestocked)
}

func TestProcessRollsBackWhenRestockFails(t *testing.T) {
	f := newFixture(t, "1000")
	doc := f.createReturn(t, "200")

	f.store.FailNext("AdjustStock", shared.Storage("adjust stock", errors.New("deadlock detected")))
	_, err := f.svc.Process(context.Background(), 7, doc.ID)
	require.ErrorIs(t, err, shared.ErrStorage)
	assert.True(t, dec("1000").Equal(f.balance(t)))
	assert.Empty(t, f.store.Movements())
}

func TestProcessAllowsNegativeBalance(t *testing.T) {
	f := newFixture(t, "100")
	doc := f.createReturn(t, "250.50")

	_, err := f.svc.Process(context.Background(), 7, doc.ID)
	require.NoError(t, err)
	assert.True(t, dec("-150.50").Equal(f.balance(t)))
}

func TestProcessWithoutRefundLeavesBalance(t *testing.T) {
	f := newFixture(t, "1000")
	doc := f.createReturn(t, "")

	res, err := f.svc.Process(context.Background(), 7, doc.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.LinesRestocked)
	assert.True(t, dec("1000").Equal(f.balance(t)))
	assert.Empty(t, f.store.Movements())
}

func TestProcessRejectsInactiveRefundAccount(t *testing.T) {
	f := newFixture(t, "1000")
	doc := f.createReturn(t, "200")

	inactive := false
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.UpdateAccount(ctx, 7, f.account, ledger.AccountPatch{Active: &inactive})
	}))

	_, err := f.svc.Process(context.Background(), 7, doc.ID)
	require.ErrorIs(t, err, ErrAccountInactive)
	assert.True(t, dec("10").Equal(f.quantity(t, f.itemA)))
}

func TestProcessMissingReturn(t *testing.T) {
	f := newFixture(t, "1000")

	_, err := f.svc.Process(context.Background(), 7, 9999)
	require.ErrorIs(t, err, shared.ErrNotFound)

	doc := f.createReturn(t, "")
	_, err = f.svc.Process(context.Background(), 8, doc.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestConcurrentProcessSettlesOnce(t *testing.T) {
	f := newFixture(t, "1000")
	doc := f.createReturn(t, "200")

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Process(context.Background(), 7, doc.ID)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrNotPending):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, ok.Load())
	require.EqualValues(t, 7, rejected.Load())
	assert.True(t, dec("13").Equal(f.quantity(t, f.itemA)))
	assert.True(t, dec("800").Equal(f.balance(t)))
}

func TestUpdatePendingReturn(t *testing.T) {
	f := newFixture(t, "1000")
	doc := f.createReturn(t, "200")

	notes := "customer kept item B"
	refund := dec("150")
	updated, err := f.svc.Update(context.Background(), 7, doc.ID, Patch{
		Notes:        &notes,
		RefundAmount: &refund,
		Lines:        []LineInput{{StockItemID: f.itemA, Quantity: dec("3"), UnitPrice: dec("50")}},
	})
	require.NoError(t, err)
	require.Equal(t, notes, updated.Notes)
	require.Len(t, updated.Lines, 1)
	require.Equal(t, "150.00", updated.Subtotal.StringFixed(2))
	require.Equal(t, "24.00", updated.Tax.StringFixed(2))
	require.Equal(t, "174.00", updated.Total.StringFixed(2))

	res, err := f.svc.Process(context.Background(), 7, doc.ID)
	require.NoError(t, err)
	require.Equal(t, 1, res.LinesRestocked)
	assert.True(t, dec("850").Equal(f.balance(t)))
	assert.True(t, dec("4").Equal(f.quantity(t, f.itemB)))
}

func TestClearRefund(t *testing.T) {
	f := newFixture(t, "1000")
	doc := f.createReturn(t, "200")

	updated, err := f.svc.Update(context.Background(), 7, doc.ID, Patch{ClearRefund: true})
	require.NoError(t, err)
	require.Nil(t, updated.RefundAccountID)
	require.True(t, updated.RefundAmount.IsZero())
}

func TestTerminalReturnsAreFrozen(t *testing.T) {
	f := newFixture(t, "1000")
	doc := f.createReturn(t, "200")

	cancelled, err := f.svc.Cancel(context.Background(), 7, doc.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCancelled, cancelled.Status)

	notes := "late edit"
	_, err = f.svc.Update(context.Background(), 7, doc.ID, Patch{Notes: &notes})
	require.ErrorIs(t, err, ErrNotPending)
	require.ErrorIs(t, f.svc.Delete(context.Background(), 7, doc.ID), ErrNotPending)
	_, err = f.svc.Process(context.Background(), 7, doc.ID)
	require.ErrorIs(t, err, ErrNotPending)
	_, err = f.svc.Cancel(context.Background(), 7, doc.ID)
	require.ErrorIs(t, err, ErrNotPending)

	assert.True(t, dec("10").Equal(f.quantity(t, f.itemA)))
	assert.True(t, dec("1000").Equal(f.balance(t)))
}

func TestDeletePendingReturn(t *testing.T) {
	f := newFixture(t, "1000")
	doc := f.createReturn(t, "")

	require.NoError(t, f.svc.Delete(context.Background(), 7, doc.ID))
	_, err := f.svc.Get(context.Background(), 7, doc.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)

	next := f.createReturn(t, "")
	require.Equal(t, "RET-00002", next.Number)
}

func TestDeletedNumberIsNeverReissued(t *testing.T) {
	f := newFixture(t, "1000")
	first := f.createReturn(t, "")
	second := f.createReturn(t, "")
	require.Equal(t, "RET-00002", second.Number)

	require.NoError(t, f.svc.Delete(context.Background(), 7, second.ID))
	require.NoError(t, f.svc.Delete(context.Background(), 7, first.ID))

	third := f.createReturn(t, "")
	require.Equal(t, "RET-00003", third.Number)
}

func TestUpdateRejectsRefundWithoutAccount(t *testing.T) {
	f := newFixture(t, "1000")
	doc := f.createReturn(t, "")

	refund := dec("200")
	_, err := f.svc.Update(context.Background(), 7, doc.ID, Patch{RefundAmount: &refund})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "refund_account_id")

	unchanged, err := f.svc.Get(context.Background(), 7, doc.ID)
	require.NoError(t, err)
	require.True(t, unchanged.RefundAmount.IsZero())

	acc := f.account
	_, err = f.svc.Update(context.Background(), 7, doc.ID, Patch{RefundAccountID: &acc, RefundAmount: &refund})
	require.NoError(t, err)
	res, err := f.svc.Process(context.Background(), 7, doc.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.LinesRestocked)
	assert.True(t, dec("800").Equal(f.balance(t)))
}

func TestUpdateKeepsRefundAccountForNewAmount(t *testing.T) {
	f := newFixture(t, "1000")
	doc := f.createReturn(t, "200")

	refund := dec("50")
	updated, err := f.svc.Update(context.Background(), 7, doc.ID, Patch{RefundAmount: &refund})
	require.NoError(t, err)
	require.NotNil(t, updated.RefundAccountID)
	require.Equal(t, "50.00", updated.RefundAmount.StringFixed(2))
}

func TestAmountsMustFitStoredScale(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	acc := f.account

	_, err := f.svc.Create(ctx, CreateRequest{TenantID: 7, Lines: []LineInput{{StockItemID: f.itemA, Quantity: dec("0.00001"), UnitPrice: dec("10.005")}}})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "lines[0]")

	_, err = f.svc.Create(ctx, CreateRequest{
		TenantID:        7,
		Lines:           []LineInput{{StockItemID: f.itemA, Quantity: dec("1"), UnitPrice: dec("10")}},
		RefundAccountID: &acc,
		RefundAmount:    dec("10.001"),
	})
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "refund_amount")
	require.Empty(t, f.store.Documents(7))

	doc := f.createReturn(t, "200")
	fine := dec("199.999")
	_, err = f.svc.Update(ctx, 7, doc.ID, Patch{RefundAmount: &fine})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateRequest{TenantID: 7})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.Create(ctx, CreateRequest{TenantID: 7, RefundAmount: dec("5"), Lines: []LineInput{{StockItemID: f.itemA, Quantity: dec("1"), UnitPrice: dec("1")}}})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "refund_account_id")

	_, err = f.svc.Create(ctx, CreateRequest{TenantID: 7, Lines: []LineInput{{StockItemID: 424242, Quantity: dec("1"), UnitPrice: dec("1")}}})
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "lines[0].stock_item_id")

	_, err = f.svc.Create(ctx, CreateRequest{TenantID: 7, Lines: []LineInput{{StockItemID: f.itemA, Quantity: dec("0"), UnitPrice: dec("1")}}})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Zero(t, len(f.store.Documents(7)))
}

func TestCreateAgainstInvoice(t *testing.T) {
	f := newFixture(t, "1000")
	first := f.createReturn(t, "")

	_, err := f.svc.Create(context.Background(), CreateRequest{
		TenantID:  7,
		InvoiceID: &first.ID,
		Lines:     []LineInput{{StockItemID: f.itemA, Quantity: dec("1"), UnitPrice: dec("1")}},
	})
	require.ErrorIs(t, err, ErrInvoiceMismatch)
}

func TestProcessMessageLanguage(t *testing.T) {
	f := newFixture(t, "1000", WithLanguage(language.Spanish))
	doc, err := f.svc.Create(context.Background(), CreateRequest{
		TenantID: 7,
		Lines:    []LineInput{{StockItemID: f.itemA, Quantity: dec("1"), UnitPrice: dec("10")}},
	})
	require.NoError(t, err)

	res, err := f.svc.Process(context.Background(), 7, doc.ID)
	require.NoError(t, err)
	require.Contains(t, res.Message, "RET-00001")
	require.Contains(t, res.Message, "procesada")
}

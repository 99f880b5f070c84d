package sequence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/ledger/ledgertest"
	"github.com/billhub/billhub/internal/shared"
)

type countingRecorder struct {
	collisions map[string]int
	exhausted  map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{collisions: map[string]int{}, exhausted: map[string]int{}}
}

func (r *countingRecorder) ObserveCollision(series string) { r.collisions[series]++ }
func (r *countingRecorder) ObserveExhausted(series string) { r.exhausted[series]++ }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func allocate(t *testing.T, store *ledgertest.Store, alloc *Allocator, tenantID int64, prefix string) (string, error) {
	t.Helper()
	var number string
	err := store.WithTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		var err error
		number, err = alloc.Allocate(ctx, tx, tenantID, prefix, func(ctx context.Context, n string) error {
			return tx.InsertDocument(ctx, &ledger.Document{
				TenantID: tenantID, Kind: ledger.KindServiceInvoice, Series: prefix, Number: n,
				Status: ledger.StatusIssued,
			})
		})
		return err
	})
	return number, err
}

func TestFormatAndParse(t *testing.T) {
	require.Equal(t, "SRV-00001", Format("SRV-", 1))
	require.Equal(t, "INV-123456", Format("INV-", 123456))

	n, err := Parse("SRV-", "")
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = Parse("SRV-", "SRV-00042")
	require.NoError(t, err)
	require.EqualValues(t, 42, n)

	_, err = Parse("SRV-", "INV-00001")
	require.Error(t, err)
	_, err = Parse("SRV-", "SRV-abc")
	require.Error(t, err)
}

func TestAllocateFirstNumbersForTenant(t *testing.T) {
	store := ledgertest.New()
	alloc := NewAllocator(quietLogger())

	first, err := allocate(t, store, alloc, 7, "SRV-")
	require.NoError(t, err)
	require.Equal(t, "SRV-00001", first)

	second, err := allocate(t, store, alloc, 7, "SRV-")
	require.NoError(t, err)
	require.Equal(t, "SRV-00002", second)

	require.Equal(t, []string{"seq:7:SRV-", "seq:7:SRV-"}, store.Locks())
}

func TestAllocateSequentialIsStrictlyIncreasing(t *testing.T) {
	store := ledgertest.New()
	alloc := NewAllocator(quietLogger())

	prev := int64(0)
	for i := 0; i < 30; i++ {
		number, err := allocate(t, store, alloc, 1, "INV-")
		require.NoError(t, err)
		n, err := Parse("INV-", number)
		require.NoError(t, err)
		require.Greater(t, n, prev)
		prev = n
	}
}

func TestAllocateSeriesAndTenantsAreIndependent(t *testing.T) {
	store := ledgertest.New()
	alloc := NewAllocator(quietLogger())

	for _, tc := range []struct {
		tenant int64
		prefix string
		want   string
	}{
		{1, "INV-", "INV-00001"},
		{1, "SRV-", "SRV-00001"},
		{2, "INV-", "INV-00001"},
		{1, "INV-", "INV-00002"},
	} {
		got, err := allocate(t, store, alloc, tc.tenant, tc.prefix)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestAllocateRetriesPastCollisions(t *testing.T) {
	store := ledgertest.New()
	recorder := newCountingRecorder()
	alloc := NewAllocator(quietLogger(), WithRecorder(recorder))

	store.Phantom(7, "SRV-", "SRV-00001")
	store.Phantom(7, "SRV-", "SRV-00002")

	number, err := allocate(t, store, alloc, 7, "SRV-")
	require.NoError(t, err)
	require.Equal(t, "SRV-00003", number)
	require.Equal(t, 2, recorder.collisions["SRV-"])
	require.Len(t, store.Documents(7), 1)
}

func TestCollisionKeepsEarlierTransactionWork(t *testing.T) {
	store := ledgertest.New()
	alloc := NewAllocator(quietLogger())
	ctx := context.Background()

	var itemID int64
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		item := &ledger.StockItem{TenantID: 3, SKU: "A", Name: "Widget", Quantity: decimal.NewFromInt(10)}
		if err := tx.InsertStockItem(ctx, item); err != nil {
			return err
		}
		itemID = item.ID
		return nil
	}))

	store.Phantom(3, "RET-", "RET-00001")
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.AdjustStock(ctx, 3, itemID, decimal.NewFromInt(-4), 0); err != nil {
			return err
		}
		_, err := alloc.Allocate(ctx, tx, 3, "RET-", func(ctx context.Context, n string) error {
			return tx.InsertDocument(ctx, &ledger.Document{TenantID: 3, Kind: ledger.KindReturn, Series: "RET-", Number: n, Status: ledger.StatusPending})
		})
		return err
	}))

	item, err := store.StockItem(ctx, 3, itemID)
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(6).Equal(item.Quantity))
	docs := store.Documents(3)
	require.Len(t, docs, 1)
	require.Equal(t, "RET-00002", docs[0].Number)
}

func TestAllocateExhaustsRetryBudget(t *testing.T) {
	store := ledgertest.New()
	recorder := newCountingRecorder()
	alloc := NewAllocator(quietLogger(), WithRecorder(recorder))

	for i := int64(1); i <= DefaultMaxAttempts; i++ {
		store.Phantom(9, "INV-", Format("INV-", i))
	}

	_, err := allocate(t, store, alloc, 9, "INV-")
	require.ErrorIs(t, err, shared.ErrAllocationExhausted)
	require.Equal(t, DefaultMaxAttempts, recorder.collisions["INV-"])
	require.Equal(t, 1, recorder.exhausted["INV-"])
	require.Empty(t, store.Documents(9))
	require.Zero(t, store.Commits())
}

func TestAllocateSucceedsOnLastAttempt(t *testing.T) {
	store := ledgertest.New()
	alloc := NewAllocator(quietLogger(), WithMaxAttempts(3))

	store.Phantom(9, "INV-", "INV-00001")
	store.Phantom(9, "INV-", "INV-00002")

	number, err := allocate(t, store, alloc, 9, "INV-")
	require.NoError(t, err)
	require.Equal(t, "INV-00003", number)
}

func TestAllocatePropagatesUnrelatedInsertErrors(t *testing.T) {
	store := ledgertest.New()
	recorder := newCountingRecorder()
	alloc := NewAllocator(quietLogger(), WithRecorder(recorder))

	boom := errors.New("disk full")
	store.FailNext("InsertDocument", boom)

	_, err := allocate(t, store, alloc, 4, "SRV-")
	require.ErrorIs(t, err, boom)
	require.Empty(t, recorder.collisions)
	require.Empty(t, store.Documents(4))
}

func TestAllocateRejectsEmptyPrefix(t *testing.T) {
	store := ledgertest.New()
	_, err := allocate(t, store, NewAllocator(nil), 1, " ")
	require.ErrorIs(t, err, ErrInvalidPrefix)
}

func TestAllocatePropagatesLockFailure(t *testing.T) {
	store := ledgertest.New()
	lockErr := shared.Storage("lock series", errors.New("connection reset"))
	store.FailNext("LockSeries", lockErr)

	_, err := allocate(t, store, NewAllocator(quietLogger()), 1, "INV-")
	require.ErrorIs(t, err, shared.ErrStorage)
}

package sequence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/billhub/billhub/internal/ledger"
)

// seriesDB keeps one mutex per (tenant, series) like pg_advisory_xact_lock, so unrelated
// series run in parallel while callers of the same series queue up.
type seriesDB struct {
	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	committed map[string][]string
}

func newSeriesDB() *seriesDB {
	return &seriesDB{locks: map[string]*sync.Mutex{}, committed: map[string][]string{}}
}

func seriesKey(tenantID int64, series string) string {
	return fmt.Sprintf("%d:%s", tenantID, series)
}

func (db *seriesDB) lockFor(key string) *sync.Mutex {
	db.mu.Lock()
	defer db.mu.Unlock()
	l, ok := db.locks[key]
	if !ok {
		l = &sync.Mutex{}
		db.locks[key] = l
	}
	return l
}

// run executes fn as one transaction and commits its inserts when fn succeeds.
func (db *seriesDB) run(ctx context.Context, fn func(context.Context, *seriesTx) error) error {
	tx := &seriesTx{db: db, pending: map[string][]string{}}
	defer tx.unlock()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for key, numbers := range tx.pending {
		db.committed[key] = append(db.committed[key], numbers...)
	}
	return nil
}

func (db *seriesDB) numbers(tenantID int64, series string) []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := append([]string(nil), db.committed[seriesKey(tenantID, series)]...)
	sort.Strings(out)
	return out
}

type seriesTx struct {
	db      *seriesDB
	held    []*sync.Mutex
	pending map[string][]string
}

var _ ledger.SequenceTx = (*seriesTx)(nil)

func (t *seriesTx) LockSeries(_ context.Context, tenantID int64, series string) error {
	l := t.db.lockFor(seriesKey(tenantID, series))
	l.Lock()
	t.held = append(t.held, l)
	return nil
}

func (t *seriesTx) LastNumber(_ context.Context, tenantID int64, series string) (string, error) {
	last := ""
	for _, n := range t.db.numbers(tenantID, series) {
		if len(n) > len(last) || (len(n) == len(last) && n > last) {
			last = n
		}
	}
	return last, nil
}

func (t *seriesTx) Savepoint(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func (t *seriesTx) insert(tenantID int64, series, number string) error {
	key := seriesKey(tenantID, series)
	for _, n := range t.db.numbers(tenantID, series) {
		if n == number {
			return ledger.ErrDuplicateNumber
		}
	}
	t.pending[key] = append(t.pending[key], number)
	return nil
}

func (t *seriesTx) unlock() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.held[i].Unlock()
	}
}

func TestConcurrentAllocationWithPerSeriesLocks(t *testing.T) {
	db := newSeriesDB()
	alloc := NewAllocator(quietLogger())
	const callers = 24

	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			return db.run(context.Background(), func(ctx context.Context, tx *seriesTx) error {
				_, err := alloc.Allocate(ctx, tx, 7, "SRV-", func(ctx context.Context, number string) error {
					return tx.insert(7, "SRV-", number)
				})
				return err
			})
		})
	}
	require.NoError(t, g.Wait())

	got := db.numbers(7, "SRV-")
	require.Len(t, got, callers)
	for i, n := range got {
		require.Equal(t, Format("SRV-", int64(i+1)), n)
	}
}

func TestHeldSeriesDoesNotBlockOtherSeries(t *testing.T) {
	db := newSeriesDB()
	alloc := NewAllocator(quietLogger())

	inside := make(chan struct{})
	release := make(chan struct{})
	blocked := make(chan error, 1)
	go func() {
		blocked <- db.run(context.Background(), func(ctx context.Context, tx *seriesTx) error {
			_, err := alloc.Allocate(ctx, tx, 1, "INV-", func(ctx context.Context, number string) error {
				close(inside)
				<-release
				return tx.insert(1, "INV-", number)
			})
			return err
		})
	}()
	<-inside

	done := make(chan error, 1)
	go func() {
		var g errgroup.Group
		for _, target := range []struct {
			tenant int64
			series string
		}{{1, "SRV-"}, {2, "INV-"}, {1, "RET-"}} {
			target := target
			g.Go(func() error {
				return db.run(context.Background(), func(ctx context.Context, tx *seriesTx) error {
					_, err := alloc.Allocate(ctx, tx, target.tenant, target.series, func(ctx context.Context, number string) error {
						return tx.insert(target.tenant, target.series, number)
					})
					return err
				})
			})
		}
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("allocation in another series waited for a held lock")
	}
	require.Equal(t, []string{"INV-00001"}, db.numbers(2, "INV-"))

	waiting := make(chan error, 1)
	go func() {
		waiting <- db.run(context.Background(), func(ctx context.Context, tx *seriesTx) error {
			_, err := alloc.Allocate(ctx, tx, 1, "INV-", func(ctx context.Context, number string) error {
				return tx.insert(1, "INV-", number)
			})
			return err
		})
	}()
	select {
	case <-waiting:
		t.Fatal("same series allocated while its lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-blocked)
	require.NoError(t, <-waiting)
	require.Equal(t, []string{"INV-00001", "INV-00002"}, db.numbers(1, "INV-"))
}

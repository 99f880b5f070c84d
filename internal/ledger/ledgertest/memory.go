// Package ledgertest provides an in-memory ledger.Store for service tests.
//
// Transactions are serialized and work on a private copy of the data that replaces the
// committed copy only when the callback succeeds. Savepoints snapshot the working copy.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/shared"
)

// StockMove mirrors a stock_movements row.
type StockMove struct {
	TenantID    int64
	StockItemID int64
	Delta       decimal.Decimal
	DocumentID  int64
}

type numberKey struct {
	tenantID int64
	series   string
	number   string
}

type state struct {
	documents  map[int64]ledger.Document
	accounts   map[int64]ledger.Account
	movements  []ledger.Movement
	stock      map[int64]ledger.StockItem
	stockMoves []StockMove
	bookings   map[int64]ledger.Booking
	units      map[int64]ledger.BillableUnit
	payments   map[int64]ledger.Payment
	retired    []numberKey
}

func newState() *state {
	return &state{
		documents: make(map[int64]ledger.Document),
		accounts:  make(map[int64]ledger.Account),
		stock:     make(map[int64]ledger.StockItem),
		bookings:  make(map[int64]ledger.Booking),
		units:     make(map[int64]ledger.BillableUnit),
		payments:  make(map[int64]ledger.Payment),
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.documents {
		out.documents[k] = copyDocument(v)
	}
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	out.movements = append([]ledger.Movement(nil), s.movements...)
	for k, v := range s.stock {
		out.stock[k] = v
	}
	out.stockMoves = append([]StockMove(nil), s.stockMoves...)
	for k, v := range s.bookings {
		out.bookings[k] = v
	}
	for k, v := range s.units {
		out.units[k] = v
	}
	for k, v := range s.payments {
		out.payments[k] = v
	}
	out.retired = append([]numberKey(nil), s.retired...)
	return out
}

func copyDocument(d ledger.Document) ledger.Document {
	d.Lines = append([]ledger.Line(nil), d.Lines...)
	return d
}

// Store is an in-memory ledger.Store.
type Store struct {
	txMu sync.Mutex

	mu       sync.Mutex
	data     *state
	phantoms map[numberKey]struct{}
	faults   map[string]error
	locks    []string
	commits  int

	ids atomic.Int64
	now func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		data:     newState(),
		phantoms: make(map[numberKey]struct{}),
		faults:   make(map[string]error),
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Phantom makes number collide on insert while staying invisible to LastNumber, the way a
// row committed by a transaction the lock holder cannot see yet would behave.
func (s *Store) Phantom(tenantID int64, series, number string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phantoms[numberKey{tenantID, series, number}] = struct{}{}
}

// FailNext makes the next call of the named Tx method return err.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// Locks returns the series lock keys taken so far.
func (s *Store) Locks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.locks...)
}

// Commits returns the number of committed transactions.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Documents returns committed documents of a tenant ordered by id.
func (s *Store) Documents(tenantID int64) []ledger.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Document
	for _, d := range s.data.documents {
		if d.TenantID == tenantID {
			out = append(out, copyDocument(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Movements returns committed account movements.
func (s *Store) Movements() []ledger.Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.Movement(nil), s.data.movements...)
}

// StockMoves returns committed stock movements.
func (s *Store) StockMoves() []StockMove {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StockMove(nil), s.data.stockMoves...)
}

// Tamper edits a committed account directly, bypassing movements.
func (s *Store) Tamper(accountID int64, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.data.accounts[accountID]
	acc.CurrentBalance = balance
	s.data.accounts[accountID] = acc
}

func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return shared.Storage("begin", err)
	}

	s.mu.Lock()
	tx := &memTx{store: s, work: s.data.clone()}
	s.mu.Unlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = tx.work
	s.commits++
	s.mu.Unlock()
	return nil
}

func (s *Store) Document(_ context.Context, tenantID, id int64) (*ledger.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data.documents[id]
	if !ok || d.TenantID != tenantID {
		return nil, ledger.ErrDocumentNotFound
	}
	out := copyDocument(d)
	return &out, nil
}

func (s *Store) DocumentByNumber(_ context.Context, tenantID int64, series, number string) (*ledger.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.data.documents {
		if d.TenantID == tenantID && d.Series == series && d.Number == number {
			out := copyDocument(d)
			return &out, nil
		}
	}
	return nil, ledger.ErrDocumentNotFound
}

func (s *Store) Account(_ context.Context, tenantID, id int64) (*ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.data.accounts[id]
	if !ok || a.TenantID != tenantID {
		return nil, ledger.ErrAccountNotFound
	}
	return &a, nil
}

func (s *Store) Accounts(_ context.Context, tenantID int64) ([]ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Account
	for _, a := range s.data.accounts {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) MovementTotals(_ context.Context, tenantID int64) (map[int64]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]decimal.Decimal)
	for _, m := range s.data.movements {
		if m.TenantID == tenantID {
			out[m.AccountID] = out[m.AccountID].Add(m.Amount)
		}
	}
	return out, nil
}

func (s *Store) StockItem(_ context.Context, tenantID, id int64) (*ledger.StockItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.data.stock[id]
	if !ok || item.TenantID != tenantID {
		return nil, ledger.ErrStockItemNotFound
	}
	return &item, nil
}

func (s *Store) Units(_ context.Context, tenantID, bookingID int64) ([]ledger.BillableUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.BillableUnit
	for _, u := range s.data.units {
		if u.TenantID == tenantID && u.BookingID != nil && *u.BookingID == bookingID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UnlinkedPayments(_ context.Context, tenantID, afterID int64, limit int) ([]ledger.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Payment
	for _, p := range s.data.payments {
		if p.TenantID == tenantID && p.ID > afterID && p.DocumentID == nil && p.DocumentNumber != "" {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Tenants(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int64]struct{})
	for _, a := range s.data.accounts {
		seen[a.TenantID] = struct{}{}
	}
	for _, d := range s.data.documents {
		seen[d.TenantID] = struct{}{}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) nextID() int64 {
	return s.ids.Add(1)
}

func (s *Store) fault(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.faults[op]
	if !ok {
		return nil
	}
	delete(s.faults, op)
	return err
}

func (s *Store) isPhantom(tenantID int64, series, number string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.phantoms[numberKey{tenantID, series, number}]
	return ok
}

func (s *Store) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

type memTx struct {
	store *Store
	work  *state
}

func (t *memTx) LockSeries(_ context.Context, tenantID int64, series string) error {
	if err := t.store.fault("LockSeries"); err != nil {
		return err
	}
	t.store.mu.Lock()
	t.store.locks = append(t.store.locks, shared.SequenceLockKey(tenantID, series))
	t.store.mu.Unlock()
	return nil
}

func (t *memTx) LastNumber(_ context.Context, tenantID int64, series string) (string, error) {
	if err := t.store.fault("LastNumber"); err != nil {
		return "", err
	}
	last := ""
	higher := func(number string) {
		if len(number) > len(last) || (len(number) == len(last) && number > last) {
			last = number
		}
	}
	for _, d := range t.work.documents {
		if d.TenantID == tenantID && d.Series == series {
			higher(d.Number)
		}
	}
	for _, r := range t.work.retired {
		if r.tenantID == tenantID && r.series == series {
			higher(r.number)
		}
	}
	return last, nil
}

func (t *memTx) Savepoint(ctx context.Context, fn func(context.Context) error) error {
	snapshot := t.work.clone()
	if err := fn(ctx); err != nil {
		t.work = snapshot
		return err
	}
	return nil
}

func (t *memTx) InsertDocument(_ context.Context, doc *ledger.Document) error {
	if err := t.store.fault("InsertDocument"); err != nil {
		return err
	}
	if t.store.isPhantom(doc.TenantID, doc.Series, doc.Number) {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateNumber, doc.Number)
	}
	for _, d := range t.work.documents {
		if d.TenantID == doc.TenantID && d.Series == doc.Series && d.Number == doc.Number {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateNumber, doc.Number)
		}
	}
	now := t.store.clock()
	doc.ID = t.store.nextID()
	doc.CreatedAt, doc.UpdatedAt = now, now
	stored := copyDocument(*doc)
	stored.Lines = nil
	t.work.documents[doc.ID] = stored
	return nil
}

func (t *memTx) InsertLines(_ context.Context, documentID int64, lines []ledger.Line) error {
	if err := t.store.fault("InsertLines"); err != nil {
		return err
	}
	d, ok := t.work.documents[documentID]
	if !ok {
		return shared.Storage("insert line", errors.New("document does not exist"))
	}
	for i := range lines {
		lines[i].ID = t.store.nextID()
		lines[i].DocumentID = documentID
		d.Lines = append(d.Lines, lines[i])
	}
	t.work.documents[documentID] = d
	return nil
}

func (t *memTx) ReplaceLines(ctx context.Context, documentID int64, lines []ledger.Line) error {
	d, ok := t.work.documents[documentID]
	if !ok {
		return shared.Storage("replace lines", errors.New("document does not exist"))
	}
	d.Lines = nil
	t.work.documents[documentID] = d
	return t.InsertLines(ctx, documentID, lines)
}

func (t *memTx) DocumentForUpdate(_ context.Context, tenantID, id int64) (*ledger.Document, error) {
	if err := t.store.fault("DocumentForUpdate"); err != nil {
		return nil, err
	}
	d, ok := t.work.documents[id]
	if !ok || d.TenantID != tenantID {
		return nil, ledger.ErrDocumentNotFound
	}
	out := copyDocument(d)
	return &out, nil
}

func (t *memTx) DocumentByNumberForUpdate(_ context.Context, tenantID int64, number string) (*ledger.Document, error) {
	var found *ledger.Document
	for _, d := range t.work.documents {
		if d.TenantID != tenantID || d.Number != number || d.Kind == ledger.KindReturn {
			continue
		}
		if found == nil || d.ID < found.ID {
			c := copyDocument(d)
			found = &c
		}
	}
	if found == nil {
		return nil, ledger.ErrDocumentNotFound
	}
	return found, nil
}

func (t *memTx) SetDocumentStatus(_ context.Context, tenantID, id int64, status ledger.DocumentStatus) error {
	if err := t.store.fault("SetDocumentStatus"); err != nil {
		return err
	}
	d, ok := t.work.documents[id]
	if !ok || d.TenantID != tenantID {
		return ledger.ErrDocumentNotFound
	}
	now := t.store.clock()
	d.Status = status
	d.UpdatedAt = now
	if status == ledger.StatusProcessed {
		d.ProcessedAt = &now
	}
	t.work.documents[id] = d
	return nil
}

func (t *memTx) UpdateReturn(_ context.Context, tenantID, id int64, patch ledger.ReturnPatch) error {
	d, ok := t.work.documents[id]
	if !ok || d.TenantID != tenantID || d.Kind != ledger.KindReturn {
		return ledger.ErrDocumentNotFound
	}
	if patch.Notes != nil {
		d.Notes = *patch.Notes
	}
	if patch.ClearRefund {
		d.RefundAccountID = nil
		d.RefundAmount = decimal.Zero
	} else {
		if patch.RefundAccountID != nil {
			v := *patch.RefundAccountID
			d.RefundAccountID = &v
		}
		if patch.RefundAmount != nil {
			d.RefundAmount = *patch.RefundAmount
		}
	}
	if patch.Subtotal != nil {
		d.Subtotal = *patch.Subtotal
	}
	if patch.Tax != nil {
		d.Tax = *patch.Tax
	}
	if patch.Total != nil {
		d.Total = *patch.Total
	}
	d.UpdatedAt = t.store.clock()
	t.work.documents[id] = d
	return nil
}

func (t *memTx) DeleteDocument(_ context.Context, tenantID, id int64) error {
	d, ok := t.work.documents[id]
	if !ok || d.TenantID != tenantID {
		return ledger.ErrDocumentNotFound
	}
	delete(t.work.documents, id)
	t.work.retired = append(t.work.retired, numberKey{d.TenantID, d.Series, d.Number})
	return nil
}

func (t *memTx) AddAmountPaid(_ context.Context, tenantID, id int64, amount decimal.Decimal, status ledger.DocumentStatus) error {
	d, ok := t.work.documents[id]
	if !ok || d.TenantID != tenantID {
		return ledger.ErrDocumentNotFound
	}
	d.AmountPaid = d.AmountPaid.Add(amount)
	d.Status = status
	d.UpdatedAt = t.store.clock()
	t.work.documents[id] = d
	return nil
}

func (t *memTx) InsertBooking(_ context.Context, b *ledger.Booking) error {
	if b.Status == "" {
		b.Status = ledger.BookingOpen
	}
	b.ID = t.store.nextID()
	b.CreatedAt = t.store.clock()
	t.work.bookings[b.ID] = *b
	return nil
}

func (t *memTx) InsertUnit(_ context.Context, u *ledger.BillableUnit) error {
	if u.Status == "" {
		u.Status = ledger.UnitOpen
	}
	if u.BookingID != nil {
		if _, ok := t.work.bookings[*u.BookingID]; !ok {
			return shared.Storage("insert unit", errors.New("booking does not exist"))
		}
	}
	u.ID = t.store.nextID()
	u.CreatedAt = t.store.clock()
	t.work.units[u.ID] = *u
	return nil
}

func (t *memTx) BookingForUpdate(_ context.Context, tenantID, id int64) (*ledger.Booking, error) {
	b, ok := t.work.bookings[id]
	if !ok || b.TenantID != tenantID {
		return nil, ledger.ErrBookingNotFound
	}
	return &b, nil
}

func (t *memTx) SetBookingStatus(_ context.Context, tenantID, id int64, status ledger.BookingStatus) error {
	b, ok := t.work.bookings[id]
	if !ok || b.TenantID != tenantID {
		return ledger.ErrBookingNotFound
	}
	b.Status = status
	t.work.bookings[id] = b
	return nil
}

func (t *memTx) UnitsForUpdate(_ context.Context, tenantID int64, ids []int64) ([]ledger.BillableUnit, error) {
	var out []ledger.BillableUnit
	for _, id := range ids {
		if u, ok := t.work.units[id]; ok && u.TenantID == tenantID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) OpenUnitsForUpdate(_ context.Context, tenantID, bookingID int64) ([]ledger.BillableUnit, error) {
	var out []ledger.BillableUnit
	for _, u := range t.work.units {
		if u.TenantID == tenantID && u.BookingID != nil && *u.BookingID == bookingID && u.Status == ledger.UnitOpen {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) MarkUnitsBilled(_ context.Context, tenantID int64, ids []int64, invoiceID int64) error {
	if err := t.store.fault("MarkUnitsBilled"); err != nil {
		return err
	}
	for _, id := range ids {
		u, ok := t.work.units[id]
		if !ok || u.TenantID != tenantID || u.Status != ledger.UnitOpen {
			return shared.Storage("mark units billed", fmt.Errorf("unit %d is not open", id))
		}
		u.Status = ledger.UnitBilled
		inv := invoiceID
		u.InvoiceID = &inv
		t.work.units[id] = u
	}
	return nil
}

func (t *memTx) InsertStockItem(_ context.Context, item *ledger.StockItem) error {
	for _, existing := range t.work.stock {
		if existing.TenantID == item.TenantID && existing.SKU == item.SKU {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateSKU, item.SKU)
		}
	}
	now := t.store.clock()
	item.ID = t.store.nextID()
	item.CreatedAt, item.UpdatedAt = now, now
	t.work.stock[item.ID] = *item
	return nil
}

func (t *memTx) AdjustStock(_ context.Context, tenantID, itemID int64, delta decimal.Decimal, documentID int64) error {
	if err := t.store.fault("AdjustStock"); err != nil {
		return err
	}
	item, ok := t.work.stock[itemID]
	if !ok || item.TenantID != tenantID {
		return ledger.ErrStockItemNotFound
	}
	item.Quantity = item.Quantity.Add(delta)
	item.UpdatedAt = t.store.clock()
	t.work.stock[itemID] = item
	t.work.stockMoves = append(t.work.stockMoves, StockMove{
		TenantID: tenantID, StockItemID: itemID, Delta: delta, DocumentID: documentID,
	})
	return nil
}

func (t *memTx) InsertAccount(_ context.Context, a *ledger.Account) error {
	now := t.store.clock()
	a.ID = t.store.nextID()
	a.CreatedAt, a.UpdatedAt = now, now
	t.work.accounts[a.ID] = *a
	return nil
}

func (t *memTx) AccountForUpdate(_ context.Context, tenantID, id int64) (*ledger.Account, error) {
	a, ok := t.work.accounts[id]
	if !ok || a.TenantID != tenantID {
		return nil, ledger.ErrAccountNotFound
	}
	return &a, nil
}

func (t *memTx) UpdateAccount(_ context.Context, tenantID, id int64, patch ledger.AccountPatch) error {
	a, ok := t.work.accounts[id]
	if !ok || a.TenantID != tenantID {
		return ledger.ErrAccountNotFound
	}
	if patch.Name != nil {
		a.Name = *patch.Name
	}
	if patch.Kind != nil {
		a.Kind = *patch.Kind
	}
	if patch.Active != nil {
		a.Active = *patch.Active
	}
	a.UpdatedAt = t.store.clock()
	t.work.accounts[id] = a
	return nil
}

func (t *memTx) DeleteAccount(_ context.Context, tenantID, id int64) error {
	a, ok := t.work.accounts[id]
	if !ok || a.TenantID != tenantID {
		return ledger.ErrAccountNotFound
	}
	delete(t.work.accounts, id)
	kept := t.work.movements[:0]
	for _, m := range t.work.movements {
		if m.AccountID != id {
			kept = append(kept, m)
		}
	}
	t.work.movements = kept
	return nil
}

func (t *memTx) CountAccountReferences(_ context.Context, tenantID, id int64) (int, error) {
	n := 0
	for _, p := range t.work.payments {
		if p.TenantID == tenantID && p.AccountID == id {
			n++
		}
	}
	for _, d := range t.work.documents {
		if d.TenantID == tenantID && d.RefundAccountID != nil && *d.RefundAccountID == id {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ApplyAccountDelta(_ context.Context, m *ledger.Movement) error {
	if err := t.store.fault("ApplyAccountDelta"); err != nil {
		return err
	}
	a, ok := t.work.accounts[m.AccountID]
	if !ok || a.TenantID != m.TenantID {
		return ledger.ErrAccountNotFound
	}
	now := t.store.clock()
	a.CurrentBalance = a.CurrentBalance.Add(m.Amount)
	a.UpdatedAt = now
	t.work.accounts[a.ID] = a
	m.ID = t.store.nextID()
	m.CreatedAt = now
	t.work.movements = append(t.work.movements, *m)
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, p *ledger.Payment) error {
	if err := t.store.fault("InsertPayment"); err != nil {
		return err
	}
	if a, ok := t.work.accounts[p.AccountID]; !ok || a.TenantID != p.TenantID {
		return ledger.ErrAccountNotFound
	}
	for _, existing := range t.work.payments {
		if existing.TenantID == p.TenantID && existing.Reference == p.Reference {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateReference, p.Reference)
		}
	}
	p.ID = t.store.nextID()
	p.CreatedAt = t.store.clock()
	t.work.payments[p.ID] = *p
	return nil
}

func (t *memTx) PaymentForUpdate(_ context.Context, tenantID, id int64) (*ledger.Payment, error) {
	p, ok := t.work.payments[id]
	if !ok || p.TenantID != tenantID {
		return nil, ledger.ErrPaymentNotFound
	}
	return &p, nil
}

func (t *memTx) LinkPayment(_ context.Context, tenantID, paymentID, documentID int64) error {
	p, ok := t.work.payments[paymentID]
	if !ok || p.TenantID != tenantID {
		return ledger.ErrPaymentNotFound
	}
	doc := documentID
	p.DocumentID = &doc
	t.work.payments[paymentID] = p
	return nil
}

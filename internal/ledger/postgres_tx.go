package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/billhub/billhub/internal/platform/db"
	"github.com/billhub/billhub/internal/shared"
)

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockSeries(ctx context.Context, tenantID int64, series string) error {
	if err := db.AdvisoryXactLock(ctx, t.tx, shared.SequenceLockKey(tenantID, series)); err != nil {
		return shared.Storage("lock series", err)
	}
	return nil
}

// LastNumber orders by length first so that numbers wider than the pad width still sort last.
// Numbers of deleted documents count as issued.
func (t *pgTx) LastNumber(ctx context.Context, tenantID int64, series string) (string, error) {
	var number string
	err := t.tx.QueryRow(ctx, `SELECT number FROM (
    SELECT number FROM documents WHERE tenant_id = $1 AND series = $2
    UNION ALL
    SELECT number FROM retired_numbers WHERE tenant_id = $1 AND series = $2
) issued
ORDER BY length(number) DESC, number DESC
LIMIT 1`, tenantID, series).Scan(&number)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", shared.Storage("last number", err)
	}
	return number, nil
}

func (t *pgTx) Savepoint(ctx context.Context, fn func(context.Context) error) error {
	return db.WithSavepoint(ctx, t.tx, func(pgx.Tx) error {
		return fn(ctx)
	})
}

func (t *pgTx) InsertDocument(ctx context.Context, doc *Document) error {
	err := t.tx.QueryRow(ctx, `INSERT INTO documents
(tenant_id, kind, series, number, payer_id, booking_id, invoice_id, status, subtotal, tax, total,
 amount_paid, refund_account_id, refund_amount, notes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
RETURNING id, created_at, updated_at`,
		doc.TenantID, string(doc.Kind), doc.Series, doc.Number, doc.PayerID, db.Int8(doc.BookingID), db.Int8(doc.InvoiceID),
		string(doc.Status), db.Numeric(doc.Subtotal), db.Numeric(doc.Tax), db.Numeric(doc.Total),
		db.Numeric(doc.AmountPaid), db.Int8(doc.RefundAccountID), db.Numeric(doc.RefundAmount), doc.Notes,
	).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, documentNumberConstraint) {
			return fmt.Errorf("%w: %s", ErrDuplicateNumber, doc.Number)
		}
		return shared.Storage("insert document", err)
	}
	return nil
}

func (t *pgTx) InsertLines(ctx context.Context, documentID int64, lines []Line) error {
	for i := range lines {
		l := &lines[i]
		l.DocumentID = documentID
		err := t.tx.QueryRow(ctx, `INSERT INTO document_lines
(document_id, position, stock_item_id, billable_unit_id, description, quantity, unit_price, amount)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			documentID, l.Position, db.Int8(l.StockItemID), db.Int8(l.BillableUnitID), l.Description,
			db.Numeric(l.Quantity), db.Numeric(l.UnitPrice), db.Numeric(l.Amount),
		).Scan(&l.ID)
		if err != nil {
			return shared.Storage("insert line", err)
		}
	}
	return nil
}

func (t *pgTx) ReplaceLines(ctx context.Context, documentID int64, lines []Line) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM document_lines WHERE document_id = $1`, documentID); err != nil {
		return shared.Storage("delete lines", err)
	}
	return t.InsertLines(ctx, documentID, lines)
}

func (t *pgTx) DocumentForUpdate(ctx context.Context, tenantID, id int64) (*Document, error) {
	doc, err := scanDocument(t.tx.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
	if err != nil {
		return nil, notFound(err, ErrDocumentNotFound, "lock document")
	}
	if doc.Lines, err = loadLines(ctx, t.tx, doc.ID); err != nil {
		return nil, err
	}
	return doc, nil
}

func (t *pgTx) DocumentByNumberForUpdate(ctx context.Context, tenantID int64, number string) (*Document, error) {
	doc, err := scanDocument(t.tx.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents
WHERE tenant_id = $1 AND number = $2 AND kind <> 'return'
ORDER BY id LIMIT 1 FOR UPDATE`, tenantID, number))
	if err != nil {
		return nil, notFound(err, ErrDocumentNotFound, "lock document by number")
	}
	return doc, nil
}

func (t *pgTx) SetDocumentStatus(ctx context.Context, tenantID, id int64, status DocumentStatus) error {
	query := `UPDATE documents SET status = $3, updated_at = NOW() WHERE tenant_id = $1 AND id = $2`
	if status == StatusProcessed {
		query = `UPDATE documents SET status = $3, updated_at = NOW(), processed_at = NOW() WHERE tenant_id = $1 AND id = $2`
	}
	return t.execOne(ctx, "set document status", ErrDocumentNotFound, query, tenantID, id, string(status))
}

func (t *pgTx) UpdateReturn(ctx context.Context, tenantID, id int64, patch ReturnPatch) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{tenantID, id}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Notes != nil {
		add("notes", *patch.Notes)
	}
	if patch.ClearRefund {
		add("refund_account_id", pgtype.Int8{})
		add("refund_amount", db.Numeric(decimal.Zero))
	} else {
		if patch.RefundAccountID != nil {
			add("refund_account_id", db.Int8(patch.RefundAccountID))
		}
		if patch.RefundAmount != nil {
			add("refund_amount", db.Numeric(*patch.RefundAmount))
		}
	}
	if patch.Subtotal != nil {
		add("subtotal", db.Numeric(*patch.Subtotal))
	}
	if patch.Tax != nil {
		add("tax", db.Numeric(*patch.Tax))
	}
	if patch.Total != nil {
		add("total", db.Numeric(*patch.Total))
	}
	query := `UPDATE documents SET ` + strings.Join(sets, ", ") + ` WHERE tenant_id = $1 AND id = $2 AND kind = 'return'`
	return t.execOne(ctx, "update return", ErrDocumentNotFound, query, args...)
}

// DeleteDocument keeps the number in retired_numbers so the series never hands it out again.
func (t *pgTx) DeleteDocument(ctx context.Context, tenantID, id int64) error {
	return t.execOne(ctx, "delete document", ErrDocumentNotFound, `WITH gone AS (
    DELETE FROM documents WHERE tenant_id = $1 AND id = $2 RETURNING tenant_id, series, number
)
INSERT INTO retired_numbers (tenant_id, series, number)
SELECT tenant_id, series, number FROM gone`, tenantID, id)
}

func (t *pgTx) AddAmountPaid(ctx context.Context, tenantID, id int64, amount decimal.Decimal, status DocumentStatus) error {
	return t.execOne(ctx, "add amount paid", ErrDocumentNotFound,
		`UPDATE documents SET amount_paid = amount_paid + $3, status = $4, updated_at = NOW() WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, db.Numeric(amount), string(status))
}

func (t *pgTx) InsertBooking(ctx context.Context, b *Booking) error {
	if b.Status == "" {
		b.Status = BookingOpen
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO bookings (tenant_id, payer_id, reference, status) VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		b.TenantID, b.PayerID, b.Reference, string(b.Status)).Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		return shared.Storage("insert booking", err)
	}
	return nil
}

func (t *pgTx) InsertUnit(ctx context.Context, u *BillableUnit) error {
	if u.Status == "" {
		u.Status = UnitOpen
	}
	err := t.tx.QueryRow(ctx, `INSERT INTO billable_units (tenant_id, booking_id, description, quantity, unit_price, status)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		u.TenantID, db.Int8(u.BookingID), u.Description, db.Numeric(u.Quantity), db.Numeric(u.UnitPrice), string(u.Status),
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return shared.Storage("insert unit", err)
	}
	return nil
}

func (t *pgTx) BookingForUpdate(ctx context.Context, tenantID, id int64) (*Booking, error) {
	var (
		b      Booking
		status string
	)
	err := t.tx.QueryRow(ctx,
		`SELECT id, tenant_id, payer_id, reference, status, created_at FROM bookings WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		tenantID, id).Scan(&b.ID, &b.TenantID, &b.PayerID, &b.Reference, &status, &b.CreatedAt)
	if err != nil {
		return nil, notFound(err, ErrBookingNotFound, "lock booking")
	}
	b.Status = BookingStatus(status)
	return &b, nil
}

func (t *pgTx) SetBookingStatus(ctx context.Context, tenantID, id int64, status BookingStatus) error {
	return t.execOne(ctx, "set booking status", ErrBookingNotFound,
		`UPDATE bookings SET status = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, id, string(status))
}

func (t *pgTx) UnitsForUpdate(ctx context.Context, tenantID int64, ids []int64) ([]BillableUnit, error) {
	return queryUnits(ctx, t.tx, "lock units",
		`SELECT `+unitColumns+` FROM billable_units WHERE tenant_id = $1 AND id = ANY($2) ORDER BY id FOR UPDATE`,
		tenantID, ids)
}

func (t *pgTx) OpenUnitsForUpdate(ctx context.Context, tenantID, bookingID int64) ([]BillableUnit, error) {
	return queryUnits(ctx, t.tx, "lock open units",
		`SELECT `+unitColumns+` FROM billable_units
WHERE tenant_id = $1 AND booking_id = $2 AND status = 'open'
ORDER BY id FOR UPDATE`, tenantID, bookingID)
}

func (t *pgTx) MarkUnitsBilled(ctx context.Context, tenantID int64, ids []int64, invoiceID int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE billable_units SET status = 'billed', invoice_id = $3 WHERE tenant_id = $1 AND id = ANY($2) AND status = 'open'`,
		tenantID, ids, invoiceID)
	if err != nil {
		return shared.Storage("mark units billed", err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return shared.Storage("mark units billed", fmt.Errorf("updated %d of %d units", tag.RowsAffected(), len(ids)))
	}
	return nil
}

func (t *pgTx) InsertStockItem(ctx context.Context, item *StockItem) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO stock_items (tenant_id, sku, name, quantity) VALUES ($1, $2, $3, $4) RETURNING id, created_at, updated_at`,
		item.TenantID, item.SKU, item.Name, db.Numeric(item.Quantity)).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, stockSKUConstraint) {
			return fmt.Errorf("%w: %s", ErrDuplicateSKU, item.SKU)
		}
		return shared.Storage("insert stock item", err)
	}
	return nil
}

func (t *pgTx) AdjustStock(ctx context.Context, tenantID, itemID int64, delta decimal.Decimal, documentID int64) error {
	err := t.execOne(ctx, "adjust stock", ErrStockItemNotFound,
		`UPDATE stock_items SET quantity = quantity + $3, updated_at = NOW() WHERE tenant_id = $1 AND id = $2`,
		tenantID, itemID, db.Numeric(delta))
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO stock_movements (tenant_id, stock_item_id, delta, document_id) VALUES ($1, $2, $3, $4)`,
		tenantID, itemID, db.Numeric(delta), documentID)
	if err != nil {
		return shared.Storage("insert stock movement", err)
	}
	return nil
}

func (t *pgTx) InsertAccount(ctx context.Context, a *Account) error {
	err := t.tx.QueryRow(ctx, `INSERT INTO accounts (tenant_id, name, kind, opening_balance, current_balance, active)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at, updated_at`,
		a.TenantID, a.Name, string(a.Kind), db.Numeric(a.OpeningBalance), db.Numeric(a.CurrentBalance), a.Active,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return shared.Storage("insert account", err)
	}
	return nil
}

func (t *pgTx) AccountForUpdate(ctx context.Context, tenantID, id int64) (*Account, error) {
	acc, err := scanAccount(t.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
	if err != nil {
		return nil, notFound(err, ErrAccountNotFound, "lock account")
	}
	return acc, nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, tenantID, id int64, patch AccountPatch) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{tenantID, id}
	if patch.Name != nil {
		args = append(args, *patch.Name)
		sets = append(sets, fmt.Sprintf("name = $%d", len(args)))
	}
	if patch.Kind != nil {
		args = append(args, string(*patch.Kind))
		sets = append(sets, fmt.Sprintf("kind = $%d", len(args)))
	}
	if patch.Active != nil {
		args = append(args, *patch.Active)
		sets = append(sets, fmt.Sprintf("active = $%d", len(args)))
	}
	return t.execOne(ctx, "update account", ErrAccountNotFound,
		`UPDATE accounts SET `+strings.Join(sets, ", ")+` WHERE tenant_id = $1 AND id = $2`, args...)
}

func (t *pgTx) DeleteAccount(ctx context.Context, tenantID, id int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM account_movements WHERE tenant_id = $1 AND account_id = $2`, tenantID, id); err != nil {
		return shared.Storage("delete account movements", err)
	}
	return t.execOne(ctx, "delete account", ErrAccountNotFound,
		`DELETE FROM accounts WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (t *pgTx) CountAccountReferences(ctx context.Context, tenantID, id int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT
  (SELECT COUNT(*) FROM payments WHERE tenant_id = $1 AND account_id = $2) +
  (SELECT COUNT(*) FROM documents WHERE tenant_id = $1 AND refund_account_id = $2)`, tenantID, id).Scan(&n)
	if err != nil {
		return 0, shared.Storage("count account references", err)
	}
	return n, nil
}

func (t *pgTx) ApplyAccountDelta(ctx context.Context, m *Movement) error {
	err := t.execOne(ctx, "apply account delta", ErrAccountNotFound,
		`UPDATE accounts SET current_balance = current_balance + $3, updated_at = NOW() WHERE tenant_id = $1 AND id = $2`,
		m.TenantID, m.AccountID, db.Numeric(m.Amount))
	if err != nil {
		return err
	}
	err = t.tx.QueryRow(ctx, `INSERT INTO account_movements (tenant_id, account_id, kind, amount, document_id, payment_id, note)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`,
		m.TenantID, m.AccountID, string(m.Kind), db.Numeric(m.Amount), db.Int8(m.DocumentID), db.Int8(m.PaymentID), m.Note,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return shared.Storage("insert movement", err)
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *Payment) error {
	err := t.tx.QueryRow(ctx, `INSERT INTO payments (tenant_id, account_id, amount, reference, channel, document_number, document_id, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id, created_at`,
		p.TenantID, p.AccountID, db.Numeric(p.Amount), p.Reference, p.Channel, p.DocumentNumber, db.Int8(p.DocumentID), p.ReceivedAt,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, paymentReferenceConstraint) {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, p.Reference)
		}
		return shared.Storage("insert payment", err)
	}
	return nil
}

func (t *pgTx) PaymentForUpdate(ctx context.Context, tenantID, id int64) (*Payment, error) {
	p, err := scanPayment(t.tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
	if err != nil {
		return nil, notFound(err, ErrPaymentNotFound, "lock payment")
	}
	return p, nil
}

func (t *pgTx) LinkPayment(ctx context.Context, tenantID, paymentID, documentID int64) error {
	return t.execOne(ctx, "link payment", ErrPaymentNotFound,
		`UPDATE payments SET document_id = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, paymentID, documentID)
}

// execOne runs a statement expected to touch exactly one row.
func (t *pgTx) execOne(ctx context.Context, op string, missing error, query string, args ...interface{}) error {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return shared.Storage(op, err)
	}
	if tag.RowsAffected() == 0 {
		return missing
	}
	return nil
}

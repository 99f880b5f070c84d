package ledger

import (
	"context"
	_ "embed"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/billhub/billhub/internal/platform/db"
	"github.com/billhub/billhub/internal/shared"
)

// Schema is the DDL the PostgreSQL store expects.
//
//go:embed schema.sql
var Schema string

const (
	documentNumberConstraint   = "documents_tenant_series_number_key"
	paymentReferenceConstraint = "payments_tenant_reference_key"
	stockSKUConstraint         = "stock_items_tenant_sku_key"
)

const documentColumns = `id, tenant_id, kind, series, number, payer_id, booking_id, invoice_id, status,
subtotal, tax, total, amount_paid, refund_account_id, refund_amount, notes, created_at, updated_at, processed_at`

const lineColumns = `id, document_id, position, stock_item_id, billable_unit_id, description, quantity, unit_price, amount`

const accountColumns = `id, tenant_id, name, kind, opening_balance, current_balance, active, created_at, updated_at`

const unitColumns = `id, tenant_id, booking_id, description, quantity, unit_price, status, invoice_id, created_at`

const paymentColumns = `id, tenant_id, account_id, amount, reference, channel, document_number, document_id, received_at, created_at`

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresStore persists the ledger in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return shared.Storage("migrate", err)
	}
	return nil
}

// WithTx runs fn inside a read-committed transaction. Any error from fn rolls back everything.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

// Document loads a committed document with its lines.
func (s *PostgresStore) Document(ctx context.Context, tenantID, id int64) (*Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return nil, notFound(err, ErrDocumentNotFound, "get document")
	}
	if doc.Lines, err = loadLines(ctx, s.pool, doc.ID); err != nil {
		return nil, err
	}
	return doc, nil
}

// DocumentByNumber loads a committed document by its series and number.
func (s *PostgresStore) DocumentByNumber(ctx context.Context, tenantID int64, series, number string) (*Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = $1 AND series = $2 AND number = $3`,
		tenantID, series, number))
	if err != nil {
		return nil, notFound(err, ErrDocumentNotFound, "get document by number")
	}
	if doc.Lines, err = loadLines(ctx, s.pool, doc.ID); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *PostgresStore) Account(ctx context.Context, tenantID, id int64) (*Account, error) {
	acc, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return nil, notFound(err, ErrAccountNotFound, "get account")
	}
	return acc, nil
}

func (s *PostgresStore) Accounts(ctx context.Context, tenantID int64) ([]Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, shared.Storage("list accounts", err)
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, shared.Storage("scan account", err)
		}
		out = append(out, *acc)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Storage("list accounts", err)
	}
	return out, nil
}

// MovementTotals sums recorded movements per account of the tenant.
func (s *PostgresStore) MovementTotals(ctx context.Context, tenantID int64) (map[int64]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, SUM(amount) FROM account_movements WHERE tenant_id = $1 GROUP BY account_id`, tenantID)
	if err != nil {
		return nil, shared.Storage("sum movements", err)
	}
	defer rows.Close()
	out := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var (
			accountID int64
			sum       pgtype.Numeric
		)
		if err := rows.Scan(&accountID, &sum); err != nil {
			return nil, shared.Storage("scan movement sum", err)
		}
		out[accountID] = db.Decimal(sum)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Storage("sum movements", err)
	}
	return out, nil
}

func (s *PostgresStore) StockItem(ctx context.Context, tenantID, id int64) (*StockItem, error) {
	var (
		item StockItem
		qty  pgtype.Numeric
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, sku, name, quantity, created_at, updated_at FROM stock_items WHERE tenant_id = $1 AND id = $2`,
		tenantID, id).Scan(&item.ID, &item.TenantID, &item.SKU, &item.Name, &qty, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, notFound(err, ErrStockItemNotFound, "get stock item")
	}
	item.Quantity = db.Decimal(qty)
	return &item, nil
}

// Units lists the units of a booking regardless of status.
func (s *PostgresStore) Units(ctx context.Context, tenantID, bookingID int64) ([]BillableUnit, error) {
	return queryUnits(ctx, s.pool, "list units",
		`SELECT `+unitColumns+` FROM billable_units WHERE tenant_id = $1 AND booking_id = $2 ORDER BY id`,
		tenantID, bookingID)
}

// UnlinkedPayments lists payments after afterID that quote a document number but are not
// linked yet, in id order.
func (s *PostgresStore) UnlinkedPayments(ctx context.Context, tenantID, afterID int64, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments
WHERE tenant_id = $1 AND id > $2 AND document_id IS NULL AND document_number <> ''
ORDER BY id LIMIT $3`, tenantID, afterID, limit)
	if err != nil {
		return nil, shared.Storage("list unlinked payments", err)
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, shared.Storage("scan payment", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Storage("list unlinked payments", err)
	}
	return out, nil
}

// Tenants lists every tenant owning at least one account or document.
func (s *PostgresStore) Tenants(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id FROM accounts UNION SELECT tenant_id FROM documents ORDER BY 1`)
	if err != nil {
		return nil, shared.Storage("list tenants", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, shared.Storage("scan tenant", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Storage("list tenants", err)
	}
	return out, nil
}

func notFound(err, sentinel error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return shared.Storage(op, err)
}

func scanDocument(row pgx.Row) (*Document, error) {
	var (
		d                                     Document
		kind, status                          string
		bookingID, invoiceID, refundAccountID pgtype.Int8
		subtotal, tax, total, paid, refund    pgtype.Numeric
		processedAt                           pgtype.Timestamptz
	)
	err := row.Scan(&d.ID, &d.TenantID, &kind, &d.Series, &d.Number, &d.PayerID, &bookingID, &invoiceID, &status,
		&subtotal, &tax, &total, &paid, &refundAccountID, &refund, &d.Notes, &d.CreatedAt, &d.UpdatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	d.Kind = DocumentKind(kind)
	d.Status = DocumentStatus(status)
	d.BookingID = db.Int8Ptr(bookingID)
	d.InvoiceID = db.Int8Ptr(invoiceID)
	d.RefundAccountID = db.Int8Ptr(refundAccountID)
	d.Subtotal = db.Decimal(subtotal)
	d.Tax = db.Decimal(tax)
	d.Total = db.Decimal(total)
	d.AmountPaid = db.Decimal(paid)
	d.RefundAmount = db.Decimal(refund)
	if processedAt.Valid {
		t := processedAt.Time
		d.ProcessedAt = &t
	}
	return &d, nil
}

func loadLines(ctx context.Context, q dbtx, documentID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT `+lineColumns+` FROM document_lines WHERE document_id = $1 ORDER BY position`, documentID)
	if err != nil {
		return nil, shared.Storage("load lines", err)
	}
	defer rows.Close()
	var out []Line
	for rows.Next() {
		var (
			l                   Line
			stockItemID, unitID pgtype.Int8
			qty, price, amount  pgtype.Numeric
		)
		if err := rows.Scan(&l.ID, &l.DocumentID, &l.Position, &stockItemID, &unitID, &l.Description, &qty, &price, &amount); err != nil {
			return nil, shared.Storage("scan line", err)
		}
		l.StockItemID = db.Int8Ptr(stockItemID)
		l.BillableUnitID = db.Int8Ptr(unitID)
		l.Quantity = db.Decimal(qty)
		l.UnitPrice = db.Decimal(price)
		l.Amount = db.Decimal(amount)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Storage("load lines", err)
	}
	return out, nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var (
		a                Account
		kind             string
		opening, current pgtype.Numeric
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.Name, &kind, &opening, &current, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Kind = AccountKind(kind)
	a.OpeningBalance = db.Decimal(opening)
	a.CurrentBalance = db.Decimal(current)
	return &a, nil
}

func queryUnits(ctx context.Context, q dbtx, op, sql string, args ...interface{}) ([]BillableUnit, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, shared.Storage(op, err)
	}
	defer rows.Close()
	var out []BillableUnit
	for rows.Next() {
		var (
			u                    BillableUnit
			status               string
			bookingID, invoiceID pgtype.Int8
			qty, price           pgtype.Numeric
		)
		if err := rows.Scan(&u.ID, &u.TenantID, &bookingID, &u.Description, &qty, &price, &status, &invoiceID, &u.CreatedAt); err != nil {
			return nil, shared.Storage(op, err)
		}
		u.BookingID = db.Int8Ptr(bookingID)
		u.InvoiceID = db.Int8Ptr(invoiceID)
		u.Quantity = db.Decimal(qty)
		u.UnitPrice = db.Decimal(price)
		u.Status = UnitStatus(status)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Storage(op, err)
	}
	return out, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var (
		p          Payment
		amount     pgtype.Numeric
		documentID pgtype.Int8
	)
	if err := row.Scan(&p.ID, &p.TenantID, &p.AccountID, &amount, &p.Reference, &p.Channel, &p.DocumentNumber,
		&documentID, &p.ReceivedAt, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Amount = db.Decimal(amount)
	p.DocumentID = db.Int8Ptr(documentID)
	return &p, nil
}

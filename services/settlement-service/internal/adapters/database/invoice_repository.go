package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	pkgdb "github.com/fishauctions/settlement/pkg/database"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/invoices"
)

const invoiceColumns = `
	id, auction_id, owner_id, role, status, subtotal, tax, total, amount_paid,
	created_at, updated_at, finalized_at`

// PostgresInvoiceRepository implements invoices.Repository using pgx.
type PostgresInvoiceRepository struct {
	pool   *pgxpool.Pool
	tm     pkgdb.TransactionManager
	outbox *PostgresOutbox
}

// NewPostgresInvoiceRepository creates a new PostgreSQL invoice repository
func NewPostgresInvoiceRepository(pool *pgxpool.Pool, tm pkgdb.TransactionManager, outbox *PostgresOutbox) *PostgresInvoiceRepository {
	return &PostgresInvoiceRepository{pool: pool, tm: tm, outbox: outbox}
}

func (r *PostgresInvoiceRepository) GetInvoice(ctx context.Context, id uuid.UUID) (*invoices.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *PostgresInvoiceRepository) FindInvoice(ctx context.Context, auctionID, ownerID uuid.UUID, role invoices.Role) (*invoices.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE auction_id = $1 AND owner_id = $2 AND role = $3::invoice_role`
	return r.getOne(ctx, query, auctionID, ownerID, role)
}

func (r *PostgresInvoiceRepository) ListInvoicesByAuction(ctx context.Context, auctionID uuid.UUID) ([]*invoices.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE auction_id = $1 ORDER BY role, owner_id`
	rows, err := r.pool.Query(ctx, query, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var result []*invoices.Invoice
	byID := make(map[uuid.UUID]*invoices.Invoice)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		result = append(result, inv)
		byID[inv.ID] = inv
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invoices: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(result))
	for _, inv := range result {
		ids = append(ids, inv.ID)
	}
	if err := r.loadLines(ctx, r.pool, ids, byID); err != nil {
		return nil, err
	}
	return result, nil
}

// SaveInvoice upserts the invoice and rewrites its line items. amount_paid is
// left to AddPayment.
func (r *PostgresInvoiceRepository) SaveInvoice(ctx context.Context, inv *invoices.Invoice) error {
	return pkgdb.InTx(ctx, r.tm, func(tx pgx.Tx) error {
		return saveInvoice(ctx, tx, inv)
	})
}

// FreezeInvoices saves every invoice and queues events in one transaction.
func (r *PostgresInvoiceRepository) FreezeInvoices(ctx context.Context, all []*invoices.Invoice, events ...auction.Event) error {
	return pkgdb.InTx(ctx, r.tm, func(tx pgx.Tx) error {
		for _, inv := range all {
			if err := saveInvoice(ctx, tx, inv); err != nil {
				return err
			}
		}
		return r.outbox.Append(ctx, tx, events...)
	})
}

func saveInvoice(ctx context.Context, tx pgx.Tx, inv *invoices.Invoice) error {
	query := `
		INSERT INTO invoices (id, auction_id, owner_id, role, status, subtotal, tax, total,
			created_at, updated_at, finalized_at)
		VALUES ($1, $2, $3, $4::invoice_role, $5::invoice_status, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, subtotal = EXCLUDED.subtotal, tax = EXCLUDED.tax,
			total = EXCLUDED.total, updated_at = EXCLUDED.updated_at, finalized_at = EXCLUDED.finalized_at
	`
	if _, err := tx.Exec(ctx, query,
		inv.ID,
		inv.AuctionID,
		inv.OwnerID,
		inv.Role,
		inv.Status,
		inv.Subtotal,
		inv.Tax,
		inv.Total,
		inv.CreatedAt,
		inv.UpdatedAt,
		inv.FinalizedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert invoice: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM invoice_line_items WHERE invoice_id = $1`, inv.ID); err != nil {
		return fmt.Errorf("failed to clear line items: %w", err)
	}
	if len(inv.LineItems) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(inv.LineItems))
	for i, item := range inv.LineItems {
		rows = append(rows, []any{
			inv.ID, i, item.LotID, item.LotNumber, item.Title, item.Quantity,
			item.UnitPrice, item.Gross, item.RefundPercent, item.Fees, item.Net,
		})
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"invoice_line_items"},
		[]string{"invoice_id", "position", "lot_id", "lot_number", "title", "quantity",
			"unit_price", "gross", "refund_percent", "fees", "net"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to insert line items: %w", err)
	}
	return nil
}

// AddPayment inserts the payment and bumps amount_paid in one transaction.
// A receipt already recorded on the invoice is reported as not added.
func (r *PostgresInvoiceRepository) AddPayment(ctx context.Context, p *invoices.Payment) (bool, error) {
	added := false
	err := pkgdb.InTx(ctx, r.tm, func(tx pgx.Tx) error {
		query := `
			INSERT INTO invoice_payments (id, invoice_id, amount, receipt_number, refund_of, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (invoice_id, receipt_number) DO NOTHING
		`
		result, err := tx.Exec(ctx, query, p.ID, p.InvoiceID, p.Amount, p.ReceiptNumber, p.RefundOf, p.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert payment: %w", err)
		}
		if result.RowsAffected() == 0 {
			return nil
		}

		result, err = tx.Exec(ctx, `UPDATE invoices SET amount_paid = amount_paid + $2 WHERE id = $1`, p.InvoiceID, p.Amount)
		if err != nil {
			return fmt.Errorf("failed to update amount paid: %w", err)
		}
		if result.RowsAffected() == 0 {
			return invoices.ErrInvoiceNotFound
		}
		added = true
		return nil
	})
	return added, err
}

func (r *PostgresInvoiceRepository) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*invoices.Payment, error) {
	query := `
		SELECT id, invoice_id, amount, receipt_number, refund_of, created_at
		FROM invoice_payments
		WHERE invoice_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.pool.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var result []*invoices.Payment
	for rows.Next() {
		var p invoices.Payment
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.ReceiptNumber, &p.RefundOf, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		result = append(result, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payments: %w", err)
	}
	return result, nil
}

func (r *PostgresInvoiceRepository) getOne(ctx context.Context, query string, args ...any) (*invoices.Invoice, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, invoices.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	if err := r.loadLines(ctx, r.pool, []uuid.UUID{inv.ID}, map[uuid.UUID]*invoices.Invoice{inv.ID: inv}); err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *PostgresInvoiceRepository) loadLines(ctx context.Context, db pkgdb.DBTX, ids []uuid.UUID, byID map[uuid.UUID]*invoices.Invoice) error {
	query := `
		SELECT invoice_id, lot_id, lot_number, title, quantity, unit_price, gross, refund_percent, fees, net
		FROM invoice_line_items
		WHERE invoice_id = ANY($1)
		ORDER BY invoice_id, position
	`
	rows, err := db.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("failed to query line items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			invoiceID uuid.UUID
			item      invoices.LineItem
		)
		if err := rows.Scan(
			&invoiceID,
			&item.LotID,
			&item.LotNumber,
			&item.Title,
			&item.Quantity,
			&item.UnitPrice,
			&item.Gross,
			&item.RefundPercent,
			&item.Fees,
			&item.Net,
		); err != nil {
			return fmt.Errorf("failed to scan line item: %w", err)
		}
		if inv, ok := byID[invoiceID]; ok {
			inv.LineItems = append(inv.LineItems, item)
		}
	}
	return rows.Err()
}

func scanInvoice(row pgx.Row) (*invoices.Invoice, error) {
	var inv invoices.Invoice
	if err := row.Scan(
		&inv.ID,
		&inv.AuctionID,
		&inv.OwnerID,
		&inv.Role,
		&inv.Status,
		&inv.Subtotal,
		&inv.Tax,
		&inv.Total,
		&inv.AmountPaid,
		&inv.CreatedAt,
		&inv.UpdatedAt,
		&inv.FinalizedAt,
	); err != nil {
		return nil, err
	}
	return &inv, nil
}

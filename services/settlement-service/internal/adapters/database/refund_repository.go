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
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/refunds"
)

// PostgresRefundRepository implements refunds.Repository using pgx
type PostgresRefundRepository struct {
	pool   *pgxpool.Pool
	tm     pkgdb.TransactionManager
	outbox *PostgresOutbox
}

// NewPostgresRefundRepository creates a new PostgreSQL refund repository
func NewPostgresRefundRepository(pool *pgxpool.Pool, tm pkgdb.TransactionManager, outbox *PostgresOutbox) *PostgresRefundRepository {
	return &PostgresRefundRepository{pool: pool, tm: tm, outbox: outbox}
}

// RecordRefund stores the refund, the lot carrying its refund flag and the
// events in one transaction. A refund already stored for the lot is
// overwritten so a retried refund converges on one row.
func (r *PostgresRefundRepository) RecordRefund(ctx context.Context, rec *refunds.RefundRecord, lot *auction.Lot, events ...auction.Event) error {
	return pkgdb.InTx(ctx, r.tm, func(tx pgx.Tx) error {
		query := `
			INSERT INTO refunds (id, lot_id, auction_id, invoice_id, percent, amount, receipt_number, confirmation, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (lot_id) DO UPDATE
			SET invoice_id = EXCLUDED.invoice_id, percent = EXCLUDED.percent, amount = EXCLUDED.amount,
				receipt_number = EXCLUDED.receipt_number, confirmation = EXCLUDED.confirmation
		`
		var invoiceID *uuid.UUID
		if rec.InvoiceID != uuid.Nil {
			invoiceID = &rec.InvoiceID
		}
		if _, err := tx.Exec(ctx, query,
			rec.ID,
			rec.LotID,
			rec.AuctionID,
			invoiceID,
			rec.Percent,
			rec.Amount,
			rec.ReceiptNumber,
			rec.Confirmation,
			rec.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to save refund: %w", err)
		}
		if err := updateLot(ctx, tx, lot); err != nil {
			return err
		}
		return r.outbox.Append(ctx, tx, events...)
	})
}

func (r *PostgresRefundRepository) GetRefundByLot(ctx context.Context, lotID uuid.UUID) (*refunds.RefundRecord, error) {
	query := `
		SELECT id, lot_id, auction_id, invoice_id, percent, amount, receipt_number, confirmation, created_at
		FROM refunds
		WHERE lot_id = $1
	`
	var (
		rec       refunds.RefundRecord
		invoiceID *uuid.UUID
	)
	err := r.pool.QueryRow(ctx, query, lotID).Scan(
		&rec.ID,
		&rec.LotID,
		&rec.AuctionID,
		&invoiceID,
		&rec.Percent,
		&rec.Amount,
		&rec.ReceiptNumber,
		&rec.Confirmation,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, refunds.ErrRefundNotFound
		}
		return nil, fmt.Errorf("failed to get refund: %w", err)
	}
	if invoiceID != nil {
		rec.InvoiceID = *invoiceID
	}
	return &rec, nil
}

package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	pkgdb "github.com/fishauctions/settlement/pkg/database"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
)

const lotColumns = `
	id, auction_id, seller_id, lot_number, title, quantity, start_price, increment,
	high_bid_id, high_bidder_id, high_amount, high_seq, high_placed_at, bid_count,
	close_at, hard_close_at, timed_close, status, winning_bid_id,
	no_more_refunds_possible, partial_refund_percent, closed_at, created_at, updated_at`

// PostgresLotRepository implements auction.LotRepository using pgx.
// Multi-statement writes run in one transaction together with their outbox rows.
type PostgresLotRepository struct {
	pool   *pgxpool.Pool
	tm     pkgdb.TransactionManager
	outbox *PostgresOutbox
}

// NewPostgresLotRepository creates a new PostgreSQL lot repository
func NewPostgresLotRepository(pool *pgxpool.Pool, tm pkgdb.TransactionManager, outbox *PostgresOutbox) *PostgresLotRepository {
	return &PostgresLotRepository{pool: pool, tm: tm, outbox: outbox}
}

func (r *PostgresLotRepository) CreateLot(ctx context.Context, lot *auction.Lot) error {
	increment, err := json.Marshal(lot.Increment)
	if err != nil {
		return fmt.Errorf("failed to encode increment: %w", err)
	}
	query := `
		INSERT INTO lots (id, auction_id, seller_id, lot_number, title, quantity, start_price, increment,
			close_at, hard_close_at, timed_close, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::lot_status, $13, $14)
	`
	_, err = r.pool.Exec(ctx, query,
		lot.ID,
		lot.AuctionID,
		lot.SellerID,
		lot.LotNumber,
		lot.Title,
		lot.Quantity,
		lot.StartPrice,
		increment,
		lot.CloseAt,
		lot.HardCloseAt,
		lot.TimedClose,
		lot.Status,
		lot.CreatedAt,
		lot.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert lot: %w", err)
	}
	return nil
}

func (r *PostgresLotRepository) GetLot(ctx context.Context, id uuid.UUID) (*auction.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots WHERE id = $1`
	lot, err := scanLot(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auction.ErrLotNotFound
		}
		return nil, fmt.Errorf("failed to get lot: %w", err)
	}
	return lot, nil
}

func (r *PostgresLotRepository) ListLotsByAuction(ctx context.Context, auctionID uuid.UUID) ([]*auction.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots WHERE auction_id = $1 ORDER BY lot_number, id`
	return r.queryLots(ctx, query, auctionID)
}

func (r *PostgresLotRepository) ListActiveLots(ctx context.Context) ([]*auction.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots WHERE status IN ('OPEN', 'CLOSING') ORDER BY close_at, id`
	return r.queryLots(ctx, query)
}

func (r *PostgresLotRepository) UpdateLot(ctx context.Context, lot *auction.Lot) error {
	return updateLot(ctx, r.pool, lot)
}

// RecordBid appends the bid, stores the lot and queues events in one
// transaction. The unique (lot_id, seq) constraint rejects a second writer
// that raced past the lock.
func (r *PostgresLotRepository) RecordBid(ctx context.Context, lot *auction.Lot, bid *auction.Bid, events ...auction.Event) error {
	return pkgdb.InTx(ctx, r.tm, func(tx pgx.Tx) error {
		query := `
			INSERT INTO bids (id, lot_id, auction_id, bidder_id, amount, seq, placed_at, is_winning)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		if _, err := tx.Exec(ctx, query,
			bid.ID,
			bid.LotID,
			bid.AuctionID,
			bid.BidderID,
			bid.Amount,
			bid.Seq,
			bid.PlacedAt,
			bid.IsWinning,
		); err != nil {
			return fmt.Errorf("failed to insert bid: %w", err)
		}
		if err := updateLot(ctx, tx, lot); err != nil {
			return err
		}
		return r.outbox.Append(ctx, tx, events...)
	})
}

// FinalizeLot stores the closed lot, flags its winning bid and queues events
// in one transaction.
func (r *PostgresLotRepository) FinalizeLot(ctx context.Context, lot *auction.Lot, events ...auction.Event) error {
	return pkgdb.InTx(ctx, r.tm, func(tx pgx.Tx) error {
		if err := updateLot(ctx, tx, lot); err != nil {
			return err
		}
		if lot.WinningBidID != nil {
			query := `UPDATE bids SET is_winning = (id = $2) WHERE lot_id = $1`
			if _, err := tx.Exec(ctx, query, lot.ID, *lot.WinningBidID); err != nil {
				return fmt.Errorf("failed to mark winning bid: %w", err)
			}
		}
		return r.outbox.Append(ctx, tx, events...)
	})
}

func (r *PostgresLotRepository) ListBids(ctx context.Context, lotID uuid.UUID) ([]*auction.Bid, error) {
	query := `
		SELECT id, lot_id, auction_id, bidder_id, amount, seq, placed_at, is_winning
		FROM bids
		WHERE lot_id = $1
		ORDER BY seq ASC
	`
	rows, err := r.pool.Query(ctx, query, lotID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var result []*auction.Bid
	for rows.Next() {
		var bid auction.Bid
		if err := rows.Scan(
			&bid.ID,
			&bid.LotID,
			&bid.AuctionID,
			&bid.BidderID,
			&bid.Amount,
			&bid.Seq,
			&bid.PlacedAt,
			&bid.IsWinning,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		result = append(result, &bid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bids: %w", err)
	}
	return result, nil
}

func (r *PostgresLotRepository) CountLeadingLots(ctx context.Context, auctionID, bidderID, excludeLotID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM lots
		WHERE auction_id = $1 AND high_bidder_id = $2 AND id <> $3 AND status <> 'REMOVED'
	`
	var count int
	if err := r.pool.QueryRow(ctx, query, auctionID, bidderID, excludeLotID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count leading lots: %w", err)
	}
	return count, nil
}

func (r *PostgresLotRepository) queryLots(ctx context.Context, query string, args ...any) ([]*auction.Lot, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var result []*auction.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		result = append(result, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lots: %w", err)
	}
	return result, nil
}

func updateLot(ctx context.Context, db pkgdb.DBTX, lot *auction.Lot) error {
	increment, err := json.Marshal(lot.Increment)
	if err != nil {
		return fmt.Errorf("failed to encode increment: %w", err)
	}

	var (
		highBidID, highBidderID *uuid.UUID
		highAmount, highSeq     *int64
		highPlacedAt            *time.Time
	)
	if hb := lot.HighBid; hb != nil {
		highBidID, highBidderID = &hb.BidID, &hb.BidderID
		highAmount, highSeq = &hb.Amount, &hb.Seq
		highPlacedAt = &hb.PlacedAt
	}

	query := `
		UPDATE lots
		SET title = $2, quantity = $3, start_price = $4, increment = $5,
			high_bid_id = $6, high_bidder_id = $7, high_amount = $8, high_seq = $9, high_placed_at = $10,
			bid_count = $11, close_at = $12, hard_close_at = $13, status = $14::lot_status,
			winning_bid_id = $15, no_more_refunds_possible = $16, partial_refund_percent = $17,
			closed_at = $18, updated_at = $19
		WHERE id = $1
	`
	result, err := db.Exec(ctx, query,
		lot.ID,
		lot.Title,
		lot.Quantity,
		lot.StartPrice,
		increment,
		highBidID,
		highBidderID,
		highAmount,
		highSeq,
		highPlacedAt,
		lot.BidCount,
		lot.CloseAt,
		lot.HardCloseAt,
		lot.Status,
		lot.WinningBidID,
		lot.NoMoreRefundsPossible,
		lot.PartialRefundPercent,
		lot.ClosedAt,
		lot.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update lot: %w", err)
	}
	if result.RowsAffected() == 0 {
		return auction.ErrLotNotFound
	}
	return nil
}

func scanLot(row pgx.Row) (*auction.Lot, error) {
	var (
		lot          auction.Lot
		increment    []byte
		highBidID    *uuid.UUID
		highBidderID *uuid.UUID
		highAmount   *int64
		highSeq      *int64
		highPlacedAt *time.Time
	)
	if err := row.Scan(
		&lot.ID,
		&lot.AuctionID,
		&lot.SellerID,
		&lot.LotNumber,
		&lot.Title,
		&lot.Quantity,
		&lot.StartPrice,
		&increment,
		&highBidID,
		&highBidderID,
		&highAmount,
		&highSeq,
		&highPlacedAt,
		&lot.BidCount,
		&lot.CloseAt,
		&lot.HardCloseAt,
		&lot.TimedClose,
		&lot.Status,
		&lot.WinningBidID,
		&lot.NoMoreRefundsPossible,
		&lot.PartialRefundPercent,
		&lot.ClosedAt,
		&lot.CreatedAt,
		&lot.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(increment, &lot.Increment); err != nil {
		return nil, fmt.Errorf("failed to decode increment: %w", err)
	}
	if highBidID != nil {
		lot.HighBid = &auction.HighBid{
			BidID:    *highBidID,
			BidderID: *highBidderID,
			Amount:   *highAmount,
			Seq:      *highSeq,
			PlacedAt: *highPlacedAt,
		}
	}
	return &lot, nil
}

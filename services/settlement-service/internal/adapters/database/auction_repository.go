package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
)

// PostgresAuctionRepository implements auction.AuctionRepository using pgx
type PostgresAuctionRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresAuctionRepository creates a new PostgreSQL auction repository
func NewPostgresAuctionRepository(pool *pgxpool.Pool) *PostgresAuctionRepository {
	return &PostgresAuctionRepository{pool: pool}
}

func (r *PostgresAuctionRepository) CreateAuction(ctx context.Context, a *auction.Auction) error {
	query := `
		INSERT INTO auctions (id, title, end_at, is_online, max_lots_per_user, tax_percent,
			club_cut_percent, lot_entry_fee, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::auction_status, $10, $11)
	`
	_, err := r.pool.Exec(ctx, query,
		a.ID,
		a.Title,
		a.EndAt,
		a.IsOnline,
		a.MaxLotsPerUser,
		a.TaxPercent,
		a.ClubCutPercent,
		a.LotEntryFee,
		a.Status,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert auction: %w", err)
	}
	return nil
}

func (r *PostgresAuctionRepository) GetAuction(ctx context.Context, id uuid.UUID) (*auction.Auction, error) {
	query := `
		SELECT id, title, end_at, is_online, max_lots_per_user, tax_percent,
			club_cut_percent, lot_entry_fee, status, created_at, updated_at
		FROM auctions
		WHERE id = $1
	`
	var a auction.Auction
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&a.ID,
		&a.Title,
		&a.EndAt,
		&a.IsOnline,
		&a.MaxLotsPerUser,
		&a.TaxPercent,
		&a.ClubCutPercent,
		&a.LotEntryFee,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auction.ErrAuctionNotFound
		}
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}
	return &a, nil
}

func (r *PostgresAuctionRepository) UpdateAuction(ctx context.Context, a *auction.Auction) error {
	query := `
		UPDATE auctions
		SET title = $2, end_at = $3, is_online = $4, max_lots_per_user = $5, tax_percent = $6,
			club_cut_percent = $7, lot_entry_fee = $8, status = $9::auction_status, updated_at = $10
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		a.ID,
		a.Title,
		a.EndAt,
		a.IsOnline,
		a.MaxLotsPerUser,
		a.TaxPercent,
		a.ClubCutPercent,
		a.LotEntryFee,
		a.Status,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update auction: %w", err)
	}
	if result.RowsAffected() == 0 {
		return auction.ErrAuctionNotFound
	}
	return nil
}

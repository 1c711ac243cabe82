package auction

import (
	"context"

	"github.com/google/uuid"
)

// AuctionRepository persists auctions.
type AuctionRepository interface {
	CreateAuction(ctx context.Context, a *Auction) error
	GetAuction(ctx context.Context, id uuid.UUID) (*Auction, error)
	UpdateAuction(ctx context.Context, a *Auction) error
}

// LotRepository persists lots and their bid ledgers.
type LotRepository interface {
	CreateLot(ctx context.Context, lot *Lot) error
	GetLot(ctx context.Context, id uuid.UUID) (*Lot, error)
	ListLotsByAuction(ctx context.Context, auctionID uuid.UUID) ([]*Lot, error)

	// ListActiveLots returns every OPEN or CLOSING lot across auctions.
	ListActiveLots(ctx context.Context) ([]*Lot, error)

	UpdateLot(ctx context.Context, lot *Lot) error

	// RecordBid appends bid and stores lot (high bid, counters, close time)
	// as one atomic unit. events are recorded for publication in that unit.
	RecordBid(ctx context.Context, lot *Lot, bid *Bid, events ...Event) error

	// FinalizeLot stores a closed lot, marks its winning bid and records
	// events for publication atomically.
	FinalizeLot(ctx context.Context, lot *Lot, events ...Event) error

	ListBids(ctx context.Context, lotID uuid.UUID) ([]*Bid, error)

	// CountLeadingLots counts lots of the auction, other than excludeLotID,
	// whose high bid belongs to bidderID. Removed lots are not counted.
	CountLeadingLots(ctx context.Context, auctionID, bidderID, excludeLotID uuid.UUID) (int, error)
}

// Locker serializes work on a key. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Lock keys. Acquisition order is auction, cap, lot, invoices.
func LotLockKey(lotID uuid.UUID) string {
	return "lot:" + lotID.String()
}

func CapLockKey(auctionID, bidderID uuid.UUID) string {
	return "cap:" + auctionID.String() + ":" + bidderID.String()
}

func InvoiceLockKey(auctionID uuid.UUID) string {
	return "invoices:" + auctionID.String()
}

func AuctionLockKey(auctionID uuid.UUID) string {
	return "auction:" + auctionID.String()
}

package bids

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
)

// Bid admission errors.
var (
	ErrInvalidBidAmount = fmt.Errorf("%w: bid amount must be positive", auction.ErrValidation)
	ErrBidTooLow        = fmt.Errorf("%w: bid amount is below the minimum bid", auction.ErrValidation)
	ErrSellerCannotBid  = fmt.Errorf("%w: seller cannot bid on their own lot", auction.ErrValidation)
	ErrBiddingClosed    = fmt.Errorf("%w: bidding is closed for this lot", auction.ErrStateConflict)
	ErrLotCapReached    = fmt.Errorf("%w: bidder already leads the maximum number of lots", auction.ErrCapExceeded)
)

// CloseScheduler re-arms a lot's close timer after its close time moved.
type CloseScheduler interface {
	Schedule(lot *auction.Lot)
}

// PlaceBidCommand is a bid request.
type PlaceBidCommand struct {
	LotID    uuid.UUID
	BidderID uuid.UUID
	Amount   int64
}

// Ledger admits bids and maintains each lot's high-bid pointer.
type Ledger struct {
	auctions auction.AuctionRepository
	lots     auction.LotRepository
	locker   auction.Locker
	closer   CloseScheduler
	policy   auction.ExtensionPolicy
	clock    clockwork.Clock
	events   auction.EventSink
	logger   *slog.Logger
}

// NewLedger creates a bid ledger.
func NewLedger(
	auctions auction.AuctionRepository,
	lots auction.LotRepository,
	locker auction.Locker,
	closer CloseScheduler,
	policy auction.ExtensionPolicy,
	clock clockwork.Clock,
	events auction.EventSink,
	logger *slog.Logger,
) *Ledger {
	return &Ledger{
		auctions: auctions,
		lots:     lots,
		locker:   locker,
		closer:   closer,
		policy:   policy,
		clock:    clock,
		events:   events,
		logger:   logger,
	}
}

// PlaceBid admits a bid. Admission, the high-bid update and any close-time
// extension happen inside the lot's critical section, so concurrent bids on
// one lot are applied one at a time against fresh state.
func (l *Ledger) PlaceBid(ctx context.Context, cmd PlaceBidCommand) (*auction.Bid, error) {
	if cmd.Amount <= 0 {
		return nil, ErrInvalidBidAmount
	}

	// AuctionID never changes, so it is safe to read before locking.
	snapshot, err := l.lots.GetLot(ctx, cmd.LotID)
	if err != nil {
		return nil, err
	}
	auc, err := l.auctions.GetAuction(ctx, snapshot.AuctionID)
	if err != nil {
		return nil, err
	}

	if auc.MaxLotsPerUser != nil {
		// Every bid that could raise this bidder's leading count is serialized
		// here, so the count checked below cannot be raced past the cap.
		unlockCap, err := l.locker.Lock(ctx, auction.CapLockKey(auc.ID, cmd.BidderID))
		if err != nil {
			return nil, fmt.Errorf("failed to acquire cap lock: %w", err)
		}
		defer unlockCap()
	}

	unlock, err := l.locker.Lock(ctx, auction.LotLockKey(cmd.LotID))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lot lock: %w", err)
	}
	defer unlock()

	lot, err := l.lots.GetLot(ctx, cmd.LotID)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()

	if err := l.admit(ctx, auc, lot, cmd, now); err != nil {
		return nil, err
	}

	bid := &auction.Bid{
		ID:        uuid.New(),
		LotID:     lot.ID,
		AuctionID: lot.AuctionID,
		BidderID:  cmd.BidderID,
		Amount:    cmd.Amount,
		Seq:       lot.BidCount + 1,
		PlacedAt:  now,
	}
	lot.BidCount = bid.Seq
	if bid.Outranks(lot.HighBid) {
		lot.HighBid = bid.AsHighBid()
	}

	extended := false
	if lot.TimedClose {
		if l.policy.InWindow(lot.CloseAt, now) && lot.Status == auction.LotStatusOpen {
			lot.Status = auction.LotStatusClosing
		}
		lot.CloseAt, extended = l.policy.Extend(lot.CloseAt, lot.HardCloseAt, now)
	}
	lot.UpdatedAt = now

	events := []auction.Event{auction.BidPlaced{
		BidID:     bid.ID,
		LotID:     bid.LotID,
		AuctionID: bid.AuctionID,
		BidderID:  bid.BidderID,
		Amount:    bid.Amount,
		Seq:       bid.Seq,
		PlacedAt:  bid.PlacedAt,
	}}
	if extended {
		events = append(events, auction.LotExtended{LotID: lot.ID, AuctionID: lot.AuctionID, CloseAt: lot.CloseAt})
	}

	if err := l.lots.RecordBid(ctx, lot, bid, events...); err != nil {
		return nil, fmt.Errorf("failed to record bid: %w", err)
	}

	if extended {
		l.closer.Schedule(lot)
		l.logger.Info("Lot close extended", "lot_id", lot.ID, "close_at", lot.CloseAt)
	}

	for _, event := range events {
		l.emit(ctx, event)
	}
	return bid, nil
}

func (l *Ledger) admit(ctx context.Context, auc *auction.Auction, lot *auction.Lot, cmd PlaceBidCommand, now time.Time) error {
	if auc.Status != auction.AuctionStatusActive || !lot.Status.AcceptsBids() {
		return ErrBiddingClosed
	}
	if lot.TimedClose && !now.Before(lot.CloseAt) {
		return ErrBiddingClosed
	}
	if lot.SellerID == cmd.BidderID {
		return ErrSellerCannotBid
	}
	if minimum := lot.NextMinimumBid(); cmd.Amount < minimum {
		return fmt.Errorf("%w: minimum is %d", ErrBidTooLow, minimum)
	}

	if auc.MaxLotsPerUser != nil {
		leading, err := l.lots.CountLeadingLots(ctx, auc.ID, cmd.BidderID, lot.ID)
		if err != nil {
			return fmt.Errorf("failed to count leading lots: %w", err)
		}
		if leading >= *auc.MaxLotsPerUser {
			return fmt.Errorf("%w: limit is %d", ErrLotCapReached, *auc.MaxLotsPerUser)
		}
	}
	return nil
}

// NextMinimumBid returns the smallest acceptable next bid on a lot.
func (l *Ledger) NextMinimumBid(ctx context.Context, lotID uuid.UUID) (int64, error) {
	lot, err := l.lots.GetLot(ctx, lotID)
	if err != nil {
		return 0, err
	}
	return lot.NextMinimumBid(), nil
}

// ListBids returns a lot's bids in sequence order.
func (l *Ledger) ListBids(ctx context.Context, lotID uuid.UUID) ([]*auction.Bid, error) {
	if _, err := l.lots.GetLot(ctx, lotID); err != nil {
		return nil, err
	}
	return l.lots.ListBids(ctx, lotID)
}

func (l *Ledger) emit(ctx context.Context, event auction.Event) {
	if err := l.events.Emit(ctx, event); err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Error("Failed to emit event", "event_type", event.EventType(), "error", err)
	}
}

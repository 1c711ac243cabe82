package closing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fishauctions/settlement/pkg/scheduler"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
)

// Engine errors.
var (
	ErrLotNotRemovable = fmt.Errorf("%w: only open or closing lots can be removed", auction.ErrStateConflict)
	ErrTimedLot        = fmt.Errorf("%w: lots in online auctions close on schedule", auction.ErrStateConflict)
	ErrLotsStillOpen   = fmt.Errorf("%w: lots still open after settle timeout", auction.ErrConsistencyFatal)
)

// Scheduler arms one-shot timers.
type Scheduler interface {
	ScheduleAt(at time.Time, fn func()) scheduler.Handle
	Cancel(h scheduler.Handle) bool
}

// Engine drives lots from OPEN to CLOSED. It owns one close timer per timed
// lot and re-arms it whenever a bid moves the close time.
type Engine struct {
	auctions auction.AuctionRepository
	lots     auction.LotRepository
	locker   auction.Locker
	sched    Scheduler
	clock    clockwork.Clock
	events   auction.EventSink
	logger   *slog.Logger

	callbackTimeout time.Duration
	settlePoll      time.Duration

	mu      sync.Mutex
	timers  map[uuid.UUID]scheduler.Handle
	waiters map[uuid.UUID]chan struct{}
}

// EngineOption adjusts an Engine.
type EngineOption func(*Engine)

// WithSettlePoll sets how often WaitSettled re-reads lot state. Lots closed
// by another instance only show up on these re-reads.
func WithSettlePoll(d time.Duration) EngineOption {
	return func(e *Engine) { e.settlePoll = d }
}

// NewEngine creates a closing engine.
func NewEngine(
	auctions auction.AuctionRepository,
	lots auction.LotRepository,
	locker auction.Locker,
	sched Scheduler,
	clock clockwork.Clock,
	events auction.EventSink,
	logger *slog.Logger,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		auctions:        auctions,
		lots:            lots,
		locker:          locker,
		sched:           sched,
		clock:           clock,
		events:          events,
		logger:          logger,
		callbackTimeout: 30 * time.Second,
		settlePoll:      time.Second,
		timers:          make(map[uuid.UUID]scheduler.Handle),
		waiters:         make(map[uuid.UUID]chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Schedule arms (or re-arms) the close timer of a timed, non-terminal lot.
func (e *Engine) Schedule(lot *auction.Lot) {
	if !lot.TimedClose || lot.Status.Terminal() {
		return
	}
	lotID := lot.ID

	e.mu.Lock()
	defer e.mu.Unlock()

	if prev, ok := e.timers[lotID]; ok {
		e.sched.Cancel(prev)
	}

	var h scheduler.Handle
	h = e.sched.ScheduleAt(lot.CloseAt, func() {
		e.mu.Lock()
		if e.timers[lotID] == h {
			delete(e.timers, lotID)
		}
		e.mu.Unlock()
		e.onCloseTimer(lotID)
	})
	e.timers[lotID] = h
}

// Armed reports whether a close timer is pending for the lot.
func (e *Engine) Armed(lotID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.timers[lotID]
	return ok
}

func (e *Engine) onCloseTimer(lotID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), e.callbackTimeout)
	defer cancel()

	if _, err := e.closeLot(ctx, lotID, false); err != nil {
		e.logger.Error("Failed to close lot on timer", "lot_id", lotID, "error", err)
		// Leave the lot for the recovery sweep to retry.
	}
}

// CloseNow closes a lot of an in-person auction, where lots end when the
// auctioneer calls them rather than on a timer.
func (e *Engine) CloseNow(ctx context.Context, lotID uuid.UUID) (*auction.Lot, error) {
	lot, err := e.lots.GetLot(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if lot.TimedClose {
		return nil, ErrTimedLot
	}
	return e.closeLot(ctx, lotID, true)
}

// closeLot finalizes a lot under its lock. A timer that fires before the
// lot's current close time is stale and only re-arms.
func (e *Engine) closeLot(ctx context.Context, lotID uuid.UUID, manual bool) (*auction.Lot, error) {
	unlock, err := e.locker.Lock(ctx, auction.LotLockKey(lotID))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lot lock: %w", err)
	}

	lot, closed, err := e.finalizeLocked(ctx, lotID, manual)
	unlock()
	if err != nil {
		return nil, err
	}

	if closed != nil {
		e.emit(ctx, *closed)
		e.notify(lot.AuctionID)
	}
	return lot, nil
}

func (e *Engine) finalizeLocked(ctx context.Context, lotID uuid.UUID, manual bool) (*auction.Lot, *auction.LotClosed, error) {
	lot, err := e.lots.GetLot(ctx, lotID)
	if err != nil {
		return nil, nil, err
	}
	if lot.Status.Terminal() {
		return lot, nil, nil
	}

	now := e.clock.Now()
	if !manual && now.Before(lot.CloseAt) {
		e.Schedule(lot)
		return lot, nil, nil
	}

	if lot.Status == auction.LotStatusOpen {
		lot.Status = auction.LotStatusClosing
		lot.UpdatedAt = now
		if err := e.lots.UpdateLot(ctx, lot); err != nil {
			return nil, nil, fmt.Errorf("failed to mark lot closing: %w", err)
		}
	}

	lot.Status = auction.LotStatusClosed
	lot.ClosedAt = &now
	lot.UpdatedAt = now
	event := &auction.LotClosed{
		LotID:     lot.ID,
		AuctionID: lot.AuctionID,
		SellerID:  lot.SellerID,
		ClosedAt:  now,
	}
	if lot.HighBid != nil {
		winning := lot.HighBid.BidID
		winner := lot.HighBid.BidderID
		lot.WinningBidID = &winning
		event.WinningBidID = &winning
		event.WinnerID = &winner
		event.Amount = lot.HighBid.Amount
	}
	if err := e.lots.FinalizeLot(ctx, lot, *event); err != nil {
		return nil, nil, fmt.Errorf("failed to finalize lot: %w", err)
	}

	if event.WinnerID != nil {
		e.logger.Info("Lot sold", "lot_id", lot.ID, "winner_id", *event.WinnerID, "amount", event.Amount)
	} else {
		e.logger.Info("Lot closed unsold", "lot_id", lot.ID)
	}
	return lot, event, nil
}

// RemoveLot withdraws an open or closing lot. Removing a removed lot is a no-op.
func (e *Engine) RemoveLot(ctx context.Context, lotID uuid.UUID) (*auction.Lot, error) {
	unlock, err := e.locker.Lock(ctx, auction.LotLockKey(lotID))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lot lock: %w", err)
	}
	lot, err := e.removeLocked(ctx, lotID)
	unlock()
	if err != nil {
		return nil, err
	}
	e.notify(lot.AuctionID)
	return lot, nil
}

func (e *Engine) removeLocked(ctx context.Context, lotID uuid.UUID) (*auction.Lot, error) {
	lot, err := e.lots.GetLot(ctx, lotID)
	if err != nil {
		return nil, err
	}
	switch lot.Status {
	case auction.LotStatusRemoved:
		return lot, nil
	case auction.LotStatusClosed:
		return nil, ErrLotNotRemovable
	}

	lot.Status = auction.LotStatusRemoved
	lot.UpdatedAt = e.clock.Now()
	if err := e.lots.UpdateLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("failed to remove lot: %w", err)
	}
	e.disarm(lot.ID)
	return lot, nil
}

// CancelAuction removes every lot still open and cancels their timers.
// Lots that already closed keep their result.
func (e *Engine) CancelAuction(ctx context.Context, auctionID uuid.UUID) (*auction.Auction, error) {
	unlock, err := e.locker.Lock(ctx, auction.AuctionLockKey(auctionID))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire auction lock: %w", err)
	}
	defer unlock()

	auc, err := e.auctions.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if auc.Status == auction.AuctionStatusFinalized {
		return nil, auction.ErrAuctionNotActive
	}

	auc.Status = auction.AuctionStatusCancelled
	auc.UpdatedAt = e.clock.Now()
	if err := e.auctions.UpdateAuction(ctx, auc); err != nil {
		return nil, fmt.Errorf("failed to cancel auction: %w", err)
	}

	lots, err := e.lots.ListLotsByAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	for _, lot := range lots {
		if lot.Status.Terminal() {
			continue
		}
		unlockLot, err := e.locker.Lock(ctx, auction.LotLockKey(lot.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lot lock: %w", err)
		}
		_, err = e.removeLocked(ctx, lot.ID)
		unlockLot()
		if err != nil && !errors.Is(err, ErrLotNotRemovable) {
			return nil, err
		}
	}

	e.logger.Info("Auction cancelled", "auction_id", auctionID)
	e.notify(auctionID)
	return auc, nil
}

// Recover arms a timer for every active timed lot without one and closes
// lots whose close time already passed. It returns how many lots it closed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	lots, err := e.lots.ListActiveLots(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active lots: %w", err)
	}

	now := e.clock.Now()
	closed := 0
	var errs []error
	for _, lot := range lots {
		if !lot.TimedClose {
			continue
		}
		if now.Before(lot.CloseAt) {
			if !e.Armed(lot.ID) {
				e.Schedule(lot)
			}
			continue
		}
		result, err := e.closeLot(ctx, lot.ID, false)
		if err != nil {
			errs = append(errs, fmt.Errorf("lot %s: %w", lot.ID, err))
			continue
		}
		if result.Status == auction.LotStatusClosed {
			closed++
		}
	}
	return closed, errors.Join(errs...)
}

// Settled reports whether every lot of the auction is CLOSED or REMOVED.
func (e *Engine) Settled(ctx context.Context, auctionID uuid.UUID) (bool, error) {
	lots, err := e.lots.ListLotsByAuction(ctx, auctionID)
	if err != nil {
		return false, err
	}
	for _, lot := range lots {
		if !lot.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// WaitSettled blocks until the auction is settled, ctx is done or timeout
// elapses. Timing out returns ErrLotsStillOpen. Local transitions wake it at
// once; others are picked up on the next poll.
func (e *Engine) WaitSettled(ctx context.Context, auctionID uuid.UUID, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(e.settlePoll)
	defer poll.Stop()

	for {
		// Take the signal before checking so a change in between is not missed.
		signal := e.signal(auctionID)

		settled, err := e.Settled(ctx, auctionID)
		if err != nil {
			return err
		}
		if settled {
			return nil
		}

		select {
		case <-signal:
		case <-poll.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			e.logger.Error("Auction did not settle", "auction_id", auctionID, "timeout", timeout, "alert", true)
			return fmt.Errorf("%w: auction %s", ErrLotsStillOpen, auctionID)
		}
	}
}

func (e *Engine) signal(auctionID uuid.UUID) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.waiters[auctionID]
	if !ok {
		ch = make(chan struct{})
		e.waiters[auctionID] = ch
	}
	return ch
}

func (e *Engine) notify(auctionID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.waiters[auctionID]; ok {
		close(ch)
		delete(e.waiters, auctionID)
	}
}

func (e *Engine) disarm(lotID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.timers[lotID]; ok {
		e.sched.Cancel(h)
		delete(e.timers, lotID)
	}
}

func (e *Engine) emit(ctx context.Context, event auction.Event) {
	if err := e.events.Emit(ctx, event); err != nil {
		e.logger.Error("Failed to emit event", "event_type", event.EventType(), "error", err)
	}
}

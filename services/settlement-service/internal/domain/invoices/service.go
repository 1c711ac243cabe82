package invoices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
)

// Aggregator errors.
var (
	ErrInvoiceNotFound   = fmt.Errorf("%w: invoice", auction.ErrNotFound)
	ErrCapViolated       = fmt.Errorf("%w: buyer won more lots than the auction allows", auction.ErrConsistencyFatal)
	ErrInvoiceNotPayable = fmt.Errorf("%w: invoice is not awaiting payment", auction.ErrStateConflict)
	ErrInvalidPayment    = fmt.Errorf("%w: payment amount must not be zero", auction.ErrValidation)
	ErrAuctionNotSettled = fmt.Errorf("%w: auction has lots still open", auction.ErrStateConflict)
)

type invoiceKey struct {
	owner uuid.UUID
	role  Role
}

// Aggregator turns closed lots into per-buyer and per-seller invoices.
// All invoice writes for an auction happen under the auction's invoice lock.
// Finalizing also holds the auction lock so no lot can be listed meanwhile.
type Aggregator struct {
	invoices      Repository
	auctions      auction.AuctionRepository
	lots          auction.LotRepository
	locker        auction.Locker
	waiter        SettleWaiter
	settleTimeout time.Duration
	clock         clockwork.Clock
	events        auction.EventSink
	logger        *slog.Logger
}

// NewAggregator creates an invoice aggregator.
func NewAggregator(
	invoices Repository,
	auctions auction.AuctionRepository,
	lots auction.LotRepository,
	locker auction.Locker,
	waiter SettleWaiter,
	settleTimeout time.Duration,
	clock clockwork.Clock,
	events auction.EventSink,
	logger *slog.Logger,
) *Aggregator {
	return &Aggregator{
		invoices:      invoices,
		auctions:      auctions,
		lots:          lots,
		locker:        locker,
		waiter:        waiter,
		settleTimeout: settleTimeout,
		clock:         clock,
		events:        events,
		logger:        logger,
	}
}

// HandleLotClosed folds a newly closed lot into the auction's draft invoices.
func (a *Aggregator) HandleLotClosed(ctx context.Context, event auction.LotClosed) error {
	if event.WinnerID == nil {
		return nil
	}

	auc, err := a.auctions.GetAuction(ctx, event.AuctionID)
	if err != nil {
		return err
	}

	unlock, err := a.locker.Lock(ctx, auction.InvoiceLockKey(auc.ID))
	if err != nil {
		return fmt.Errorf("failed to acquire invoice lock: %w", err)
	}
	defer unlock()

	lots, err := a.lots.ListLotsByAuction(ctx, auc.ID)
	if err != nil {
		return err
	}
	_, err = a.refreshDrafts(ctx, auc, lots)
	return err
}

// FinalizeAuctionInvoices waits for every lot to close, recomputes the draft
// invoices and freezes them as UNPAID (or PAID when already covered).
// Running it again returns the same invoices unchanged.
func (a *Aggregator) FinalizeAuctionInvoices(ctx context.Context, auctionID uuid.UUID) ([]*Invoice, error) {
	if _, err := a.auctions.GetAuction(ctx, auctionID); err != nil {
		return nil, err
	}

	if err := a.waiter.WaitSettled(ctx, auctionID, a.settleTimeout); err != nil {
		return nil, err
	}

	unlockAuction, err := a.locker.Lock(ctx, auction.AuctionLockKey(auctionID))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire auction lock: %w", err)
	}
	defer unlockAuction()

	unlock, err := a.locker.Lock(ctx, auction.InvoiceLockKey(auctionID))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire invoice lock: %w", err)
	}
	defer unlock()

	auc, err := a.auctions.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	lots, err := a.lots.ListLotsByAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	// A lot listed after the wait returned keeps the auction open.
	if open, found := lo.Find(lots, func(lot *auction.Lot) bool { return !lot.Status.Terminal() }); found {
		return nil, fmt.Errorf("%w: lot %d is %s", ErrAuctionNotSettled, open.LotNumber, open.Status)
	}

	if err := checkCap(auc, lots); err != nil {
		a.logger.Error("Lot cap violated at invoicing", "auction_id", auctionID, "error", err, "alert", true)
		return nil, err
	}

	all, err := a.refreshDrafts(ctx, auc, lots)
	if err != nil {
		return nil, err
	}

	now := a.clock.Now()
	var frozen []*Invoice
	for _, inv := range all {
		if inv.Status != StatusDraft {
			continue
		}
		if err := inv.TransitionTo(StatusUnpaid); err != nil {
			return nil, err
		}
		if inv.AmountPaid >= inv.Total {
			if err := inv.TransitionTo(StatusPaid); err != nil {
				return nil, err
			}
		}
		inv.FinalizedAt = &now
		inv.UpdatedAt = now
		frozen = append(frozen, inv)
	}

	var finalized *auction.AuctionInvoicesFinalized
	if len(frozen) > 0 {
		finalized = &auction.AuctionInvoicesFinalized{
			AuctionID:   auctionID,
			InvoiceIDs:  lo.Map(frozen, func(inv *Invoice, _ int) uuid.UUID { return inv.ID }),
			FinalizedAt: now,
		}
		if err := a.invoices.FreezeInvoices(ctx, frozen, *finalized); err != nil {
			return nil, fmt.Errorf("failed to finalize invoices: %w", err)
		}
	}

	if auc.Status == auction.AuctionStatusActive {
		auc.Status = auction.AuctionStatusFinalized
		auc.UpdatedAt = now
		if err := a.auctions.UpdateAuction(ctx, auc); err != nil {
			return nil, fmt.Errorf("failed to mark auction finalized: %w", err)
		}
	}

	if finalized != nil {
		a.logger.Info("Auction invoices finalized", "auction_id", auctionID, "count", len(frozen))
		if err := a.events.Emit(ctx, *finalized); err != nil {
			a.logger.Error("Failed to emit event", "event_type", auction.EventTypeInvoicesFinalized, "error", err)
		}
	}

	return all, nil
}

// refreshDrafts rebuilds the line items of every DRAFT invoice from the sold
// lots, creating invoices for new buyers and sellers. Frozen invoices are
// returned as stored. The result is ordered by role, then owner.
func (a *Aggregator) refreshDrafts(ctx context.Context, auc *auction.Auction, lots []*auction.Lot) ([]*Invoice, error) {
	existing, err := a.invoices.ListInvoicesByAuction(ctx, auc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	byKey := lo.KeyBy(existing, func(inv *Invoice) invoiceKey {
		return invoiceKey{owner: inv.OwnerID, role: inv.Role}
	})

	sold := lo.Filter(lots, func(lot *auction.Lot, _ int) bool { return lot.Sold() })
	sortLots(sold)

	lines := make(map[invoiceKey][]LineItem)
	for _, lot := range sold {
		winner, _ := lot.WinnerID()
		buyerKey := invoiceKey{owner: winner, role: RoleBuyer}
		sellerKey := invoiceKey{owner: lot.SellerID, role: RoleSeller}
		lines[buyerKey] = append(lines[buyerKey], BuyerLine(lot))
		lines[sellerKey] = append(lines[sellerKey], SellerLine(lot, auc))
	}

	now := a.clock.Now()
	for key, items := range lines {
		inv, ok := byKey[key]
		if !ok {
			inv = &Invoice{
				ID:        uuid.New(),
				AuctionID: auc.ID,
				OwnerID:   key.owner,
				Role:      key.role,
				Status:    StatusDraft,
				CreatedAt: now,
			}
			byKey[key] = inv
		}
		if inv.Status != StatusDraft {
			continue
		}
		inv.LineItems = items
		ApplyTotals(inv, auc.TaxPercent)
		inv.UpdatedAt = now
		if err := a.invoices.SaveInvoice(ctx, inv); err != nil {
			return nil, fmt.Errorf("failed to save invoice: %w", err)
		}
	}

	return sortInvoices(lo.Values(byKey)), nil
}

// ApplyRefund re-prices a refunded lot on its buyer and seller invoices.
// It is the only change allowed once invoices leave DRAFT.
func (a *Aggregator) ApplyRefund(ctx context.Context, lotID uuid.UUID) error {
	lot, err := a.lots.GetLot(ctx, lotID)
	if err != nil {
		return err
	}
	if !lot.Sold() {
		return nil
	}
	auc, err := a.auctions.GetAuction(ctx, lot.AuctionID)
	if err != nil {
		return err
	}

	unlock, err := a.locker.Lock(ctx, auction.InvoiceLockKey(auc.ID))
	if err != nil {
		return fmt.Errorf("failed to acquire invoice lock: %w", err)
	}
	defer unlock()

	winner, _ := lot.WinnerID()
	targets := []struct {
		key  invoiceKey
		line LineItem
	}{
		{key: invoiceKey{owner: winner, role: RoleBuyer}, line: BuyerLine(lot)},
		{key: invoiceKey{owner: lot.SellerID, role: RoleSeller}, line: SellerLine(lot, auc)},
	}

	for _, target := range targets {
		inv, err := a.invoices.FindInvoice(ctx, auc.ID, target.key.owner, target.key.role)
		if errors.Is(err, ErrInvoiceNotFound) {
			// Not built yet; the next draft refresh prices the lot with its refund.
			continue
		}
		if err != nil {
			return err
		}

		_, idx, found := lo.FindIndexOf(inv.LineItems, func(item LineItem) bool { return item.LotID == lot.ID })
		if !found {
			continue
		}
		inv.LineItems[idx] = target.line
		ApplyTotals(inv, auc.TaxPercent)
		if inv.Status == StatusUnpaid && inv.AmountPaid >= inv.Total {
			if err := inv.TransitionTo(StatusPaid); err != nil {
				return err
			}
		}
		inv.UpdatedAt = a.clock.Now()
		if err := a.invoices.SaveInvoice(ctx, inv); err != nil {
			return fmt.Errorf("failed to save refunded invoice: %w", err)
		}
	}
	return nil
}

// RecordPayment records money against an invoice and marks it PAID once the
// payments cover the total. A receipt already recorded is ignored.
func (a *Aggregator) RecordPayment(ctx context.Context, invoiceID uuid.UUID, payment *Payment) (*Invoice, error) {
	if payment.Amount == 0 {
		return nil, ErrInvalidPayment
	}

	inv, err := a.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	unlock, err := a.locker.Lock(ctx, auction.InvoiceLockKey(inv.AuctionID))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire invoice lock: %w", err)
	}
	defer unlock()

	inv, err = a.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if payment.Amount > 0 && inv.Status == StatusDraft {
		return nil, ErrInvoiceNotPayable
	}

	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	payment.InvoiceID = inv.ID
	payment.CreatedAt = a.clock.Now()

	added, err := a.invoices.AddPayment(ctx, payment)
	if err != nil {
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}
	if !added {
		return inv, nil
	}

	inv, err = a.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == StatusUnpaid && inv.AmountPaid >= inv.Total {
		if err := inv.TransitionTo(StatusPaid); err != nil {
			return nil, err
		}
		inv.UpdatedAt = a.clock.Now()
		if err := a.invoices.SaveInvoice(ctx, inv); err != nil {
			return nil, fmt.Errorf("failed to mark invoice paid: %w", err)
		}
	}
	if inv.Balance() < 0 {
		a.logger.Info("Invoice overpaid", "invoice_id", inv.ID, "overpaid", -inv.Balance())
	}
	return inv, nil
}

// GetInvoice returns an invoice by ID.
func (a *Aggregator) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return a.invoices.GetInvoice(ctx, id)
}

// FindInvoice returns the invoice of owner in the given role.
func (a *Aggregator) FindInvoice(ctx context.Context, auctionID, ownerID uuid.UUID, role Role) (*Invoice, error) {
	return a.invoices.FindInvoice(ctx, auctionID, ownerID, role)
}

// ListInvoices returns an auction's invoices ordered by role, then owner.
func (a *Aggregator) ListInvoices(ctx context.Context, auctionID uuid.UUID) ([]*Invoice, error) {
	all, err := a.invoices.ListInvoicesByAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	return sortInvoices(all), nil
}

// ListPayments returns an invoice's payments in the order they were recorded.
func (a *Aggregator) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	return a.invoices.ListPayments(ctx, invoiceID)
}

func checkCap(auc *auction.Auction, lots []*auction.Lot) error {
	if auc.MaxLotsPerUser == nil {
		return nil
	}
	won := lo.CountValuesBy(lo.Filter(lots, func(lot *auction.Lot, _ int) bool { return lot.Sold() }), func(lot *auction.Lot) uuid.UUID {
		winner, _ := lot.WinnerID()
		return winner
	})
	for buyer, count := range won {
		if count > *auc.MaxLotsPerUser {
			return fmt.Errorf("%w: buyer %s won %d lots, limit %d", ErrCapViolated, buyer, count, *auc.MaxLotsPerUser)
		}
	}
	return nil
}

func sortLots(lots []*auction.Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if lots[i].LotNumber != lots[j].LotNumber {
			return lots[i].LotNumber < lots[j].LotNumber
		}
		return lots[i].ID.String() < lots[j].ID.String()
	})
}

func sortInvoices(all []*Invoice) []*Invoice {
	sort.Slice(all, func(i, j int) bool {
		if all[i].Role != all[j].Role {
			return all[i].Role == RoleBuyer
		}
		return all[i].OwnerID.String() < all[j].OwnerID.String()
	})
	return all
}

// LotClosedSink feeds lot.closed events into the aggregator. Other events are
// ignored.
func (a *Aggregator) LotClosedSink() auction.EventSink {
	return auction.EventSinkFunc(func(ctx context.Context, event auction.Event) error {
		closed, ok := event.(auction.LotClosed)
		if !ok {
			return nil
		}
		return a.HandleLotClosed(ctx, closed)
	})
}

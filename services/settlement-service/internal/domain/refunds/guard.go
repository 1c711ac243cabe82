package refunds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/invoices"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/payments"
)

var (
	ErrAlreadyRefunded   = fmt.Errorf("%w: lot was already refunded", auction.ErrStateConflict)
	ErrInvalidPercent    = fmt.Errorf("%w: refund percent must be between 0 and 100", auction.ErrValidation)
	ErrLotNotSold        = fmt.Errorf("%w: lot has no winning bid", auction.ErrStateConflict)
	ErrRefundNotRecorded = fmt.Errorf("%w: refund accepted but not fully recorded", auction.ErrConsistencyFatal)
)

// InvoiceBook is the part of the invoice aggregator the guard needs.
type InvoiceBook interface {
	FindInvoice(ctx context.Context, auctionID, ownerID uuid.UUID, role invoices.Role) (*invoices.Invoice, error)
	ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*invoices.Payment, error)
	RecordPayment(ctx context.Context, invoiceID uuid.UUID, payment *invoices.Payment) (*invoices.Invoice, error)
	ApplyRefund(ctx context.Context, lotID uuid.UUID) error
}

// Guard issues at most one partial refund per sold lot.
type Guard struct {
	lots    auction.LotRepository
	refunds Repository
	book    InvoiceBook
	gateway payments.Gateway
	locker  auction.Locker
	clock   clockwork.Clock
	events  auction.EventSink
	logger  *slog.Logger
}

func NewGuard(
	lots auction.LotRepository,
	refunds Repository,
	book InvoiceBook,
	gateway payments.Gateway,
	locker auction.Locker,
	clock clockwork.Clock,
	events auction.EventSink,
	logger *slog.Logger,
) *Guard {
	return &Guard{
		lots:    lots,
		refunds: refunds,
		book:    book,
		gateway: gateway,
		locker:  locker,
		clock:   clock,
		events:  events,
		logger:  logger,
	}
}

// Refund takes percent off a sold lot's gross price. When one of the buyer's
// charges covers the amount the gateway returns it under the lot lock, and
// nothing changes unless it confirms. Otherwise the refund is a discount on
// the invoice lines only. Either way the lot has used its one refund.
func (g *Guard) Refund(ctx context.Context, lotID uuid.UUID, percent int) (*RefundRecord, error) {
	unlock, err := g.locker.Lock(ctx, auction.LotLockKey(lotID))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lot lock: %w", err)
	}
	defer unlock()

	lot, err := g.lots.GetLot(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if lot.NoMoreRefundsPossible {
		return nil, ErrAlreadyRefunded
	}
	if percent < 0 || percent > 100 {
		return nil, ErrInvalidPercent
	}
	winner, sold := lot.WinnerID()
	if !sold {
		return nil, ErrLotNotSold
	}

	amount := invoices.RefundAmount(invoices.Gross(lot), percent)
	record := &RefundRecord{
		ID:        uuid.New(),
		LotID:     lot.ID,
		AuctionID: lot.AuctionID,
		Percent:   percent,
		Amount:    amount,
	}

	inv, err := g.book.FindInvoice(ctx, lot.AuctionID, winner, invoices.RoleBuyer)
	switch {
	case errors.Is(err, invoices.ErrInvoiceNotFound):
	case err != nil:
		return nil, err
	default:
		record.InvoiceID = inv.ID
	}

	if inv != nil && amount > 0 {
		paid, err := g.book.ListPayments(ctx, inv.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list payments: %w", err)
		}
		record.ReceiptNumber, _ = refundableReceipt(paid, amount)
	}

	if !record.Discount() {
		confirmation, err := g.gateway.Refund(ctx, payments.RefundRequest{
			ReceiptNumber:  record.ReceiptNumber,
			Amount:         amount,
			IdempotencyKey: "refund-" + lot.ID.String(),
		})
		if err != nil {
			g.logger.Error("Refund rejected by gateway", "lot_id", lot.ID, "error", err)
			return nil, fmt.Errorf("%w: refund: %v", auction.ErrExternalService, err)
		}
		record.Amount = confirmation.Amount
		record.Confirmation = confirmation.ID

		// The gateway replays the same confirmation for the same key and
		// payments dedupe on receipt, so this is safe to repeat until the
		// lot flag is stored.
		if _, err := g.book.RecordPayment(ctx, inv.ID, &invoices.Payment{
			Amount:        -confirmation.Amount,
			ReceiptNumber: confirmation.ID,
			RefundOf:      record.ReceiptNumber,
		}); err != nil {
			return nil, g.unrecorded(lot.ID, "record refund payment", err)
		}
	}

	now := g.clock.Now()
	record.CreatedAt = now
	lot.NoMoreRefundsPossible = true
	lot.PartialRefundPercent = percent
	lot.UpdatedAt = now
	issued := auction.RefundIssued{
		RefundID:  record.ID,
		LotID:     lot.ID,
		AuctionID: lot.AuctionID,
		InvoiceID: record.InvoiceID,
		Percent:   percent,
		Amount:    record.Amount,
		IssuedAt:  now,
	}
	if err := g.refunds.RecordRefund(ctx, record, lot, issued); err != nil {
		if record.Discount() {
			return nil, fmt.Errorf("failed to record refund: %w", err)
		}
		return nil, g.unrecorded(lot.ID, "save refund", err)
	}
	if err := g.book.ApplyRefund(ctx, lot.ID); err != nil {
		return nil, g.unrecorded(lot.ID, "re-price invoices", err)
	}

	g.logger.Info("Refund issued", "lot_id", lot.ID, "percent", percent, "amount", record.Amount, "discount", record.Discount())
	if err := g.events.Emit(ctx, issued); err != nil {
		g.logger.Error("Failed to emit event", "event_type", auction.EventTypeRefundIssued, "error", err)
	}
	return record, nil
}

// GetRefund returns the refund issued for a lot.
func (g *Guard) GetRefund(ctx context.Context, lotID uuid.UUID) (*RefundRecord, error) {
	return g.refunds.GetRefundByLot(ctx, lotID)
}

func (g *Guard) unrecorded(lotID uuid.UUID, step string, err error) error {
	g.logger.Error("Refund confirmed but not recorded", "lot_id", lotID, "step", step, "error", err, "alert", true)
	return fmt.Errorf("%w: %s: %v", ErrRefundNotRecorded, step, err)
}

// refundableReceipt picks the first charge whose unrefunded remainder covers
// amount.
func refundableReceipt(paid []*invoices.Payment, amount int64) (string, bool) {
	refunded := make(map[string]int64)
	for _, p := range paid {
		if p.RefundOf != "" {
			refunded[p.RefundOf] += -p.Amount
		}
	}
	for _, p := range paid {
		if p.Amount <= 0 || p.RefundOf != "" {
			continue
		}
		if p.Amount-refunded[p.ReceiptNumber] >= amount {
			return p.ReceiptNumber, true
		}
	}
	return "", false
}

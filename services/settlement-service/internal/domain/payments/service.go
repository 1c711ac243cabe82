package payments

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/invoices"
)

var (
	ErrInvalidAmount   = fmt.Errorf("%w: payment amount must be positive", auction.ErrValidation)
	ErrNotBuyerInvoice = fmt.Errorf("%w: only buyer invoices take payments", auction.ErrValidation)
	ErrNotPayer        = fmt.Errorf("%w: payer does not own the invoice", auction.ErrValidation)
	ErrNotPayable      = fmt.Errorf("%w: invoice is not finalized", auction.ErrStateConflict)
)

// InvoiceBook is the part of the invoice aggregator payments need.
type InvoiceBook interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (*invoices.Invoice, error)
	RecordPayment(ctx context.Context, invoiceID uuid.UUID, payment *invoices.Payment) (*invoices.Invoice, error)
}

// PayCommand pays money toward a buyer invoice. IdempotencyKey identifies the
// attempt; a client retrying with the same key is never charged twice.
type PayCommand struct {
	InvoiceID      uuid.UUID
	PayerID        uuid.UUID
	Amount         int64
	IdempotencyKey string
}

// Service collects buyer payments through the gateway.
type Service struct {
	book    InvoiceBook
	gateway Gateway
	logger  *slog.Logger
}

func NewService(book InvoiceBook, gateway Gateway, logger *slog.Logger) *Service {
	return &Service{book: book, gateway: gateway, logger: logger}
}

// Pay charges the payer and records the receipt against the invoice. If
// recording fails after a successful charge the caller retries with the same
// key: the gateway replays the receipt and the duplicate is ignored.
func (s *Service) Pay(ctx context.Context, cmd PayCommand) (*invoices.Invoice, *invoices.Payment, error) {
	if cmd.Amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	inv, err := s.book.GetInvoice(ctx, cmd.InvoiceID)
	if err != nil {
		return nil, nil, err
	}
	if inv.Role != invoices.RoleBuyer {
		return nil, nil, ErrNotBuyerInvoice
	}
	if inv.OwnerID != cmd.PayerID {
		return nil, nil, ErrNotPayer
	}
	if inv.Status == invoices.StatusDraft {
		return nil, nil, ErrNotPayable
	}

	key := cmd.IdempotencyKey
	if key == "" {
		key = fmt.Sprintf("pay-%s-%d", inv.ID, cmd.Amount)
	}

	receipt, err := s.gateway.Charge(ctx, ChargeRequest{
		PayerID:        cmd.PayerID,
		Amount:         cmd.Amount,
		IdempotencyKey: key,
	})
	if err != nil {
		s.logger.Error("Charge failed", "invoice_id", inv.ID, "error", err)
		return nil, nil, fmt.Errorf("%w: charge: %v", auction.ErrExternalService, err)
	}

	payment := &invoices.Payment{
		Amount:        receipt.Amount,
		ReceiptNumber: receipt.Number,
	}
	updated, err := s.book.RecordPayment(ctx, inv.ID, payment)
	if err != nil {
		s.logger.Error("Charged but failed to record payment",
			"invoice_id", inv.ID, "receipt", receipt.Number, "error", err)
		return nil, nil, err
	}

	s.logger.Info("Payment recorded", "invoice_id", inv.ID, "receipt", receipt.Number, "amount", receipt.Amount)
	return updated, payment, nil
}

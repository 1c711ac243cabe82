package invoices

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
)

// Repository persists invoices and their payments.
type Repository interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	FindInvoice(ctx context.Context, auctionID, ownerID uuid.UUID, role Role) (*Invoice, error)
	ListInvoicesByAuction(ctx context.Context, auctionID uuid.UUID) ([]*Invoice, error)

	// SaveInvoice inserts or updates the invoice and replaces its line items.
	// AmountPaid is owned by AddPayment and is not written here.
	SaveInvoice(ctx context.Context, inv *Invoice) error

	// FreezeInvoices saves all and records events for publication atomically.
	FreezeInvoices(ctx context.Context, all []*Invoice, events ...auction.Event) error

	// AddPayment records p and adds its amount to the invoice's AmountPaid in
	// one step. It reports false when the receipt was already recorded.
	AddPayment(ctx context.Context, p *Payment) (bool, error)
	ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
}

// SettleWaiter blocks until every lot of an auction is terminal.
type SettleWaiter interface {
	WaitSettled(ctx context.Context, auctionID uuid.UUID, timeout time.Duration) error
}

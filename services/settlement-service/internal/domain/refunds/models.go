package refunds

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
)

var ErrRefundNotFound = fmt.Errorf("%w: refund", auction.ErrNotFound)

// RefundRecord is the single refund a lot may receive. A refund of a lot the
// buyer has not paid for moves no money: it has no receipt and only
// discounts the invoice lines.
type RefundRecord struct {
	ID            uuid.UUID `db:"id"`
	LotID         uuid.UUID `db:"lot_id"`
	AuctionID     uuid.UUID `db:"auction_id"`
	InvoiceID     uuid.UUID `db:"invoice_id"`
	Percent       int       `db:"percent"`
	Amount        int64     `db:"amount"`
	ReceiptNumber string    `db:"receipt_number"`
	Confirmation  string    `db:"confirmation"`
	CreatedAt     time.Time `db:"created_at"`
}

// Discount reports whether the refund was applied to the invoice only.
func (r *RefundRecord) Discount() bool {
	return r.ReceiptNumber == ""
}

// Repository persists refund records, at most one per lot.
type Repository interface {
	// RecordRefund stores r (overwriting the record already stored for its
	// lot), lot with its refund flag, and events for publication atomically.
	RecordRefund(ctx context.Context, r *RefundRecord, lot *auction.Lot, events ...auction.Event) error
	GetRefundByLot(ctx context.Context, lotID uuid.UUID) (*RefundRecord, error)
}

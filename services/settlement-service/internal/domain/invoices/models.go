package invoices

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
)

// Role says which side of the sale an invoice settles.
type Role string

const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
)

// Status moves forward only: DRAFT -> UNPAID -> PAID.
type Status string

const (
	StatusDraft  Status = "DRAFT"
	StatusUnpaid Status = "UNPAID"
	StatusPaid   Status = "PAID"
)

var ErrInvalidTransition = fmt.Errorf("%w: invalid invoice status transition", auction.ErrStateConflict)

// CanTransitionTo reports whether s may move to next.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusDraft:
		return next == StatusUnpaid
	case StatusUnpaid:
		return next == StatusPaid
	}
	return false
}

// LineItem is one lot on an invoice. Net is what the line contributes to the
// subtotal after fees and refunds.
type LineItem struct {
	LotID         uuid.UUID `db:"lot_id"`
	LotNumber     int       `db:"lot_number"`
	Title         string    `db:"title"`
	Quantity      int       `db:"quantity"`
	UnitPrice     int64     `db:"unit_price"`
	Gross         int64     `db:"gross"`
	RefundPercent int       `db:"refund_percent"`
	Fees          int64     `db:"fees"`
	Net           int64     `db:"net"`
}

// Invoice is identified by (AuctionID, OwnerID, Role).
type Invoice struct {
	ID          uuid.UUID  `db:"id"`
	AuctionID   uuid.UUID  `db:"auction_id"`
	OwnerID     uuid.UUID  `db:"owner_id"`
	Role        Role       `db:"role"`
	Status      Status     `db:"status"`
	LineItems   []LineItem `db:"-"`
	Subtotal    int64      `db:"subtotal"`
	Tax         int64      `db:"tax"`
	Total       int64      `db:"total"`
	AmountPaid  int64      `db:"amount_paid"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	FinalizedAt *time.Time `db:"finalized_at"`
}

// TransitionTo moves the invoice to next or returns ErrInvalidTransition.
func (inv *Invoice) TransitionTo(next Status) error {
	if !inv.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.Status, next)
	}
	inv.Status = next
	return nil
}

// Balance is what is still owed; negative when overpaid.
func (inv *Invoice) Balance() int64 {
	return inv.Total - inv.AmountPaid
}

// Clone returns a deep copy.
func (inv *Invoice) Clone() *Invoice {
	c := *inv
	c.LineItems = append([]LineItem(nil), inv.LineItems...)
	if inv.FinalizedAt != nil {
		at := *inv.FinalizedAt
		c.FinalizedAt = &at
	}
	return &c
}

// Payment is money received against an invoice. Refunds are recorded as
// negative payments whose RefundOf names the receipt they draw on.
type Payment struct {
	ID            uuid.UUID `db:"id"`
	InvoiceID     uuid.UUID `db:"invoice_id"`
	Amount        int64     `db:"amount"`
	ReceiptNumber string    `db:"receipt_number"`
	RefundOf      string    `db:"refund_of"`
	CreatedAt     time.Time `db:"created_at"`
}

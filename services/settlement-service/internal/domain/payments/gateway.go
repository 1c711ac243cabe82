package payments

import (
	"context"

	"github.com/google/uuid"
)

// ChargeRequest takes money from a payer. Repeating a request with the same
// IdempotencyKey returns the original receipt instead of charging again.
type ChargeRequest struct {
	PayerID        uuid.UUID
	Amount         int64
	IdempotencyKey string
}

type Receipt struct {
	Number string
	Amount int64
}

// RefundRequest returns part of a charge identified by its receipt.
type RefundRequest struct {
	ReceiptNumber  string
	Amount         int64
	IdempotencyKey string
}

type Confirmation struct {
	ID     string
	Amount int64
}

// Gateway is the external payment processor.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (Receipt, error)
	Refund(ctx context.Context, req RefundRequest) (Confirmation, error)
}

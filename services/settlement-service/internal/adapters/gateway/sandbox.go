// Package gateway holds payment gateway adapters.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/payments"
)

var (
	ErrUnknownReceipt = errors.New("unknown receipt")
	ErrExceedsCharge  = errors.New("refund exceeds the remaining charge")
	ErrInvalidAmount  = errors.New("amount must be positive")
)

// Sandbox is an in-process gateway that settles instantly. Requests are
// idempotent by key, like a real processor.
type Sandbox struct {
	mu        sync.Mutex
	seq       int
	charges   map[string]payments.Receipt
	refunds   map[string]payments.Confirmation
	remaining map[string]int64
	failures  []error
}

var _ payments.Gateway = (*Sandbox)(nil)

func NewSandbox() *Sandbox {
	return &Sandbox{
		charges:   make(map[string]payments.Receipt),
		refunds:   make(map[string]payments.Confirmation),
		remaining: make(map[string]int64),
	}
}

// FailNext makes the next call return err without side effects.
func (s *Sandbox) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, err)
}

func (s *Sandbox) Charge(ctx context.Context, req payments.ChargeRequest) (payments.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return payments.Receipt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.popFailure(); err != nil {
		return payments.Receipt{}, err
	}
	if r, ok := s.charges[req.IdempotencyKey]; ok {
		return r, nil
	}
	if req.Amount <= 0 {
		return payments.Receipt{}, ErrInvalidAmount
	}

	s.seq++
	r := payments.Receipt{Number: fmt.Sprintf("rcpt-%06d", s.seq), Amount: req.Amount}
	s.charges[req.IdempotencyKey] = r
	s.remaining[r.Number] = req.Amount
	return r, nil
}

func (s *Sandbox) Refund(ctx context.Context, req payments.RefundRequest) (payments.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return payments.Confirmation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.popFailure(); err != nil {
		return payments.Confirmation{}, err
	}
	if c, ok := s.refunds[req.IdempotencyKey]; ok {
		return c, nil
	}
	if req.Amount <= 0 {
		return payments.Confirmation{}, ErrInvalidAmount
	}
	left, ok := s.remaining[req.ReceiptNumber]
	if !ok {
		return payments.Confirmation{}, fmt.Errorf("%w: %s", ErrUnknownReceipt, req.ReceiptNumber)
	}
	if req.Amount > left {
		return payments.Confirmation{}, ErrExceedsCharge
	}

	s.seq++
	c := payments.Confirmation{ID: fmt.Sprintf("rfnd-%06d", s.seq), Amount: req.Amount}
	s.refunds[req.IdempotencyKey] = c
	s.remaining[req.ReceiptNumber] = left - req.Amount
	return c, nil
}

func (s *Sandbox) popFailure() error {
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}

package auction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types, also used as broker routing keys.
const (
	EventTypeBidPlaced         = "bid.placed"
	EventTypeLotExtended       = "lot.extended"
	EventTypeLotClosed         = "lot.closed"
	EventTypeInvoicesFinalized = "auction.invoices_finalized"
	EventTypeRefundIssued      = "refund.issued"
)

// Event is a fact emitted after the state change it describes has committed.
type Event interface {
	EventType() string
	AggregateID() uuid.UUID
}

type BidPlaced struct {
	BidID     uuid.UUID
	LotID     uuid.UUID
	AuctionID uuid.UUID
	BidderID  uuid.UUID
	Amount    int64
	Seq       int64
	PlacedAt  time.Time
}

func (e BidPlaced) EventType() string      { return EventTypeBidPlaced }
func (e BidPlaced) AggregateID() uuid.UUID { return e.LotID }

type LotExtended struct {
	LotID     uuid.UUID
	AuctionID uuid.UUID
	CloseAt   time.Time
}

func (e LotExtended) EventType() string      { return EventTypeLotExtended }
func (e LotExtended) AggregateID() uuid.UUID { return e.LotID }

// LotClosed is emitted once per lot. WinnerID and WinningBidID are nil for
// unsold lots.
type LotClosed struct {
	LotID        uuid.UUID
	AuctionID    uuid.UUID
	SellerID     uuid.UUID
	WinningBidID *uuid.UUID
	WinnerID     *uuid.UUID
	Amount       int64
	ClosedAt     time.Time
}

func (e LotClosed) EventType() string      { return EventTypeLotClosed }
func (e LotClosed) AggregateID() uuid.UUID { return e.LotID }

type AuctionInvoicesFinalized struct {
	AuctionID   uuid.UUID
	InvoiceIDs  []uuid.UUID
	FinalizedAt time.Time
}

func (e AuctionInvoicesFinalized) EventType() string      { return EventTypeInvoicesFinalized }
func (e AuctionInvoicesFinalized) AggregateID() uuid.UUID { return e.AuctionID }

type RefundIssued struct {
	RefundID  uuid.UUID
	LotID     uuid.UUID
	AuctionID uuid.UUID
	InvoiceID uuid.UUID
	Percent   int
	Amount    int64
	IssuedAt  time.Time
}

func (e RefundIssued) EventType() string      { return EventTypeRefundIssued }
func (e RefundIssued) AggregateID() uuid.UUID { return e.LotID }

// EventSink receives emitted events.
type EventSink interface {
	Emit(ctx context.Context, event Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event Event) error

func (f EventSinkFunc) Emit(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Sinks fans an event out to every sink and joins their errors.
type Sinks []EventSink

func (s Sinks) Emit(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard EventSink = EventSinkFunc(func(context.Context, Event) error { return nil })

// LateSink forwards to a sink bound after construction, for services that
// consume each other's events. Events emitted before Bind are dropped.
type LateSink struct {
	mu     sync.RWMutex
	target EventSink
}

func (l *LateSink) Bind(target EventSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.target = target
}

func (l *LateSink) Emit(ctx context.Context, event Event) error {
	l.mu.RLock()
	target := l.target
	l.mu.RUnlock()
	if target == nil {
		return nil
	}
	return target.Emit(ctx, event)
}

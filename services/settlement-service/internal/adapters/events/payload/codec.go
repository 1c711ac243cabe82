// Package payload encodes settlement events for the outbox and the broker.
package payload

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	pkgevents "github.com/fishauctions/settlement/pkg/events"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
)

// Encode serializes a domain event as a protobuf Struct. Amounts are cents
// and fit a float64 exactly.
func Encode(event auction.Event) ([]byte, error) {
	fields, err := eventFields(event)
	if err != nil {
		return nil, err
	}
	fields["event_type"] = event.EventType()

	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build event payload: %w", err)
	}
	return proto.Marshal(msg)
}

// OutboxRecord encodes event as a pending outbox row created at at.
func OutboxRecord(event auction.Event, at time.Time) (*pkgevents.OutboxEvent, error) {
	body, err := Encode(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", event.EventType(), err)
	}
	return &pkgevents.OutboxEvent{
		ID:          uuid.New(),
		EventType:   event.EventType(),
		AggregateID: event.AggregateID(),
		Payload:     body,
		Status:      pkgevents.OutboxStatusPending,
		CreatedAt:   at,
	}, nil
}

func eventFields(event auction.Event) (map[string]any, error) {
	switch e := event.(type) {
	case auction.BidPlaced:
		return map[string]any{
			"bid_id":     e.BidID.String(),
			"lot_id":     e.LotID.String(),
			"auction_id": e.AuctionID.String(),
			"bidder_id":  e.BidderID.String(),
			"amount":     e.Amount,
			"seq":        e.Seq,
			"placed_at":  formatTime(e.PlacedAt),
		}, nil
	case auction.LotExtended:
		return map[string]any{
			"lot_id":     e.LotID.String(),
			"auction_id": e.AuctionID.String(),
			"close_at":   formatTime(e.CloseAt),
		}, nil
	case auction.LotClosed:
		fields := map[string]any{
			"lot_id":     e.LotID.String(),
			"auction_id": e.AuctionID.String(),
			"seller_id":  e.SellerID.String(),
			"amount":     e.Amount,
			"closed_at":  formatTime(e.ClosedAt),
		}
		if e.WinnerID != nil && e.WinningBidID != nil {
			fields["winner_id"] = e.WinnerID.String()
			fields["winning_bid_id"] = e.WinningBidID.String()
		}
		return fields, nil
	case auction.AuctionInvoicesFinalized:
		return map[string]any{
			"auction_id":   e.AuctionID.String(),
			"invoice_ids":  lo.Map(e.InvoiceIDs, func(id uuid.UUID, _ int) any { return id.String() }),
			"finalized_at": formatTime(e.FinalizedAt),
		}, nil
	case auction.RefundIssued:
		return map[string]any{
			"refund_id":  e.RefundID.String(),
			"lot_id":     e.LotID.String(),
			"auction_id": e.AuctionID.String(),
			"invoice_id": e.InvoiceID.String(),
			"percent":    e.Percent,
			"amount":     e.Amount,
			"issued_at":  formatTime(e.IssuedAt),
		}, nil
	}
	return nil, fmt.Errorf("unsupported event type %T", event)
}

// DecodeLotClosed parses a payload produced by Encode for a lot.closed event.
func DecodeLotClosed(body []byte) (auction.LotClosed, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(body, &msg); err != nil {
		return auction.LotClosed{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	f := msg.GetFields()
	if got := f["event_type"].GetStringValue(); got != auction.EventTypeLotClosed {
		return auction.LotClosed{}, fmt.Errorf("unexpected event type %q", got)
	}

	var (
		e   auction.LotClosed
		err error
	)
	if e.LotID, err = uuid.Parse(f["lot_id"].GetStringValue()); err != nil {
		return e, fmt.Errorf("invalid lot_id: %w", err)
	}
	if e.AuctionID, err = uuid.Parse(f["auction_id"].GetStringValue()); err != nil {
		return e, fmt.Errorf("invalid auction_id: %w", err)
	}
	if e.SellerID, err = uuid.Parse(f["seller_id"].GetStringValue()); err != nil {
		return e, fmt.Errorf("invalid seller_id: %w", err)
	}
	if e.ClosedAt, err = time.Parse(time.RFC3339Nano, f["closed_at"].GetStringValue()); err != nil {
		return e, fmt.Errorf("invalid closed_at: %w", err)
	}
	e.Amount = int64(f["amount"].GetNumberValue())

	if winner, ok := f["winner_id"]; ok {
		winnerID, err := uuid.Parse(winner.GetStringValue())
		if err != nil {
			return e, fmt.Errorf("invalid winner_id: %w", err)
		}
		bidID, err := uuid.Parse(f["winning_bid_id"].GetStringValue())
		if err != nil {
			return e, fmt.Errorf("invalid winning_bid_id: %w", err)
		}
		e.WinnerID = &winnerID
		e.WinningBidID = &bidID
	}
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/invoices"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/refunds"
)

// fields reads typed values out of a request Struct. Missing required fields
// and malformed values are reported as InvalidArgument.
type fields map[string]*structpb.Value

func requestFields(msg *structpb.Struct) fields {
	return fields(msg.GetFields())
}

func (f fields) has(name string) bool {
	v, ok := f[name]
	if !ok {
		return false
	}
	_, isNull := v.GetKind().(*structpb.Value_NullValue)
	return !isNull
}

func (f fields) getUUID(name string) (uuid.UUID, error) {
	if !f.has(name) {
		return uuid.Nil, invalidArgument("missing " + name)
	}
	id, err := uuid.Parse(f[name].GetStringValue())
	if err != nil {
		return uuid.Nil, invalidArgument("invalid " + name)
	}
	return id, nil
}

func (f fields) getString(name string) string {
	return f[name].GetStringValue()
}

func (f fields) getBool(name string) bool {
	return f[name].GetBoolValue()
}

func (f fields) getInt64(name string) (int64, error) {
	if !f.has(name) {
		return 0, nil
	}
	n := f[name].GetNumberValue()
	if n != float64(int64(n)) {
		return 0, invalidArgument(name + " must be a whole number")
	}
	return int64(n), nil
}

func (f fields) getInt(name string) (int, error) {
	n, err := f.getInt64(name)
	return int(n), err
}

func (f fields) getTime(name string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, f.getString(name))
	if err != nil {
		return time.Time{}, invalidArgument("invalid " + name + " format")
	}
	return t, nil
}

// increment parses {"flat": n, "tiers": [{"from": n, "step": n}]}.
func (f fields) getIncrement(name string) (*auction.IncrementPolicy, error) {
	if !f.has(name) {
		return nil, nil
	}
	inner := fields(f[name].GetStructValue().GetFields())
	flat, err := inner.getInt64("flat")
	if err != nil {
		return nil, err
	}
	policy := auction.IncrementPolicy{Flat: flat}
	for _, v := range inner["tiers"].GetListValue().GetValues() {
		tier := fields(v.GetStructValue().GetFields())
		from, err := tier.getInt64("from")
		if err != nil {
			return nil, err
		}
		step, err := tier.getInt64("step")
		if err != nil {
			return nil, err
		}
		policy.Tiers = append(policy.Tiers, auction.IncrementTier{From: from, Step: step})
	}
	return &policy, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func optionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func auctionMessage(a *auction.Auction) map[string]any {
	m := map[string]any{
		"id":                a.ID.String(),
		"title":             a.Title,
		"end_at":            formatTime(a.EndAt),
		"is_online":         a.IsOnline,
		"max_lots_per_user": nil,
		"tax_percent":       a.TaxPercent,
		"club_cut_percent":  a.ClubCutPercent,
		"lot_entry_fee":     a.LotEntryFee,
		"status":            string(a.Status),
	}
	if a.MaxLotsPerUser != nil {
		m["max_lots_per_user"] = *a.MaxLotsPerUser
	}
	return m
}

func lotMessage(l *auction.Lot) map[string]any {
	m := map[string]any{
		"id":                       l.ID.String(),
		"auction_id":               l.AuctionID.String(),
		"seller_id":                l.SellerID.String(),
		"lot_number":               l.LotNumber,
		"title":                    l.Title,
		"quantity":                 l.Quantity,
		"start_price":              l.StartPrice,
		"next_minimum_bid":         l.NextMinimumBid(),
		"bid_count":                l.BidCount,
		"close_at":                 formatTime(l.CloseAt),
		"hard_close_at":            formatTime(l.HardCloseAt),
		"status":                   string(l.Status),
		"high_bid":                 nil,
		"winning_bid_id":           nil,
		"no_more_refunds_possible": l.NoMoreRefundsPossible,
		"partial_refund_percent":   l.PartialRefundPercent,
		"closed_at":                optionalTime(l.ClosedAt),
	}
	if l.HighBid != nil {
		m["high_bid"] = map[string]any{
			"bid_id":    l.HighBid.BidID.String(),
			"bidder_id": l.HighBid.BidderID.String(),
			"amount":    l.HighBid.Amount,
			"placed_at": formatTime(l.HighBid.PlacedAt),
		}
	}
	if l.WinningBidID != nil {
		m["winning_bid_id"] = l.WinningBidID.String()
	}
	return m
}

func bidMessage(b *auction.Bid) map[string]any {
	return map[string]any{
		"id":         b.ID.String(),
		"lot_id":     b.LotID.String(),
		"bidder_id":  b.BidderID.String(),
		"amount":     b.Amount,
		"seq":        b.Seq,
		"placed_at":  formatTime(b.PlacedAt),
		"is_winning": b.IsWinning,
	}
}

func invoiceMessage(inv *invoices.Invoice) map[string]any {
	return map[string]any{
		"id":          inv.ID.String(),
		"auction_id":  inv.AuctionID.String(),
		"owner_id":    inv.OwnerID.String(),
		"role":        string(inv.Role),
		"status":      string(inv.Status),
		"subtotal":    inv.Subtotal,
		"tax":         inv.Tax,
		"total":       inv.Total,
		"amount_paid": inv.AmountPaid,
		"balance":     inv.Balance(),
		"line_items": lo.Map(inv.LineItems, func(item invoices.LineItem, _ int) any {
			return map[string]any{
				"lot_id":         item.LotID.String(),
				"lot_number":     item.LotNumber,
				"title":          item.Title,
				"quantity":       item.Quantity,
				"unit_price":     item.UnitPrice,
				"gross":          item.Gross,
				"refund_percent": item.RefundPercent,
				"fees":           item.Fees,
				"net":            item.Net,
			}
		}),
		"finalized_at": optionalTime(inv.FinalizedAt),
	}
}

func paymentMessage(p *invoices.Payment) map[string]any {
	return map[string]any{
		"id":             p.ID.String(),
		"invoice_id":     p.InvoiceID.String(),
		"amount":         p.Amount,
		"receipt_number": p.ReceiptNumber,
		"refund_of":      p.RefundOf,
		"created_at":     formatTime(p.CreatedAt),
	}
}

func refundMessage(r *refunds.RefundRecord) map[string]any {
	return map[string]any{
		"id":             r.ID.String(),
		"lot_id":         r.LotID.String(),
		"invoice_id":     r.InvoiceID.String(),
		"percent":        r.Percent,
		"amount":         r.Amount,
		"receipt_number": r.ReceiptNumber,
		"confirmation":   r.Confirmation,
		"discount":       r.Discount(),
		"created_at":     formatTime(r.CreatedAt),
	}
}

func listOf[T any](items []T, fn func(T) map[string]any) []any {
	return lo.Map(items, func(item T, _ int) any { return fn(item) })
}

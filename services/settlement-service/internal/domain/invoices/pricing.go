package invoices

import (
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
)

var hundred = decimal.NewFromInt(100)

// percentOf returns pct% of amount in cents, rounded half up.
func percentOf(amount int64, pct int) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(int64(pct))).
		Div(hundred).
		Round(0).
		IntPart()
}

// RefundAmount is the money returned to the buyer for a pct refund of gross.
func RefundAmount(gross int64, pct int) int64 {
	return percentOf(gross, pct)
}

// Gross is the hammer price times quantity of a sold lot.
func Gross(lot *auction.Lot) int64 {
	return lot.WinningAmount() * int64(lot.Quantity)
}

// BuyerLine prices a sold lot for its buyer.
func BuyerLine(lot *auction.Lot) LineItem {
	gross := Gross(lot)
	net := gross - RefundAmount(gross, lot.PartialRefundPercent)
	return LineItem{
		LotID:         lot.ID,
		LotNumber:     lot.LotNumber,
		Title:         lot.Title,
		Quantity:      lot.Quantity,
		UnitPrice:     lot.WinningAmount(),
		Gross:         gross,
		RefundPercent: lot.PartialRefundPercent,
		Net:           max(net, 0),
	}
}

// SellerLine prices a sold lot for its seller: the club cut and entry fee
// come off the top, and a refund reduces the remainder proportionally.
func SellerLine(lot *auction.Lot, auc *auction.Auction) LineItem {
	gross := Gross(lot)
	fees := percentOf(gross, auc.ClubCutPercent) + auc.LotEntryFee
	base := max(gross-fees, 0)
	net := percentOf(base, 100-lot.PartialRefundPercent)
	return LineItem{
		LotID:         lot.ID,
		LotNumber:     lot.LotNumber,
		Title:         lot.Title,
		Quantity:      lot.Quantity,
		UnitPrice:     lot.WinningAmount(),
		Gross:         gross,
		RefundPercent: lot.PartialRefundPercent,
		Fees:          fees,
		Net:           max(net, 0),
	}
}

// ApplyTotals recomputes subtotal, tax and total from the line items.
// Tax applies to buyer invoices only.
func ApplyTotals(inv *Invoice, taxPercent int) {
	subtotal := lo.SumBy(inv.LineItems, func(item LineItem) int64 { return item.Net })
	inv.Subtotal = subtotal
	inv.Tax = 0
	if inv.Role == RoleBuyer && taxPercent > 0 {
		inv.Tax = percentOf(subtotal, taxPercent)
	}
	inv.Total = inv.Subtotal + inv.Tax
}

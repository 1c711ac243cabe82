package invoices

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
)

func soldLot(amount int64, quantity, refundPercent int) *auction.Lot {
	bidID := uuid.New()
	return &auction.Lot{
		ID:                   uuid.New(),
		LotNumber:            7,
		Title:                "Corydoras sterbai x6",
		Quantity:             quantity,
		Status:               auction.LotStatusClosed,
		HighBid:              &auction.HighBid{BidID: bidID, BidderID: uuid.New(), Amount: amount},
		WinningBidID:         &bidID,
		PartialRefundPercent: refundPercent,
	}
}

func TestBuyerLine(t *testing.T) {
	tests := []struct {
		name      string
		lot       *auction.Lot
		wantGross int64
		wantNet   int64
	}{
		{name: "no refund", lot: soldLot(10000, 1, 0), wantGross: 10000, wantNet: 10000},
		{name: "half refund", lot: soldLot(10000, 1, 50), wantGross: 10000, wantNet: 5000},
		{name: "quantity multiplies", lot: soldLot(1250, 3, 0), wantGross: 3750, wantNet: 3750},
		{name: "refund rounds to the cent", lot: soldLot(1001, 1, 33), wantGross: 1001, wantNet: 671},
		{name: "full refund", lot: soldLot(4200, 2, 100), wantGross: 8400, wantNet: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := BuyerLine(tt.lot)

			assert.Equal(t, tt.lot.ID, line.LotID)
			assert.Equal(t, tt.wantGross, line.Gross)
			assert.Equal(t, tt.wantNet, line.Net)
			assert.Zero(t, line.Fees, "buyers pay no fees")
		})
	}
}

func TestSellerLine(t *testing.T) {
	auc := &auction.Auction{ClubCutPercent: 10, LotEntryFee: 200}

	tests := []struct {
		name     string
		lot      *auction.Lot
		auc      *auction.Auction
		wantFees int64
		wantNet  int64
	}{
		{name: "club cut and entry fee", lot: soldLot(10000, 1, 0), auc: auc, wantFees: 1200, wantNet: 8800},
		{name: "refund reduces the remainder", lot: soldLot(10000, 1, 50), auc: auc, wantFees: 1200, wantNet: 4400},
		{name: "fees larger than price", lot: soldLot(100, 1, 0), auc: &auction.Auction{ClubCutPercent: 10, LotEntryFee: 500}, wantFees: 510, wantNet: 0},
		{name: "no fees", lot: soldLot(2500, 2, 0), auc: &auction.Auction{}, wantFees: 0, wantNet: 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := SellerLine(tt.lot, tt.auc)

			assert.Equal(t, tt.wantFees, line.Fees)
			assert.Equal(t, tt.wantNet, line.Net)
		})
	}
}

func TestRefundAmount_RoundsHalfUp(t *testing.T) {
	assert.Equal(t, int64(3), RefundAmount(5, 50))
	assert.Equal(t, int64(2), RefundAmount(5, 40))
	assert.Equal(t, int64(5000), RefundAmount(10000, 50))
	assert.Equal(t, int64(0), RefundAmount(1, 10))
}

func TestApplyTotals(t *testing.T) {
	lines := []LineItem{{Net: 6000}, {Net: 4050}}

	buyer := &Invoice{Role: RoleBuyer, LineItems: lines}
	ApplyTotals(buyer, 8)
	assert.Equal(t, int64(10050), buyer.Subtotal)
	assert.Equal(t, int64(804), buyer.Tax)
	assert.Equal(t, int64(10854), buyer.Total)

	seller := &Invoice{Role: RoleSeller, LineItems: lines}
	ApplyTotals(seller, 8)
	assert.Equal(t, int64(0), seller.Tax, "sellers are not taxed")
	assert.Equal(t, int64(10050), seller.Total)

	// Recomputing unchanged lines does not drift.
	ApplyTotals(buyer, 8)
	assert.Equal(t, int64(10854), buyer.Total)
}

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusDraft, StatusUnpaid, true},
		{StatusUnpaid, StatusPaid, true},
		{StatusDraft, StatusPaid, false},
		{StatusPaid, StatusUnpaid, false},
		{StatusUnpaid, StatusDraft, false},
		{StatusPaid, StatusPaid, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))

			inv := &Invoice{Status: tt.from}
			err := inv.TransitionTo(tt.to)
			if tt.want {
				assert.NoError(t, err)
				assert.Equal(t, tt.to, inv.Status)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.ErrorIs(t, err, auction.ErrStateConflict)
				assert.Equal(t, tt.from, inv.Status)
			}
		})
	}
}

func TestRefundAmount_MatchesBuyerLineReduction(t *testing.T) {
	for _, quantity := range []int{1, 2, 6} {
		lot := soldLot(1250, quantity, 0)
		refund := RefundAmount(Gross(lot), 30)

		lot.PartialRefundPercent = 30
		line := BuyerLine(lot)

		assert.Equal(t, line.Gross-line.Net, refund, "quantity %d", quantity)
	}
	assert.Equal(t, RefundAmount(1250, 30), RefundAmount(Gross(soldLot(1250, 1, 0)), 30), "single items refund percent of the hammer")
}

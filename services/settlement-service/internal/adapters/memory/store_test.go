package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/invoices"
)

func seed(t *testing.T, s *Store) (*auction.Auction, *auction.Lot) {
	t.Helper()
	now := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	a := &auction.Auction{ID: uuid.New(), Title: "Swap", EndAt: now.Add(time.Hour), Status: auction.AuctionStatusActive}
	require.NoError(t, s.CreateAuction(context.Background(), a))
	lot := &auction.Lot{
		ID:         uuid.New(),
		AuctionID:  a.ID,
		SellerID:   uuid.New(),
		LotNumber:  1,
		Quantity:   1,
		StartPrice: 1000,
		Increment:  auction.IncrementPolicy{Flat: 100, Tiers: []auction.IncrementTier{{From: 5000, Step: 500}}},
		CloseAt:    a.EndAt,
		Status:     auction.LotStatusOpen,
	}
	require.NoError(t, s.CreateLot(context.Background(), lot))
	return a, lot
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := NewStore()
	_, lot := seed(t, s)

	got, err := s.GetLot(context.Background(), lot.ID)
	require.NoError(t, err)
	got.Title = "changed"
	got.Increment.Tiers[0].Step = 1

	again, err := s.GetLot(context.Background(), lot.ID)
	require.NoError(t, err)
	assert.Empty(t, again.Title)
	assert.Equal(t, int64(500), again.Increment.Tiers[0].Step)
}

func TestStore_NotFound(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	_, err := s.GetAuction(ctx, uuid.New())
	assert.ErrorIs(t, err, auction.ErrAuctionNotFound)
	_, err = s.GetLot(ctx, uuid.New())
	assert.ErrorIs(t, err, auction.ErrLotNotFound)
	_, err = s.GetInvoice(ctx, uuid.New())
	assert.ErrorIs(t, err, invoices.ErrInvoiceNotFound)
	assert.ErrorIs(t, s.UpdateLot(ctx, &auction.Lot{ID: uuid.New()}), auction.ErrLotNotFound)
}

func TestStore_RecordBidRejectsDuplicateSequence(t *testing.T) {
	s := NewStore()
	_, lot := seed(t, s)
	ctx := context.Background()

	bid := &auction.Bid{ID: uuid.New(), LotID: lot.ID, BidderID: uuid.New(), Amount: 1000, Seq: 1}
	lot.HighBid = bid.AsHighBid()
	lot.BidCount = 1
	require.NoError(t, s.RecordBid(ctx, lot, bid))

	dup := &auction.Bid{ID: uuid.New(), LotID: lot.ID, BidderID: uuid.New(), Amount: 1100, Seq: 1}
	assert.Error(t, s.RecordBid(ctx, lot, dup))

	ledger, err := s.ListBids(ctx, lot.ID)
	require.NoError(t, err)
	assert.Len(t, ledger, 1)
}

func TestStore_OutboxFollowsWrites(t *testing.T) {
	s := NewStore()
	a, lot := seed(t, s)
	ctx := context.Background()
	bid := &auction.Bid{ID: uuid.New(), LotID: lot.ID, BidderID: uuid.New(), Amount: 1000, Seq: 1}
	placed := auction.BidPlaced{BidID: bid.ID, LotID: lot.ID, AuctionID: a.ID, BidderID: bid.BidderID, Amount: 1000, Seq: 1}
	lot.HighBid = bid.AsHighBid()
	lot.BidCount = 1

	// Act
	require.NoError(t, s.RecordBid(ctx, lot, bid, placed))
	dup := &auction.Bid{ID: uuid.New(), LotID: lot.ID, BidderID: uuid.New(), Amount: 1100, Seq: 1}
	require.Error(t, s.RecordBid(ctx, lot, dup, auction.BidPlaced{BidID: dup.ID, LotID: lot.ID, Seq: 1}))

	lot.Status = auction.LotStatusClosed
	lot.WinningBidID = &bid.ID
	closed := auction.LotClosed{LotID: lot.ID, AuctionID: a.ID, WinningBidID: &bid.ID, Amount: 1000}
	require.NoError(t, s.FinalizeLot(ctx, lot, closed))

	// Assert
	assert.Equal(t, []auction.Event{placed, closed}, s.Outbox(), "a rejected write records nothing")
}

func TestStore_FreezeInvoicesIsAllOrNothing(t *testing.T) {
	s := NewStore()
	a, _ := seed(t, s)
	ctx := context.Background()
	existing := &invoices.Invoice{ID: uuid.New(), AuctionID: a.ID, OwnerID: uuid.New(), Role: invoices.RoleBuyer, Status: invoices.StatusDraft}
	require.NoError(t, s.SaveInvoice(ctx, existing))

	fresh := &invoices.Invoice{ID: uuid.New(), AuctionID: a.ID, OwnerID: uuid.New(), Role: invoices.RoleSeller, Status: invoices.StatusUnpaid}
	clash := &invoices.Invoice{ID: uuid.New(), AuctionID: a.ID, OwnerID: existing.OwnerID, Role: invoices.RoleBuyer, Status: invoices.StatusUnpaid}
	event := auction.AuctionInvoicesFinalized{AuctionID: a.ID, InvoiceIDs: []uuid.UUID{fresh.ID, clash.ID}}

	// Act
	err := s.FreezeInvoices(ctx, []*invoices.Invoice{fresh, clash}, event)

	// Assert
	require.Error(t, err)
	_, err = s.GetInvoice(ctx, fresh.ID)
	assert.ErrorIs(t, err, invoices.ErrInvoiceNotFound)
	assert.Empty(t, s.Outbox())

	existing.Status = invoices.StatusUnpaid
	require.NoError(t, s.FreezeInvoices(ctx, []*invoices.Invoice{fresh, existing}, event))
	got, err := s.GetInvoice(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, invoices.StatusUnpaid, got.Status)
	assert.Equal(t, []auction.Event{event}, s.Outbox())
}

func TestStore_CountLeadingLots(t *testing.T) {
	s := NewStore()
	a, first := seed(t, s)
	ctx := context.Background()
	bidder := uuid.New()

	second := first.Clone()
	second.ID = uuid.New()
	second.LotNumber = 2
	require.NoError(t, s.CreateLot(ctx, second))

	for _, lot := range []*auction.Lot{first, second} {
		lot.HighBid = &auction.HighBid{BidID: uuid.New(), BidderID: bidder, Amount: 1000, Seq: 1}
		require.NoError(t, s.UpdateLot(ctx, lot))
	}

	n, err := s.CountLeadingLots(ctx, a.ID, bidder, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountLeadingLots(ctx, a.ID, bidder, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the excluded lot is not counted")

	second.Status = auction.LotStatusRemoved
	require.NoError(t, s.UpdateLot(ctx, second))
	n, err = s.CountLeadingLots(ctx, a.ID, bidder, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "removed lots are not counted")
}

func TestStore_Payments(t *testing.T) {
	s := NewStore()
	a, _ := seed(t, s)
	ctx := context.Background()
	inv := &invoices.Invoice{ID: uuid.New(), AuctionID: a.ID, OwnerID: uuid.New(), Role: invoices.RoleBuyer, Status: invoices.StatusUnpaid, Total: 500}
	require.NoError(t, s.SaveInvoice(ctx, inv))

	added, err := s.AddPayment(ctx, &invoices.Payment{ID: uuid.New(), InvoiceID: inv.ID, Amount: 300, ReceiptNumber: "r-1"})
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.AddPayment(ctx, &invoices.Payment{ID: uuid.New(), InvoiceID: inv.ID, Amount: 300, ReceiptNumber: "r-1"})
	require.NoError(t, err)
	assert.False(t, added)

	// Saving an invoice does not overwrite the paid amount.
	inv.AmountPaid = 0
	require.NoError(t, s.SaveInvoice(ctx, inv))
	got, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.AmountPaid)

	// A second invoice for the same owner and role is rejected.
	dup := &invoices.Invoice{ID: uuid.New(), AuctionID: a.ID, OwnerID: inv.OwnerID, Role: invoices.RoleBuyer}
	assert.Error(t, s.SaveInvoice(ctx, dup))
}

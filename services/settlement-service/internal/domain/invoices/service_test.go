package invoices_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/invoices"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/listing"
	"github.com/fishauctions/settlement/services/settlement-service/internal/testfixture"
)

type market struct {
	auction        *auction.Auction
	lots           []*auction.Lot
	buyer1, buyer2 uuid.UUID
	seller1        uuid.UUID
	seller2        uuid.UUID
}

// closedMarket lists four lots, sells three and closes them all.
func closedMarket(t *testing.T, f *testfixture.Fixture, opts ...testfixture.AuctionOption) market {
	t.Helper()
	m := market{
		buyer1:  uuid.New(),
		buyer2:  uuid.New(),
		seller1: uuid.New(),
		seller2: uuid.New(),
	}
	m.auction = f.Auction(t, append([]testfixture.AuctionOption{testfixture.Fees(8, 10, 200)}, opts...)...)
	m.lots = []*auction.Lot{
		f.Lot(t, m.auction.ID, m.seller1),
		f.Lot(t, m.auction.ID, m.seller2),
		f.Lot(t, m.auction.ID, m.seller1),
		f.Lot(t, m.auction.ID, m.seller2),
	}
	f.Bid(t, m.lots[0].ID, m.buyer1, 5000)
	f.Bid(t, m.lots[1].ID, m.buyer1, 2500)
	f.Bid(t, m.lots[2].ID, m.buyer2, 1000)

	ids := make([]uuid.UUID, 0, len(m.lots))
	for _, lot := range m.lots {
		ids = append(ids, lot.ID)
	}
	f.CloseAt(t, m.auction.EndAt, ids...)
	return m
}

func find(t *testing.T, f *testfixture.Fixture, auctionID, owner uuid.UUID, role invoices.Role) *invoices.Invoice {
	t.Helper()
	inv, err := f.Invoices.FindInvoice(context.Background(), auctionID, owner, role)
	require.NoError(t, err)
	return inv
}

func TestAggregator_FinalizeAuctionInvoices(t *testing.T) {
	// Arrange
	f := testfixture.New(t)
	m := closedMarket(t, f)
	ctx := context.Background()

	// Act
	all, err := f.Invoices.FinalizeAuctionInvoices(ctx, m.auction.ID)

	// Assert
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, invoices.RoleBuyer, all[0].Role)
	assert.Equal(t, invoices.RoleBuyer, all[1].Role)
	assert.Equal(t, invoices.RoleSeller, all[2].Role)
	assert.Equal(t, invoices.RoleSeller, all[3].Role)

	tests := []struct {
		owner     uuid.UUID
		role      invoices.Role
		wantLots  []int
		wantTax   int64
		wantTotal int64
	}{
		{owner: m.buyer1, role: invoices.RoleBuyer, wantLots: []int{1, 2}, wantTax: 600, wantTotal: 8100},
		{owner: m.buyer2, role: invoices.RoleBuyer, wantLots: []int{3}, wantTax: 80, wantTotal: 1080},
		{owner: m.seller1, role: invoices.RoleSeller, wantLots: []int{1, 3}, wantTotal: 5000},
		{owner: m.seller2, role: invoices.RoleSeller, wantLots: []int{2}, wantTotal: 2050},
	}
	for _, tt := range tests {
		inv := find(t, f, m.auction.ID, tt.owner, tt.role)

		var numbers []int
		var sum int64
		for _, item := range inv.LineItems {
			numbers = append(numbers, item.LotNumber)
			sum += item.Net
		}
		assert.Equal(t, tt.wantLots, numbers, "%s lines ordered by lot number", tt.role)
		assert.Equal(t, sum, inv.Subtotal)
		assert.Equal(t, tt.wantTax, inv.Tax)
		assert.Equal(t, tt.wantTotal, inv.Total)
		assert.Equal(t, invoices.StatusUnpaid, inv.Status)
		assert.NotNil(t, inv.FinalizedAt)
	}

	got, err := f.Listing.GetAuction(ctx, m.auction.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.AuctionStatusFinalized, got.Status)

	events := f.Events.Events(auction.EventTypeInvoicesFinalized)
	require.Len(t, events, 1)
	assert.Len(t, events[0].(auction.AuctionInvoicesFinalized).InvoiceIDs, 4)
	assert.Contains(t, f.Store.Outbox(), events[0], "the event is stored with the frozen invoices")
}

func TestAggregator_FinalizeIsIdempotent(t *testing.T) {
	f := testfixture.New(t)
	m := closedMarket(t, f)
	ctx := context.Background()

	first, err := f.Invoices.FinalizeAuctionInvoices(ctx, m.auction.ID)
	require.NoError(t, err)
	second, err := f.Invoices.FinalizeAuctionInvoices(ctx, m.auction.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, f.Events.Events(auction.EventTypeInvoicesFinalized), 1)
}

func TestAggregator_HandleLotClosedIsIdempotent(t *testing.T) {
	// Arrange
	f := testfixture.New(t)
	m := closedMarket(t, f)
	ctx := context.Background()
	closed := f.Events.Events(auction.EventTypeLotClosed)
	require.Len(t, closed, 4)

	// Act: replay every close, as a redelivering broker would.
	for _, e := range closed {
		require.NoError(t, f.Invoices.HandleLotClosed(ctx, e.(auction.LotClosed)))
	}
	for _, e := range closed {
		require.NoError(t, f.Invoices.HandleLotClosed(ctx, e.(auction.LotClosed)))
	}

	// Assert
	all, err := f.Invoices.ListInvoices(ctx, m.auction.ID)
	require.NoError(t, err)
	require.Len(t, all, 4)
	buyer := find(t, f, m.auction.ID, m.buyer1, invoices.RoleBuyer)
	assert.Equal(t, invoices.StatusDraft, buyer.Status)
	assert.Len(t, buyer.LineItems, 2)
	assert.Equal(t, int64(8100), buyer.Total)
}

func TestAggregator_FinalizeWaitsForOpenLots(t *testing.T) {
	f := testfixture.New(t)
	a := f.Auction(t)
	f.Lot(t, a.ID, uuid.New())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.Invoices.FinalizeAuctionInvoices(ctx, a.ID)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	got, err := f.Listing.GetAuction(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.AuctionStatusActive, got.Status)
}

// lateListing lets the real wait return, then lists one more lot before the
// aggregator takes its locks.
type lateListing struct {
	waiter  invoices.SettleWaiter
	listing *listing.Service
	cmd     listing.AddLotCommand
	added   *auction.Lot
}

func (l *lateListing) WaitSettled(ctx context.Context, auctionID uuid.UUID, timeout time.Duration) error {
	if err := l.waiter.WaitSettled(ctx, auctionID, timeout); err != nil {
		return err
	}
	lot, err := l.listing.AddLot(ctx, l.cmd)
	if err != nil {
		return err
	}
	l.added = lot
	return nil
}

func TestAggregator_FinalizeRejectsLotListedAfterWait(t *testing.T) {
	// Arrange: one in-person lot sold and closed, a second listed mid-finalize.
	f := testfixture.New(t)
	ctx := context.Background()
	a := f.Auction(t, testfixture.InPerson())
	seller, buyer := uuid.New(), uuid.New()
	sold := f.Lot(t, a.ID, seller)
	f.Bid(t, sold.ID, buyer, 3000)
	_, err := f.Engine.CloseNow(ctx, sold.ID)
	require.NoError(t, err)

	waiter := &lateListing{
		waiter:  f.Engine,
		listing: f.Listing,
		cmd:     listing.AddLotCommand{AuctionID: a.ID, SellerID: seller, Title: "Late lot", Quantity: 1, StartPrice: 500},
	}
	agg := invoices.NewAggregator(f.Store, f.Store, f.Store, f.Locks, waiter, time.Second, f.Clock, auction.Discard,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Act
	_, err = agg.FinalizeAuctionInvoices(ctx, a.ID)

	// Assert
	assert.ErrorIs(t, err, invoices.ErrAuctionNotSettled)
	assert.ErrorIs(t, err, auction.ErrStateConflict)
	require.NotNil(t, waiter.added)
	assert.Equal(t, auction.LotStatusOpen, f.GetLot(t, waiter.added.ID).Status)
	assert.Equal(t, invoices.StatusDraft, find(t, f, a.ID, buyer, invoices.RoleBuyer).Status)
	assert.Equal(t, invoices.StatusDraft, find(t, f, a.ID, seller, invoices.RoleSeller).Status)
	got, err := f.Listing.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.AuctionStatusActive, got.Status)

	// Once the late lot closes the same call succeeds.
	_, err = f.Engine.CloseNow(ctx, waiter.added.ID)
	require.NoError(t, err)
	all, err := f.Invoices.FinalizeAuctionInvoices(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAggregator_FinalizeRejectsCapViolation(t *testing.T) {
	// Arrange: the stored state shows a buyer over the cap.
	f := testfixture.New(t)
	a := f.Auction(t, testfixture.MaxLots(1))
	buyer := uuid.New()
	won := f.Lot(t, a.ID, uuid.New())
	forced := f.Lot(t, a.ID, uuid.New())
	f.Bid(t, won.ID, buyer, 1000)
	rigged := f.GetLot(t, forced.ID)
	rigged.HighBid = &auction.HighBid{BidID: uuid.New(), BidderID: buyer, Amount: 1000, Seq: 1, PlacedAt: testfixture.Epoch}
	require.NoError(t, f.Store.UpdateLot(context.Background(), rigged))
	f.CloseAt(t, a.EndAt, won.ID, forced.ID)

	// Act
	_, err := f.Invoices.FinalizeAuctionInvoices(context.Background(), a.ID)

	// Assert
	assert.ErrorIs(t, err, invoices.ErrCapViolated)
	assert.ErrorIs(t, err, auction.ErrConsistencyFatal)
	assert.Empty(t, f.Events.Events(auction.EventTypeInvoicesFinalized))
	got, err := f.Listing.GetAuction(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.AuctionStatusActive, got.Status)
}

func TestAggregator_RecordPayment(t *testing.T) {
	// Arrange
	f := testfixture.New(t)
	m := closedMarket(t, f)
	ctx := context.Background()
	buyer := find(t, f, m.auction.ID, m.buyer1, invoices.RoleBuyer)

	_, err := f.Invoices.RecordPayment(ctx, buyer.ID, &invoices.Payment{Amount: 100, ReceiptNumber: "early"})
	require.ErrorIs(t, err, invoices.ErrInvoiceNotPayable, "drafts take no payments")

	_, err = f.Invoices.FinalizeAuctionInvoices(ctx, m.auction.ID)
	require.NoError(t, err)

	// Act and assert
	inv, err := f.Invoices.RecordPayment(ctx, buyer.ID, &invoices.Payment{Amount: 5000, ReceiptNumber: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, invoices.StatusUnpaid, inv.Status)
	assert.Equal(t, int64(3100), inv.Balance())

	inv, err = f.Invoices.RecordPayment(ctx, buyer.ID, &invoices.Payment{Amount: 5000, ReceiptNumber: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), inv.AmountPaid, "duplicate receipt ignored")

	inv, err = f.Invoices.RecordPayment(ctx, buyer.ID, &invoices.Payment{Amount: 3100, ReceiptNumber: "r-2"})
	require.NoError(t, err)
	assert.Equal(t, invoices.StatusPaid, inv.Status)
	assert.Zero(t, inv.Balance())

	paid, err := f.Invoices.ListPayments(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Len(t, paid, 2)

	_, err = f.Invoices.RecordPayment(ctx, buyer.ID, &invoices.Payment{Amount: 0, ReceiptNumber: "r-3"})
	assert.ErrorIs(t, err, invoices.ErrInvalidPayment)

	_, err = f.Invoices.GetInvoice(ctx, uuid.New())
	assert.ErrorIs(t, err, invoices.ErrInvoiceNotFound)
}

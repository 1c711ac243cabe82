//go:build integration

package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgdb "github.com/fishauctions/settlement/pkg/database"
	"github.com/fishauctions/settlement/pkg/testhelpers"
	"github.com/fishauctions/settlement/services/settlement-service/internal/adapters/database"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/invoices"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/refunds"
)

type repos struct {
	Pool     *pgxpool.Pool
	Auctions *database.PostgresAuctionRepository
	Lots     *database.PostgresLotRepository
	Invoices *database.PostgresInvoiceRepository
	Refunds  *database.PostgresRefundRepository
}

func setupRepos(t *testing.T) *repos {
	t.Helper()
	testDB := testhelpers.NewTestDatabase(t, "../../../migrations")
	tm := pkgdb.NewPostgresTransactionManager(testDB.Pool, 5*time.Second)
	outbox := database.NewPostgresOutbox(clockwork.NewRealClock())
	return &repos{
		Pool:     testDB.Pool,
		Auctions: database.NewPostgresAuctionRepository(testDB.Pool),
		Lots:     database.NewPostgresLotRepository(testDB.Pool, tm, outbox),
		Invoices: database.NewPostgresInvoiceRepository(testDB.Pool, tm, outbox),
		Refunds:  database.NewPostgresRefundRepository(testDB.Pool, tm, outbox),
	}
}

func seedAuction(t *testing.T, r *repos) *auction.Auction {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	maxLots := 3
	a := &auction.Auction{
		ID:             uuid.New(),
		Title:          "Spring Swap",
		EndAt:          now.Add(time.Hour),
		IsOnline:       true,
		MaxLotsPerUser: &maxLots,
		TaxPercent:     8,
		ClubCutPercent: 10,
		LotEntryFee:    200,
		Status:         auction.AuctionStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, r.Auctions.CreateAuction(context.Background(), a))
	return a
}

func seedLot(t *testing.T, r *repos, a *auction.Auction, number int) *auction.Lot {
	t.Helper()
	lot := &auction.Lot{
		ID:          uuid.New(),
		AuctionID:   a.ID,
		SellerID:    uuid.New(),
		LotNumber:   number,
		Title:       "Breeding pair of Apistogramma",
		Quantity:    2,
		StartPrice:  1000,
		Increment:   auction.IncrementPolicy{Tiers: []auction.IncrementTier{{From: 0, Step: 100}, {From: 5000, Step: 250}}},
		CloseAt:     a.EndAt,
		HardCloseAt: a.EndAt.Add(30 * time.Minute),
		TimedClose:  true,
		Status:      auction.LotStatusOpen,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.CreatedAt,
	}
	require.NoError(t, r.Lots.CreateLot(context.Background(), lot))
	return lot
}

func placeBid(t *testing.T, r *repos, lot *auction.Lot, bidder uuid.UUID, amount, seq int64) *auction.Bid {
	t.Helper()
	bid := &auction.Bid{
		ID:        uuid.New(),
		LotID:     lot.ID,
		AuctionID: lot.AuctionID,
		BidderID:  bidder,
		Amount:    amount,
		Seq:       seq,
		PlacedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	lot.HighBid = bid.AsHighBid()
	lot.BidCount++
	require.NoError(t, r.Lots.RecordBid(context.Background(), lot, bid))
	return bid
}

// outboxTypes lists the event types queued for aggregate, oldest first.
func outboxTypes(t *testing.T, r *repos, aggregate uuid.UUID) []string {
	t.Helper()
	rows, err := r.Pool.Query(context.Background(),
		`SELECT event_type FROM outbox_events WHERE aggregate_id = $1 AND status = 'pending' ORDER BY created_at, id`, aggregate)
	require.NoError(t, err)
	types, err := pgx.CollectRows(rows, pgx.RowTo[string])
	require.NoError(t, err)
	return types
}

type unencodable struct{ lotID uuid.UUID }

func (e unencodable) EventType() string      { return "lot.unknown" }
func (e unencodable) AggregateID() uuid.UUID { return e.lotID }

func TestAuctionRepository_RoundTrip(t *testing.T) {
	r := setupRepos(t)
	ctx := context.Background()

	a := seedAuction(t, r)

	got, err := r.Auctions.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Title, got.Title)
	require.NotNil(t, got.MaxLotsPerUser)
	assert.Equal(t, 3, *got.MaxLotsPerUser)
	assert.True(t, a.EndAt.Equal(got.EndAt))

	got.Status = auction.AuctionStatusCancelled
	require.NoError(t, r.Auctions.UpdateAuction(ctx, got))

	got, err = r.Auctions.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, auction.AuctionStatusCancelled, got.Status)

	_, err = r.Auctions.GetAuction(ctx, uuid.New())
	assert.ErrorIs(t, err, auction.ErrAuctionNotFound)
}

func TestLotRepository_BidsAndFinalize(t *testing.T) {
	r := setupRepos(t)
	ctx := context.Background()

	a := seedAuction(t, r)
	lot := seedLot(t, r, a, 1)
	alice, bob := uuid.New(), uuid.New()

	placeBid(t, r, lot, alice, 1000, 1)
	winning := placeBid(t, r, lot, bob, 1100, 2)

	// A reused sequence number is rejected and leaves the lot unchanged
	dup := &auction.Bid{ID: uuid.New(), LotID: lot.ID, AuctionID: a.ID, BidderID: alice, Amount: 1200, Seq: 2, PlacedAt: time.Now()}
	stale := lot.Clone()
	stale.HighBid = dup.AsHighBid()
	assert.Error(t, r.Lots.RecordBid(ctx, stale, dup))

	got, err := r.Lots.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	require.NotNil(t, got.HighBid)
	assert.Equal(t, winning.ID, got.HighBid.BidID)
	assert.Equal(t, int64(2), got.BidCount)
	assert.Equal(t, int64(250), got.Increment.Step(5000))

	count, err := r.Lots.CountLeadingLots(ctx, a.ID, bob, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = r.Lots.CountLeadingLots(ctx, a.ID, bob, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	active, err := r.Lots.ListActiveLots(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	closedAt := time.Now().UTC().Truncate(time.Microsecond)
	got.Status = auction.LotStatusClosed
	got.WinningBidID = &winning.ID
	got.ClosedAt = &closedAt
	require.NoError(t, r.Lots.FinalizeLot(ctx, got))

	bids, err := r.Lots.ListBids(ctx, lot.ID)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	assert.False(t, bids[0].IsWinning)
	assert.True(t, bids[1].IsWinning)

	active, err = r.Lots.ListActiveLots(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = r.Lots.GetLot(ctx, uuid.New())
	assert.ErrorIs(t, err, auction.ErrLotNotFound)
}

func TestLotRepository_DuplicateLotNumber(t *testing.T) {
	r := setupRepos(t)
	a := seedAuction(t, r)
	seedLot(t, r, a, 7)

	dup := &auction.Lot{
		ID: uuid.New(), AuctionID: a.ID, SellerID: uuid.New(), LotNumber: 7, Title: "Guppies",
		Quantity: 1, StartPrice: 500, Increment: auction.FlatIncrement(50),
		CloseAt: a.EndAt, HardCloseAt: a.EndAt, Status: auction.LotStatusOpen,
		CreatedAt: a.CreatedAt, UpdatedAt: a.CreatedAt,
	}
	assert.Error(t, r.Lots.CreateLot(context.Background(), dup))
}

func TestInvoiceRepository_SaveAndPay(t *testing.T) {
	r := setupRepos(t)
	ctx := context.Background()

	a := seedAuction(t, r)
	lot1 := seedLot(t, r, a, 1)
	lot2 := seedLot(t, r, a, 2)
	buyer := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)

	inv := &invoices.Invoice{
		ID:        uuid.New(),
		AuctionID: a.ID,
		OwnerID:   buyer,
		Role:      invoices.RoleBuyer,
		Status:    invoices.StatusDraft,
		LineItems: []invoices.LineItem{
			{LotID: lot1.ID, LotNumber: 1, Title: lot1.Title, Quantity: 2, UnitPrice: 2500, Gross: 5000, Net: 5000},
			{LotID: lot2.ID, LotNumber: 2, Title: lot2.Title, Quantity: 1, UnitPrice: 2500, Gross: 2500, Net: 2500},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	invoices.ApplyTotals(inv, a.TaxPercent)
	require.NoError(t, r.Invoices.SaveInvoice(ctx, inv))

	// Line items are replaced on save
	inv.LineItems = inv.LineItems[:1]
	invoices.ApplyTotals(inv, a.TaxPercent)
	inv.Status = invoices.StatusUnpaid
	inv.FinalizedAt = &now
	require.NoError(t, r.Invoices.SaveInvoice(ctx, inv))

	got, err := r.Invoices.FindInvoice(ctx, a.ID, buyer, invoices.RoleBuyer)
	require.NoError(t, err)
	assert.Equal(t, invoices.StatusUnpaid, got.Status)
	require.Len(t, got.LineItems, 1)
	assert.Equal(t, lot1.ID, got.LineItems[0].LotID)
	assert.Equal(t, int64(5400), got.Total)
	require.NotNil(t, got.FinalizedAt)

	pay := &invoices.Payment{ID: uuid.New(), InvoiceID: inv.ID, Amount: 5400, ReceiptNumber: "rcpt-000001", CreatedAt: now}
	added, err := r.Invoices.AddPayment(ctx, pay)
	require.NoError(t, err)
	assert.True(t, added)

	replay := &invoices.Payment{ID: uuid.New(), InvoiceID: inv.ID, Amount: 5400, ReceiptNumber: "rcpt-000001", CreatedAt: now}
	added, err = r.Invoices.AddPayment(ctx, replay)
	require.NoError(t, err)
	assert.False(t, added)

	// SaveInvoice never overwrites the paid amount
	require.NoError(t, r.Invoices.SaveInvoice(ctx, inv))

	got, err = r.Invoices.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5400), got.AmountPaid)

	payments, err := r.Invoices.ListPayments(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "rcpt-000001", payments[0].ReceiptNumber)

	list, err := r.Invoices.ListInvoicesByAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = r.Invoices.GetInvoice(ctx, uuid.New())
	assert.ErrorIs(t, err, invoices.ErrInvoiceNotFound)
}

func TestRefundRepository_UpsertByLot(t *testing.T) {
	r := setupRepos(t)
	ctx := context.Background()

	a := seedAuction(t, r)
	lot := seedLot(t, r, a, 1)
	now := time.Now().UTC().Truncate(time.Microsecond)
	inv := &invoices.Invoice{
		ID: uuid.New(), AuctionID: a.ID, OwnerID: uuid.New(), Role: invoices.RoleBuyer,
		Status: invoices.StatusUnpaid, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, r.Invoices.SaveInvoice(ctx, inv))

	rec := &refunds.RefundRecord{
		ID: uuid.New(), LotID: lot.ID, AuctionID: a.ID, InvoiceID: inv.ID, Percent: 50,
		Amount: 5000, ReceiptNumber: "rcpt-000001", Confirmation: "rfnd-000001", CreatedAt: now,
	}
	lot.NoMoreRefundsPossible = true
	lot.PartialRefundPercent = 50
	issued := auction.RefundIssued{RefundID: rec.ID, LotID: lot.ID, AuctionID: a.ID, InvoiceID: inv.ID, Percent: 50, Amount: 5000, IssuedAt: now}
	require.NoError(t, r.Refunds.RecordRefund(ctx, rec, lot, issued))

	retry := *rec
	retry.ID = uuid.New()
	require.NoError(t, r.Refunds.RecordRefund(ctx, &retry, lot))

	got, err := r.Refunds.GetRefundByLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, int64(5000), got.Amount)
	assert.False(t, got.Discount())

	flagged, err := r.Lots.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, flagged.NoMoreRefundsPossible)
	assert.Equal(t, 50, flagged.PartialRefundPercent)
	assert.Equal(t, []string{auction.EventTypeRefundIssued}, outboxTypes(t, r, lot.ID))

	// A discount before invoicing has no invoice and no receipt.
	other := seedLot(t, r, a, 2)
	discount := &refunds.RefundRecord{ID: uuid.New(), LotID: other.ID, AuctionID: a.ID, Percent: 0, CreatedAt: now}
	other.NoMoreRefundsPossible = true
	require.NoError(t, r.Refunds.RecordRefund(ctx, discount, other))
	got, err = r.Refunds.GetRefundByLot(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, got.InvoiceID)
	assert.True(t, got.Discount())
	assert.Zero(t, got.Amount)

	_, err = r.Refunds.GetRefundByLot(ctx, uuid.New())
	assert.ErrorIs(t, err, refunds.ErrRefundNotFound)
}

func TestRepositories_OutboxCommitsWithState(t *testing.T) {
	r := setupRepos(t)
	ctx := context.Background()

	// Arrange
	a := seedAuction(t, r)
	lot := seedLot(t, r, a, 1)
	bidder := uuid.New()
	bid := &auction.Bid{ID: uuid.New(), LotID: lot.ID, AuctionID: a.ID, BidderID: bidder, Amount: 1000, Seq: 1, PlacedAt: time.Now().UTC()}
	lot.HighBid = bid.AsHighBid()
	lot.BidCount = 1

	// Act
	require.NoError(t, r.Lots.RecordBid(ctx, lot, bid,
		auction.BidPlaced{BidID: bid.ID, LotID: lot.ID, AuctionID: a.ID, BidderID: bidder, Amount: 1000, Seq: 1, PlacedAt: bid.PlacedAt},
		auction.LotExtended{LotID: lot.ID, AuctionID: a.ID, CloseAt: lot.CloseAt},
	))

	// A failed outbox write rolls the bid back with it.
	next := &auction.Bid{ID: uuid.New(), LotID: lot.ID, AuctionID: a.ID, BidderID: uuid.New(), Amount: 1100, Seq: 2, PlacedAt: time.Now().UTC()}
	stale := lot.Clone()
	stale.HighBid = next.AsHighBid()
	stale.BidCount = 2
	require.Error(t, r.Lots.RecordBid(ctx, stale, next, unencodable{lotID: lot.ID}))

	closedAt := time.Now().UTC().Truncate(time.Microsecond)
	lot.Status = auction.LotStatusClosed
	lot.WinningBidID = &bid.ID
	lot.ClosedAt = &closedAt
	require.NoError(t, r.Lots.FinalizeLot(ctx, lot, auction.LotClosed{
		LotID: lot.ID, AuctionID: a.ID, SellerID: lot.SellerID, WinningBidID: &bid.ID, WinnerID: &bidder, Amount: 1000, ClosedAt: closedAt,
	}))

	// Assert
	bids, err := r.Lots.ListBids(ctx, lot.ID)
	require.NoError(t, err)
	assert.Len(t, bids, 1)
	got, err := r.Lots.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.BidCount)
	assert.Equal(t, []string{
		auction.EventTypeBidPlaced,
		auction.EventTypeLotExtended,
		auction.EventTypeLotClosed,
	}, outboxTypes(t, r, lot.ID))
}

func TestInvoiceRepository_FreezeInvoicesQueuesEvent(t *testing.T) {
	r := setupRepos(t)
	ctx := context.Background()

	// Arrange
	a := seedAuction(t, r)
	now := time.Now().UTC().Truncate(time.Microsecond)
	buyer := &invoices.Invoice{ID: uuid.New(), AuctionID: a.ID, OwnerID: uuid.New(), Role: invoices.RoleBuyer, Status: invoices.StatusDraft, CreatedAt: now, UpdatedAt: now}
	seller := &invoices.Invoice{ID: uuid.New(), AuctionID: a.ID, OwnerID: uuid.New(), Role: invoices.RoleSeller, Status: invoices.StatusDraft, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, r.Invoices.SaveInvoice(ctx, buyer))
	require.NoError(t, r.Invoices.SaveInvoice(ctx, seller))

	for _, inv := range []*invoices.Invoice{buyer, seller} {
		inv.Status = invoices.StatusUnpaid
		inv.FinalizedAt = &now
	}

	// Act
	err := r.Invoices.FreezeInvoices(ctx, []*invoices.Invoice{buyer, seller}, auction.AuctionInvoicesFinalized{
		AuctionID: a.ID, InvoiceIDs: []uuid.UUID{buyer.ID, seller.ID}, FinalizedAt: now,
	})

	// Assert
	require.NoError(t, err)
	for _, id := range []uuid.UUID{buyer.ID, seller.ID} {
		got, err := r.Invoices.GetInvoice(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, invoices.StatusUnpaid, got.Status)
		assert.NotNil(t, got.FinalizedAt)
	}
	assert.Equal(t, []string{auction.EventTypeInvoicesFinalized}, outboxTypes(t, r, a.ID))
}

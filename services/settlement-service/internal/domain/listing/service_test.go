package listing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/listing"
	"github.com/fishauctions/settlement/services/settlement-service/internal/testfixture"
)

func TestService_CreateAuction(t *testing.T) {
	negative := -1

	tests := []struct {
		name    string
		mutate  func(*listing.CreateAuctionCommand)
		wantErr error
	}{
		{name: "valid"},
		{name: "blank title", mutate: func(c *listing.CreateAuctionCommand) { c.Title = "  " }, wantErr: listing.ErrTitleRequired},
		{name: "ends now", mutate: func(c *listing.CreateAuctionCommand) { c.EndAt = testfixture.Epoch }, wantErr: listing.ErrEndInPast},
		{name: "tax over 100", mutate: func(c *listing.CreateAuctionCommand) { c.TaxPercent = 101 }, wantErr: listing.ErrInvalidPercent},
		{name: "negative club cut", mutate: func(c *listing.CreateAuctionCommand) { c.ClubCutPercent = -5 }, wantErr: listing.ErrInvalidPercent},
		{name: "negative entry fee", mutate: func(c *listing.CreateAuctionCommand) { c.LotEntryFee = -1 }, wantErr: listing.ErrInvalidFee},
		{name: "non-positive cap", mutate: func(c *listing.CreateAuctionCommand) { c.MaxLotsPerUser = &negative }, wantErr: listing.ErrInvalidCap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			f := testfixture.New(t)
			cmd := testfixture.AuctionCommand(testfixture.Epoch.Add(time.Hour), testfixture.Fees(8, 10, 200))
			if tt.mutate != nil {
				tt.mutate(&cmd)
			}

			// Act
			a, err := f.Listing.CreateAuction(context.Background(), cmd)

			// Assert
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, auction.ErrValidation)
				assert.Nil(t, a)
				return
			}
			require.NoError(t, err)
			assert.NotEqual(t, uuid.Nil, a.ID)
			assert.Equal(t, auction.AuctionStatusActive, a.Status)
			assert.Equal(t, 8, a.TaxPercent)

			stored, err := f.Listing.GetAuction(context.Background(), a.ID)
			require.NoError(t, err)
			assert.Equal(t, a, stored)
		})
	}
}

func TestService_AddLot(t *testing.T) {
	f := testfixture.New(t)
	a := f.Auction(t)
	seller := uuid.New()
	ctx := context.Background()

	first := f.Lot(t, a.ID, seller)
	second := f.Lot(t, a.ID, seller)

	assert.Equal(t, 1, first.LotNumber)
	assert.Equal(t, 2, second.LotNumber)
	assert.Equal(t, a.EndAt, first.CloseAt)
	assert.Equal(t, a.EndAt.Add(time.Hour), first.HardCloseAt)
	assert.True(t, first.TimedClose)
	assert.Equal(t, auction.LotStatusOpen, first.Status)
	assert.Equal(t, auction.FlatIncrement(100), first.Increment)
	assert.True(t, f.Engine.Armed(first.ID))

	tiered := auction.IncrementPolicy{Flat: 50, Tiers: []auction.IncrementTier{{From: 5000, Step: 250}}}
	numbered, err := f.Listing.AddLot(ctx, listing.AddLotCommand{
		AuctionID:  a.ID,
		SellerID:   seller,
		LotNumber:  10,
		Title:      "Java fern on driftwood",
		Quantity:   2,
		StartPrice: 500,
		Increment:  &tiered,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, numbered.LotNumber)
	assert.Equal(t, tiered, numbered.Increment)

	next := f.Lot(t, a.ID, seller)
	assert.Equal(t, 11, next.LotNumber)

	lots, err := f.Listing.ListLots(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, lots, 4)
	assert.Equal(t, []int{1, 2, 10, 11}, []int{lots[0].LotNumber, lots[1].LotNumber, lots[2].LotNumber, lots[3].LotNumber})
}

func TestService_AddLot_Rejections(t *testing.T) {
	badTiers := auction.IncrementPolicy{Flat: 100, Tiers: []auction.IncrementTier{{From: 5000, Step: 200}, {From: 1000, Step: 50}}}

	tests := []struct {
		name    string
		setup   func(t *testing.T, f *testfixture.Fixture, a *auction.Auction)
		mutate  func(*listing.AddLotCommand)
		wantErr error
	}{
		{name: "zero start price", mutate: func(c *listing.AddLotCommand) { c.StartPrice = 0 }, wantErr: listing.ErrInvalidStartPrice},
		{name: "zero quantity", mutate: func(c *listing.AddLotCommand) { c.Quantity = 0 }, wantErr: listing.ErrInvalidQuantity},
		{name: "missing title", mutate: func(c *listing.AddLotCommand) { c.Title = "" }, wantErr: listing.ErrTitleRequired},
		{name: "tiers out of order", mutate: func(c *listing.AddLotCommand) { c.Increment = &badTiers }, wantErr: auction.ErrInvalidPolicy},
		{name: "unknown auction", mutate: func(c *listing.AddLotCommand) { c.AuctionID = uuid.New() }, wantErr: auction.ErrAuctionNotFound},
		{
			name: "duplicate lot number",
			setup: func(t *testing.T, f *testfixture.Fixture, a *auction.Auction) {
				f.Lot(t, a.ID, uuid.New())
			},
			mutate:  func(c *listing.AddLotCommand) { c.LotNumber = 1 },
			wantErr: listing.ErrDuplicateLotNumber,
		},
		{
			name: "cancelled auction",
			setup: func(t *testing.T, f *testfixture.Fixture, a *auction.Auction) {
				_, err := f.Engine.CancelAuction(context.Background(), a.ID)
				require.NoError(t, err)
			},
			wantErr: auction.ErrAuctionNotActive,
		},
		{
			name: "online auction already ended",
			setup: func(t *testing.T, f *testfixture.Fixture, a *auction.Auction) {
				f.Clock.Advance(2 * time.Hour)
			},
			wantErr: listing.ErrAuctionEnded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			f := testfixture.New(t)
			a := f.Auction(t)
			if tt.setup != nil {
				tt.setup(t, f, a)
			}
			cmd := listing.AddLotCommand{
				AuctionID:  a.ID,
				SellerID:   uuid.New(),
				Title:      "Neocaridina shrimp x10",
				Quantity:   1,
				StartPrice: 1000,
			}
			if tt.mutate != nil {
				tt.mutate(&cmd)
			}

			// Act
			lot, err := f.Listing.AddLot(context.Background(), cmd)

			// Assert
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, lot)
		})
	}
}

func TestService_AddLot_InPersonLotsHaveNoTimer(t *testing.T) {
	f := testfixture.New(t)
	a := f.Auction(t, testfixture.InPerson())

	lot := f.Lot(t, a.ID, uuid.New())

	assert.False(t, lot.TimedClose)
	assert.False(t, f.Engine.Armed(lot.ID))
	assert.Equal(t, 0, f.Scheduler.Pending())
}

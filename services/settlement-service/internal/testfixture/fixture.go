// Package testfixture wires the settlement services over the in-memory store
// and a fake clock for tests.
package testfixture

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fishauctions/settlement/pkg/locks"
	"github.com/fishauctions/settlement/pkg/scheduler"
	"github.com/fishauctions/settlement/services/settlement-service/internal/adapters/gateway"
	"github.com/fishauctions/settlement/services/settlement-service/internal/adapters/memory"
	"github.com/fishauctions/settlement/services/settlement-service/internal/app"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/bids"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/closing"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/invoices"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/listing"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/payments"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/refunds"
)

// Epoch is the fake clock's starting instant.
var Epoch = time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)

// Recorder is an EventSink that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []auction.Event
}

func (r *Recorder) Emit(_ context.Context, event auction.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns the recorded events of the given type, or all when empty.
func (r *Recorder) Events(eventType string) []auction.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []auction.Event
	for _, e := range r.events {
		if eventType == "" || e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Fixture is a full settlement stack.
type Fixture struct {
	Clock     *clockwork.FakeClock
	Store     *memory.Store
	Locks     *locks.KeyedMutex
	Scheduler *scheduler.Scheduler
	Events    *Recorder
	Gateway   *gateway.Sandbox
	Policy    auction.ExtensionPolicy

	Engine   *closing.Engine
	Ledger   *bids.Ledger
	Listing  *listing.Service
	Invoices *invoices.Aggregator
	Payments *payments.Service
	Refunds  *refunds.Guard
}

// Option adjusts a fixture before its services are built.
type Option func(*Fixture)

func WithPolicy(p auction.ExtensionPolicy) Option {
	return func(f *Fixture) { f.Policy = p }
}

// New builds a fixture and stops its scheduler when the test ends.
func New(t *testing.T, opts ...Option) *Fixture {
	t.Helper()

	f := &Fixture{
		Clock:   clockwork.NewFakeClockAt(Epoch),
		Store:   memory.NewStore(),
		Locks:   locks.NewKeyedMutex(),
		Events:  &Recorder{},
		Gateway: gateway.NewSandbox(),
		Policy:  auction.DefaultExtensionPolicy(),
	}
	for _, opt := range opts {
		opt(f)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stores := app.Stores{Auctions: f.Store, Lots: f.Store, Invoices: f.Store, Refunds: f.Store}
	svc := app.NewServices(stores, f.Locks, f.Gateway, f.Clock, f.Events, app.Options{
		Policy:          f.Policy,
		Increment:       auction.FlatIncrement(100),
		SettleTimeout:   2 * time.Second,
		InlineInvoicing: true,
	}, logger)
	t.Cleanup(svc.Scheduler.Stop)

	f.Scheduler = svc.Scheduler
	f.Engine = svc.Engine
	f.Ledger = svc.Ledger
	f.Listing = svc.Listing
	f.Invoices = svc.Invoices
	f.Payments = svc.Payments
	f.Refunds = svc.Refunds

	return f
}

// AuctionOption adjusts a CreateAuctionCommand.
type AuctionOption func(*listing.CreateAuctionCommand)

func InPerson() AuctionOption {
	return func(c *listing.CreateAuctionCommand) { c.IsOnline = false }
}

func MaxLots(n int) AuctionOption {
	return func(c *listing.CreateAuctionCommand) { c.MaxLotsPerUser = &n }
}

func Fees(taxPercent, clubCutPercent int, entryFee int64) AuctionOption {
	return func(c *listing.CreateAuctionCommand) {
		c.TaxPercent = taxPercent
		c.ClubCutPercent = clubCutPercent
		c.LotEntryFee = entryFee
	}
}

// Auction creates an online auction ending one hour after Epoch.
func (f *Fixture) Auction(t *testing.T, opts ...AuctionOption) *auction.Auction {
	t.Helper()
	a, err := f.Listing.CreateAuction(context.Background(), AuctionCommand(Epoch.Add(time.Hour), opts...))
	require.NoError(t, err)
	return a
}

// Lot lists a lot with a 1000 cent start price and a 100 cent increment.
func (f *Fixture) Lot(t *testing.T, auctionID, sellerID uuid.UUID) *auction.Lot {
	t.Helper()
	lot, err := f.Listing.AddLot(context.Background(), listing.AddLotCommand{
		AuctionID:  auctionID,
		SellerID:   sellerID,
		Title:      "Apistogramma cacatuoides pair",
		Quantity:   1,
		StartPrice: 1000,
	})
	require.NoError(t, err)
	return lot
}

// Bid places a bid and fails the test if it is rejected.
func (f *Fixture) Bid(t *testing.T, lotID, bidderID uuid.UUID, amount int64) *auction.Bid {
	t.Helper()
	bid, err := f.Ledger.PlaceBid(context.Background(), bids.PlaceBidCommand{LotID: lotID, BidderID: bidderID, Amount: amount})
	require.NoError(t, err)
	return bid
}

// GetLot reads a lot from the store.
func (f *Fixture) GetLot(t *testing.T, lotID uuid.UUID) *auction.Lot {
	t.Helper()
	lot, err := f.Store.GetLot(context.Background(), lotID)
	require.NoError(t, err)
	return lot
}

// AwaitStatus waits for a lot to reach status, for closes driven by timers.
func (f *Fixture) AwaitStatus(t *testing.T, lotID uuid.UUID, status auction.LotStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.GetLot(t, lotID).Status == status
	}, 2*time.Second, 5*time.Millisecond, "lot %s never reached %s", lotID, status)
}

// CloseAt advances the fake clock to at and waits until lotIDs closed and
// their lot.closed events were delivered.
func (f *Fixture) CloseAt(t *testing.T, at time.Time, lotIDs ...uuid.UUID) {
	t.Helper()
	if d := at.Sub(f.Clock.Now()); d > 0 {
		f.Clock.Advance(d)
	}
	for _, id := range lotIDs {
		f.AwaitStatus(t, id, auction.LotStatusClosed)
		require.Eventually(t, func() bool {
			for _, e := range f.Events.Events(auction.EventTypeLotClosed) {
				if e.AggregateID() == id {
					return true
				}
			}
			return false
		}, 2*time.Second, 5*time.Millisecond, "lot.closed never delivered for %s", id)
	}
}

// AuctionCommand is an online auction ending at end.
func AuctionCommand(end time.Time, opts ...AuctionOption) listing.CreateAuctionCommand {
	cmd := listing.CreateAuctionCommand{
		Title:    "Spring Swap",
		EndAt:    end,
		IsOnline: true,
	}
	for _, opt := range opts {
		opt(&cmd)
	}
	return cmd
}

// Package app assembles the settlement services from their collaborators.
package app

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fishauctions/settlement/pkg/scheduler"
	"github.com/fishauctions/settlement/services/settlement-service/internal/adapters/api"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/bids"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/closing"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/invoices"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/listing"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/payments"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/refunds"
)

// Stores are the persistence collaborators. The in-memory store and the
// PostgreSQL repositories both satisfy them.
type Stores struct {
	Auctions auction.AuctionRepository
	Lots     auction.LotRepository
	Invoices invoices.Repository
	Refunds  refunds.Repository
}

// Options are the tunables shared by every service.
type Options struct {
	Policy        auction.ExtensionPolicy
	Increment     auction.IncrementPolicy
	SettleTimeout time.Duration
	// SettlePoll is how often a settle wait re-reads lot state. Zero keeps
	// the engine default.
	SettlePoll time.Duration

	// InlineInvoicing feeds lot.closed straight into the aggregator. When
	// false a worker consumes the event from the broker instead.
	InlineInvoicing bool
}

// Services is the wired settlement stack.
type Services struct {
	Scheduler *scheduler.Scheduler
	Engine    *closing.Engine
	Ledger    *bids.Ledger
	Listing   *listing.Service
	Invoices  *invoices.Aggregator
	Payments  *payments.Service
	Refunds   *refunds.Guard
}

// NewServices wires the services. sink receives every event after the
// aggregator has seen it, so consumers of lot.closed observe refreshed drafts.
func NewServices(
	stores Stores,
	locker auction.Locker,
	gateway payments.Gateway,
	clock clockwork.Clock,
	sink auction.EventSink,
	opts Options,
	logger *slog.Logger,
) *Services {
	if sink == nil {
		sink = auction.Discard
	}

	invoicing := &auction.LateSink{}
	events := auction.Sinks{invoicing, sink}

	s := &Services{Scheduler: scheduler.New(clock)}
	var engineOpts []closing.EngineOption
	if opts.SettlePoll > 0 {
		engineOpts = append(engineOpts, closing.WithSettlePoll(opts.SettlePoll))
	}
	s.Engine = closing.NewEngine(stores.Auctions, stores.Lots, locker, s.Scheduler, clock, events, logger, engineOpts...)
	s.Ledger = bids.NewLedger(stores.Auctions, stores.Lots, locker, s.Engine, opts.Policy, clock, events, logger)
	s.Listing = listing.NewService(stores.Auctions, stores.Lots, locker, s.Engine, opts.Policy, opts.Increment, clock, logger)
	s.Invoices = invoices.NewAggregator(stores.Invoices, stores.Auctions, stores.Lots, locker, s.Engine, opts.SettleTimeout, clock, events, logger)
	s.Payments = payments.NewService(s.Invoices, gateway, logger)
	s.Refunds = refunds.NewGuard(stores.Lots, stores.Refunds, s.Invoices, gateway, locker, clock, events, logger)

	if opts.InlineInvoicing {
		invoicing.Bind(s.Invoices.LotClosedSink())
	}
	return s
}

// Handler exposes the services over connect.
func (s *Services) Handler() *api.SettlementServiceHandler {
	return api.NewSettlementServiceHandler(s.Listing, s.Ledger, s.Engine, s.Invoices, s.Payments, s.Refunds)
}

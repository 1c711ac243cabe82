// Package memory keeps settlement state in process memory. Every value is
// cloned on the way in and out, so callers never share storage with the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/invoices"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/refunds"
)

type invoiceKey struct {
	auctionID uuid.UUID
	ownerID   uuid.UUID
	role      invoices.Role
}

// Store implements every settlement repository.
type Store struct {
	mu sync.RWMutex

	auctions map[uuid.UUID]*auction.Auction
	lots     map[uuid.UUID]*auction.Lot
	bids     map[uuid.UUID][]*auction.Bid

	invoices       map[uuid.UUID]*invoices.Invoice
	invoiceByOwner map[invoiceKey]uuid.UUID
	payments       map[uuid.UUID][]*invoices.Payment

	refunds map[uuid.UUID]*refunds.RefundRecord

	outbox []auction.Event
}

var (
	_ auction.AuctionRepository = (*Store)(nil)
	_ auction.LotRepository     = (*Store)(nil)
	_ invoices.Repository       = (*Store)(nil)
	_ refunds.Repository        = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		auctions:       make(map[uuid.UUID]*auction.Auction),
		lots:           make(map[uuid.UUID]*auction.Lot),
		bids:           make(map[uuid.UUID][]*auction.Bid),
		invoices:       make(map[uuid.UUID]*invoices.Invoice),
		invoiceByOwner: make(map[invoiceKey]uuid.UUID),
		payments:       make(map[uuid.UUID][]*invoices.Payment),
		refunds:        make(map[uuid.UUID]*refunds.RefundRecord),
	}
}

func (s *Store) CreateAuction(_ context.Context, a *auction.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[a.ID]; ok {
		return fmt.Errorf("auction %s already exists", a.ID)
	}
	s.auctions[a.ID] = a.Clone()
	return nil
}

func (s *Store) GetAuction(_ context.Context, id uuid.UUID) (*auction.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, auction.ErrAuctionNotFound
	}
	return a.Clone(), nil
}

func (s *Store) UpdateAuction(_ context.Context, a *auction.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[a.ID]; !ok {
		return auction.ErrAuctionNotFound
	}
	s.auctions[a.ID] = a.Clone()
	return nil
}

func (s *Store) CreateLot(_ context.Context, lot *auction.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[lot.AuctionID]; !ok {
		return auction.ErrAuctionNotFound
	}
	for _, other := range s.lots {
		if other.AuctionID == lot.AuctionID && other.LotNumber == lot.LotNumber {
			return fmt.Errorf("lot number %d already used in auction %s", lot.LotNumber, lot.AuctionID)
		}
	}
	s.lots[lot.ID] = lot.Clone()
	return nil
}

func (s *Store) GetLot(_ context.Context, id uuid.UUID) (*auction.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lot, ok := s.lots[id]
	if !ok {
		return nil, auction.ErrLotNotFound
	}
	return lot.Clone(), nil
}

func (s *Store) ListLotsByAuction(_ context.Context, auctionID uuid.UUID) ([]*auction.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*auction.Lot
	for _, lot := range s.lots {
		if lot.AuctionID == auctionID {
			out = append(out, lot.Clone())
		}
	}
	sortLots(out)
	return out, nil
}

func (s *Store) ListActiveLots(_ context.Context) ([]*auction.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*auction.Lot
	for _, lot := range s.lots {
		if !lot.Status.Terminal() {
			out = append(out, lot.Clone())
		}
	}
	sortLots(out)
	return out, nil
}

func (s *Store) UpdateLot(_ context.Context, lot *auction.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lots[lot.ID]; !ok {
		return auction.ErrLotNotFound
	}
	s.lots[lot.ID] = lot.Clone()
	return nil
}

func (s *Store) RecordBid(_ context.Context, lot *auction.Lot, bid *auction.Bid, events ...auction.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lots[lot.ID]; !ok {
		return auction.ErrLotNotFound
	}
	for _, existing := range s.bids[lot.ID] {
		if existing.Seq == bid.Seq {
			return fmt.Errorf("bid sequence %d already used on lot %s", bid.Seq, lot.ID)
		}
	}
	b := *bid
	s.bids[lot.ID] = append(s.bids[lot.ID], &b)
	s.lots[lot.ID] = lot.Clone()
	s.outbox = append(s.outbox, events...)
	return nil
}

func (s *Store) FinalizeLot(_ context.Context, lot *auction.Lot, events ...auction.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lots[lot.ID]; !ok {
		return auction.ErrLotNotFound
	}
	if lot.WinningBidID != nil {
		for _, b := range s.bids[lot.ID] {
			b.IsWinning = b.ID == *lot.WinningBidID
		}
	}
	s.lots[lot.ID] = lot.Clone()
	s.outbox = append(s.outbox, events...)
	return nil
}

func (s *Store) ListBids(_ context.Context, lotID uuid.UUID) ([]*auction.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*auction.Bid, 0, len(s.bids[lotID]))
	for _, b := range s.bids[lotID] {
		c := *b
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) CountLeadingLots(_ context.Context, auctionID, bidderID, excludeLotID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, lot := range s.lots {
		if lot.AuctionID != auctionID || lot.ID == excludeLotID || lot.Status == auction.LotStatusRemoved {
			continue
		}
		if lot.HighBid != nil && lot.HighBid.BidderID == bidderID {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetInvoice(_ context.Context, id uuid.UUID) (*invoices.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, invoices.ErrInvoiceNotFound
	}
	return inv.Clone(), nil
}

func (s *Store) FindInvoice(_ context.Context, auctionID, ownerID uuid.UUID, role invoices.Role) (*invoices.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.invoiceByOwner[invoiceKey{auctionID: auctionID, ownerID: ownerID, role: role}]
	if !ok {
		return nil, invoices.ErrInvoiceNotFound
	}
	return s.invoices[id].Clone(), nil
}

func (s *Store) ListInvoicesByAuction(_ context.Context, auctionID uuid.UUID) ([]*invoices.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*invoices.Invoice
	for _, inv := range s.invoices {
		if inv.AuctionID == auctionID {
			out = append(out, inv.Clone())
		}
	}
	return out, nil
}

func (s *Store) SaveInvoice(_ context.Context, inv *invoices.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveInvoice(inv)
}

// FreezeInvoices checks every owner key before writing, so a conflict
// leaves all invoices as they were.
func (s *Store) FreezeInvoices(_ context.Context, all []*invoices.Invoice, events ...auction.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range all {
		key := invoiceKey{auctionID: inv.AuctionID, ownerID: inv.OwnerID, role: inv.Role}
		if id, ok := s.invoiceByOwner[key]; ok && id != inv.ID {
			return fmt.Errorf("invoice for %s %s already exists", inv.Role, inv.OwnerID)
		}
	}
	for _, inv := range all {
		if err := s.saveInvoice(inv); err != nil {
			return err
		}
	}
	s.outbox = append(s.outbox, events...)
	return nil
}

func (s *Store) saveInvoice(inv *invoices.Invoice) error {
	key := invoiceKey{auctionID: inv.AuctionID, ownerID: inv.OwnerID, role: inv.Role}
	if id, ok := s.invoiceByOwner[key]; ok && id != inv.ID {
		return fmt.Errorf("invoice for %s %s already exists", inv.Role, inv.OwnerID)
	}

	c := inv.Clone()
	c.AmountPaid = 0
	if prev, ok := s.invoices[inv.ID]; ok {
		c.AmountPaid = prev.AmountPaid
	}
	s.invoices[inv.ID] = c
	s.invoiceByOwner[key] = inv.ID
	return nil
}

func (s *Store) AddPayment(_ context.Context, p *invoices.Payment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[p.InvoiceID]
	if !ok {
		return false, invoices.ErrInvoiceNotFound
	}
	for _, existing := range s.payments[p.InvoiceID] {
		if existing.ReceiptNumber == p.ReceiptNumber {
			return false, nil
		}
	}
	c := *p
	s.payments[p.InvoiceID] = append(s.payments[p.InvoiceID], &c)
	inv.AmountPaid += p.Amount
	return true, nil
}

func (s *Store) ListPayments(_ context.Context, invoiceID uuid.UUID) ([]*invoices.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*invoices.Payment, 0, len(s.payments[invoiceID]))
	for _, p := range s.payments[invoiceID] {
		c := *p
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) RecordRefund(_ context.Context, r *refunds.RefundRecord, lot *auction.Lot, events ...auction.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lots[lot.ID]; !ok {
		return auction.ErrLotNotFound
	}
	c := *r
	if prev, ok := s.refunds[r.LotID]; ok {
		c.ID = prev.ID
	}
	s.refunds[r.LotID] = &c
	s.lots[lot.ID] = lot.Clone()
	s.outbox = append(s.outbox, events...)
	return nil
}

func (s *Store) GetRefundByLot(_ context.Context, lotID uuid.UUID) (*refunds.RefundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.refunds[lotID]
	if !ok {
		return nil, refunds.ErrRefundNotFound
	}
	c := *r
	return &c, nil
}

// Outbox returns the events recorded alongside committed writes, oldest first.
func (s *Store) Outbox() []auction.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]auction.Event(nil), s.outbox...)
}

func sortLots(lots []*auction.Lot) {
	sort.Slice(lots, func(i, j int) bool {
		if lots[i].AuctionID != lots[j].AuctionID {
			return lots[i].AuctionID.String() < lots[j].AuctionID.String()
		}
		if lots[i].LotNumber != lots[j].LotNumber {
			return lots[i].LotNumber < lots[j].LotNumber
		}
		return lots[i].ID.String() < lots[j].ID.String()
	})
}

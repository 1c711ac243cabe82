package auction

import (
	"time"

	"github.com/google/uuid"
)

// AuctionStatus is the lifecycle of an auction as a whole.
type AuctionStatus string

const (
	AuctionStatusActive    AuctionStatus = "ACTIVE"
	AuctionStatusCancelled AuctionStatus = "CANCELLED"
	AuctionStatusFinalized AuctionStatus = "FINALIZED"
)

// Auction groups lots that close together and are invoiced together.
// Money is in cents; percentages are whole numbers in [0,100].
type Auction struct {
	ID             uuid.UUID     `db:"id"`
	Title          string        `db:"title"`
	EndAt          time.Time     `db:"end_at"`
	IsOnline       bool          `db:"is_online"`
	MaxLotsPerUser *int          `db:"max_lots_per_user"`
	TaxPercent     int           `db:"tax_percent"`
	ClubCutPercent int           `db:"club_cut_percent"`
	LotEntryFee    int64         `db:"lot_entry_fee"`
	Status         AuctionStatus `db:"status"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"`
}

// Clone returns a deep copy.
func (a *Auction) Clone() *Auction {
	c := *a
	if a.MaxLotsPerUser != nil {
		n := *a.MaxLotsPerUser
		c.MaxLotsPerUser = &n
	}
	return &c
}

// LotStatus is the closed set of lot states.
type LotStatus string

const (
	LotStatusOpen    LotStatus = "OPEN"
	LotStatusClosing LotStatus = "CLOSING"
	LotStatusClosed  LotStatus = "CLOSED"
	LotStatusRemoved LotStatus = "REMOVED"
)

// Valid reports whether s is one of the known states.
func (s LotStatus) Valid() bool {
	switch s {
	case LotStatusOpen, LotStatusClosing, LotStatusClosed, LotStatusRemoved:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s LotStatus) Terminal() bool {
	return s == LotStatusClosed || s == LotStatusRemoved
}

// AcceptsBids reports whether bids may be admitted in this state.
func (s LotStatus) AcceptsBids() bool {
	return s == LotStatusOpen || s == LotStatusClosing
}

// HighBid is the denormalized pointer to a lot's current winning bid.
type HighBid struct {
	BidID    uuid.UUID `db:"high_bid_id"`
	BidderID uuid.UUID `db:"high_bidder_id"`
	Amount   int64     `db:"high_amount"`
	Seq      int64     `db:"high_seq"`
	PlacedAt time.Time `db:"high_placed_at"`
}

// Lot is one listing within an auction.
type Lot struct {
	ID                    uuid.UUID       `db:"id"`
	AuctionID             uuid.UUID       `db:"auction_id"`
	SellerID              uuid.UUID       `db:"seller_id"`
	LotNumber             int             `db:"lot_number"`
	Title                 string          `db:"title"`
	Quantity              int             `db:"quantity"`
	StartPrice            int64           `db:"start_price"`
	Increment             IncrementPolicy `db:"increment"`
	HighBid               *HighBid
	BidCount              int64      `db:"bid_count"`
	CloseAt               time.Time  `db:"close_at"`
	HardCloseAt           time.Time  `db:"hard_close_at"`
	TimedClose            bool       `db:"timed_close"`
	Status                LotStatus  `db:"status"`
	WinningBidID          *uuid.UUID `db:"winning_bid_id"`
	NoMoreRefundsPossible bool       `db:"no_more_refunds_possible"`
	PartialRefundPercent  int        `db:"partial_refund_percent"`
	ClosedAt              *time.Time `db:"closed_at"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
}

// Sold reports whether the lot closed with a winning bid.
func (l *Lot) Sold() bool {
	return l.Status == LotStatusClosed && l.WinningBidID != nil && l.HighBid != nil
}

// WinnerID returns the buyer of a sold lot.
func (l *Lot) WinnerID() (uuid.UUID, bool) {
	if !l.Sold() {
		return uuid.Nil, false
	}
	return l.HighBid.BidderID, true
}

// WinningAmount is the hammer price per unit, zero when unsold.
func (l *Lot) WinningAmount() int64 {
	if !l.Sold() {
		return 0
	}
	return l.HighBid.Amount
}

// NextMinimumBid is the smallest amount the next bid must reach.
func (l *Lot) NextMinimumBid() int64 {
	if l.HighBid == nil {
		return l.StartPrice
	}
	return l.HighBid.Amount + l.Increment.Step(l.HighBid.Amount)
}

// Clone returns a deep copy.
func (l *Lot) Clone() *Lot {
	c := *l
	c.Increment = l.Increment.Clone()
	if l.HighBid != nil {
		hb := *l.HighBid
		c.HighBid = &hb
	}
	if l.WinningBidID != nil {
		id := *l.WinningBidID
		c.WinningBidID = &id
	}
	if l.ClosedAt != nil {
		at := *l.ClosedAt
		c.ClosedAt = &at
	}
	return &c
}

// Bid is an immutable ledger entry. Only IsWinning changes, once, at close.
type Bid struct {
	ID        uuid.UUID `db:"id"`
	LotID     uuid.UUID `db:"lot_id"`
	AuctionID uuid.UUID `db:"auction_id"`
	BidderID  uuid.UUID `db:"bidder_id"`
	Amount    int64     `db:"amount"`
	Seq       int64     `db:"seq"`
	PlacedAt  time.Time `db:"placed_at"`
	IsWinning bool      `db:"is_winning"`
}

// Outranks reports whether b beats the current high bid: higher amount wins,
// then the earlier bid, then the lower sequence number.
func (b *Bid) Outranks(h *HighBid) bool {
	if h == nil {
		return true
	}
	if b.Amount != h.Amount {
		return b.Amount > h.Amount
	}
	if !b.PlacedAt.Equal(h.PlacedAt) {
		return b.PlacedAt.Before(h.PlacedAt)
	}
	return b.Seq < h.Seq
}

// AsHighBid converts b to the lot's high-bid pointer.
func (b *Bid) AsHighBid() *HighBid {
	return &HighBid{
		BidID:    b.ID,
		BidderID: b.BidderID,
		Amount:   b.Amount,
		Seq:      b.Seq,
		PlacedAt: b.PlacedAt,
	}
}

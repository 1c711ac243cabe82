package listing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
)

// Listing validation errors.
var (
	ErrTitleRequired      = fmt.Errorf("%w: title is required", auction.ErrValidation)
	ErrEndInPast          = fmt.Errorf("%w: auction must end in the future", auction.ErrValidation)
	ErrInvalidPercent     = fmt.Errorf("%w: percentages must be between 0 and 100", auction.ErrValidation)
	ErrInvalidFee         = fmt.Errorf("%w: lot entry fee must not be negative", auction.ErrValidation)
	ErrInvalidCap         = fmt.Errorf("%w: max lots per user must be positive", auction.ErrValidation)
	ErrInvalidStartPrice  = fmt.Errorf("%w: start price must be positive", auction.ErrValidation)
	ErrInvalidQuantity    = fmt.Errorf("%w: quantity must be at least 1", auction.ErrValidation)
	ErrDuplicateLotNumber = fmt.Errorf("%w: lot number already used in this auction", auction.ErrStateConflict)
	ErrAuctionEnded       = fmt.Errorf("%w: auction already ended", auction.ErrStateConflict)
)

// LotScheduler arms the close timer of a new lot.
type LotScheduler interface {
	Schedule(lot *auction.Lot)
}

type CreateAuctionCommand struct {
	Title          string
	EndAt          time.Time
	IsOnline       bool
	MaxLotsPerUser *int
	TaxPercent     int
	ClubCutPercent int
	LotEntryFee    int64
}

// AddLotCommand lists a lot. A zero LotNumber takes the next free number.
// A zero Increment uses the service default.
type AddLotCommand struct {
	AuctionID  uuid.UUID
	SellerID   uuid.UUID
	LotNumber  int
	Title      string
	Quantity   int
	StartPrice int64
	Increment  *auction.IncrementPolicy
}

// Service creates auctions and lists their lots.
type Service struct {
	auctions  auction.AuctionRepository
	lots      auction.LotRepository
	locker    auction.Locker
	scheduler LotScheduler
	policy    auction.ExtensionPolicy
	increment auction.IncrementPolicy
	clock     clockwork.Clock
	logger    *slog.Logger
}

func NewService(
	auctions auction.AuctionRepository,
	lots auction.LotRepository,
	locker auction.Locker,
	scheduler LotScheduler,
	policy auction.ExtensionPolicy,
	increment auction.IncrementPolicy,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Service {
	return &Service{
		auctions:  auctions,
		lots:      lots,
		locker:    locker,
		scheduler: scheduler,
		policy:    policy,
		increment: increment,
		clock:     clock,
		logger:    logger,
	}
}

// CreateAuction validates and stores a new ACTIVE auction.
func (s *Service) CreateAuction(ctx context.Context, cmd CreateAuctionCommand) (*auction.Auction, error) {
	now := s.clock.Now()
	if strings.TrimSpace(cmd.Title) == "" {
		return nil, ErrTitleRequired
	}
	if !cmd.EndAt.After(now) {
		return nil, ErrEndInPast
	}
	if !validPercent(cmd.TaxPercent) || !validPercent(cmd.ClubCutPercent) {
		return nil, ErrInvalidPercent
	}
	if cmd.LotEntryFee < 0 {
		return nil, ErrInvalidFee
	}
	if cmd.MaxLotsPerUser != nil && *cmd.MaxLotsPerUser <= 0 {
		return nil, ErrInvalidCap
	}

	a := &auction.Auction{
		ID:             uuid.New(),
		Title:          cmd.Title,
		EndAt:          cmd.EndAt,
		IsOnline:       cmd.IsOnline,
		MaxLotsPerUser: cmd.MaxLotsPerUser,
		TaxPercent:     cmd.TaxPercent,
		ClubCutPercent: cmd.ClubCutPercent,
		LotEntryFee:    cmd.LotEntryFee,
		Status:         auction.AuctionStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.auctions.CreateAuction(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create auction: %w", err)
	}

	s.logger.Info("Auction created", "auction_id", a.ID, "end_at", a.EndAt, "online", a.IsOnline)
	return a, nil
}

// AddLot lists a lot on an active auction. Lots of online auctions close on
// a timer at the auction's end; in-person lots close when called.
func (s *Service) AddLot(ctx context.Context, cmd AddLotCommand) (*auction.Lot, error) {
	if strings.TrimSpace(cmd.Title) == "" {
		return nil, ErrTitleRequired
	}
	if cmd.StartPrice <= 0 {
		return nil, ErrInvalidStartPrice
	}
	if cmd.Quantity < 1 {
		return nil, ErrInvalidQuantity
	}
	increment := s.increment
	if cmd.Increment != nil {
		increment = cmd.Increment.Clone()
	}
	if err := increment.Validate(); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, auction.AuctionLockKey(cmd.AuctionID))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire auction lock: %w", err)
	}
	defer unlock()

	auc, err := s.auctions.GetAuction(ctx, cmd.AuctionID)
	if err != nil {
		return nil, err
	}
	if auc.Status != auction.AuctionStatusActive {
		return nil, auction.ErrAuctionNotActive
	}
	now := s.clock.Now()
	if auc.IsOnline && !auc.EndAt.After(now) {
		return nil, ErrAuctionEnded
	}

	existing, err := s.lots.ListLotsByAuction(ctx, auc.ID)
	if err != nil {
		return nil, err
	}
	number := cmd.LotNumber
	if number == 0 {
		number = 1 + lo.Max(lo.Map(existing, func(l *auction.Lot, _ int) int { return l.LotNumber }))
	} else if lo.ContainsBy(existing, func(l *auction.Lot) bool { return l.LotNumber == number }) {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateLotNumber, number)
	}

	lot := &auction.Lot{
		ID:          uuid.New(),
		AuctionID:   auc.ID,
		SellerID:    cmd.SellerID,
		LotNumber:   number,
		Title:       cmd.Title,
		Quantity:    cmd.Quantity,
		StartPrice:  cmd.StartPrice,
		Increment:   increment,
		CloseAt:     auc.EndAt,
		HardCloseAt: s.policy.HardClose(auc.EndAt),
		TimedClose:  auc.IsOnline,
		Status:      auction.LotStatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.lots.CreateLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("failed to create lot: %w", err)
	}
	s.scheduler.Schedule(lot)

	s.logger.Info("Lot listed", "lot_id", lot.ID, "auction_id", auc.ID, "lot_number", lot.LotNumber)
	return lot, nil
}

func (s *Service) GetAuction(ctx context.Context, id uuid.UUID) (*auction.Auction, error) {
	return s.auctions.GetAuction(ctx, id)
}

func (s *Service) GetLot(ctx context.Context, id uuid.UUID) (*auction.Lot, error) {
	return s.lots.GetLot(ctx, id)
}

// ListLots returns an auction's lots ordered by lot number.
func (s *Service) ListLots(ctx context.Context, auctionID uuid.UUID) ([]*auction.Lot, error) {
	if _, err := s.auctions.GetAuction(ctx, auctionID); err != nil {
		return nil, err
	}
	return s.lots.ListLotsByAuction(ctx, auctionID)
}

func validPercent(p int) bool {
	return p >= 0 && p <= 100
}

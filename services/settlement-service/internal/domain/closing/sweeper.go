package closing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Recoverer closes overdue lots and re-arms missing timers.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Sweeper runs Recover on a cron schedule so lots whose timers were lost to a
// restart or a failed callback still close.
type Sweeper struct {
	cron     *cron.Cron
	engine   Recoverer
	schedule string
	logger   *slog.Logger
}

// NewSweeper creates a sweeper. schedule accepts cron specs with a seconds
// field or descriptors such as "@every 30s".
func NewSweeper(engine Recoverer, schedule string, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cron:     cron.New(cron.WithSeconds()),
		engine:   engine,
		schedule: schedule,
		logger:   logger,
	}
}

// Start registers the job and starts the cron loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting lot sweeper", "schedule", s.schedule)

	_, err := s.cron.AddFunc(s.schedule, func() { s.Sweep(ctx) })
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	return nil
}

// Sweep runs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	closed, err := s.engine.Recover(ctx)
	if err != nil {
		s.logger.Error("Lot sweep failed", "error", err)
	}
	if closed > 0 {
		s.logger.Info("Lot sweep closed overdue lots", "count", closed)
	}
}

// Stop stops the cron loop and waits for a running sweep.
func (s *Sweeper) Stop() {
	s.logger.Info("Stopping lot sweeper")
	<-s.cron.Stop().Done()
}

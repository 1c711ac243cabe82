package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fishauctions/settlement/pkg/database"
)

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusPublished  OutboxStatus = "published"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// OutboxEvent is an encoded domain event waiting to be relayed to the broker.
type OutboxEvent struct {
	ID          uuid.UUID    `db:"id"`
	EventType   string       `db:"event_type"`
	AggregateID uuid.UUID    `db:"aggregate_id"`
	Payload     []byte       `db:"payload"`
	Status      OutboxStatus `db:"status"`
	CreatedAt   time.Time    `db:"created_at"`
	ProcessedAt *time.Time   `db:"processed_at"`
}

// OutboxRepository reads and updates outbox rows inside a relay transaction.
type OutboxRepository interface {
	GetPendingEvents(ctx context.Context, tx pgx.Tx, limit int) ([]*OutboxEvent, error)
	UpdateEventStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status OutboxStatus) error
}

// EventPublisher delivers an encoded event to a broker.
type EventPublisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Message is a single broker delivery.
type Message struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Body       []byte
}

// RelayConfig tunes the polling loop.
type RelayConfig struct {
	BatchSize int
	Interval  time.Duration
	Exchange  string
}

// OutboxRelay polls pending outbox rows and publishes them in creation order.
// A row is marked published in the same transaction that locked it, so a crash
// between publish and commit redelivers rather than loses the event.
type OutboxRelay struct {
	outboxRepo OutboxRepository
	publisher  EventPublisher
	txManager  database.TransactionManager
	cfg        RelayConfig
	logger     *slog.Logger
}

// NewOutboxRelay creates a relay.
func NewOutboxRelay(
	outboxRepo OutboxRepository,
	publisher EventPublisher,
	txManager database.TransactionManager,
	cfg RelayConfig,
	logger *slog.Logger,
) *OutboxRelay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &OutboxRelay{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		txManager:  txManager,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run polls until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Error processing outbox batch", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessBatch relays at most one batch and reports how many events were published.
func (r *OutboxRelay) ProcessBatch(ctx context.Context) (int, error) {
	published := 0
	err := database.InTx(ctx, r.txManager, func(tx pgx.Tx) error {
		// FOR UPDATE SKIP LOCKED lets several relays share the table.
		events, err := r.outboxRepo.GetPendingEvents(ctx, tx, r.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to fetch pending events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		r.logger.Info("Relaying outbox events", "count", len(events))

		for _, event := range events {
			msg := Message{
				Exchange:   r.cfg.Exchange,
				RoutingKey: event.EventType,
				MessageID:  event.ID.String(),
				Body:       event.Payload,
			}
			if err := r.publisher.Publish(ctx, msg); err != nil {
				// Rolling back keeps the row pending for the next tick.
				return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
			}
			if err := r.outboxRepo.UpdateEventStatus(ctx, tx, event.ID, OutboxStatusPublished); err != nil {
				return fmt.Errorf("failed to update event status %s: %w", event.ID, err)
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return published, nil
}

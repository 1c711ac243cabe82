package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	pkgevents "github.com/fishauctions/settlement/pkg/events"
	"github.com/fishauctions/settlement/services/settlement-service/internal/adapters/events/payload"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
)

const insertOutboxEvent = `
	INSERT INTO outbox_events (id, event_type, aggregate_id, payload, status, created_at)
	VALUES ($1, $2, $3, $4, $5::outbox_status, $6)
`

// PostgresOutbox holds settlement events until the relay publishes them.
// Writers append rows inside the transaction that changes the state the
// events describe, so a row exists exactly when its change committed.
type PostgresOutbox struct {
	clock clockwork.Clock
}

func NewPostgresOutbox(clock clockwork.Clock) *PostgresOutbox {
	return &PostgresOutbox{clock: clock}
}

// Append encodes events and queues them as pending rows on tx.
func (o *PostgresOutbox) Append(ctx context.Context, tx pgx.Tx, events ...auction.Event) error {
	if len(events) == 0 {
		return nil
	}
	now := o.clock.Now()
	batch := &pgx.Batch{}
	for _, event := range events {
		row, err := payload.OutboxRecord(event, now)
		if err != nil {
			return err
		}
		batch.Queue(insertOutboxEvent, row.ID, row.EventType, row.AggregateID, row.Payload, row.Status, row.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to append %d outbox events: %w", len(events), err)
	}
	return nil
}

// SaveEvent inserts one already encoded row on tx.
func (o *PostgresOutbox) SaveEvent(ctx context.Context, tx pgx.Tx, row *pkgevents.OutboxEvent) error {
	if _, err := tx.Exec(ctx, insertOutboxEvent,
		row.ID, row.EventType, row.AggregateID, row.Payload, row.Status, row.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert %s outbox event: %w", row.EventType, err)
	}
	return nil
}

// GetPendingEvents claims up to limit pending rows, oldest first. Rows held
// by another relay transaction are skipped.
func (o *PostgresOutbox) GetPendingEvents(ctx context.Context, tx pgx.Tx, limit int) ([]*pkgevents.OutboxEvent, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_type, aggregate_id, payload, status, created_at, processed_at
		FROM outbox_events
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	pending, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[pkgevents.OutboxEvent])
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox events: %w", err)
	}
	return pending, nil
}

// UpdateEventStatus records the relay's outcome for a row. Terminal
// statuses stamp processed_at.
func (o *PostgresOutbox) UpdateEventStatus(ctx context.Context, tx pgx.Tx, eventID uuid.UUID, status pkgevents.OutboxStatus) error {
	done := status == pkgevents.OutboxStatusPublished || status == pkgevents.OutboxStatusFailed
	tag, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2::outbox_status,
			processed_at = CASE WHEN $3 THEN $4::timestamptz ELSE processed_at END
		WHERE id = $1
	`, eventID, status, done, o.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to mark outbox event %s %s: %w", eventID, status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox event %s not found", eventID)
	}
	return nil
}

package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"

	pkgdb "github.com/fishauctions/settlement/pkg/database"
	pkgevents "github.com/fishauctions/settlement/pkg/events"
	"github.com/fishauctions/settlement/services/settlement-service/internal/adapters/database"
)

// ProducerConfig tunes the outbox relay behind the producer.
type ProducerConfig struct {
	Exchange  string
	BatchSize int
	Interval  time.Duration
}

// SettlementEventsProducer relays settlement events from the outbox to RabbitMQ
type SettlementEventsProducer struct {
	relay     *pkgevents.OutboxRelay
	publisher *pkgevents.RabbitMQPublisher
}

// NewSettlementEventsProducer creates a new producer
func NewSettlementEventsProducer(pool *pgxpool.Pool, conn *amqp.Connection, cfg ProducerConfig, logger *slog.Logger) (*SettlementEventsProducer, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = pkgevents.DefaultExchange
	}
	publisher, err := pkgevents.NewRabbitMQPublisher(conn, cfg.Exchange)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	txManager := pkgdb.NewPostgresTransactionManager(pool, 3*time.Second)
	outboxRepo := database.NewPostgresOutbox(clockwork.NewRealClock())

	relay := pkgevents.NewOutboxRelay(
		outboxRepo,
		publisher,
		txManager,
		pkgevents.RelayConfig{
			BatchSize: cfg.BatchSize,
			Interval:  cfg.Interval,
			Exchange:  cfg.Exchange,
		},
		logger,
	)

	return &SettlementEventsProducer{
		relay:     relay,
		publisher: publisher,
	}, nil
}

// Run starts the relay loop
func (p *SettlementEventsProducer) Run(ctx context.Context) error {
	return p.relay.Run(ctx)
}

// Close closes the publisher channel
func (p *SettlementEventsProducer) Close() error {
	return p.publisher.Close()
}

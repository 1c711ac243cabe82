package events

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	pkgevents "github.com/fishauctions/settlement/pkg/events"
	"github.com/fishauctions/settlement/services/settlement-service/internal/adapters/events/payload"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
)

// DefaultInvoicingQueue is the durable queue lot.closed events are bound to.
const DefaultInvoicingQueue = "settlement_invoicing"

// LotClosedHandler folds a closed lot into its auction's draft invoices.
// It must be idempotent: deliveries are at least once.
type LotClosedHandler interface {
	HandleLotClosed(ctx context.Context, event auction.LotClosed) error
}

// LotClosedConsumer consumes lot.closed events and refreshes draft invoices.
type LotClosedConsumer struct {
	conn     *amqp.Connection
	handler  LotClosedHandler
	exchange string
	queue    string
	logger   *slog.Logger
}

// NewLotClosedConsumer creates a new consumer. Empty exchange and queue names
// fall back to the defaults.
func NewLotClosedConsumer(conn *amqp.Connection, handler LotClosedHandler, exchange, queue string, logger *slog.Logger) *LotClosedConsumer {
	if exchange == "" {
		exchange = pkgevents.DefaultExchange
	}
	if queue == "" {
		queue = DefaultInvoicingQueue
	}
	return &LotClosedConsumer{
		conn:     conn,
		handler:  handler,
		exchange: exchange,
		queue:    queue,
		logger:   logger,
	}
}

// Run starts the consumer loop
func (c *LotClosedConsumer) Run(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if setupErr := c.setupRabbitMQ(ch); setupErr != nil {
		return fmt.Errorf("failed to setup rabbitmq: %w", setupErr)
	}

	msgs, err := ch.Consume(
		c.queue, // queue
		"",      // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Waiting for lot.closed events...", "queue", c.queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *LotClosedConsumer) handle(ctx context.Context, d amqp.Delivery) {
	event, err := payload.DecodeLotClosed(d.Body)
	if err != nil {
		c.logger.Error("Failed to decode event", "error", err, "message_id", d.MessageId)
		// Malformed payloads will never succeed, so drop them.
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to Nack message", "error", nackErr)
		}
		return
	}

	if err := c.handler.HandleLotClosed(ctx, event); err != nil {
		c.logger.Error("Failed to process event", "error", err, "lot_id", event.LotID)
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error("Failed to Nack message (requeue)", "error", nackErr)
		}
		return
	}

	if ackErr := d.Ack(false); ackErr != nil {
		c.logger.Error("Failed to Ack message", "error", ackErr)
	}
	c.logger.Info("Invoices refreshed", "lot_id", event.LotID, "auction_id", event.AuctionID)
}

func (c *LotClosedConsumer) setupRabbitMQ(ch *amqp.Channel) error {
	if err := pkgevents.DeclareExchange(ch, c.exchange); err != nil {
		return err
	}

	q, err := ch.QueueDeclare(
		c.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return err
	}

	return ch.QueueBind(
		q.Name,                     // queue name
		auction.EventTypeLotClosed, // routing key
		c.exchange,                 // exchange
		false,
		nil,
	)
}

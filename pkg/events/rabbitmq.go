package events

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange settlement events are published to.
const DefaultExchange = "settlement.events"

// RabbitMQPublisher implements EventPublisher on an AMQP channel.
type RabbitMQPublisher struct {
	channel *amqp.Channel
}

// NewRabbitMQPublisher opens a channel and declares the topic exchange.
func NewRabbitMQPublisher(conn *amqp.Connection, exchange string) (*RabbitMQPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch, exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}

	return &RabbitMQPublisher{channel: ch}, nil
}

// DeclareExchange declares the durable topic exchange used by producers and consumers.
func DeclareExchange(ch *amqp.Channel, exchange string) error {
	err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return nil
}

// Close closes the channel.
func (p *RabbitMQPublisher) Close() error {
	return p.channel.Close()
}

// Publish sends a persistent protobuf message.
func (p *RabbitMQPublisher) Publish(ctx context.Context, msg Message) error {
	return p.channel.PublishWithContext(ctx,
		msg.Exchange,
		msg.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/x-protobuf",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.MessageID,
			Body:         msg.Body,
		},
	)
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"shiftwatch/internal/poller"
)

// Routing keys for payment events.
const (
	RoutingKeyConfirmed = "payment.confirmed"
	RoutingKeyFailed    = "payment.failed"
)

// PaymentEvent is the wire format published for each terminal outcome.
type PaymentEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	OrderID   string          `json:"order_id"`
	ShiftID   string          `json:"shift_id"`
	Amount    decimal.Decimal `json:"amount,omitempty"`
	Coin      string          `json:"coin,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventPublisher emits payment events to a RabbitMQ topic exchange so other
// shop services can react to settlements and failures.
type EventPublisher struct {
	conn     *amqp.Connection
	exchange string
	logger   zerolog.Logger
}

// NewEventPublisher dials the broker and declares the payment exchange.
func NewEventPublisher(url, exchange string, logger zerolog.Logger) (*EventPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &EventPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With().Str("component", "notify_amqp").Logger(),
	}, nil
}

// PaymentConfirmed publishes a payment.confirmed event.
func (p *EventPublisher) PaymentConfirmed(ctx context.Context, notice poller.Notice) error {
	return p.publish(ctx, RoutingKeyConfirmed, notice)
}

// PaymentFailed publishes a payment.failed event.
func (p *EventPublisher) PaymentFailed(ctx context.Context, notice poller.Notice) error {
	return p.publish(ctx, RoutingKeyFailed, notice)
}

func (p *EventPublisher) publish(ctx context.Context, routingKey string, notice poller.Notice) error {
	event := PaymentEvent{
		ID:        uuid.New().String(),
		Type:      routingKey,
		OrderID:   notice.OrderID,
		ShiftID:   notice.ShiftID,
		Amount:    notice.Amount,
		Coin:      notice.Coin,
		Reason:    notice.Reason,
		Timestamp: time.Now().UTC(),
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal payment event: %w", err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Timestamp:    event.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	p.logger.Debug().Str("routing_key", routingKey).Str("message_id", event.ID).
		Msg("payment event published")
	return nil
}

// Close releases the broker connection.
func (p *EventPublisher) Close() error {
	return p.conn.Close()
}

var _ poller.Notifier = (*EventPublisher)(nil)

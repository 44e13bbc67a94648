package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/powersol/settlement/settlement/pkg/affiliate"
)

// Publisher republishes purchase events, for backfills after an outage.
type Publisher struct {
	log      *slog.Logger
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewPublisher(log *slog.Logger, rawURL, exchange string) (*Publisher, error) {
	clean, err := sanitizeURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid AMQP URL: %w", err)
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &Publisher{log: log, conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *Publisher) Publish(ctx context.Context, ev affiliate.TicketPurchased) error {
	msg, err := purchaseMessage(ev)
	if err != nil {
		return err
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, RoutingKeyTicketPurchased, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish purchase %s: %w", ev.Signature, err)
	}
	p.log.Debug("events: published purchase", "signature", ev.Signature, "round_id", ev.RoundID)
	return nil
}

func purchaseMessage(ev affiliate.TicketPurchased) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal purchase: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.Signature,
		Timestamp:    ev.PurchasedAt,
		Body:         body,
	}, nil
}

func (p *Publisher) Close() {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

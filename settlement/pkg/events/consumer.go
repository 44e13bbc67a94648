// Package events consumes ticket purchase events from RabbitMQ and feeds them to the
// affiliate processor.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/powersol/settlement/settlement/pkg/affiliate"
	"github.com/powersol/settlement/settlement/pkg/apperr"
	"github.com/powersol/settlement/utils/pkg/retry"
)

const (
	DefaultExchange           = "lottery"
	DefaultQueue              = "settlement.ticket_purchased"
	RoutingKeyTicketPurchased = "ticket.purchased"
)

type PurchaseHandler interface {
	HandlePurchase(ctx context.Context, ev affiliate.TicketPurchased) (affiliate.PurchaseResult, error)
}

type ConsumerConfig struct {
	Logger   *slog.Logger
	URL      string
	Exchange string
	Queue    string
	Handler  PurchaseHandler

	// Prefetch bounds unacknowledged deliveries in flight.
	Prefetch       int
	ReconnectDelay time.Duration
}

func (cfg *ConsumerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Handler == nil {
		return errors.New("handler is required")
	}
	clean, err := sanitizeURL(cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid AMQP URL: %w", err)
	}
	cfg.URL = clean
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return nil
}

type Consumer struct {
	log *slog.Logger
	cfg ConsumerConfig
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Consumer{log: cfg.Logger, cfg: cfg}, nil
}

// Run consumes until ctx is done, reconnecting after broker failures.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("events: starting consumer", "exchange", c.cfg.Exchange, "queue", c.cfg.Queue)
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			c.log.Info("events: consumer stopped")
			return nil
		}
		c.log.Warn("events: consumer disconnected", "error", err, "retry_in", c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKeyTicketPurchased, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	c.log.Info("events: consuming", "queue", q.Name)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.deliver(ctx, d)
		}
	}
}

type disposition int

const (
	dispositionAck disposition = iota
	dispositionRequeue
	dispositionReject
)

func (c *Consumer) deliver(ctx context.Context, d amqp.Delivery) {
	var err error
	switch c.decide(ctx, d) {
	case dispositionAck:
		err = d.Ack(false)
	case dispositionRequeue:
		err = d.Nack(false, true)
	case dispositionReject:
		err = d.Nack(false, false)
	}
	if err != nil {
		c.log.Error("events: failed to settle delivery", "delivery_tag", d.DeliveryTag, "error", err)
	}
}

// decide handles one delivery. Transient failures are requeued. Events the processor
// refuses are acknowledged, and anything else is rejected to the dead-letter exchange.
func (c *Consumer) decide(ctx context.Context, d amqp.Delivery) disposition {
	if d.RoutingKey != RoutingKeyTicketPurchased {
		c.log.Warn("events: no handler for routing key; dropping", "routing_key", d.RoutingKey)
		return dispositionAck
	}

	var ev affiliate.TicketPurchased
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		c.log.Error("events: malformed purchase event", "message_id", d.MessageId, "error", err)
		return dispositionReject
	}

	_, err := c.cfg.Handler.HandlePurchase(ctx, ev)
	switch {
	case err == nil:
		return dispositionAck
	case retry.IsRetryable(err):
		c.log.Warn("events: purchase event failed; requeueing", "signature", ev.Signature, "error", err)
		return dispositionRequeue
	case apperr.IsValidation(err), apperr.IsNotFound(err):
		c.log.Warn("events: purchase event refused", "signature", ev.Signature, "reason", apperr.ReasonOf(err), "error", err)
		return dispositionAck
	default:
		c.log.Error("events: purchase event failed", "signature", ev.Signature, "error", err)
		return dispositionReject
	}
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if clean == "" {
		return "", errors.New("url is required")
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

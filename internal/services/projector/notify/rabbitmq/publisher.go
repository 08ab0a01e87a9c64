// Package rabbitmq publishes shard state notifications to a topic exchange
// using routing keys of the form shard.<action>.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/louisbranch/projectiond/internal/platform/retry"
	"github.com/louisbranch/projectiond/internal/services/projector/daemon"
	"github.com/louisbranch/projectiond/internal/services/projector/notify"
)

const (
	defaultExchange = "projectiond"
	contentTypeJSON = "application/json"
)

// Channel is the slice of an AMQP channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Config selects the broker and exchange.
type Config struct {
	URL      string
	Exchange string
	Retry    retry.Policy
	Logf     func(format string, args ...any)
}

func (c *Config) withDefaults() {
	if c.Exchange == "" {
		c.Exchange = defaultExchange
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
}

// Validate reports missing required settings.
func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("rabbitmq url is required")
	}
	return nil
}

// Publisher forwards hub notifications to RabbitMQ.
type Publisher struct {
	cfg  Config
	ch   Channel
	conn *amqp091.Connection
}

// New dials the broker and declares a durable topic exchange.
func New(cfg Config) (*Publisher, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := amqp091.Dial(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	p := newPublisher(cfg, ch)
	p.conn = conn
	return p, nil
}

func newPublisher(cfg Config, ch Channel) *Publisher {
	cfg.withDefaults()
	return &Publisher{cfg: cfg, ch: ch}
}

// RoutingKey returns the routing key for a notification.
func RoutingKey(state daemon.ShardState) string {
	return "shard." + string(state.Action)
}

// Publish sends one persistent message.
func (p *Publisher) Publish(ctx context.Context, state daemon.ShardState) error {
	body, err := notify.Encode(state)
	if err != nil {
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    state.Timestamp,
		Headers:      amqp091.Table{"shard": state.Shard},
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, p.cfg.Exchange, RoutingKey(state), false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", state.Shard, err)
	}
	return nil
}

// Run publishes notifications from source until ctx is done.
func (p *Publisher) Run(ctx context.Context, source notify.Source) error {
	return notify.Pump(ctx, source, p.cfg.Retry, p.Publish, p.cfg.Logf)
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	var errs []error
	if err := p.ch.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

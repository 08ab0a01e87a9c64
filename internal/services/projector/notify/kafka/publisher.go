// Package kafka publishes shard state notifications to a Kafka topic, one
// JSON record per notification keyed by shard name.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/louisbranch/projectiond/internal/platform/retry"
	"github.com/louisbranch/projectiond/internal/services/projector/daemon"
	"github.com/louisbranch/projectiond/internal/services/projector/notify"
)

const (
	defaultTopic    = "projectiond.shards"
	defaultClientID = "projectiond"
)

// Producer is the slice of the franz-go client the publisher needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Config selects the cluster and topic.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
	Retry    retry.Policy
	Logf     func(format string, args ...any)
}

func (c *Config) withDefaults() {
	if c.Topic == "" {
		c.Topic = defaultTopic
	}
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
}

// Validate reports missing required settings.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	for _, b := range c.Brokers {
		if strings.TrimSpace(b) == "" {
			return errors.New("kafka broker address is empty")
		}
	}
	return nil
}

// Publisher forwards hub notifications to Kafka.
type Publisher struct {
	cfg      Config
	producer Producer
}

// New connects a franz-go client producing to cfg.Topic.
func New(cfg Config, opts ...kgo.Opt) (*Publisher, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.AllowAutoTopicCreation(),
	}
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return newPublisher(cfg, cl), nil
}

func newPublisher(cfg Config, producer Producer) *Publisher {
	cfg.withDefaults()
	return &Publisher{cfg: cfg, producer: producer}
}

// Publish produces one record and waits for the broker ack.
func (p *Publisher) Publish(ctx context.Context, state daemon.ShardState) error {
	rec, err := p.record(state)
	if err != nil {
		return err
	}
	if err := p.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce %s: %w", state.Shard, err)
	}
	return nil
}

func (p *Publisher) record(state daemon.ShardState) (*kgo.Record, error) {
	body, err := notify.Encode(state)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: p.cfg.Topic,
		Key:   []byte(state.Shard),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "action", Value: []byte(state.Action)},
			{Key: "notification_id", Value: []byte(uuid.NewString())},
		},
		Timestamp: state.Timestamp,
	}, nil
}

// Run publishes notifications from source until ctx is done.
func (p *Publisher) Run(ctx context.Context, source notify.Source) error {
	return notify.Pump(ctx, source, p.cfg.Retry, p.Publish, p.cfg.Logf)
}

// Close flushes and closes the client.
func (p *Publisher) Close() {
	p.producer.Close()
}

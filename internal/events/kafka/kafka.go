// Package kafka forwards hub events to a Kafka topic, keyed by transfer so
// events of one transfer stay in order within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/roach88/herdtrail/internal/events"
)

// Config configures the sink.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// Sink is an events.Sink producing to Kafka.
type Sink struct {
	client *kgo.Client
	topic  string
}

var _ events.Sink = (*Sink)(nil)

// New connects a producer. The connection is lazy; use Ping to check it.
func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink: brokers and topic are required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka sink: %w", err)
	}
	return &Sink{client: client, topic: cfg.Topic}, nil
}

// Publish produces e synchronously as JSON.
func (s *Sink) Publish(ctx context.Context, e events.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	rec := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(e.Key()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(e.Kind)},
		},
	}
	if err := s.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce %s: %w", e.Kind, err)
	}
	return nil
}

// Ping checks that a broker is reachable.
func (s *Sink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Close flushes and closes the producer.
func (s *Sink) Close() {
	s.client.Close()
}

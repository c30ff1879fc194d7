// Package redpanda publishes loader activity events to Redpanda/Kafka for
// the dashboard collaborator. Events are advisory; a publish failure is
// logged and never fails an execution.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

const (
	// TopicActivity is the Kafka topic for loader activity events.
	TopicActivity = "loader-activity"

	publishTimeout = 5 * time.Second
)

// Producer wraps a Kafka producer and implements domain.ActivityRecorder.
type Producer struct {
	client *kgo.Client
}

// NewProducer constructs a Producer and ensures the activity topic exists.
func NewProducer(brokers []string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := createTopicIfNotExists(ctx, client, TopicActivity, 1, 1); err != nil {
		// The topic may already exist or be auto-created by the broker.
		slog.Warn("failed to create activity topic",
			slog.String("topic", TopicActivity),
			slog.Any("error", err))
	}

	slog.Info("activity event producer created", slog.Any("brokers", brokers))
	return &Producer{client: client}, nil
}

// Record publishes one activity event, keyed by loader code for per-loader
// ordering.
func (p *Producer) Record(ctx domain.Context, ev domain.ActivityEvent) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal activity event", slog.Any("error", err))
		return
	}
	record := &kgo.Record{
		Topic: TopicActivity,
		Key:   []byte(ev.LoaderCode),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		slog.Error("publish activity event",
			slog.String("loader_code", ev.LoaderCode),
			slog.String("event_type", string(ev.Type)),
			slog.Any("error", err))
	}
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

// Noop discards activity events; used when no brokers are configured.
type Noop struct{}

// Record implements domain.ActivityRecorder.
func (Noop) Record(domain.Context, domain.ActivityEvent) {}

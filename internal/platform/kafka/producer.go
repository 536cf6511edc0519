// Package kafka publishes audit outbox entries to a Kafka-compatible broker
// using franz-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"kycgate/pkg/platform/audit/outbox"
)

// HeaderEventID carries the audit event id on every produced record so
// consumers can deduplicate at-least-once deliveries.
const HeaderEventID = "event-id"

type recordProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Producer implements outbox.Sink.
type Producer struct {
	client  recordProducer
	admin   *kadm.Client
	topic   string
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Producer)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Producer) { p.logger = logger }
}

// WithProduceTimeout bounds a single Publish call.
func WithProduceTimeout(d time.Duration) Option {
	return func(p *Producer) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewProducer connects to brokers and produces to topic. Call Close when done.
func NewProducer(brokers []string, topic string, opts ...Option) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka: topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ClientID("kycgate-audit-relay"),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}

	p := newProducer(client, topic, opts...)
	p.admin = kadm.NewClient(client)
	return p, nil
}

func newProducer(client recordProducer, topic string, opts ...Option) *Producer {
	p := &Producer{
		client:  client,
		topic:   topic,
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish produces all entries and waits for broker acknowledgement. The
// batch fails as a whole if any record fails, leaving every row unpublished.
func (p *Producer) Publish(ctx context.Context, entries []outbox.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	records := make([]*kgo.Record, len(entries))
	for i, e := range entries {
		records[i] = toRecord(p.topic, e)
	}

	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		p.logger.WarnContext(ctx, "audit records not acknowledged",
			"topic", p.topic,
			"count", len(records),
			"error", err,
		)
		return fmt.Errorf("kafka: produce to %s: %w", p.topic, err)
	}
	return nil
}

func toRecord(topic string, e outbox.Entry) *kgo.Record {
	r := &kgo.Record{
		Topic: topic,
		Value: e.Payload,
		Headers: []kgo.RecordHeader{
			{Key: HeaderEventID, Value: []byte(e.EventID)},
		},
	}
	// Keyed by user so a user's events stay ordered within one partition.
	if e.Key != "" {
		r.Key = []byte(e.Key)
	}
	if !e.CreatedAt.IsZero() {
		r.Timestamp = e.CreatedAt
	}
	return r
}

// EnsureTopic creates the audit topic if it does not exist yet.
func (p *Producer) EnsureTopic(ctx context.Context, partitions int32, replication int16) error {
	if p.admin == nil {
		return errors.New("kafka: admin client not available")
	}
	resp, err := p.admin.CreateTopics(ctx, partitions, replication, nil, p.topic)
	if err != nil {
		return fmt.Errorf("kafka: create topic %s: %w", p.topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("kafka: create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func (p *Producer) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Close()
}

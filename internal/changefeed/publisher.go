// Package changefeed publishes restaurant status changes and delivers them to subscribers.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/segmentio/kafka-go"

	"dinecache/internal/metrics"
	"dinecache/internal/model"
)

type Publisher interface {
	Publish(ctx context.Context, u model.StatusUpdate) error
}

// Nop drops every update.
type Nop struct{}

func (Nop) Publish(context.Context, model.StatusUpdate) error { return nil }

// MultiPublisher fans out to several publishers and stops at the first error.
type MultiPublisher struct {
	pubs []Publisher
}

func NewMultiPublisher(ps ...Publisher) *MultiPublisher {
	return &MultiPublisher{pubs: ps}
}

func (m *MultiPublisher) Publish(ctx context.Context, u model.StatusUpdate) error {
	for _, p := range m.pubs {
		if err := p.Publish(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

// Counted records publish outcomes on reg.
func Counted(p Publisher, reg *metrics.Registry) Publisher {
	return &counted{next: p, reg: reg}
}

type counted struct {
	next Publisher
	reg  *metrics.Registry
}

func (c *counted) Publish(ctx context.Context, u model.StatusUpdate) error {
	if err := c.next.Publish(ctx, u); err != nil {
		c.reg.ChangefeedFailed.Inc()
		return err
	}
	c.reg.ChangefeedPublished.Inc()
	return nil
}

// FilePublisher appends one JSON line per update.
type FilePublisher struct {
	mu   sync.Mutex
	path string
}

func NewFilePublisher(dir, filename string) (*FilePublisher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FilePublisher{path: filepath.Join(dir, filename)}, nil
}

func (w *FilePublisher) Publish(_ context.Context, u model.StatusUpdate) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(&u); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return f.Sync()
}

// KafkaPublisher writes updates keyed by restaurant id with segmentio/kafka-go.
type KafkaPublisher struct {
	writer kafkaMessageWriter
}

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// SplitBrokers turns "a:9092, b:9092" into a broker list.
func SplitBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		if a = strings.TrimSpace(a); a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}

func NewKafkaPublisher(bootstrap, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

// NewKafkaPublisherWith injects a writer. Tests use it.
func NewKafkaPublisherWith(w kafkaMessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Publish(ctx context.Context, u model.StatusUpdate) error {
	b, err := json.Marshal(&u)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.RestaurantID), Value: b})
}

func (k *KafkaPublisher) Close() error {
	if c, ok := k.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// ConfluentPublisher writes through an idempotent librdkafka producer and waits for the
// delivery report.
type ConfluentPublisher struct {
	producer confluentProducer
	topic    string
}

type confluentProducer interface {
	Produce(msg *ck.Message, deliveryChan chan ck.Event) error
	Flush(timeoutMs int) int
	Close()
}

func NewConfluentPublisher(bootstrap, topic string) (*ConfluentPublisher, error) {
	p, err := ck.NewProducer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"enable.idempotence": true,
		"acks":               "all",
	})
	if err != nil {
		return nil, fmt.Errorf("producer: %w", err)
	}
	return &ConfluentPublisher{producer: p, topic: topic}, nil
}

func NewConfluentPublisherWith(p confluentProducer, topic string) *ConfluentPublisher {
	return &ConfluentPublisher{producer: p, topic: topic}
}

func (c *ConfluentPublisher) Publish(ctx context.Context, u model.StatusUpdate) error {
	b, err := json.Marshal(&u)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	delivery := make(chan ck.Event, 1)
	msg := &ck.Message{
		TopicPartition: ck.TopicPartition{Topic: &c.topic, Partition: ck.PartitionAny},
		Key:            []byte(u.RestaurantID),
		Value:          b,
	}
	if err := c.producer.Produce(msg, delivery); err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-delivery:
		m, ok := ev.(*ck.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event: %v", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery: %w", m.TopicPartition.Error)
		}
		return nil
	}
}

func (c *ConfluentPublisher) Close() error {
	c.producer.Flush(5000)
	c.producer.Close()
	return nil
}

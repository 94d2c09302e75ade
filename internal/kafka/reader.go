package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Message wraps a Kafka message with the fields services need.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Headers []kafka.Header
	// Ctx carries the trace context extracted from Headers.
	Ctx context.Context
}

// ErrNoBroker is returned when none of the configured brokers could be dialed.
var ErrNoBroker = errors.New("no kafka broker reachable")

// PartitionReader reads one topic partition from an explicit offset up to the
// partition's current end. It never commits offsets: the caller owns the
// resumption point.
type PartitionReader interface {
	ReadFrom(ctx context.Context, offset int64, max int) (msgs []Message, next int64, err error)
	Close() error
}

type partitionReader struct {
	brokers   []string
	topic     string
	partition int
	maxWait   time.Duration
}

// NewPartitionReader returns a reader for topic/partition.
func NewPartitionReader(brokers []string, topic string, partition int) PartitionReader {
	return &partitionReader{
		brokers:   brokers,
		topic:     topic,
		partition: partition,
		maxWait:   500 * time.Millisecond,
	}
}

// bounds returns the first and one-past-last offsets currently in the partition.
func (r *partitionReader) bounds(ctx context.Context) (int64, int64, error) {
	var lastErr error
	for _, b := range r.brokers {
		conn, err := kafka.DialLeader(ctx, "tcp", b, r.topic, r.partition)
		if err != nil {
			lastErr = err
			continue
		}
		first, last, err := conn.ReadOffsets()
		_ = conn.Close()
		if err != nil {
			return 0, 0, fmt.Errorf("read offsets %s/%d: %w", r.topic, r.partition, err)
		}
		return first, last, nil
	}
	return 0, 0, fmt.Errorf("%w: %v", ErrNoBroker, lastErr)
}

// ReadFrom fetches at most max messages starting at offset. If offset fell
// below the retention horizon reading resumes at the oldest available message.
// next is the offset to resume from on the following call.
func (r *partitionReader) ReadFrom(ctx context.Context, offset int64, max int) ([]Message, int64, error) {
	first, last, err := r.bounds(ctx)
	if err != nil {
		return nil, offset, err
	}
	if offset < first {
		offset = first
	}
	if offset >= last {
		return nil, offset, nil
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   r.brokers,
		Topic:     r.topic,
		Partition: r.partition,
		MinBytes:  1,
		MaxBytes:  10e6, // 10 MB
		MaxWait:   r.maxWait,
	})
	defer reader.Close()

	if err := reader.SetOffset(offset); err != nil {
		return nil, offset, fmt.Errorf("kafka set offset %d: %w", offset, err)
	}

	next := offset
	var out []Message
	for next < last && (max <= 0 || len(out) < max) {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			return out, next, fmt.Errorf("kafka fetch at offset %d: %w", next, err)
		}
		carrier := HeaderCarrier(m.Headers)
		out = append(out, Message{
			Topic:   m.Topic,
			Key:     m.Key,
			Value:   m.Value,
			Offset:  m.Offset,
			Headers: m.Headers,
			Ctx:     otel.GetTextMapPropagator().Extract(ctx, &carrier),
		})
		next = m.Offset + 1
	}
	return out, next, nil
}

// Close is a no-op; readers are opened per ReadFrom call.
func (r *partitionReader) Close() error { return nil }

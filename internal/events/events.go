// Package events publishes contest lifecycle events (task issued, contest
// completed) to an external stream for downstream consumers such as
// scoreboards and audit logs.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

// Type names an event.
type Type string

const (
	TaskIssued       Type = "task_issued"
	ContestCompleted Type = "contest_completed"
)

// Event is one record on the stream.
type Event struct {
	Type      Type      `json:"type"`
	TaskID    int64     `json:"task_id,omitempty"`
	Seq       int64     `json:"seq,omitempty"`
	Name      string    `json:"name,omitempty"`
	Remaining int       `json:"remaining"`
	Delivered int       `json:"delivered"`
	Queued    int       `json:"queued"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher sends events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error { return nil }

// messageWriter is the part of *kgo.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON to a Kafka topic, keyed by task ID so
// events for one task stay ordered within a partition.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

// batchTimeout bounds how long a synchronous write waits for more messages
// to fill a batch. Events are published one at a time.
const batchTimeout = 10 * time.Millisecond

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers")
	}
	if topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
		BatchTimeout: batchTimeout,
	}
	return &KafkaPublisher{writer: w, timeout: 3 * time.Second}, nil
}

// Publish writes ev. A short timeout keeps an unreachable broker from stalling
// the caller.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(strconv.FormatInt(ev.TaskID, 10)),
		Value: b,
		Time:  ev.Timestamp,
	})
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error { return p.writer.Close() }

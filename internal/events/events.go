// Package events fans acquisition progress out to in-process subscribers
// and, optionally, to Kafka.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Terminal acquisition states.
const (
	StateDone   = "DONE"
	StateFailed = "FAILED"
)

// Event is one acquisition state transition.
type Event struct {
	AcquisitionID string         `json:"acquisition_id"`
	Key           string         `json:"key"`
	State         string         `json:"state"`
	Message       string         `json:"message,omitempty"`
	Time          time.Time      `json:"time"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// Terminal reports whether e ends an acquisition.
func (e Event) Terminal() bool {
	return e.State == StateDone || e.State == StateFailed
}

// Publisher receives events. Publish must not block the caller for long.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Multi publishes to every non-nil publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}

// Bus delivers events to subscribers. Slow subscribers miss events rather
// than stalling acquisitions.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	log    *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[int]chan Event), log: logger.With("component", "events")}
}

// Subscribe returns a channel of future events and a cancel func that
// closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(_ context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.log.Debug("dropping event for slow subscriber", "subscriber", id, "state", e.State)
		}
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes terminal events to a topic as JSON, keyed by cache key.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
	log     *slog.Logger
}

// NewKafkaPublisher returns nil when no brokers are configured.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return newKafkaPublisher(w, logger)
}

func newKafkaPublisher(w messageWriter, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{writer: w, timeout: 5 * time.Second, log: logger.With("component", "kafka")}
}

func (k *KafkaPublisher) Publish(ctx context.Context, e Event) {
	if k == nil || !e.Terminal() {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		k.log.Warn("encode event failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.Key), Value: value}); err != nil {
		k.log.Warn("publish event failed", "key", e.Key, "state", e.State, "error", err)
		return
	}
	k.log.Debug("event published", "key", e.Key, "state", e.State)
}

func (k *KafkaPublisher) Close() error {
	if k == nil {
		return nil
	}
	return k.writer.Close()
}

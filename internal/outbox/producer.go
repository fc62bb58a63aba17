package outbox

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Kafka headers attached to every delivered event. The payload stays the bare event body.
const (
	HeaderEventType = "event_type"
	HeaderEventID   = "event_id"
	// HeaderAttempt is set only on events replayed from the dead-letter table.
	HeaderAttempt = "attempt"
)

// Publisher delivers one topic's batch of outbox messages. A returned error fails the whole batch.
type Publisher interface {
	Publish(ctx context.Context, topic string, msgs ...Message) error
}

// KafkaPublisher writes outbox messages through one lazily created writer per topic. Records are
// keyed by the message partition key, so one user's sync outcomes stay ordered on a partition.
type KafkaPublisher struct {
	brokers []string
	now     func() time.Time

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaPublisher creates a KafkaPublisher for the given brokers.
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		brokers: brokers,
		now:     func() time.Time { return time.Now().UTC() },
		writers: make(map[string]*kafka.Writer),
	}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, msgs ...Message) error {
	at := p.now()
	records := make([]kafka.Message, 0, len(msgs))
	for _, msg := range msgs {
		records = append(records, msg.kafkaMessage(at))
	}
	return p.writer(topic).WriteMessages(ctx, records...)
}

func (p *KafkaPublisher) writer(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		BatchTimeout: 50 * time.Millisecond,
	}
	p.writers[topic] = w
	return w
}

// Close flushes and releases every topic writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.writers, topic)
	}
	return errors.Join(errs...)
}

func (m Message) kafkaMessage(at time.Time) kafka.Message {
	headers := []kafka.Header{
		{Key: HeaderEventType, Value: []byte(m.EventType)},
		{Key: HeaderEventID, Value: []byte(strconv.FormatInt(m.EventID, 10))},
	}
	if m.Attempt > 0 {
		headers = append(headers, kafka.Header{Key: HeaderAttempt, Value: []byte(strconv.Itoa(m.Attempt))})
	}
	return kafka.Message{
		Key:     []byte(m.PartitionKey),
		Value:   m.Payload,
		Time:    at,
		Headers: headers,
	}
}

// Package outbox delivers events written by the Postgres store to Kafka and replays failures
// from the dead-letter table.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"example.com/healthsync/internal/events"
)

// claimTimeout is how long a claimed row stays invisible to other dispatchers before it is
// considered abandoned.
const claimTimeout = 5 * time.Minute

// Dispatcher drains the outbox table and delivers events to Kafka.
type Dispatcher struct {
	pool             *pgxpool.Pool
	publisher        Publisher
	dlq              *DLQWriter
	pollInterval     time.Duration
	batchSize        int
	logger           zerolog.Logger
	shutdownComplete chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, publisher Publisher, pollInterval time.Duration, batchSize int, opts ...Option) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	d := &Dispatcher{
		pool:             pool,
		publisher:        publisher,
		dlq:              NewDLQWriter(pool),
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		logger:           zerolog.Nop(),
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the polling loop. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if _, err := d.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error().Err(err).Msg("outbox dispatch failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait waits until dispatcher stops.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

// RunOnce claims one batch, delivers it and marks every claimed row published. Rows that
// could not be delivered are copied to the dead-letter table first. It returns the number of
// rows claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()

	messages, err := d.fetchAndClaim(ctx)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}
	defer batchDuration.Observe(time.Since(start).Seconds())

	delivered, failures := d.deliver(ctx, messages)
	for _, msg := range delivered {
		recordDelivery(msg.EventType, resultDelivered)
	}
	for _, f := range failures {
		d.logger.Warn().
			Int64("event_id", f.msg.EventID).
			Str("event_type", f.msg.EventType).
			Str("topic", f.msg.Topic).
			Err(f.err).
			Msg("outbox delivery failed; moving to dlq")
		if err := d.dlq.Write(ctx, f.msg, fmt.Sprintf("%s (topic=%s)", f.err, f.msg.Topic)); err != nil {
			return len(messages), err
		}
		recordDelivery(f.msg.EventType, resultDeadLettered)
	}

	return len(messages), d.markPublished(ctx, messages)
}

func (d *Dispatcher) fetchAndClaim(ctx context.Context) (messages []Message, err error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	const query = `SELECT event_id, aggregate_type, aggregate_id, event_type, topic, partition_key, payload, attempt
        FROM outbox
        WHERE published_at IS NULL
          AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $2))
        ORDER BY event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, d.batchSize, claimTimeout.Seconds())
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, d.batchSize)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(&msg.EventID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Topic, &msg.PartitionKey, &msg.Payload, &msg.Attempt); err != nil {
			rows.Close()
			return nil, err
		}
		messages = append(messages, msg)
		ids = append(ids, msg.EventID)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		_ = tx.Rollback(ctx)
		return nil, nil
	}

	if _, err = tx.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() WHERE event_id = ANY($1)`, ids); err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return messages, nil
}

type deliveryFailure struct {
	msg Message
	err error
}

// deliver publishes messages grouped by topic in first-seen order. Malformed rows fail on their
// own; a publisher error fails the whole topic group.
func (d *Dispatcher) deliver(ctx context.Context, messages []Message) (delivered []Message, failures []deliveryFailure) {
	byTopic := make(map[string][]Message)
	order := make([]string, 0)

	for _, msg := range messages {
		if err := msg.validate(); err != nil {
			failures = append(failures, deliveryFailure{msg: msg, err: err})
			continue
		}
		if _, ok := byTopic[msg.Topic]; !ok {
			order = append(order, msg.Topic)
		}
		byTopic[msg.Topic] = append(byTopic[msg.Topic], msg)
	}

	for _, topic := range order {
		group := byTopic[topic]
		if err := d.publisher.Publish(ctx, topic, group...); err != nil {
			for _, msg := range group {
				failures = append(failures, deliveryFailure{msg: msg, err: err})
			}
			continue
		}
		delivered = append(delivered, group...)
	}
	return delivered, failures
}

func (d *Dispatcher) markPublished(ctx context.Context, messages []Message) error {
	ids := make([]int64, 0, len(messages))
	for _, msg := range messages {
		ids = append(ids, msg.EventID)
	}
	_, err := d.pool.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids)
	return err
}

// Message represents a row fetched from outbox.
type Message struct {
	EventID       int64
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	PartitionKey  string
	Payload       json.RawMessage
	// Attempt counts DLQ replays of this event; zero for the first delivery.
	Attempt int
}

func (m Message) validate() error {
	if !events.Known(m.EventType) {
		return fmt.Errorf("unknown event_type=%s", m.EventType)
	}
	if m.Topic == "" {
		return errors.New("empty topic")
	}
	if !json.Valid(m.Payload) {
		return errors.New("payload is not valid json")
	}
	return nil
}

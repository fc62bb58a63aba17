// Package consumer reads health sync events from Kafka and hands them to a Handler.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// ErrSkip is returned by a Handler for events it deliberately ignores. The message is
// committed without counting as processed.
var ErrSkip = errors.New("consumer: event skipped")

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages from Kafka.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is the decoded representation of a Kafka record emitted by the outbox dispatcher.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Key       string
	EventType string
	EventID   int64
	Payload   json.RawMessage
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// Processor pulls messages from Kafka, decodes them, and dispatches to a Handler.
type Processor struct {
	reader  Reader
	handler Handler
	logger  zerolog.Logger
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:  reader,
		handler: handler,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts a blocking loop that processes Kafka messages until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			p.logger.Error().Err(err).Msg("fetch failed")
			continue
		}

		log := p.logger.With().Str("topic", msg.Topic).Int("partition", msg.Partition).Int64("offset", msg.Offset).Logger()

		event, decodeErr := decodeMessage(msg)
		if decodeErr != nil {
			log.Warn().Err(decodeErr).Msg("decode failed; committing to skip poison message")
			recordDecodeError(msg.Topic)
			p.commit(ctx, log, msg)
			continue
		}

		handleErr := p.handler.Handle(ctx, event)
		switch {
		case errors.Is(handleErr, ErrSkip):
			recordSkipped(event)
			p.commit(ctx, log, msg)
		case handleErr != nil:
			log.Error().Err(handleErr).Str("event_type", event.EventType).Msg("handler failed")
			recordHandlerError(event)
		default:
			if p.commit(ctx, log, msg) {
				recordProcessed(event)
			}
		}
	}
}

func (p *Processor) commit(ctx context.Context, log zerolog.Logger, msg kafka.Message) bool {
	if err := p.reader.CommitMessages(ctx, msg); err != nil {
		log.Error().Err(err).Msg("commit failed")
		return false
	}
	return true
}

func decodeMessage(msg kafka.Message) (Message, error) {
	eventType, ok := headerValue(msg, "event_type")
	if !ok || len(eventType) == 0 {
		return Message{}, errors.New("missing event_type header")
	}
	if !json.Valid(msg.Value) {
		return Message{}, fmt.Errorf("payload is not valid json (%d bytes)", len(msg.Value))
	}

	var eventID int64
	if raw, ok := headerValue(msg, "event_id"); ok {
		id, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return Message{}, fmt.Errorf("invalid event_id header: %w", err)
		}
		eventID = id
	}

	return Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
		Key:       string(msg.Key),
		EventType: string(eventType),
		EventID:   eventID,
		Payload:   json.RawMessage(append([]byte(nil), msg.Value...)),
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}

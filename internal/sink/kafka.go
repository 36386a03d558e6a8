package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"oracle-integrity-watch/internal/bus"
	"oracle-integrity-watch/internal/oracle"
)

// Subscriber opens event subscriptions; satisfied by the engine.
type Subscriber interface {
	Subscribe(subjects ...string) *bus.Subscription
}

// Options wire the Kafka event forwarder.
type Options struct {
	Brokers []string
	Topic   string
}

// Forwarder relays engine events onto a Kafka topic for dashboard
// consumers. It is an ordinary bus subscriber: when it falls behind and
// overflows, it resubscribes and keeps going, exactly the recovery the
// bus contract asks of external consumers.
type Forwarder struct {
	writer *kafka.Writer
	source Subscriber
	logger zerolog.Logger
}

// NewForwarder constructs a Kafka forwarder.
func NewForwarder(opts Options, source Subscriber, logger zerolog.Logger) (*Forwarder, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	if opts.Topic == "" {
		return nil, errors.New("kafka topic required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		Topic:                  opts.Topic,
		RequiredAcks:           kafka.RequireOne,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &Forwarder{
		writer: writer,
		source: source,
		logger: logger.With().Str("component", "kafka_sink").Logger(),
	}, nil
}

// Run blocks forwarding events until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		sub := f.source.Subscribe()
		overflowed, err := f.drain(ctx, sub)
		sub.Close()
		if err != nil {
			return err
		}
		if !overflowed {
			return ctx.Err()
		}
		f.logger.Warn().Msg("kafka sink overflowed; resubscribing")
	}
}

// drain consumes one subscription until overflow or cancellation.
func (f *Forwarder) drain(ctx context.Context, sub *bus.Subscription) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case ev, ok := <-sub.C():
			if !ok {
				return true, nil
			}
			if ev.Kind == oracle.EventOverflow {
				continue
			}
			if err := f.publish(ctx, ev); err != nil {
				f.logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("kafka publish failed")
			}
		}
	}
}

func (f *Forwarder) publish(ctx context.Context, ev oracle.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := []byte(ev.Subject)
	if len(key) == 0 {
		key = []byte(string(ev.Kind))
	}

	if err := f.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value}); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close releases the Kafka writer.
func (f *Forwarder) Close() error {
	return f.writer.Close()
}

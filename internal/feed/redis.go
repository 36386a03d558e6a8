package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"oracle-integrity-watch/internal/intake"
)

// Ingestor is the engine-side entry point for decoded observations.
type Ingestor interface {
	Ingest(obs intake.Observation) error
}

// Options wire the Redis Pub/Sub observation feed.
type Options struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Consumer subscribes a Redis channel of JSON observations and drives
// intake. Delivery failures stay local to the offending payload; the
// consumer never stops on a bad observation.
type Consumer struct {
	opts   Options
	client *redis.Client
	sink   Ingestor
	logger zerolog.Logger
}

// NewConsumer constructs a feed consumer.
func NewConsumer(opts Options, sink Ingestor, logger zerolog.Logger) *Consumer {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Consumer{
		opts:   opts,
		client: client,
		sink:   sink,
		logger: logger.With().Str("component", "feed").Logger(),
	}
}

// Run blocks consuming observations until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if c.opts.Channel == "" {
		return errors.New("feed channel is required")
	}

	sub := c.client.Subscribe(ctx, c.opts.Channel)
	defer sub.Close()

	// Fail fast when Redis is unreachable rather than looping silently.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.opts.Channel, err)
	}

	c.logger.Info().Str("channel", c.opts.Channel).Msg("observation feed connected")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("feed subscription closed")
			}
			obs, err := DecodeObservation([]byte(msg.Payload))
			if err != nil {
				c.logger.Warn().Err(err).Msg("discarding malformed observation payload")
				continue
			}
			if err := c.sink.Ingest(obs); err != nil {
				// Expected for misbehaving sources; the engine already
				// counted it against the source.
				c.logger.Debug().Err(err).
					Str("source", obs.Source).
					Str("subject", obs.Subject).
					Msg("observation rejected")
			}
		}
	}
}

// Close releases the Redis client.
func (c *Consumer) Close() error {
	return c.client.Close()
}

// DecodeObservation parses one feed payload.
func DecodeObservation(payload []byte) (intake.Observation, error) {
	var obs intake.Observation
	if err := json.Unmarshal(payload, &obs); err != nil {
		return intake.Observation{}, fmt.Errorf("decode observation: %w", err)
	}
	if obs.Source == "" || obs.Subject == "" {
		return intake.Observation{}, errors.New("observation missing source or subject")
	}
	return obs, nil
}

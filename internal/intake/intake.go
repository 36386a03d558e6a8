package intake

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"oracle-integrity-watch/internal/oracle"
	"oracle-integrity-watch/internal/registry"
)

// ErrDraining rejects observations during shutdown.
var ErrDraining = errors.New("intake: draining, no new readings accepted")

// Observation is a raw delivery from a feed transport, before validation.
type Observation struct {
	Source     string       `json:"source"`
	Subject    string       `json:"subject"`
	Value      oracle.Value `json:"value"`
	ObservedAt time.Time    `json:"observed_at"`
}

// Forwarder is where normalized readings go next.
type Forwarder interface {
	Add(r oracle.Reading) error
}

// Publisher receives source status transition events.
type Publisher interface {
	Publish(ev oracle.Event)
}

// Options tune intake validation.
type Options struct {
	// Interval and Grace mirror the aligner configuration; an observation
	// older than now - (Interval + Grace) can no longer land in any open
	// window and is rejected as stale.
	Interval time.Duration
	Grace    time.Duration
	// OfflineThreshold flips a source offline after this many consecutive
	// rejected deliveries. Zero disables the transition.
	OfflineThreshold int
}

// Intake validates and normalizes raw observations, one conceptual stream
// per source. The only shared state across streams is the per-source
// record, updated under that source's own lock.
type Intake struct {
	opts    Options
	reg     *registry.Registry
	forward Forwarder
	events  Publisher
	logger  zerolog.Logger

	now      func() time.Time
	draining atomic.Bool
}

// New constructs an Intake.
func New(opts Options, reg *registry.Registry, forward Forwarder, events Publisher, logger zerolog.Logger) *Intake {
	return &Intake{
		opts:    opts,
		reg:     reg,
		forward: forward,
		events:  events,
		logger:  logger.With().Str("component", "intake").Logger(),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (i *Intake) SetClock(now func() time.Time) {
	i.now = now
}

// Drain stops accepting new observations. Terminal.
func (i *Intake) Drain() {
	i.draining.Store(true)
}

// Ingest validates one observation and forwards the normalized reading.
// Failures are local to the offending source: they update its counters and
// status but never block other sources or subjects.
func (i *Intake) Ingest(obs Observation) error {
	if i.draining.Load() {
		return ErrDraining
	}

	src, ok := i.reg.Source(obs.Source)
	if !ok || !src.Usable() {
		return fmt.Errorf("%w: %q", oracle.ErrUnknownSource, obs.Source)
	}

	if err := i.validate(src, obs); err != nil {
		i.reject(src, obs, err)
		return err
	}

	now := i.now().UTC()
	reading := oracle.Reading{
		Source:     obs.Source,
		Subject:    obs.Subject,
		Value:      obs.Value,
		ObservedAt: obs.ObservedAt.UTC(),
		IngestedAt: now,
		Sequence:   src.NextSequence(),
	}

	if err := i.forward.Add(reading); err != nil {
		if errors.Is(err, oracle.ErrWindowClosed) {
			// Late arrival: metered, not held against the failure run.
			src.RecordLate()
			i.logger.Debug().
				Str("source", obs.Source).
				Str("subject", obs.Subject).
				Time("observed_at", obs.ObservedAt).
				Msg("reading arrived after window close")
		}
		return err
	}

	if cameBack := src.RecordAccept(now); cameBack {
		i.publishStatus(src)
		i.logger.Info().Str("source", src.ID).Msg("source back online")
	}
	return nil
}

func (i *Intake) validate(src *registry.Source, obs Observation) error {
	spec, ok := i.reg.Subject(obs.Subject)
	if !ok {
		return fmt.Errorf("%w: unknown subject %q", oracle.ErrInvalidReading, obs.Subject)
	}
	if obs.Value.Kind != spec.Kind {
		return fmt.Errorf("%w: subject %q expects %s values, got %s",
			oracle.ErrInvalidReading, obs.Subject, spec.Kind, obs.Value.Kind)
	}
	if obs.ObservedAt.IsZero() {
		return fmt.Errorf("%w: missing observation time", oracle.ErrInvalidReading)
	}

	cutoff := i.now().UTC().Add(-(i.opts.Interval + i.opts.Grace))
	if obs.ObservedAt.UTC().Before(cutoff) {
		return fmt.Errorf("%w: observation at %s is stale (cutoff %s)",
			oracle.ErrInvalidReading, obs.ObservedAt.UTC().Format(time.RFC3339), cutoff.Format(time.RFC3339))
	}
	return nil
}

func (i *Intake) reject(src *registry.Source, obs Observation, cause error) {
	wentOffline := src.RecordReject(i.opts.OfflineThreshold)
	i.logger.Debug().Err(cause).
		Str("source", obs.Source).
		Str("subject", obs.Subject).
		Msg("reading rejected")
	if wentOffline {
		i.publishStatus(src)
		i.logger.Warn().
			Str("source", src.ID).
			Int("threshold", i.opts.OfflineThreshold).
			Msg("source marked offline after consecutive failures")
	}
}

func (i *Intake) publishStatus(src *registry.Source) {
	if i.events == nil {
		return
	}
	i.events.Publish(oracle.NewStatusEvent(src.Status()))
}

package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-integrity-watch/internal/alerting"
	"oracle-integrity-watch/internal/anomaly"
	"oracle-integrity-watch/internal/bus"
	"oracle-integrity-watch/internal/config"
	"oracle-integrity-watch/internal/consensus"
	"oracle-integrity-watch/internal/intake"
	"oracle-integrity-watch/internal/oracle"
	"oracle-integrity-watch/internal/registry"
	"oracle-integrity-watch/internal/scheduler"
	"oracle-integrity-watch/internal/scoring"
	"oracle-integrity-watch/internal/storage"
	"oracle-integrity-watch/internal/window"
)

// Stores are the optional persistence hooks. Any of them may be nil; the
// engine only depends on the contract, never on the implementation.
type Stores struct {
	Consensus storage.ConsensusStore
	Anomalies storage.AnomalyStore
	Scores    storage.ScoreStore
}

// Engine wires intake, window alignment, consensus, classification,
// scoring, and the event bus into one pipeline and exposes the query
// surface the presentation layer reads.
type Engine struct {
	cfg      *config.Config
	reg      *registry.Registry
	intake   *intake.Intake
	aligner  *window.Aligner
	engine   *consensus.Engine
	class    *anomaly.Classifier
	tracker  *scoring.Tracker
	bus      *bus.Bus
	stores   Stores
	notifier alerting.Notifier
	logger   zerolog.Logger

	now func() time.Time

	mu     sync.RWMutex
	latest map[string]oracle.ConsensusResult
}

// New assembles the pipeline from configuration.
func New(cfg *config.Config, reg *registry.Registry, stores Stores, notifier alerting.Notifier, logger zerolog.Logger) *Engine {
	e := &Engine{
		cfg:      cfg,
		reg:      reg,
		stores:   stores,
		notifier: notifier,
		logger:   logger.With().Str("component", "engine").Logger(),
		now:      time.Now,
		latest:   make(map[string]oracle.ConsensusResult),
	}

	e.bus = bus.New(bus.Options{BufferSize: cfg.Bus.BufferSize}, logger)
	e.tracker = scoring.New(scoring.Options{
		DecayFactor:       decimal.NewFromFloat(cfg.Scoring.DecayFactor),
		NeutralDefault:    decimal.NewFromFloat(cfg.Scoring.NeutralDefault),
		ReportGranularity: decimal.NewFromFloat(cfg.Scoring.ReportGranularity),
	}, logger)
	e.engine = consensus.New(consensus.Options{
		SingleSourceCap: decimal.NewFromFloat(cfg.Consensus.SingleSourceCap),
	}, reg, e.tracker, logger)
	e.class = anomaly.New(anomaly.Options{
		LowThreshold:      decimal.NewFromFloat(cfg.Anomaly.LowThreshold),
		ModerateThreshold: decimal.NewFromFloat(cfg.Anomaly.ModerateThreshold),
		CriticalThreshold: decimal.NewFromFloat(cfg.Anomaly.CriticalThreshold),
		EscalationRun:     cfg.Anomaly.EscalationRun,
		HistoryCapacity:   cfg.Anomaly.HistoryCapacity,
	}, reg, logger)
	e.aligner = window.NewAligner(window.Options{
		Interval: cfg.Window.Interval,
		Grace:    cfg.Window.Grace,
		MaxWait:  cfg.Window.MaxWait,
	}, e, logger)
	e.intake = intake.New(intake.Options{
		Interval:         cfg.Window.Interval,
		Grace:            cfg.Window.Grace,
		OfflineThreshold: cfg.Intake.OfflineThreshold,
	}, reg, e.aligner, e.bus, logger)

	return e
}

// SetClock overrides the time source for the engine and its intake.
// Test hook.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.intake.SetClock(now)
}

// Ingest accepts one raw observation from a feed transport.
func (e *Engine) Ingest(obs intake.Observation) error {
	return e.intake.Ingest(obs)
}

// Sweep closes due windows and applies liveness timeouts once. Exposed for
// replay and tests; Run drives it periodically.
func (e *Engine) Sweep(now time.Time) {
	e.aligner.CloseDue(now)
	for _, src := range e.reg.Sources() {
		// A source's declared latency budget overrides the global liveness
		// timeout: a slow-by-contract source is not stale at the default.
		timeout := e.cfg.Intake.LivenessTimeout
		if src.LatencyBudget > timeout {
			timeout = src.LatencyBudget
		}
		if timeout <= 0 {
			continue
		}
		if src.MarkStale(now, timeout) {
			e.bus.Publish(oracle.NewStatusEvent(src.Status()))
			e.logger.Warn().Str("source", src.ID).Dur("timeout", timeout).Msg("source offline after liveness timeout")
		}
	}
}

// Run blocks driving the close sweep until ctx is cancelled, then drains:
// intake stops accepting, remaining windows flush through the pipeline.
func (e *Engine) Run(ctx context.Context) error {
	sched := scheduler.New(scheduler.Options{
		Interval:     e.cfg.Window.SweepInterval,
		AlignToStart: e.cfg.Window.AlignSweep,
		StartupDelay: e.cfg.Window.StartupDelay,
	}, e.logger)

	err := sched.Run(ctx, func(_ context.Context, now time.Time) error {
		e.Sweep(now)
		return nil
	})

	e.logger.Info().Msg("draining in-flight windows")
	e.intake.Drain()
	e.aligner.Flush()
	return err
}

// ProcessWindow runs one closed window through consensus, classification,
// and scoring, publishing events in that order. Called by the aligner
// exactly once per window; subjects are serialized upstream.
func (e *Engine) ProcessWindow(w *window.Window) {
	now := e.now().UTC()
	res := e.engine.Process(w)

	e.mu.Lock()
	e.latest[res.Subject] = res
	e.mu.Unlock()

	if e.stores.Consensus != nil {
		if err := e.stores.Consensus.InsertConsensusResult(context.Background(), res); err != nil {
			e.logger.Error().Err(err).Str("subject", res.Subject).Msg("failed to persist consensus result")
		}
	}
	e.bus.Publish(oracle.NewConsensusEvent(res))

	records, recs := e.class.Classify(res, now)
	for _, rec := range records {
		if e.stores.Anomalies != nil {
			if err := e.stores.Anomalies.InsertAnomaly(context.Background(), rec); err != nil {
				e.logger.Error().Err(err).Str("subject", rec.Subject).Msg("failed to persist anomaly record")
			}
		}
		e.bus.Publish(oracle.NewAnomalyEvent(rec))
	}

	for _, chg := range e.tracker.Apply(res) {
		if e.stores.Scores != nil {
			if err := e.stores.Scores.UpsertScore(context.Background(), chg); err != nil {
				e.logger.Error().Err(err).Str("source", chg.Source).Msg("failed to persist score snapshot")
			}
		}
		e.bus.Publish(oracle.NewScoreEvent(chg))
	}

	for _, rec := range recs {
		e.bus.Publish(oracle.NewRecommendationEvent(rec))
		e.notify(rec)
	}
}

// notify dispatches a recommendation off the hot path.
func (e *Engine) notify(rec oracle.Recommendation) {
	if e.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.notifier.Notify(ctx, alerting.Notification{
			Subject:     rec.Subject,
			Source:      rec.Source,
			Severity:    rec.Severity.String(),
			Streak:      rec.Streak,
			Deviation:   rec.Deviation,
			WindowStart: rec.WindowStart,
		}); err != nil {
			e.logger.Error().Err(err).Str("source", rec.Source).Msg("failed to dispatch recommendation")
		}
	}()
}

// GetScore returns the current integrity score for a pair.
func (e *Engine) GetScore(source, subject string) decimal.Decimal {
	return e.tracker.Score(source, subject)
}

// GetLatestConsensus returns the most recent consensus for a subject.
func (e *Engine) GetLatestConsensus(subject string) (oracle.ConsensusResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	res, ok := e.latest[subject]
	return res, ok
}

// GetAnomalies returns recent anomaly records for a subject, newest first,
// bounded by limit and optionally by since.
func (e *Engine) GetAnomalies(subject string, limit int, since time.Time) []oracle.AnomalyRecord {
	return e.class.Recent(subject, limit, since)
}

// GetSourceStatus returns health and rolling success rate for a source.
func (e *Engine) GetSourceStatus(source string) (oracle.SourceStatus, bool) {
	src, ok := e.reg.Source(source)
	if !ok {
		return oracle.SourceStatus{}, false
	}
	return src.Status(), true
}

// Subscribe opens a live event feed filtered to the given subjects, or to
// everything when none are named.
func (e *Engine) Subscribe(subjects ...string) *bus.Subscription {
	return e.bus.Subscribe(subjects...)
}

// LateArrivals reports post-close rejections accepted so far.
func (e *Engine) LateArrivals() uint64 {
	return e.aligner.LateArrivals()
}

package scoring

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-integrity-watch/internal/oracle"
)

var decOne = decimal.NewFromInt(1)

// Options tune score evolution.
type Options struct {
	// DecayFactor weighs history against the latest window. Higher values
	// change slowly and resist one bad window; lower values react faster.
	DecayFactor decimal.Decimal
	// NeutralDefault seeds unseen (source, subject) pairs. New unproven
	// sources are not presumed trustworthy, so this sits below 1.
	NeutralDefault decimal.Decimal
	// ReportGranularity suppresses score-change events smaller than this
	// step from the last published value.
	ReportGranularity decimal.Decimal
}

func (o *Options) fill() {
	if o.DecayFactor.Sign() <= 0 || o.DecayFactor.GreaterThanOrEqual(decOne) {
		o.DecayFactor = decimal.NewFromFloat(0.9)
	}
	if o.NeutralDefault.Sign() <= 0 {
		o.NeutralDefault = decimal.NewFromFloat(0.5)
	}
	if o.ReportGranularity.Sign() < 0 {
		o.ReportGranularity = decimal.Zero
	}
}

// Tracker maintains the exponentially decayed integrity score per
// (source, subject) pair. Updates for one pair are serialized by the pair
// entry's lock; different pairs update concurrently.
type Tracker struct {
	opts   Options
	logger zerolog.Logger

	mu    sync.RWMutex
	pairs map[pairKey]*entry
}

type pairKey struct {
	source  string
	subject string
}

type entry struct {
	mu            sync.Mutex
	score         decimal.Decimal
	lastPublished decimal.Decimal
}

// New constructs a Tracker.
func New(opts Options, logger zerolog.Logger) *Tracker {
	opts.fill()
	return &Tracker{
		opts:   opts,
		logger: logger.With().Str("component", "scoring").Logger(),
		pairs:  make(map[pairKey]*entry),
	}
}

// Apply folds one consensus result into every touched pair's score and
// returns the changes that crossed the reporting granularity.
func (t *Tracker) Apply(res oracle.ConsensusResult) []oracle.ScoreChange {
	changes := make([]oracle.ScoreChange, 0, len(res.Sources))
	for _, sd := range res.Sources {
		e := t.entry(pairKey{source: sd.Source, subject: res.Subject})

		contribution := clamp01(decOne.Sub(sd.Deviation))

		e.mu.Lock()
		previous := e.score
		e.score = t.opts.DecayFactor.Mul(previous).
			Add(decOne.Sub(t.opts.DecayFactor).Mul(contribution))

		publish := e.score.Sub(e.lastPublished).Abs().
			GreaterThanOrEqual(t.opts.ReportGranularity)
		if t.opts.ReportGranularity.Sign() == 0 {
			publish = !e.score.Equal(e.lastPublished)
		}
		if publish {
			changes = append(changes, oracle.ScoreChange{
				Source:      sd.Source,
				Subject:     res.Subject,
				Score:       e.score,
				Previous:    e.lastPublished,
				WindowStart: res.WindowStart,
			})
			e.lastPublished = e.score
		}
		e.mu.Unlock()
	}
	return changes
}

// Score reads the current score for a pair, the neutral default when the
// pair has never been scored.
func (t *Tracker) Score(source, subject string) decimal.Decimal {
	t.mu.RLock()
	e, ok := t.pairs[pairKey{source: source, subject: subject}]
	t.mu.RUnlock()
	if !ok {
		return t.opts.NeutralDefault
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.score
}

func (t *Tracker) entry(key pairKey) *entry {
	t.mu.RLock()
	e, ok := t.pairs[key]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.pairs[key]; ok {
		return e
	}
	e = &entry{score: t.opts.NeutralDefault, lastPublished: t.opts.NeutralDefault}
	t.pairs[key] = e
	return e
}

func clamp01(d decimal.Decimal) decimal.Decimal {
	if d.Sign() < 0 {
		return decimal.Zero
	}
	if d.GreaterThan(decOne) {
		return decOne
	}
	return d
}

package anomaly

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-integrity-watch/internal/oracle"
	"oracle-integrity-watch/internal/registry"
)

// Options tune anomaly classification.
type Options struct {
	// LowThreshold, ModerateThreshold, CriticalThreshold are the three
	// ascending normalized-deviation cut-offs.
	LowThreshold      decimal.Decimal
	ModerateThreshold decimal.Decimal
	CriticalThreshold decimal.Decimal
	// EscalationRun is how many consecutive moderate-or-worse windows a
	// source needs before its next record is escalated one tier.
	EscalationRun int
	// HistoryCapacity bounds the per-subject ring of recent records.
	HistoryCapacity int
}

func (o *Options) fill() {
	if o.LowThreshold.Sign() <= 0 {
		o.LowThreshold = decimal.NewFromFloat(0.05)
	}
	if o.ModerateThreshold.Sign() <= 0 {
		o.ModerateThreshold = decimal.NewFromFloat(0.15)
	}
	if o.CriticalThreshold.Sign() <= 0 {
		o.CriticalThreshold = decimal.NewFromFloat(0.5)
	}
	if o.EscalationRun <= 0 {
		o.EscalationRun = 3
	}
	if o.HistoryCapacity <= 0 {
		o.HistoryCapacity = 256
	}
}

// Classifier applies statistical thresholds and rule-based checks to
// consensus results, keeping a bounded recent history per subject.
type Classifier struct {
	opts     Options
	subjects *registry.Registry
	logger   zerolog.Logger

	mu      sync.Mutex
	history map[string]*ring
	streaks map[pairKey]int
}

type pairKey struct {
	source  string
	subject string
}

// New constructs a Classifier.
func New(opts Options, reg *registry.Registry, logger zerolog.Logger) *Classifier {
	opts.fill()
	return &Classifier{
		opts:     opts,
		subjects: reg,
		logger:   logger.With().Str("component", "classifier").Logger(),
		history:  make(map[string]*ring),
		streaks:  make(map[pairKey]int),
	}
}

// Classify evaluates every per-source deviation of one consensus result.
// Returned records are ordered severity descending, then source id.
// Recommendations fire once per window for sources whose consecutive
// moderate-or-worse run reached the escalation threshold.
func (c *Classifier) Classify(res oracle.ConsensusResult, now time.Time) ([]oracle.AnomalyRecord, []oracle.Recommendation) {
	spec, _ := c.subjects.Subject(res.Subject)

	records := make([]oracle.AnomalyRecord, 0, len(res.Sources))
	var recs []oracle.Recommendation

	c.mu.Lock()
	for _, sd := range res.Sources {
		severity, reason := c.rawSeverity(sd, spec)

		key := pairKey{source: sd.Source, subject: res.Subject}
		if severity >= oracle.SeverityModerate {
			c.streaks[key]++
		} else {
			c.streaks[key] = 0
		}

		if streak := c.streaks[key]; streak >= c.opts.EscalationRun {
			if escalated := severity.Escalate(); escalated != severity {
				severity = escalated
				reason = oracle.ReasonRepeatOffender
			}
			recs = append(recs, oracle.Recommendation{
				Subject:     res.Subject,
				Source:      sd.Source,
				Streak:      streak,
				Severity:    severity,
				Deviation:   sd.Deviation,
				WindowStart: res.WindowStart,
			})
		}

		if severity == oracle.SeverityNone {
			continue
		}
		records = append(records, oracle.AnomalyRecord{
			Subject:     res.Subject,
			Source:      sd.Source,
			WindowStart: res.WindowStart,
			WindowEnd:   res.WindowEnd,
			Severity:    severity,
			Deviation:   sd.Deviation,
			Reason:      reason,
			DetectedAt:  now,
		})
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Severity != records[j].Severity {
			return records[i].Severity > records[j].Severity
		}
		return records[i].Source < records[j].Source
	})

	hist, ok := c.history[res.Subject]
	if !ok {
		hist = newRing(c.opts.HistoryCapacity)
		c.history[res.Subject] = hist
	}
	for _, rec := range records {
		hist.push(rec)
	}
	c.mu.Unlock()

	for _, rec := range recs {
		c.logger.Warn().
			Str("subject", rec.Subject).
			Str("source", rec.Source).
			Int("streak", rec.Streak).
			Str("severity", rec.Severity.String()).
			Msg("repeat offender; review recommended")
	}
	return records, recs
}

// Recent serves the bounded anomaly history query for one subject,
// newest first.
func (c *Classifier) Recent(subject string, limit int, since time.Time) []oracle.AnomalyRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	hist, ok := c.history[subject]
	if !ok {
		return nil
	}
	return hist.recent(limit, since)
}

// rawSeverity applies the threshold ladder plus the hard range rule. A
// value outside the subject's physically valid range is always critical,
// whatever its deviation.
func (c *Classifier) rawSeverity(sd oracle.SourceDeviation, spec registry.SubjectSpec) (oracle.Severity, string) {
	if !spec.InRange(sd.Value) {
		return oracle.SeverityCritical, oracle.ReasonOutOfRange
	}
	switch {
	case sd.Deviation.GreaterThanOrEqual(c.opts.CriticalThreshold):
		return oracle.SeverityCritical, oracle.ReasonDeviation
	case sd.Deviation.GreaterThanOrEqual(c.opts.ModerateThreshold):
		return oracle.SeverityModerate, oracle.ReasonDeviation
	case sd.Deviation.GreaterThanOrEqual(c.opts.LowThreshold):
		return oracle.SeverityLow, oracle.ReasonDeviation
	default:
		return oracle.SeverityNone, ""
	}
}

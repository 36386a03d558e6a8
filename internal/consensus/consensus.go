package consensus

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-integrity-watch/internal/oracle"
	"oracle-integrity-watch/internal/registry"
	"oracle-integrity-watch/internal/window"
)

var (
	decOne = decimal.NewFromInt(1)
	decTwo = decimal.NewFromInt(2)
)

// ScoreReader exposes current integrity scores for confidence weighting.
type ScoreReader interface {
	Score(source, subject string) decimal.Decimal
}

// Options tune consensus computation.
type Options struct {
	// SingleSourceCap bounds confidence when only one source reported.
	// A lone reading has no corroboration and never reaches 1.0.
	SingleSourceCap decimal.Decimal
	// WeightFloor is the minimum confidence weight a source keeps once its
	// integrity score has collapsed. A fully distrusted source must retain
	// a sliver of a say, never fall back to full weight.
	WeightFloor decimal.Decimal
}

// Engine reconciles closed windows into consensus results.
type Engine struct {
	opts     Options
	subjects *registry.Registry
	scores   ScoreReader
	logger   zerolog.Logger
}

// New constructs a consensus engine.
func New(opts Options, reg *registry.Registry, scores ScoreReader, logger zerolog.Logger) *Engine {
	if opts.SingleSourceCap.Sign() <= 0 || opts.SingleSourceCap.GreaterThanOrEqual(decOne) {
		opts.SingleSourceCap = decimal.NewFromFloat(0.6)
	}
	if opts.WeightFloor.Sign() <= 0 || opts.WeightFloor.GreaterThanOrEqual(decOne) {
		opts.WeightFloor = decimal.NewFromFloat(0.05)
	}
	return &Engine{
		opts:     opts,
		subjects: reg,
		scores:   scores,
		logger:   logger.With().Str("component", "consensus").Logger(),
	}
}

// Process reconciles one closed window. The reference value is unweighted
// so a single high-trust source cannot dictate the median or plurality;
// integrity scores weigh only the confidence aggregate.
func (e *Engine) Process(w *window.Window) oracle.ConsensusResult {
	readings := w.Readings()
	spec, _ := e.subjects.Subject(w.Subject)

	var reference oracle.Value
	if spec.Kind == oracle.KindCategorical {
		reference = plurality(readings)
	} else {
		reference = median(readings)
	}

	sources := make([]oracle.SourceDeviation, 0, len(readings))
	weightedDev := decimal.Zero
	weightTotal := decimal.Zero
	for _, r := range readings {
		dev := deviation(r.Value, reference, spec)
		weight := decOne
		if e.scores != nil {
			weight = e.scores.Score(r.Source, w.Subject)
			if weight.LessThan(e.opts.WeightFloor) {
				weight = e.opts.WeightFloor
			}
		}
		sources = append(sources, oracle.SourceDeviation{
			Source:     r.Source,
			Value:      r.Value,
			Deviation:  dev,
			Weight:     weight,
			Sequence:   r.Sequence,
			ObservedAt: r.ObservedAt,
		})
		weightedDev = weightedDev.Add(dev.Mul(weight))
		weightTotal = weightTotal.Add(weight)
	}

	confidence := decOne
	if weightTotal.Sign() > 0 {
		confidence = decOne.Sub(weightedDev.Div(weightTotal))
	}
	confidence = clamp01(confidence)
	if len(readings) == 1 && confidence.GreaterThan(e.opts.SingleSourceCap) {
		confidence = e.opts.SingleSourceCap
	}

	result := oracle.ConsensusResult{
		Subject:     w.Subject,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		Reference:   reference,
		Confidence:  confidence,
		Sources:     sources,
	}
	e.logger.Debug().
		Str("subject", w.Subject).
		Time("window_start", w.Start).
		Int("sources", len(readings)).
		Str("reference", reference.String()).
		Str("confidence", confidence.String()).
		Msg("window reconciled")
	return result
}

// median returns the middle reported value, averaging the two middles when
// the count is even. Readings arrive source-ordered; values are re-sorted.
func median(readings []oracle.Reading) oracle.Value {
	values := make([]decimal.Decimal, 0, len(readings))
	for _, r := range readings {
		values = append(values, r.Value.Num)
	}
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && values[j].LessThan(values[j-1]); j-- {
			values[j], values[j-1] = values[j-1], values[j]
		}
	}
	n := len(values)
	if n%2 == 1 {
		return oracle.NumericValue(values[n/2])
	}
	mid := values[n/2-1].Add(values[n/2]).Div(decTwo)
	return oracle.NumericValue(mid)
}

// plurality returns the most reported label, ties broken by the lowest
// source id among the tied labels for determinism.
func plurality(readings []oracle.Reading) oracle.Value {
	counts := make(map[string]int, len(readings))
	firstSource := make(map[string]string, len(readings))
	for _, r := range readings {
		label := r.Value.Cat
		counts[label]++
		if prev, ok := firstSource[label]; !ok || r.Source < prev {
			firstSource[label] = r.Source
		}
	}

	best := ""
	bestCount := -1
	for label, count := range counts {
		switch {
		case count > bestCount:
			best, bestCount = label, count
		case count == bestCount && firstSource[label] < firstSource[best]:
			best = label
		}
	}
	return oracle.CategoricalValue(best)
}

// deviation normalizes the distance between a reported value and the
// reference: |v - ref| / scale for numeric, 0/1 mismatch for categorical.
func deviation(v, reference oracle.Value, spec registry.SubjectSpec) decimal.Decimal {
	if spec.Kind == oracle.KindCategorical {
		if v.Cat == reference.Cat {
			return decimal.Zero
		}
		return decOne
	}
	scale := spec.Scale
	if scale.Sign() <= 0 {
		scale = decOne
	}
	return v.Num.Sub(reference.Num).Abs().Div(scale)
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

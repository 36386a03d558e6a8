package oracle

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reading is one normalized data point after intake validation.
// Immutable once created.
type Reading struct {
	Source     string    `json:"source"`
	Subject    string    `json:"subject"`
	Value      Value     `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
	IngestedAt time.Time `json:"ingested_at"`
	Sequence   uint64    `json:"sequence"`
}

// SourceDeviation holds one source's agreement metrics within a window.
type SourceDeviation struct {
	Source     string          `json:"source"`
	Value      Value           `json:"value"`
	Deviation  decimal.Decimal `json:"deviation"`
	Weight     decimal.Decimal `json:"weight"`
	Sequence   uint64          `json:"sequence"`
	ObservedAt time.Time       `json:"observed_at"`
}

// ConsensusResult is the outcome of reconciling one closed window.
// Immutable after emission.
type ConsensusResult struct {
	Subject     string            `json:"subject"`
	WindowStart time.Time         `json:"window_start"`
	WindowEnd   time.Time         `json:"window_end"`
	Reference   Value             `json:"reference"`
	Confidence  decimal.Decimal   `json:"confidence"`
	Sources     []SourceDeviation `json:"sources"`
}

// Deviation returns the deviation entry for a source, if present.
func (r ConsensusResult) Deviation(source string) (SourceDeviation, bool) {
	for _, sd := range r.Sources {
		if sd.Source == source {
			return sd, true
		}
	}
	return SourceDeviation{}, false
}

// Severity tiers an anomaly. Ordered so comparisons work directly.
type Severity int8

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityModerate
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityModerate:
		return "moderate"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

// MarshalJSON renders the tier name rather than the ordinal.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Escalate bumps a severity one tier, saturating at critical.
func (s Severity) Escalate() Severity {
	if s >= SeverityCritical {
		return SeverityCritical
	}
	return s + 1
}

// Reason codes attached to anomaly records.
const (
	ReasonDeviation      = "deviation_threshold"
	ReasonOutOfRange     = "out_of_valid_range"
	ReasonRepeatOffender = "repeat_offender"
)

// AnomalyRecord is one flagged deviation. Immutable once emitted.
type AnomalyRecord struct {
	Subject     string          `json:"subject"`
	Source      string          `json:"source"`
	WindowStart time.Time       `json:"window_start"`
	WindowEnd   time.Time       `json:"window_end"`
	Severity    Severity        `json:"severity"`
	Deviation   decimal.Decimal `json:"deviation"`
	Reason      string          `json:"reason"`
	DetectedAt  time.Time       `json:"detected_at"`
}

// ScoreChange reports a published integrity score movement.
type ScoreChange struct {
	Source      string          `json:"source"`
	Subject     string          `json:"subject"`
	Score       decimal.Decimal `json:"score"`
	Previous    decimal.Decimal `json:"previous"`
	WindowStart time.Time       `json:"window_start"`
}

// SourceStatus summarises a source's health for the query surface.
type SourceStatus struct {
	Source      string          `json:"source"`
	Online      bool            `json:"online"`
	Active      bool            `json:"active"`
	SuccessRate decimal.Decimal `json:"success_rate"`
	Accepted    uint64          `json:"accepted"`
	Rejected    uint64          `json:"rejected"`
}

// Recommendation asks the operator to review a repeatedly offending source.
// Deactivation stays an external decision.
type Recommendation struct {
	Subject     string          `json:"subject"`
	Source      string          `json:"source"`
	Streak      int             `json:"streak"`
	Severity    Severity        `json:"severity"`
	Deviation   decimal.Decimal `json:"deviation"`
	WindowStart time.Time       `json:"window_start"`
}

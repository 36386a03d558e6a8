package oracle

// EventKind tags the variant carried by an Event.
type EventKind string

const (
	EventConsensus      EventKind = "consensus"
	EventAnomaly        EventKind = "anomaly"
	EventScoreChange    EventKind = "score_change"
	EventSourceStatus   EventKind = "source_status"
	EventRecommendation EventKind = "recommendation"
	EventOverflow       EventKind = "overflow"
)

// Event is the tagged variant delivered to subscribers. Exactly one
// payload field is set, matching Kind. JSON-serializable for whatever
// transport the presentation layer picks.
type Event struct {
	Kind           EventKind        `json:"kind"`
	Subject        string           `json:"subject,omitempty"`
	Consensus      *ConsensusResult `json:"consensus,omitempty"`
	Anomaly        *AnomalyRecord   `json:"anomaly,omitempty"`
	Score          *ScoreChange     `json:"score,omitempty"`
	Status         *SourceStatus    `json:"status,omitempty"`
	Recommendation *Recommendation  `json:"recommendation,omitempty"`
}

// NewConsensusEvent wraps a consensus result.
func NewConsensusEvent(res ConsensusResult) Event {
	return Event{Kind: EventConsensus, Subject: res.Subject, Consensus: &res}
}

// NewAnomalyEvent wraps an anomaly record.
func NewAnomalyEvent(rec AnomalyRecord) Event {
	return Event{Kind: EventAnomaly, Subject: rec.Subject, Anomaly: &rec}
}

// NewScoreEvent wraps a score change.
func NewScoreEvent(chg ScoreChange) Event {
	return Event{Kind: EventScoreChange, Subject: chg.Subject, Score: &chg}
}

// NewStatusEvent wraps a source status transition. Status events carry no
// subject and reach every subscriber regardless of filter.
func NewStatusEvent(st SourceStatus) Event {
	return Event{Kind: EventSourceStatus, Status: &st}
}

// NewRecommendationEvent wraps a repeat-offender recommendation.
func NewRecommendationEvent(rec Recommendation) Event {
	return Event{Kind: EventRecommendation, Subject: rec.Subject, Recommendation: &rec}
}

// NewOverflowEvent is the terminal event pushed to a dropped subscriber.
func NewOverflowEvent() Event {
	return Event{Kind: EventOverflow}
}

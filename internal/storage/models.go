package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScorePoint is one persisted integrity score snapshot, written whenever a
// score change crosses the reporting granularity.
type ScorePoint struct {
	Source      string
	Subject     string
	Score       decimal.Decimal
	WindowStart time.Time
	CreatedAt   time.Time
}

// ConsensusRow is a persisted consensus result. The per-source deviation
// breakdown is stored as JSON since only the reference and confidence are
// queried relationally.
type ConsensusRow struct {
	Subject     string
	WindowStart time.Time
	WindowEnd   time.Time
	Reference   string
	Confidence  decimal.Decimal
	Sources     []byte
	CreatedAt   time.Time
}

// AnomalyRow is a persisted anomaly record.
type AnomalyRow struct {
	ID          int64
	Subject     string
	Source      string
	WindowStart time.Time
	WindowEnd   time.Time
	Severity    string
	Deviation   decimal.Decimal
	Reason      string
	DetectedAt  time.Time
	CreatedAt   time.Time
}

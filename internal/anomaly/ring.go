package anomaly

import (
	"time"

	"oracle-integrity-watch/internal/oracle"
)

// ring is a fixed-capacity circular buffer of anomaly records. The oldest
// record is overwritten on overflow; no unbounded growth.
type ring struct {
	records []oracle.AnomalyRecord
	next    int
	full    bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{records: make([]oracle.AnomalyRecord, capacity)}
}

func (r *ring) push(rec oracle.AnomalyRecord) {
	r.records[r.next] = rec
	r.next++
	if r.next == len(r.records) {
		r.next = 0
		r.full = true
	}
}

// recent returns up to limit records, newest first. since, when non-zero,
// drops records detected before it.
func (r *ring) recent(limit int, since time.Time) []oracle.AnomalyRecord {
	size := r.next
	if r.full {
		size = len(r.records)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]oracle.AnomalyRecord, 0, limit)
	for i := 1; i <= size && len(out) < limit; i++ {
		idx := (r.next - i + len(r.records)) % len(r.records)
		rec := r.records[idx]
		if !since.IsZero() && rec.DetectedAt.Before(since) {
			break
		}
		out = append(out, rec)
	}
	return out
}

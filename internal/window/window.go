package window

import (
	"sort"
	"time"

	"oracle-integrity-watch/internal/oracle"
)

// Window collects the readings for one subject within one aggregation
// interval. At most one reading per source; a later reading for the same
// source replaces the earlier one.
type Window struct {
	Subject string
	Start   time.Time
	End     time.Time

	readings  map[string]oracle.Reading
	firstSeen time.Time
	closed    bool
}

func newWindow(subject string, start time.Time, interval time.Duration) *Window {
	return &Window{
		Subject:  subject,
		Start:    start,
		End:      start.Add(interval),
		readings: make(map[string]oracle.Reading),
	}
}

// add applies last-write-wins per source. Caller holds the subject lock.
func (w *Window) add(r oracle.Reading) {
	if w.closed {
		panic("window: reading added after close for subject " + w.Subject)
	}
	if w.firstSeen.IsZero() {
		w.firstSeen = r.IngestedAt
	}
	if prev, ok := w.readings[r.Source]; ok && prev.Sequence >= r.Sequence {
		// stale retransmit
		return
	}
	w.readings[r.Source] = r
}

// due reports whether the window should close at the given instant:
// the interval end plus grace has passed, or the maximum wait after the
// first landed reading has elapsed.
func (w *Window) due(now time.Time, grace, maxWait time.Duration) bool {
	if !now.Before(w.End.Add(grace)) {
		return true
	}
	if maxWait > 0 && !w.firstSeen.IsZero() && !now.Before(w.firstSeen.Add(maxWait)) {
		return true
	}
	return false
}

// close marks the terminal transition. Closing twice is a bug in the
// aligner, never a recoverable condition.
func (w *Window) close() {
	if w.closed {
		panic("window: double close for subject " + w.Subject)
	}
	w.closed = true
}

// Size reports how many sources contributed.
func (w *Window) Size() int {
	return len(w.readings)
}

// Readings returns contributions ordered by source id for deterministic
// downstream processing.
func (w *Window) Readings() []oracle.Reading {
	out := make([]oracle.Reading, 0, len(w.readings))
	for _, r := range w.readings {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

package window

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"oracle-integrity-watch/internal/oracle"
)

// Sink receives each closed non-empty window exactly once. Invocations for
// one subject arrive in increasing interval-start order.
type Sink interface {
	ProcessWindow(w *Window)
}

// Options tune window alignment.
type Options struct {
	// Interval is the aggregation bucket width.
	Interval time.Duration
	// Grace keeps a window open past its interval end for straggling
	// observations.
	Grace time.Duration
	// MaxWait closes a window early once this much time passed since its
	// first reading landed. Zero disables early close.
	MaxWait time.Duration
}

// Aligner routes normalized readings into per-subject windows and drives
// their closing. One subject's windows mutate only under that subject's
// lock; different subjects proceed fully in parallel.
type Aligner struct {
	opts   Options
	sink   Sink
	logger zerolog.Logger

	mu       sync.RWMutex
	subjects map[string]*subjectState

	lateTotal atomic.Uint64
}

type subjectState struct {
	mu         sync.Mutex
	open       map[int64]*Window
	lastClosed int64 // unix nanos of the last closed interval start

	// processMu serializes sink handoff per subject so overlapping sweeps
	// cannot reorder consensus processing.
	processMu sync.Mutex
}

// NewAligner constructs an Aligner.
func NewAligner(opts Options, sink Sink, logger zerolog.Logger) *Aligner {
	if opts.Interval <= 0 {
		panic("window: aligner interval must be positive")
	}
	return &Aligner{
		opts:     opts,
		sink:     sink,
		logger:   logger.With().Str("component", "aligner").Logger(),
		subjects: make(map[string]*subjectState),
	}
}

// Add routes a reading into its window, creating the window lazily.
// Returns oracle.ErrWindowClosed for post-close arrivals.
func (a *Aligner) Add(r oracle.Reading) error {
	state := a.state(r.Subject)
	start := r.ObservedAt.Truncate(a.opts.Interval)

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.lastClosed != 0 && start.UnixNano() <= state.lastClosed {
		a.lateTotal.Inc()
		return oracle.ErrWindowClosed
	}

	w, ok := state.open[start.UnixNano()]
	if !ok {
		w = newWindow(r.Subject, start, a.opts.Interval)
		state.open[start.UnixNano()] = w
	}
	w.add(r)
	return nil
}

// CloseDue closes each subject's due windows at now, oldest first, handing
// each to the sink exactly once. Per subject only the due prefix closes: a
// window that became due early via MaxWait stays open until every older
// window of its subject has closed. Subjects are swept in parallel; empty
// windows are discarded because absence of data is not disagreement.
func (a *Aligner) CloseDue(now time.Time) {
	var wg sync.WaitGroup
	for _, subject := range a.subjectIDs() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			a.closeSubject(id, now, false)
		}(subject)
	}
	wg.Wait()
}

// Flush closes every remaining window regardless of deadline. Used on
// shutdown to drain in-flight windows after intake stopped.
func (a *Aligner) Flush() {
	for _, subject := range a.subjectIDs() {
		a.closeSubject(subject, time.Time{}, true)
	}
}

// LateArrivals reports the total count of post-close rejections.
func (a *Aligner) LateArrivals() uint64 {
	return a.lateTotal.Load()
}

func (a *Aligner) closeSubject(subject string, now time.Time, force bool) {
	a.mu.RLock()
	state, ok := a.subjects[subject]
	a.mu.RUnlock()
	if !ok {
		return
	}

	// Handoff order per subject is protected across overlapping sweeps.
	state.processMu.Lock()
	defer state.processMu.Unlock()

	state.mu.Lock()
	keys := make([]int64, 0, len(state.open))
	for key := range state.open {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	// Close only the due prefix, oldest first. A max-wait close must not
	// leapfrog an older open window: that would hand windows to the sink
	// out of interval-start order and advance the watermark past a window
	// still accepting readings.
	due := make([]*Window, 0, len(keys))
	for _, key := range keys {
		w := state.open[key]
		if !force && !w.due(now, a.opts.Grace, a.opts.MaxWait) {
			break
		}
		w.close()
		delete(state.open, key)
		state.lastClosed = key
		due = append(due, w)
	}
	state.mu.Unlock()

	for _, w := range due {
		if w.Size() == 0 {
			a.logger.Debug().Str("subject", w.Subject).Time("start", w.Start).Msg("discarding empty window")
			continue
		}
		a.sink.ProcessWindow(w)
	}
}

func (a *Aligner) state(subject string) *subjectState {
	a.mu.RLock()
	state, ok := a.subjects[subject]
	a.mu.RUnlock()
	if ok {
		return state
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if state, ok = a.subjects[subject]; ok {
		return state
	}
	state = &subjectState{open: make(map[int64]*Window)}
	a.subjects[subject] = state
	return state
}

func (a *Aligner) subjectIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.subjects))
	for id := range a.subjects {
		out = append(out, id)
	}
	return out
}

package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/atomic"

	"oracle-integrity-watch/internal/oracle"
)

// SubjectSpec is the cached per-subject metadata supplied by the source
// registry collaborator at startup. Not a live lookup.
type SubjectSpec struct {
	ID       string
	Kind     oracle.ValueKind
	Scale    decimal.Decimal
	RangeMin *decimal.Decimal
	RangeMax *decimal.Decimal
}

// InRange reports whether a numeric value sits inside the hard valid range.
// Categorical subjects and unbounded subjects always pass.
func (s SubjectSpec) InRange(v oracle.Value) bool {
	if s.Kind != oracle.KindNumeric || v.Kind != oracle.KindNumeric {
		return true
	}
	if s.RangeMin != nil && v.Num.LessThan(*s.RangeMin) {
		return false
	}
	if s.RangeMax != nil && v.Num.GreaterThan(*s.RangeMax) {
		return false
	}
	return true
}

// Source is one registered oracle provider. Counters and status are
// guarded per source so contention never crosses providers.
type Source struct {
	ID            string
	LatencyBudget time.Duration

	accepted atomic.Uint64
	rejected atomic.Uint64
	late     atomic.Uint64
	sequence atomic.Uint64

	mu       sync.Mutex
	active   bool
	online   bool
	failRun  int
	lastSeen time.Time
}

// NextSequence hands out the strictly increasing per-source sequence number.
func (s *Source) NextSequence() uint64 {
	return s.sequence.Inc()
}

// RecordAccept counts a successful delivery and restores the online flag.
// Returns true when the source transitioned offline -> online.
func (s *Source) RecordAccept(at time.Time) bool {
	s.accepted.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRun = 0
	s.lastSeen = at
	if !s.online {
		s.online = true
		return true
	}
	return false
}

// RecordReject counts a failed delivery. Returns true when the consecutive
// failure run reached threshold and the source was flipped offline.
func (s *Source) RecordReject(threshold int) bool {
	s.rejected.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRun++
	if s.online && threshold > 0 && s.failRun >= threshold {
		s.online = false
		return true
	}
	return false
}

// RecordLate counts a post-close arrival without touching the failure run.
func (s *Source) RecordLate() {
	s.late.Inc()
}

// LateCount reports post-close arrivals for this source.
func (s *Source) LateCount() uint64 {
	return s.late.Load()
}

// MarkStale flips the source offline when its liveness deadline lapsed.
// Returns true on an actual transition.
func (s *Source) MarkStale(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online || s.lastSeen.IsZero() || now.Sub(s.lastSeen) < timeout {
		return false
	}
	s.online = false
	return true
}

// Deactivate retires the source. Retained for historical score queries,
// never deleted.
func (s *Source) Deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Usable reports whether intake may accept readings from this source.
func (s *Source) Usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Status snapshots health and rolling success rate.
func (s *Source) Status() oracle.SourceStatus {
	accepted := s.accepted.Load()
	rejected := s.rejected.Load()

	rate := decimal.Zero
	if total := accepted + rejected; total > 0 {
		rate = decimal.NewFromUint64(accepted).
			Div(decimal.NewFromUint64(total)).
			Round(4)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return oracle.SourceStatus{
		Source:      s.ID,
		Online:      s.online,
		Active:      s.active,
		SuccessRate: rate,
		Accepted:    accepted,
		Rejected:    rejected,
	}
}

// Registry caches the known sources and subject specs for the lifetime of
// the process. Registration happens once at startup; lookups are lock-free
// afterwards because the maps are never mutated again.
type Registry struct {
	sources  map[string]*Source
	subjects map[string]SubjectSpec
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{
		sources:  make(map[string]*Source),
		subjects: make(map[string]SubjectSpec),
	}
}

// AddSource registers a provider. Sources start active and online.
func (r *Registry) AddSource(id string, latencyBudget time.Duration) (*Source, error) {
	if id == "" {
		return nil, fmt.Errorf("source id must not be empty")
	}
	if _, exists := r.sources[id]; exists {
		return nil, fmt.Errorf("source %q already registered", id)
	}
	src := &Source{ID: id, LatencyBudget: latencyBudget, active: true, online: true}
	r.sources[id] = src
	return src, nil
}

// AddSubject registers a monitored feed.
func (r *Registry) AddSubject(spec SubjectSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("subject id must not be empty")
	}
	if _, exists := r.subjects[spec.ID]; exists {
		return fmt.Errorf("subject %q already registered", spec.ID)
	}
	if spec.Kind == oracle.KindNumeric && spec.Scale.Sign() <= 0 {
		return fmt.Errorf("subject %q: scale must be positive", spec.ID)
	}
	r.subjects[spec.ID] = spec
	return nil
}

// Source resolves a provider by id.
func (r *Registry) Source(id string) (*Source, bool) {
	src, ok := r.sources[id]
	return src, ok
}

// Subject resolves a feed spec by id.
func (r *Registry) Subject(id string) (SubjectSpec, bool) {
	spec, ok := r.subjects[id]
	return spec, ok
}

// Sources lists registered providers in id order.
func (r *Registry) Sources() []*Source {
	out := make([]*Source, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subjects lists registered feeds in id order.
func (r *Registry) Subjects() []SubjectSpec {
	out := make([]SubjectSpec, 0, len(r.subjects))
	for _, spec := range r.subjects {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

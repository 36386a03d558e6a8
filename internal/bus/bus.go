package bus

import (
	"sync"

	"github.com/rs/zerolog"

	"oracle-integrity-watch/internal/oracle"
)

// Options tune subscriber buffering.
type Options struct {
	// BufferSize bounds each subscriber's undelivered event backlog.
	BufferSize int
}

// Bus fans events out to subscribers. Each subscriber owns a bounded
// buffer; a slow subscriber is dropped with a terminal Overflow event
// instead of ever blocking producers or its peers.
type Bus struct {
	opts   Options
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Subscription is one consumer's live feed.
type Subscription struct {
	bus      *Bus
	ch       chan oracle.Event
	subjects map[string]struct{} // nil means all subjects
	closed   bool
}

// New constructs a Bus.
func New(opts Options, logger zerolog.Logger) *Bus {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	return &Bus{
		opts:   opts,
		logger: logger.With().Str("component", "bus").Logger(),
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a consumer for the given subjects, or for everything
// when no subject is named. Events arrive in production order.
func (b *Bus) Subscribe(subjects ...string) *Subscription {
	sub := &Subscription{
		bus: b,
		// One slot past the advertised buffer is reserved for the
		// terminal Overflow event.
		ch: make(chan oracle.Event, b.opts.BufferSize+1),
	}
	if len(subjects) > 0 {
		sub.subjects = make(map[string]struct{}, len(subjects))
		for _, s := range subjects {
			sub.subjects[s] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers an event to every matching subscriber. Never blocks:
// a subscriber whose buffer is full receives Overflow and is dropped.
func (b *Bus) Publish(ev oracle.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !sub.matches(ev) {
			continue
		}
		if len(sub.ch) >= b.opts.BufferSize {
			delete(b.subs, sub)
			sub.closed = true
			sub.ch <- oracle.NewOverflowEvent()
			close(sub.ch)
			b.logger.Warn().Int("buffer", b.opts.BufferSize).Msg("subscriber dropped on overflow")
			continue
		}
		sub.ch <- ev
	}
}

// SubscriberCount reports live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// C is the subscriber's receive channel. It is closed after a terminal
// Overflow event or after Close.
func (s *Subscription) C() <-chan oracle.Event {
	return s.ch
}

// Close unsubscribes. Safe to call once per subscription; buffered events
// remain readable until the channel drains.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s)
	close(s.ch)
}

// matches applies the subject filter. Events without a subject, such as
// source status transitions, reach every subscriber.
func (s *Subscription) matches(ev oracle.Event) bool {
	if s.subjects == nil || ev.Subject == "" {
		return true
	}
	_, ok := s.subjects[ev.Subject]
	return ok
}

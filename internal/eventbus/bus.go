// Package eventbus is an in-process pub/sub with gap-free sequence numbers,
// a bounded replay window and a batching consumer.
package eventbus

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"device-relay/internal/domain"
)

const DefaultRetention = 1000

// Handler is called synchronously from Emit, in subscription order, while
// the bus dispatch lock is held. A handler may unsubscribe itself or others
// but must not call Emit on the same bus.
type Handler func(domain.Event)

// Filter selects events for EventsSince and CollectBatch. Nil matches all.
type Filter func(domain.Event) bool

// Hint is a routing key attached to an event, e.g. sessionId.
type Hint struct {
	Key   string
	Value string
}

func Route(key, value string) Hint { return Hint{Key: key, Value: value} }

type Metrics interface {
	ObserveBusEvent(eventType string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveBusEvent(string) {}

type Options struct {
	// Retention is the number of events kept for replay.
	Retention int
	// MaxAge additionally drops retained events older than this. Zero disables.
	MaxAge  time.Duration
	Logger  *zerolog.Logger
	Metrics Metrics
}

type subscriber struct {
	id      uint64
	handler Handler
	removed bool // guarded by Bus.mu
}

// Bus owns its sequence counter and retention ring. The counter starts at
// zero, the first event gets sequence 1, and it never resets.
type Bus struct {
	retention int
	maxAge    time.Duration
	logger    *zerolog.Logger
	metrics   Metrics
	now       func() time.Time

	// serializes Emit so every subscriber sees strictly increasing sequences
	dispatchMu sync.Mutex

	mu      sync.Mutex
	seq     uint64
	ring    []domain.Event // oldest first
	subs    []*subscriber
	nextSub uint64
}

func New(opts Options) *Bus {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	m := opts.Metrics
	if m == nil {
		m = noopMetrics{}
	}
	return &Bus{
		retention: opts.Retention,
		maxAge:    opts.MaxAge,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
		ring:      make([]domain.Event, 0, min(opts.Retention, 256)),
	}
}

// Emit assigns the next sequence, retains the event and notifies every
// current subscriber before returning.
func (b *Bus) Emit(eventType string, data any, hints ...Hint) domain.Event {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	b.mu.Lock()
	b.seq++
	ev := domain.Event{
		Sequence:  b.seq,
		Type:      eventType,
		Data:      data,
		Timestamp: b.now(),
	}
	if len(hints) > 0 {
		ev.Route = make(map[string]string, len(hints))
		for _, h := range hints {
			ev.Route[h.Key] = h.Value
		}
	}
	b.ring = append(b.ring, ev)
	if over := len(b.ring) - b.retention; over > 0 {
		b.ring = append(b.ring[:0], b.ring[over:]...)
	}
	b.pruneLocked()
	subs := append([]*subscriber(nil), b.subs...)
	b.mu.Unlock()

	b.metrics.ObserveBusEvent(eventType)
	for _, s := range subs {
		if b.isRemoved(s) {
			continue
		}
		s.handler(ev)
	}
	return ev
}

func (b *Bus) isRemoved(s *subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return s.removed
}

// Subscribe registers h and returns its unsubscribe function. Unsubscribe is
// idempotent and takes effect immediately, even mid-dispatch.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextSub++
	s := &subscriber{id: b.nextSub, handler: h}
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return func() { b.unsubscribe(s) }
}

func (b *Bus) unsubscribe(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.removed {
		return
	}
	s.removed = true
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
}

// Subscribers reports how many handlers are registered.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// LastSequence is the sequence of the most recent event, 0 before the first.
func (b *Bus) LastSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// EventsSince returns retained events with Sequence > seq that match filter,
// in ascending order. complete is false when seq predates the retention
// window; the result is then empty and the caller may have missed events.
func (b *Bus) EventsSince(seq uint64, filter Filter) (events []domain.Event, complete bool) {
	b.mu.Lock()
	b.pruneLocked()
	oldest := b.seq + 1
	if len(b.ring) > 0 {
		oldest = b.ring[0].Sequence
	}
	if seq+1 < oldest {
		b.mu.Unlock()
		return []domain.Event{}, false
	}
	window := append([]domain.Event(nil), b.ring...)
	b.mu.Unlock()

	events = make([]domain.Event, 0)
	for _, ev := range window {
		if ev.Sequence <= seq {
			continue
		}
		if filter != nil && !filter(ev) {
			continue
		}
		events = append(events, ev)
	}
	return events, true
}

func (b *Bus) pruneLocked() {
	if b.maxAge <= 0 || len(b.ring) == 0 {
		return
	}
	cutoff := b.now().Add(-b.maxAge)
	i := 0
	for i < len(b.ring) && b.ring[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.ring = append(b.ring[:0], b.ring[i:]...)
	}
}

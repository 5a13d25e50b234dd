package pubsub

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// FilterAny matches every filter key published for an event.
const FilterAny = ^uint64(0)

// DefaultQueueSize bounds each subscriber's buffer. A slow subscriber
// loses its oldest events rather than stalling the publisher.
const DefaultQueueSize = 256

// Event is a single notification produced by command application.
type Event struct {
	SmID    uint64
	FnID    uint64
	Filter  uint64
	Payload []byte
}

type subKey struct {
	smID uint64
	fnID uint64
}

// Subscription is one subscriber's bounded feed of matching events.
type Subscription struct {
	id      string
	key     subKey
	filter  uint64
	ch      chan Event
	dropped uint64
	bus     *Bus
	mu      sync.Mutex
	closed  bool
}

// EventStream is a live feed of events: a local Subscription or a
// remote stream carried over RPC.
type EventStream interface {
	// Recv blocks for the next event; io.EOF signals teardown.
	Recv() (*Event, error)
	Close() error
}

// C returns the event feed. The channel is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Recv blocks until the next event, returning io.EOF once the
// subscription is closed. It makes *Subscription usable wherever an
// EventStream is expected.
func (s *Subscription) Recv() (*Event, error) {
	ev, ok := <-s.ch
	if !ok {
		return nil, io.EOF
	}
	return &ev, nil
}

// Dropped returns how many events were discarded because the subscriber
// fell behind.
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close removes the subscription from the bus and closes the feed.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.bus.remove(s)
	return nil
}

// Bus fans events out to subscribers keyed by (sm_id, fn_id, filter).
// Delivery is best-effort asynchronous: events are enqueued per
// subscriber in publish order, and publishing never blocks. The
// per-key subscriber lists are copy-on-write so publication iterates
// without holding the registry lock.
type Bus struct {
	mu        sync.Mutex
	subs      map[subKey][]*Subscription
	queueSize int
}

func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[subKey][]*Subscription),
		queueSize: queueSize,
	}
}

// Subscribe registers interest in (smID, fnID) events whose filter key
// equals filter, or in all of them when filter is FilterAny.
func (b *Bus) Subscribe(smID, fnID, filter uint64) *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		key:    subKey{smID: smID, fnID: fnID},
		filter: filter,
		ch:     make(chan Event, b.queueSize),
		bus:    b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.subs[sub.key]
	next := make([]*Subscription, len(existing), len(existing)+1)
	copy(next, existing)
	b.subs[sub.key] = append(next, sub)

	return sub
}

// Publish delivers ev to every matching subscriber. Called from the
// apply path after the state lock is released; per-subscriber order is
// publish order because the apply path is serial.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := b.subs[subKey{smID: ev.SmID, fnID: ev.FnID}]
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.filter != FilterAny && sub.filter != ev.Filter {
			continue
		}
		sub.enqueue(ev)
	}
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- ev:
		return
	default:
	}

	// Full: drop the oldest to make room.
	select {
	case <-s.ch:
		atomic.AddUint64(&s.dropped, 1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.subs[sub.key]
	next := make([]*Subscription, 0, len(existing))
	for _, s := range existing {
		if s.id != sub.id {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.subs, sub.key)
	} else {
		b.subs[sub.key] = next
	}
}

// NumSubscribers reports the subscriber count for a key, mainly for
// tests and introspection.
func (b *Bus) NumSubscribers(smID, fnID uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[subKey{smID: smID, fnID: fnID}])
}

package events

import (
	"fmt"
	"sync"

	"streamline/internal/domain"
)

// Bus is the in-process publish point for committed store events. Publish
// never blocks: a subscriber whose buffer is full misses the event, which
// keeps slow consumers from stalling mutations or each other.
type Bus struct {
	mu      sync.Mutex
	subs    map[*Subscriber]struct{}
	maxSubs int
	closed  bool
}

type Subscriber struct {
	C   chan domain.Event
	bus *Bus
}

const DefaultMaxSubscribers = 256

func NewBus(maxSubscribers int) *Bus {
	if maxSubscribers <= 0 {
		maxSubscribers = DefaultMaxSubscribers
	}
	return &Bus{subs: map[*Subscriber]struct{}{}, maxSubs: maxSubscribers}
}

// Subscribe registers a listener with the given channel buffer.
func (b *Bus) Subscribe(buffer int) (*Subscriber, error) {
	if buffer <= 0 {
		buffer = 16
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}
	if len(b.subs) >= b.maxSubs {
		return nil, fmt.Errorf("subscriber limit %d reached", b.maxSubs)
	}
	s := &Subscriber{C: make(chan domain.Event, buffer), bus: b}
	b.subs[s] = struct{}{}
	return s, nil
}

// Close unregisters the subscriber and closes its channel. Idempotent.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; !ok {
		return
	}
	delete(s.bus.subs, s)
	close(s.C)
}

// Publish delivers the event to every subscriber with buffer room.
func (b *Bus) Publish(e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		select {
		case s.C <- e:
		default:
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.C)
	}
}

// Package feed ingests the external trade stream and fans it out to
// in-process subscribers.
package feed

import (
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/metrics"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Broadcaster delivers every published trade to every subscriber. A
// subscriber whose buffer is full misses the event; the miss is counted on
// its Subscription instead of blocking the publisher.
type Broadcaster struct {
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBroadcaster creates a Broadcaster. A non-positive buffer selects
// DefaultBuffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{buffer: buffer, subs: make(map[uint64]*Subscription)}
}

// Subscription is one receiver of the broadcast.
type Subscription struct {
	// C receives trades. It is closed by Close or Broadcaster.Close.
	C <-chan domain.TradeEvent

	ch     chan domain.TradeEvent
	id     uint64
	b      *Broadcaster
	lagged atomic.Uint64
	once   sync.Once
}

// Subscribe registers a new subscriber. Subscribing to a closed
// Broadcaster returns an already-closed Subscription.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan domain.TradeEvent, b.buffer)
	s := &Subscription{C: ch, ch: ch, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(ch) })
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Publish offers ev to every subscriber without blocking.
func (b *Broadcaster) Publish(ev domain.TradeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.lagged.Add(1)
			metrics.FeedLagged.Inc()
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later Publish calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
}

// Lagged returns how many events this subscriber has missed in total.
func (s *Subscription) Lagged() uint64 {
	return s.lagged.Load()
}

// TakeLagged returns the misses since the previous call and resets them.
func (s *Subscription) TakeLagged() uint64 {
	return s.lagged.Swap(0)
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}

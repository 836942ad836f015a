package effectstream

import (
	"sync"

	"swarmview/mirror/internal/reconcile"
)

// DefaultSubscriberBuffer bounds how far a subscriber may fall behind.
const DefaultSubscriberBuffer = 64

// Broadcaster fans published batches out to subscribers. A subscriber whose
// buffer is full is dropped and its channel closed; Lagged then reports true.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

type subscriber struct {
	ch     chan reconcile.Batch
	lagged bool
}

// Subscription is one consumer of the broadcast.
type Subscription struct {
	C      <-chan reconcile.Batch
	id     uint64
	sub    *subscriber
	parent *Broadcaster
}

// NewBroadcaster constructs an empty fan-out.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a consumer with the given buffer size.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan reconcile.Batch, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	if b.closed {
		close(sub.ch)
	} else {
		b.subs[b.nextID] = sub
	}
	return &Subscription{C: sub.ch, id: b.nextID, sub: sub, parent: b}
}

// Publish implements driver.Publisher. It never blocks.
func (b *Broadcaster) Publish(batch reconcile.Batch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		select {
		case sub.ch <- batch:
		default:
			sub.lagged = true
			close(sub.ch)
			delete(b.subs, id)
		}
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Cancel unsubscribes. Safe to call more than once.
func (s *Subscription) Cancel() {
	b := s.parent
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.subs[s.id]; ok && current == s.sub {
		close(s.sub.ch)
		delete(b.subs, s.id)
	}
}

// Lagged reports whether the subscription was dropped for falling behind.
func (s *Subscription) Lagged() bool {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	return s.sub.lagged
}

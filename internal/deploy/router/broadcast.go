package router

import (
	"sync"

	"github.com/deployengine/core/internal/deploy/capability"
	"github.com/deployengine/core/pkg/opsserver"
)

// ringBufferSize bounds each subscriber's private channel. A subscriber
// whose channel is full misses entries rather than stalling the sender,
// per spec.md §4.3/§5: the broadcast channel never blocks.
const ringBufferSize = 256

// Broadcast is an in-process fan-out with per-subscriber ring buffers and
// lag-drop semantics. Grounded on pkg/pgnotify.Bus's goroutine/ctx/wg
// subscriber-map idiom, adapted from cross-process LISTEN/NOTIFY dispatch
// to a non-blocking per-subscriber send since this fan-out never leaves
// the process.
type Broadcast struct {
	mu          sync.RWMutex
	subscribers map[int]chan capability.LogEntry
	nextID      int
}

// NewBroadcast returns an empty fan-out.
func NewBroadcast() *Broadcast {
	return &Broadcast{subscribers: make(map[int]chan capability.LogEntry)}
}

// Subscription is a live handle a caller reads log entries from until it
// unsubscribes.
type Subscription struct {
	id   int
	ch   chan capability.LogEntry
	bus  *Broadcast
}

// C exposes the subscription's channel for range/select.
func (s *Subscription) C() <-chan capability.LogEntry { return s.ch }

// Close unsubscribes and releases the channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s.id)
	s.bus.mu.Unlock()
}

// Subscribe registers a new live subscriber.
func (b *Broadcast) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan capability.LogEntry, ringBufferSize)
	b.subscribers[id] = ch
	return &Subscription{id: id, ch: ch, bus: b}
}

// Publish fans log out to every subscriber. A subscriber whose buffer is
// full is skipped for this entry (ignore send failures, per spec.md §4.3) —
// it is never blocked on, and it is not closed; it simply misses entries
// until it drains.
func (b *Broadcast) Publish(log capability.LogEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- log:
		default:
			opsserver.RecordBroadcastDrop()
		}
	}
}

// SubscriberCount reports how many live subscribers are attached, for
// metrics.
func (b *Broadcast) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

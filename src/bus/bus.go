package bus

import (
	"sync"
)

// -----------------------------------------------------------------------------
// Event topics published by the feed layer and consumed per-session.
// -----------------------------------------------------------------------------

const (
	TopicTickerUpdate     = "ticker.update"
	TopicCandleTick       = "candle.tick"
	TopicCandleClosed     = "candle.closed"
	TopicFeedDisconnected = "feed.disconnected"
)

// -----------------------------------------------------------------------------

// Listener is a registered callback handle. Dispose removes it; once
// Dispose returns, the callback will not be invoked again.
type Listener struct {
	bus   *Bus
	topic string
	id    uint64
	fn    func(payload interface{})
}

// Dispose unregisters the listener. Safe to call more than once.
func (l *Listener) Dispose() {
	l.bus.remove(l.topic, l.id)
}

// -----------------------------------------------------------------------------

// Bus is an in-process topic pub/sub. Publish dispatches synchronously
// while holding the read lock, so Dispose (which takes the write lock)
// gives subscribers a happens-before guarantee: no callback runs after
// Dispose has returned.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[string]map[uint64]*Listener
}

// -----------------------------------------------------------------------------

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[string]map[uint64]*Listener),
	}
}

// -----------------------------------------------------------------------------

// Subscribe registers fn for the topic and returns its handle.
func (b *Bus) Subscribe(topic string, fn func(payload interface{})) *Listener {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	l := &Listener{bus: b, topic: topic, id: b.nextID, fn: fn}

	if b.listeners[topic] == nil {
		b.listeners[topic] = make(map[uint64]*Listener)
	}
	b.listeners[topic][l.id] = l
	return l
}

// -----------------------------------------------------------------------------

// Publish invokes every listener on the topic with the payload.
// Callbacks must not call Subscribe or Dispose on the same bus.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, l := range b.listeners[topic] {
		l.fn(payload)
	}
}

// -----------------------------------------------------------------------------

// ListenerCount reports the number of live listeners on a topic.
func (b *Bus) ListenerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[topic])
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if m := b.listeners[topic]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(b.listeners, topic)
		}
	}
}

package vm

import (
	"sync"
	"time"
)

// Event describes one committed state transition.
type Event struct {
	MachineID string
	Name      string
	Old       State
	New       State
	// Err is the engine error behind the transition, if any.
	Err  error
	Time time.Time
}

// Broker fans committed transitions out to subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Broker struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	closed  bool
	metrics *Metrics
}

// NewBroker returns a Broker. metrics may be nil.
func NewBroker(metrics *Metrics) *Broker {
	return &Broker{
		subs:    make(map[int]chan Event),
		metrics: metrics,
	}
}

// Subscribe registers a subscriber with the given channel buffer. The
// returned function unsubscribes and closes the channel.
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers ev to every subscriber that has room for it.
func (b *Broker) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.metrics.droppedEvent()
		}
	}
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

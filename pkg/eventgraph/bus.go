package eventgraph

import (
	"github.com/algorand/go-deadlock"
)

// Bus is an in-process fan-out of committed events. Ledgers publish after
// their store commit succeeds, so subscribers never see uncommitted events.
type Bus struct {
	mu   deadlock.RWMutex
	subs map[chan *Event]struct{}
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan *Event]struct{})}
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e *Event) {
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// subscriber is behind; it can catch up with Since
		}
	}
	b.mu.RUnlock()
}

// Subscribe returns a buffered channel that receives all new events.
func (b *Bus) Subscribe() chan *Event {
	ch := make(chan *Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// NopPublisher drops events.
type NopPublisher struct{}

func (NopPublisher) Publish(*Event) {}

// Publishers fans one event out to several publishers in order.
type Publishers []Publisher

func (ps Publishers) Publish(e *Event) {
	for _, p := range ps {
		p.Publish(e)
	}
}

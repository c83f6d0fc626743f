package events

import "sync"

const defaultBuffer = 64

// Subscriber is one listener's handle on the broadcast stream. Events
// arrives in publish order; the channel is closed on unsubscribe, eviction,
// or broadcaster shutdown.
type Subscriber struct {
	ch chan Event
}

// Events returns the subscriber's receive channel.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Broadcaster fans events out to all current subscribers. A subscriber that
// cannot accept a push (full buffer, already gone) is evicted on the spot;
// one misbehaving listener never stalls the others and Publish never fails.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
	buffer      int
	closed      bool
}

// NewBroadcaster creates a Broadcaster whose subscribers buffer up to
// buffer events each. buffer <= 0 selects the default.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broadcaster{
		subscribers: make(map[*Subscriber]struct{}),
		buffer:      buffer,
	}
}

// Subscribe registers a new listener. The subscriber sees only events
// published after this call returns.
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the listener and closes its channel. Unsubscribing a
// subscriber that was already evicted is a no-op.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub)
}

// Publish delivers the event to every live subscriber. Subscribers whose
// buffer is full are evicted rather than waited on.
func (b *Broadcaster) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			b.remove(sub)
		}
	}
}

// Count returns the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close evicts all subscribers and rejects future publishes.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		b.remove(sub)
	}
}

// remove must be called with b.mu held.
func (b *Broadcaster) remove(sub *Subscriber) {
	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub.ch)
}

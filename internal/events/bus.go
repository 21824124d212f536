package events

import (
	"sync"
)

const defaultBufSize = 256

// Bus is a channel-based pub-sub bus with per-topic subscriptions and
// SubscribeAll for cross-topic consumers.
type Bus struct {
	bufSize int

	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event
	closed  bool
}

// NewBus creates an empty bus. bufSize is the buffer applied to
// subscribers that do not pick their own; <= 0 selects 256.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	return &Bus{
		bufSize: bufSize,
		subs:    make(map[string][]chan Event),
		allSubs: make([]chan Event, 0),
	}
}

// Subscribe registers a subscriber for one topic. The returned channel
// receives every event published to that topic until the bus is closed
// or the channel is unsubscribed. bufSize <= 0 selects the bus default.
func (b *Bus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := b.newSubChan(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll registers a subscriber that receives events from every
// topic on a single channel.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	ch := b.newSubChan(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Unsubscribe removes a channel returned by Subscribe or SubscribeAll
// and closes it. Unknown channels are ignored.
func (b *Bus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for topic, channels := range b.subs {
		if pruned, found := remove(channels, sub); found {
			b.subs[topic] = pruned
			return
		}
	}
	if pruned, found := remove(b.allSubs, sub); found {
		b.allSubs = pruned
	}
}

// Publish delivers an event to every subscriber of the topic and to
// every SubscribeAll subscriber. Delivery is non-blocking: if a
// subscriber's buffer is full the event is dropped for that subscriber.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		offer(ch, event)
	}
	for _, ch := range b.allSubs {
		offer(ch, event)
	}
}

// Close closes the bus and every subscriber channel. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}

func (b *Bus) newSubChan(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = b.bufSize
	}
	return make(chan Event, bufSize)
}

func offer(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		// Subscriber buffer full; the event is dropped rather than
		// stalling the publisher.
	}
}

func remove(channels []chan Event, sub <-chan Event) ([]chan Event, bool) {
	for i, ch := range channels {
		if ch == sub {
			close(ch)
			return append(channels[:i], channels[i+1:]...), true
		}
	}
	return channels, false
}

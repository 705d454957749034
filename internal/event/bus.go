package event

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Bus is a lightweight fan-out for orchestrator events. Subscribers register
// a callback and receive every emitted event in registration order, on the
// emitter's goroutine. Subscribers must not block: adapters that render
// slowly should subscribe through a ChannelSubscriber.
type Bus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a callback for all future events.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Emit delivers the event to every subscriber in registration order.
// A zero Timestamp is stamped with the current time.
func (b *Bus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(e)
	}
}

// ChannelSubscriber adapts the bus's callback delivery to a bounded channel
// so a slow consumer (a TUI, a log writer) can absorb bursts without
// blocking emitters. Events that cannot be buffered within a short grace
// period are dropped and counted.
type ChannelSubscriber struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewChannelSubscriber creates a subscriber with the given buffer size and
// registers it on the bus.
func NewChannelSubscriber(bus *Bus, bufferSize int) *ChannelSubscriber {
	s := &ChannelSubscriber{
		events: make(chan Event, bufferSize),
	}
	bus.Subscribe(s.offer)
	return s
}

// offer attempts to enqueue the event, briefly waiting for the consumer to
// drain before dropping.
func (s *ChannelSubscriber) offer(e Event) {
	select {
	case s.events <- e:
		return
	default:
	}

	select {
	case s.events <- e:
	case <-time.After(100 * time.Millisecond):
		count := s.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam
			log.Printf("[event] WARNING: subscriber channel full, dropped event (total dropped: %d): type=%s", count, e.Type)
		}
	}
}

// Events returns the read side of the subscriber's channel.
func (s *ChannelSubscriber) Events() <-chan Event {
	return s.events
}

// DroppedCount returns the total number of events dropped so far.
func (s *ChannelSubscriber) DroppedCount() uint64 {
	return s.droppedCount.Load()
}

package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.Subscribe(func(Event) { order = append(order, "first") })
	bus.Subscribe(func(Event) { order = append(order, "second") })

	bus.Emit(Event{Type: Log, Message: "hello"})
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestEmitStampsZeroTimestamp(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(func(e Event) { got = e })

	bus.Emit(Event{Type: Log})
	assert.False(t, got.Timestamp.IsZero())

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.Emit(Event{Type: Log, Timestamp: fixed})
	assert.Equal(t, fixed, got.Timestamp, "explicit timestamps pass through")
}

func TestEmitWithoutSubscribers(t *testing.T) {
	assert.NotPanics(t, func() {
		NewBus().Emit(Event{Type: Log})
	})
}

func TestChannelSubscriberBuffers(t *testing.T) {
	bus := NewBus()
	sub := NewChannelSubscriber(bus, 4)

	bus.Emit(Event{Type: Log, Message: "one"})
	bus.Emit(Event{Type: Log, Message: "two"})

	e := <-sub.Events()
	assert.Equal(t, "one", e.Message)
	e = <-sub.Events()
	assert.Equal(t, "two", e.Message)
	assert.Equal(t, uint64(0), sub.DroppedCount())
}

func TestChannelSubscriberDropsWhenFull(t *testing.T) {
	bus := NewBus()
	sub := NewChannelSubscriber(bus, 1)

	bus.Emit(Event{Type: Log, Message: "kept"})
	// Nobody drains: the second emit must give up after the grace period
	// instead of blocking the emitter forever.
	done := make(chan struct{})
	go func() {
		bus.Emit(Event{Type: Log, Message: "dropped"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a full subscriber channel")
	}
	assert.Equal(t, uint64(1), sub.DroppedCount())

	e := <-sub.Events()
	require.Equal(t, "kept", e.Message)
}

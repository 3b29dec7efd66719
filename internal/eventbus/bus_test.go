package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeDelivers(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("it1")
	defer sub.Unsubscribe()

	bus.Publish(Event{Family: FamilyPatch, Type: "patch_applied", ItineraryID: "it1"})

	select {
	case evt := <-sub.Events():
		assert.Equal(t, "patch_applied", evt.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestNoReplayBeforeSubscribe(t *testing.T) {
	bus := New()
	bus.Publish(Event{Type: "agent-progress", ItineraryID: "it1"})

	sub := bus.Subscribe("it1")
	defer sub.Unsubscribe()

	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected replayed event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
		// expected: nothing delivered
	}
}

func TestDropOldestMarksLossy(t *testing.T) {
	bus := New(WithBufferSize(2))
	sub := bus.Subscribe("it1")
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: "agent-progress", ItineraryID: "it1", Payload: i})
	}

	assert.True(t, sub.Lossy())

	// buffer holds only the newest 2 of the 5 published
	var got []interface{}
drain:
	for {
		select {
		case evt := <-sub.Events():
			got = append(got, evt.Payload)
		default:
			break drain
		}
	}
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0])
	assert.Equal(t, 4, got[1])
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("it1")
	sub.Unsubscribe()
	assert.NotPanics(t, func() { sub.Unsubscribe() })
}

func TestIdleChannelReaped(t *testing.T) {
	bus := New(WithIdleWindow(20 * time.Millisecond))
	sub := bus.Subscribe("it1")
	sub.Unsubscribe()

	time.Sleep(50 * time.Millisecond)

	bus.mu.Lock()
	_, exists := bus.channels["it1"]
	bus.mu.Unlock()
	assert.False(t, exists)
}

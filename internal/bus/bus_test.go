package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSyncDelivers(t *testing.T) {
	b := NewEventBus()

	var mu sync.Mutex
	var got []Event
	b.Subscribe(EventTypeTurnFinalized, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	b.PublishSync(Event{Type: EventTypeTurnFinalized, Data: map[string]any{"turnID": "m1"}})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].Data["turnID"])
}

func TestPublishIsAsync(t *testing.T) {
	b := NewEventBus()

	done := make(chan struct{})
	b.Subscribe(EventTypePlaybackStarted, func(Event) { close(done) })

	b.Publish(Event{Type: EventTypePlaybackStarted})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestSubscribeMultiple(t *testing.T) {
	b := NewEventBus()

	var mu sync.Mutex
	seen := map[EventType]int{}
	b.SubscribeMultiple([]EventType{EventTypeConnected, EventTypeDisconnected}, func(ev Event) {
		mu.Lock()
		seen[ev.Type]++
		mu.Unlock()
	})

	b.PublishSync(Event{Type: EventTypeConnected})
	b.PublishSync(Event{Type: EventTypeDisconnected})
	b.PublishSync(Event{Type: EventTypeAlert}) // not subscribed

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen[EventTypeConnected])
	assert.Equal(t, 1, seen[EventTypeDisconnected])
	assert.Len(t, seen, 2)
}

func TestClearDropsHandlers(t *testing.T) {
	b := NewEventBus()

	called := false
	b.Subscribe(EventTypeAlert, func(Event) { called = true })
	b.Clear()
	b.PublishSync(Event{Type: EventTypeAlert})

	assert.False(t, called)
}

package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_SubscribePublish(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{})

	bus.Subscribe(EventStopUpdated, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		close(done)
	})

	bus.PublishStopUpdated("pos-1", 96, 100, 1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 1)
	assert.Equal(t, EventStopUpdated, got[0].Type)
	assert.Equal(t, "pos-1", got[0].Data["position_id"])
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestEventBus_SubscribeAll(t *testing.T) {
	bus := NewEventBus()

	events := make(chan Event, 2)
	bus.SubscribeAll(func(e Event) { events <- e })

	bus.PublishRiskPause("drawdown limit breached", []string{"strat1", "strat2"}, true)
	bus.PublishPositionExit("pos-2", 100, 95)

	seen := map[EventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			seen[e.Type] = true
		case <-time.After(time.Second):
			t.Fatal("missing events")
		}
	}
	assert.True(t, seen[EventRiskPause])
	assert.True(t, seen[EventPositionExit])
}

func TestEventBus_TypeIsolation(t *testing.T) {
	bus := NewEventBus()

	wrong := make(chan Event, 1)
	bus.Subscribe(EventConsensusDecision, func(e Event) { wrong <- e })

	bus.PublishRiskPause("per-strategy drawdown", []string{"strat1"}, false)

	select {
	case <-wrong:
		t.Fatal("subscriber received an event of another type")
	case <-time.After(50 * time.Millisecond):
	}
}

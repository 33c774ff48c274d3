package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var got collector
	unsub := bus.Subscribe(got.add, EventRunCompleted)
	defer unsub()

	bus.Publish(Event{Type: EventRunStarted, RunID: "r1"})
	bus.Publish(Event{Type: EventRunCompleted, RunID: "r1", WorkspaceID: 7, Data: map[string]any{"status": "ok"}})

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	e := got.snapshot()[0]
	assert.Equal(t, EventRunCompleted, e.Type)
	assert.Equal(t, int64(7), e.WorkspaceID)
	assert.Equal(t, "ok", e.Data["status"])
	assert.False(t, e.Timestamp.IsZero())
}

func TestBus_SubscribeAllTypes(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var got collector
	bus.Subscribe(got.add)
	for _, typ := range []EventType{EventRunStarted, EventStageCompleted, EventRunCompleted} {
		bus.Publish(Event{Type: typ})
	}
	require.Eventually(t, func() bool { return len(got.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestBus_NonBlockingDropsWhenFull(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	release := make(chan struct{})
	unsub := bus.Subscribe(func(Event) { <-release }, EventStageCompleted)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for range 50 {
			bus.Publish(Event{Type: EventStageCompleted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(release)
	assert.Positive(t, bus.Dropped(EventStageCompleted))
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var got collector
	unsub := bus.Subscribe(got.add, EventRunStarted)
	unsub()
	unsub()
	bus.Publish(Event{Type: EventRunStarted})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got.snapshot())
}

func TestBus_PanicInSubscriberDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var got collector
	bus.Subscribe(func(e Event) {
		if e.RunID == "bad" {
			panic("subscriber failure")
		}
		got.add(e)
	}, EventRunCompleted)

	bus.Publish(Event{Type: EventRunCompleted, RunID: "bad"})
	bus.Publish(Event{Type: EventRunCompleted, RunID: "good"})
	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "good", got.snapshot()[0].RunID)
}

func BenchmarkBus_Publish(b *testing.B) {
	bus := NewBus(1000)
	defer bus.Close()
	bus.Subscribe(func(Event) {})
	e := Event{Type: EventStageCompleted, Data: map[string]any{"stage": "resolve"}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(e)
	}
}

package events

import (
	"sync"
	"time"
)

// EventType names a pipeline lifecycle event.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventStageCompleted EventType = "stage_completed"
	EventRunCompleted   EventType = "run_completed"
)

// Event is one lifecycle notification of a pipeline run.
type Event struct {
	Type        EventType
	RunID       string
	WorkspaceID int64
	Timestamp   time.Time
	Data        map[string]any
}

// Subscriber receives events on its own goroutine.
type Subscriber func(Event)

// Publisher is the side of the Bus the pipeline depends on.
type Publisher interface {
	Publish(e Event)
}

// Bus is a non-blocking pub/sub bus. Each subscriber owns a buffered channel;
// when it is full the event is dropped for that subscriber only.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	dropped     map[EventType]int
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		dropped:     make(map[EventType]int),
	}
}

// Subscribe registers fn for the given types (all types when none are given)
// and returns an unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	if len(types) == 0 {
		types = []EventType{EventRunStarted, EventStageCompleted, EventRunCompleted}
	}

	b.mu.Lock()
	ch := make(chan Event, b.bufferSize)
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}
	b.mu.Unlock()

	go func() {
		for e := range ch {
			deliver(fn, e)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			removed := false
			for _, t := range types {
				subs := b.subscribers[t]
				for i, c := range subs {
					if c == ch {
						b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
						removed = true
						break
					}
				}
			}
			if removed {
				close(ch)
			}
		})
	}
}

func deliver(fn Subscriber, e Event) {
	defer func() { _ = recover() }()
	fn(e)
}

// Publish stamps the event time when unset and fans it out without blocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	subs := b.subscribers[e.Type]
	var drops int
	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			drops++
		}
	}
	b.mu.RUnlock()

	if drops > 0 {
		b.mu.Lock()
		b.dropped[e.Type] += drops
		b.mu.Unlock()
	}
}

// Dropped reports how many deliveries of type t were dropped on full buffers.
func (b *Bus) Dropped(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[t]
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed := make(map[chan Event]bool)
	for t, subs := range b.subscribers {
		for _, ch := range subs {
			if !closed[ch] {
				close(ch)
				closed[ch] = true
			}
		}
		delete(b.subscribers, t)
	}
}

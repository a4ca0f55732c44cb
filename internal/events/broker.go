// Package events provides an in-process pub/sub broker for task lifecycle
// events, consumed by the web server's SSE endpoint.
package events

import (
	"sync"
	"time"
)

const (
	defaultBufferSize       = 200
	defaultSubscriberBuffer = 50
)

// Event types published by the worker pool and sweepers.
const (
	TypePopped    = "task_popped"
	TypeCompleted = "task_completed"
	TypeRetrying  = "task_retrying"
	TypeFailed    = "task_failed"
	TypeReclaimed = "task_reclaimed"
)

type Event struct {
	Timestamp time.Time `json:"ts"`
	Level     string    `json:"level"`
	Type      string    `json:"type"`
	Message   string    `json:"msg"`
	TaskID    string    `json:"task_id,omitempty"`
	TaskType  string    `json:"task_type,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
}

type Publisher interface {
	Publish(Event)
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}

// Broker fans events out to subscribers and retains a bounded replay buffer
// so late subscribers see recent history.
type Broker struct {
	mu        sync.RWMutex
	subs      map[int]chan Event
	nextID    int
	buffer    []Event
	bufferCap int
}

func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Broker{
		subs:      map[int]chan Event{},
		bufferCap: bufferSize,
	}
}

func (b *Broker) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.Lock()
	if len(b.buffer) < b.bufferCap {
		b.buffer = append(b.buffer, event)
	} else {
		copy(b.buffer, b.buffer[1:])
		b.buffer[len(b.buffer)-1] = event
	}
	subs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	// Slow subscribers drop events rather than block publishers.
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a live event channel, a cancel function, and a snapshot
// of the replay buffer.
func (b *Broker) Subscribe() (<-chan Event, func(), []Event) {
	ch := make(chan Event, defaultSubscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	snapshot := make([]Event, len(b.buffer))
	copy(snapshot, b.buffer)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel, snapshot
}

// Package core implements federation admission control.
package core

import (
	"sync"
	"time"
)

// EventKind classifies admission events.
type EventKind string

const (
	EventAdmitted   EventKind = "admitted"
	EventSlept      EventKind = "slept"
	EventRejected   EventKind = "rejected"
	EventJoinDenied EventKind = "join_denied"
	EventLeftRoom   EventKind = "left_room"
)

// AdmissionEvent describes one admission decision for live observers.
type AdmissionEvent struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Origin    string    `json:"origin,omitempty"`
	RoomID    string    `json:"room_id,omitempty"`
	Score     float64   `json:"score,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventBroker fans admission events out to in-process subscribers. Publish
// never blocks; events are dropped for subscribers whose buffer is full.
type EventBroker struct {
	mu     sync.Mutex
	subs   map[int]chan AdmissionEvent
	next   int
	buffer int
	closed bool
}

// NewEventBroker constructs a broker with the given per-subscriber buffer.
func NewEventBroker(buffer int) *EventBroker {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventBroker{subs: make(map[int]chan AdmissionEvent), buffer: buffer}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release the subscription.
func (b *EventBroker) Subscribe() (<-chan AdmissionEvent, func()) {
	if b == nil {
		ch := make(chan AdmissionEvent)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan AdmissionEvent, b.buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.next++
	id := b.next
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers the event to current subscribers without blocking.
func (b *EventBroker) Publish(event AdmissionEvent) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close ends every subscription. Later publishes are dropped and later
// subscribers receive an already closed channel.
func (b *EventBroker) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = map[int]chan AdmissionEvent{}
}

// Subscribers reports the number of active subscriptions.
func (b *EventBroker) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

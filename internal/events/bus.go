// Package events is the in-process fan-out for store audit events. The
// store is the source of truth; the bus only mirrors committed events to
// live consumers such as the metrics exporter and log tails.
package events

import (
	"sync"

	"github.com/aristath/conductor/internal/task"
)

// Bus is a channel-based pub-sub fan-out over audit events.
// Supports topic subscriptions and SubscribeAll for cross-topic consumers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan task.Event // topic -> subscriber channels
	allSubs []chan task.Event            // channels subscribed to all topics
	closed  bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[string][]chan task.Event),
		allSubs: make([]chan task.Event, 0),
	}
}

// Subscribe creates a subscription to a specific topic.
// Returns a read-only channel that receives events published to that topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *Bus) Subscribe(topic string, bufSize int) <-chan task.Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan task.Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.subs[topic] = append(b.subs[topic], ch)

	return ch
}

// SubscribeAll creates a subscription to ALL topics.
// Returns a single read-only channel that receives every published event.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *Bus) SubscribeAll(bufSize int) <-chan task.Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan task.Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.allSubs = append(b.allSubs, ch)

	return ch
}

// Publish fans an event out to the subscribers of its topic.
// Non-blocking: if a subscriber's channel is full, that subscriber misses
// the event. Slow consumers must catch up from the store's event log.
func (b *Bus) Publish(event task.Event) {
	topic := Topic(event.Type)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
			// Channel full, drop for this subscriber
		}
	}

	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
			// Channel full, drop for this subscriber
		}
	}
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
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

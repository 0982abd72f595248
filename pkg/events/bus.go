package events

import (
	"context"
	"fmt"
	"sync"
)

// TopicAll subscribes a consumer to every event type.
const TopicAll = "*"

// Bus is an in-memory fan-out publisher, useful for wiring in-process
// consumers (the event journal, tests) without external dependencies.
//
// Delivery is non-blocking: a subscriber that stops draining its channel
// loses events rather than stalling the runtime.
type Bus struct {
	subscribers sync.Map // topic -> *sync.Map of subscriberID -> chan Event
	bufferSize  int

	// mu excludes delivery from channel close: Publish holds it shared,
	// Unsubscribe/Close hold it exclusively.
	mu     sync.RWMutex
	closed bool
}

// NewBus creates an in-memory event bus. bufferSize is the per-subscriber
// channel depth; values <= 0 fall back to 100.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{bufferSize: bufferSize}
}

// Publish sends the event to subscribers of its type and to TopicAll
// subscribers. Full subscriber channels are skipped.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	b.deliver(event.Type, event)
	b.deliver(TopicAll, event)
	return nil
}

func (b *Bus) deliver(topic string, event Event) {
	subs, ok := b.subscribers.Load(topic)
	if !ok {
		return
	}
	subMap, ok := subs.(*sync.Map)
	if !ok {
		return
	}
	subMap.Range(func(subID, ch interface{}) bool {
		if channel, ok := ch.(chan Event); ok {
			// Non-blocking send to avoid deadlocks
			select {
			case channel <- event:
			default:
				// Channel full, skip this subscriber
			}
		}
		return true
	})
}

// Subscribe registers a consumer for one event type (or TopicAll) and
// returns its receive channel.
func (b *Bus) Subscribe(topic, subscriberID string) (<-chan Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	ch := make(chan Event, b.bufferSize)

	subMap, _ := b.subscribers.LoadOrStore(topic, &sync.Map{})
	if sm, ok := subMap.(*sync.Map); ok {
		sm.Store(subscriberID, ch)
	}

	return ch, nil
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Bus) Unsubscribe(topic, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscribers.Load(topic); ok {
		if subMap, ok := subs.(*sync.Map); ok {
			if ch, ok := subMap.Load(subscriberID); ok {
				if channel, ok := ch.(chan Event); ok {
					close(channel)
				}
				subMap.Delete(subscriberID)
			}
		}
	}
}

// Close closes all subscriber channels and rejects further publishes.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	b.subscribers.Range(func(topic, subs interface{}) bool {
		if subMap, ok := subs.(*sync.Map); ok {
			subMap.Range(func(subID, ch interface{}) bool {
				if channel, ok := ch.(chan Event); ok {
					close(channel)
				}
				subMap.Delete(subID)
				return true
			})
		}
		b.subscribers.Delete(topic)
		return true
	})

	return nil
}

// Compile-time interface compliance check
var _ Publisher = (*Bus)(nil)

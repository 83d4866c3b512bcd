package bus

import (
	"sync"
	"sync/atomic"

	"ct-bic/internal/model"
)

// Bus handles internal pub/sub of controller marker events.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan model.MarkerEvent
	dropped     atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make([]chan model.MarkerEvent, 0),
	}
}

// Subscribe returns a read-only channel for marker events.
func (b *Bus) Subscribe(bufferSize int) <-chan model.MarkerEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.MarkerEvent, bufferSize)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish broadcasts the event to all subscribers.
// Non-blocking publish: if a subscriber is slow/full, the event is dropped
// for that subscriber. Returns the number of subscribers that received it.
func (b *Bus) Publish(ev model.MarkerEvent) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}
	return delivered
}

// Dropped is the number of per-subscriber deliveries skipped so far.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscriber channel. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}

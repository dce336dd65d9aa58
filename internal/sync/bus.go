package sync

import (
	"context"
	gosync "sync"
)

const busBufferSize = 16

// Bus is the same-device fan-out channel: every open display on this device
// subscribes, and a change published by one display reaches the others
// without waiting for a poll cycle. Publishing never blocks; a subscriber
// that falls behind misses events and is healed by the poll backstop.
type Bus struct {
	mu          gosync.RWMutex
	subscribers map[int64]chan ChangeEvent
	nextID      int64
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[int64]chan ChangeEvent),
	}
}

// Subscribe returns a stream of change events and a cleanup func. The stream
// is left open after cleanup (a racing Publish may still hold a reference);
// consumers terminate on their own context.
func (b *Bus) Subscribe(ctx context.Context) (<-chan ChangeEvent, func()) {
	stream := make(chan ChangeEvent, busBufferSize)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = stream
	b.mu.Unlock()

	var once gosync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		cleanup()
	}()

	return stream, cleanup
}

func (b *Bus) Publish(ev ChangeEvent) {
	b.mu.RLock()
	streams := make([]chan ChangeEvent, 0, len(b.subscribers))
	for _, stream := range b.subscribers {
		streams = append(streams, stream)
	}
	b.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- ev:
		default:
		}
	}
}

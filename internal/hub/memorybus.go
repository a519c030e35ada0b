package hub

import (
	"context"
	"sync"

	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// MemoryBus is the default, single-process EventBus: Publish calls every
// registered handler synchronously in the caller's goroutine.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[int]func(v1.Event)
	nextID   int
}

// NewMemoryBus constructs an EventBus with no cross-process fan-out.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[int]func(v1.Event))}
}

func (b *MemoryBus) Publish(ctx context.Context, evt v1.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(evt)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, onEvent func(v1.Event)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = onEvent
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}, nil
}

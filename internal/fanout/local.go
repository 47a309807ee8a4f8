package fanout

import (
	"context"
	"sync"
)

// LocalTransport delivers events within the process, synchronously and in
// publish order. Used when no broker is configured.
type LocalTransport struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[string]map[uint64]func(Event)
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{listeners: make(map[string]map[uint64]func(Event))}
}

func (t *LocalTransport) Publish(_ context.Context, roomID string, event Event) error {
	t.mu.RLock()
	fns := make([]func(Event), 0, len(t.listeners[roomID]))
	for _, fn := range t.listeners[roomID] {
		fns = append(fns, fn)
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		fn(event)
	}
	return nil
}

func (t *LocalTransport) Listen(ctx context.Context, roomID string, deliver func(Event)) error {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	if t.listeners[roomID] == nil {
		t.listeners[roomID] = make(map[uint64]func(Event))
	}
	t.listeners[roomID][id] = deliver
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.listeners[roomID], id)
		if len(t.listeners[roomID]) == 0 {
			delete(t.listeners, roomID)
		}
		t.mu.Unlock()
	}()
	return nil
}

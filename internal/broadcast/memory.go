package broadcast

import (
	"context"
	"sync"
)

// MemoryBus connects endpoints inside one process, like tabs sharing a
// browser.
type MemoryBus struct {
	mu        sync.Mutex
	endpoints map[*memoryEndpoint]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{endpoints: make(map[*memoryEndpoint]struct{})}
}

// Endpoint attaches a participant named sender.
func (b *MemoryBus) Endpoint(sender string) Channel {
	e := &memoryEndpoint{
		bus:    b,
		sender: sender,
		queue:  make(chan Message, 256),
		subs:   make(map[int]func(Message)),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.endpoints[e] = struct{}{}
	b.mu.Unlock()
	go e.deliver()
	return e
}

type memoryEndpoint struct {
	bus    *MemoryBus
	sender string
	queue  chan Message

	mu     sync.Mutex
	subs   map[int]func(Message)
	next   int
	closed bool
	done   chan struct{}
}

func (e *memoryEndpoint) Sender() string { return e.sender }

func (e *memoryEndpoint) Publish(ctx context.Context, m Message) error {
	m.Sender = e.sender
	if err := m.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	e.bus.mu.Lock()
	peers := make([]*memoryEndpoint, 0, len(e.bus.endpoints))
	for peer := range e.bus.endpoints {
		if peer != e {
			peers = append(peers, peer)
		}
	}
	e.bus.mu.Unlock()

	for _, peer := range peers {
		select {
		case peer.queue <- m:
		case <-peer.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *memoryEndpoint) Subscribe(fn func(Message)) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	key := e.next
	e.next++
	e.subs[key] = fn
	return func() {
		e.mu.Lock()
		delete(e.subs, key)
		e.mu.Unlock()
	}, nil
}

func (e *memoryEndpoint) deliver() {
	for {
		select {
		case <-e.done:
			return
		case m := <-e.queue:
			e.mu.Lock()
			subs := make([]func(Message), 0, len(e.subs))
			for _, fn := range e.subs {
				subs = append(subs, fn)
			}
			e.mu.Unlock()
			for _, fn := range subs {
				fn(m)
			}
		}
	}
}

func (e *memoryEndpoint) Close() error {
	e.bus.mu.Lock()
	delete(e.bus.endpoints, e)
	e.bus.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.done)
	return nil
}

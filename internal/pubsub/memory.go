package pubsub

import (
	"context"
	"strings"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-node runs. Delivery
// is synchronous: Publish returns after every subscriber handler ran.
type MemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]*memorySubscription
	observers map[string]func(key string)
	closed    bool
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	h       Handler
}

func (s *memorySubscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	list := s.bus.subs[s.channel]
	for i, sub := range list {
		if sub == s {
			s.bus.subs[s.channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:      make(map[string][]*memorySubscription),
		observers: make(map[string]func(key string)),
	}
}

func (b *MemoryBus) Publish(_ context.Context, channel, message string) error {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[channel]))
	for _, sub := range b.subs[channel] {
		handlers = append(handlers, sub.h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(channel, message)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, channel string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &memorySubscription{bus: b, channel: channel, h: h}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

// OnExpire registers a prefix cleanup handler, mirroring the Redis
// keyspace-expiration listener.
func (b *MemoryBus) OnExpire(prefix string, fn func(key string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers[prefix] = fn
}

// NotifyExpired simulates a backend key expiration.
func (b *MemoryBus) NotifyExpired(key string) {
	b.mu.Lock()
	var fns []func(string)
	for prefix, fn := range b.observers {
		if strings.HasPrefix(key, prefix) {
			fns = append(fns, fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(key)
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]*memorySubscription)
	return nil
}

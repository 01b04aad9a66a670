package pubsub

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// expiredEventPattern matches keyspace notifications for expired keys on
// any database. Requires `notify-keyspace-events Ex` on the server.
const expiredEventPattern = "__keyevent@*__:expired"

// RedisBus implements Bus on Redis pub/sub and doubles as the
// keyspace-expiration listener: expired key names are matched against
// registered prefix handlers so backend-driven expiry can run cleanup.
type RedisBus struct {
	rdb *redis.Client
	log *slog.Logger

	mu        sync.Mutex
	observers map[string]func(key string)
	expired   *redis.PubSub
	closed    bool
}

func NewRedisBus(rdb *redis.Client, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{
		rdb:       rdb,
		log:       log,
		observers: make(map[string]func(key string)),
	}
}

func (b *RedisBus) Publish(ctx context.Context, channel, message string) error {
	return b.rdb.Publish(ctx, channel, message).Err()
}

type redisSubscription struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() {
		_ = s.ps.Close()
		<-s.done
	})
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning, so a publish
	// racing this call cannot slip past the subscriber.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &redisSubscription{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			h(msg.Channel, msg.Payload)
		}
	}()
	return sub, nil
}

// OnExpire registers a cleanup handler for keys under prefix. Must be
// called before Run.
func (b *RedisBus) OnExpire(prefix string, fn func(key string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers[prefix] = fn
}

// Run subscribes to expired-key notifications and dispatches them to the
// registered prefix handlers until ctx is canceled.
func (b *RedisBus) Run(ctx context.Context) error {
	ps := b.rdb.PSubscribe(ctx, expiredEventPattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	b.mu.Lock()
	b.expired = ps
	b.mu.Unlock()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatchExpired(msg.Payload)
		}
	}
}

func (b *RedisBus) dispatchExpired(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for prefix, fn := range b.observers {
		if strings.HasPrefix(key, prefix) {
			fn(key)
		}
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.expired != nil {
		return b.expired.Close()
	}
	return nil
}

// Package pubsub broadcasts call-state changes across process boundaries.
// Connections held by different server processes converge on the same call
// state by subscribing to the call's channel; delivery is at-most-once, the
// stored state record stays the durable source of truth.
package pubsub

import "context"

// Handler receives one published message. Handlers must not block: slow
// consumers stall their own subscription, never the publisher.
type Handler func(channel, message string)

// Subscription is one active channel subscription.
type Subscription interface {
	Unsubscribe()
}

// Bus is an explicitly constructed handle with an explicit lifecycle; there
// is no process-wide singleton.
type Bus interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
	Close() error
}

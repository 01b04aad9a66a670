package pubsub

import (
	"context"
	"testing"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var first, second []string
	if _, err := b.Subscribe(ctx, "call-1", func(_, msg string) {
		first = append(first, msg)
	}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := b.Subscribe(ctx, "call-1", func(_, msg string) {
		second = append(second, msg)
	}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if err := b.Publish(ctx, "call-1", "alerting"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if len(first) != 1 || first[0] != "alerting" {
		t.Fatalf("first subscriber: got %v", first)
	}
	if len(second) != 1 || second[0] != "alerting" {
		t.Fatalf("second subscriber: got %v", second)
	}
}

func TestPublishIsChannelScoped(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var got []string
	if _, err := b.Subscribe(ctx, "call-1", func(_, msg string) {
		got = append(got, msg)
	}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if err := b.Publish(ctx, "call-2", "connecting"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("subscriber received a message for another channel: %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var got []string
	sub, err := b.Subscribe(ctx, "call-1", func(_, msg string) {
		got = append(got, msg)
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	sub.Unsubscribe()
	if err := b.Publish(ctx, "call-1", "connected"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unsubscribed handler still received: %v", got)
	}
}

func TestExpirationObserverMatchesPrefix(t *testing.T) {
	b := NewMemoryBus()

	var expired []string
	b.OnExpire("call.", func(key string) { expired = append(expired, key) })
	b.OnExpire("room.", func(key string) { t.Errorf("room observer must not fire for %q", key) })

	b.NotifyExpired("call.abc123")
	b.NotifyExpired("session.def456")

	if len(expired) != 1 || expired[0] != "call.abc123" {
		t.Fatalf("expected the call observer to fire once, got %v", expired)
	}
}

package storage

import (
	"context"
	"errors"
	"testing"

	"call-broker/internal/sessions"
)

type countingVolatile struct {
	*MemStore
	dropErr   error
	dropCalls int
	pingErr   error
	pingCalls int
}

func (c *countingVolatile) Drop(ctx context.Context) error {
	c.dropCalls++
	if c.dropErr != nil {
		return c.dropErr
	}
	return c.MemStore.Drop(ctx)
}

func (c *countingVolatile) Ping(ctx context.Context) error {
	c.pingCalls++
	return c.pingErr
}

type countingPersistent struct {
	*MemStore
	dropCalls int
	pingCalls int
}

func (c *countingPersistent) Drop(ctx context.Context) error {
	c.dropCalls++
	return c.MemStore.Drop(ctx)
}

func (c *countingPersistent) Ping(ctx context.Context) error {
	c.pingCalls++
	return nil
}

func TestRouterRequiresBothBackends(t *testing.T) {
	var missing *MissingBackendError

	_, err := NewRouter(nil, NewMemStore())
	if !errors.As(err, &missing) || missing.Backend != "volatile" {
		t.Fatalf("expected missing volatile backend error, got %v", err)
	}

	_, err = NewRouter(NewMemStore(), nil)
	if !errors.As(err, &missing) || missing.Backend != "persistent" {
		t.Fatalf("expected missing persistent backend error, got %v", err)
	}
}

func TestRouterDropChainsVolatileFirst(t *testing.T) {
	v := &countingVolatile{MemStore: NewMemStore()}
	p := &countingPersistent{MemStore: NewMemStore()}
	r, err := NewRouter(v, p)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if err := r.Drop(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if v.dropCalls != 1 || p.dropCalls != 1 {
		t.Fatalf("expected both backends dropped, volatile=%d persistent=%d", v.dropCalls, p.dropCalls)
	}
}

func TestRouterDropFailFast(t *testing.T) {
	boom := errors.New("volatile down")
	v := &countingVolatile{MemStore: NewMemStore(), dropErr: boom}
	p := &countingPersistent{MemStore: NewMemStore()}
	r, err := NewRouter(v, p)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if err := r.Drop(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected volatile error surfaced, got %v", err)
	}
	// The persistent backend must never be consulted after a volatile
	// failure.
	if p.dropCalls != 0 {
		t.Fatalf("persistent drop must not run, got %d calls", p.dropCalls)
	}
}

func TestRouterPingFailFast(t *testing.T) {
	boom := errors.New("volatile down")
	v := &countingVolatile{MemStore: NewMemStore(), pingErr: boom}
	p := &countingPersistent{MemStore: NewMemStore()}
	r, err := NewRouter(v, p)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if err := r.Ping(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected volatile error surfaced, got %v", err)
	}
	if p.pingCalls != 0 {
		t.Fatalf("persistent ping must not run, got %d calls", p.pingCalls)
	}
}

func TestRouterExposesBothMethodSets(t *testing.T) {
	r, err := NewRouter(NewMemStore(), NewMemStore())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	ctx := context.Background()

	// Volatile-tagged method.
	if err := r.SetSession(ctx, "id-hmac", sessions.Record{AuthKey: "auth-key"}, 0); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// Persistent-tagged method.
	if err := r.AddSimplePushURL(ctx, "mac", "https://push.example.com/x"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	urls, err := r.ListSimplePushURLs(ctx, "mac")
	if err != nil || len(urls) != 1 {
		t.Fatalf("expected one registered url, got %v (%v)", urls, err)
	}
}

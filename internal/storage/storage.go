// Package storage splits persistence between a volatile backend holding
// ephemeral call and session data, and a persistent backend holding durable
// call-url and push-registration data. The Router exposes the union of both
// method sets; each backend is an ordinary interface so a missing operation
// is a compile error, not a runtime probe.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"call-broker/internal/calls"
	"call-broker/internal/sessions"
)

// VolatileStore holds data that can expire or be lost: call metadata, call
// progress records, user call indexes, and session bindings.
type VolatileStore interface {
	calls.Store
	sessions.Store

	Drop(ctx context.Context) error
	Ping(ctx context.Context) error
}

// CallURL is a durable call-url record: a token someone can hand out so
// others may call them.
type CallURL struct {
	Token     string    `json:"token"`
	UserMac   string    `json:"user_mac"`
	CallerID  string    `json:"caller_id,omitempty"`
	Issuer    string    `json:"issuer,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// ErrCallURLNotFound is returned for unknown, expired, or revoked call-url
// tokens.
var ErrCallURLNotFound = errors.New("storage: call url not found")

// PersistentStore holds data that outlives any single call or session.
type PersistentStore interface {
	AddSimplePushURL(ctx context.Context, userMac, url string) error
	ListSimplePushURLs(ctx context.Context, userMac string) ([]string, error)
	RemoveSimplePushURLs(ctx context.Context, userMac string) error

	AddCallURL(ctx context.Context, rec CallURL) error
	GetCallURL(ctx context.Context, token string) (CallURL, error)
	RevokeCallURL(ctx context.Context, token string) error
	ListUserCallURLs(ctx context.Context, userMac string) ([]CallURL, error)

	Drop(ctx context.Context) error
	Ping(ctx context.Context) error
}

// MissingBackendError is a startup-time integrity failure: the Router was
// constructed without one of its backends.
type MissingBackendError struct {
	Backend string
}

func (e *MissingBackendError) Error() string {
	return fmt.Sprintf("storage: %s backend is required", e.Backend)
}

// Router forwards volatile-tagged operations to the volatile backend and
// persistent-tagged ones to the persistent backend. Maintenance operations
// (Drop, Ping) chain through both.
type Router struct {
	VolatileStore
	PersistentStore
}

func NewRouter(volatile VolatileStore, persistent PersistentStore) (*Router, error) {
	if volatile == nil {
		return nil, &MissingBackendError{Backend: "volatile"}
	}
	if persistent == nil {
		return nil, &MissingBackendError{Backend: "persistent"}
	}
	return &Router{VolatileStore: volatile, PersistentStore: persistent}, nil
}

// Drop clears the volatile backend first; only if that succeeds is the
// persistent backend dropped. A volatile failure aborts the chain before
// the persistent backend is consulted.
func (r *Router) Drop(ctx context.Context) error {
	if err := r.VolatileStore.Drop(ctx); err != nil {
		return err
	}
	return r.PersistentStore.Drop(ctx)
}

// Ping checks the cheap volatile backend before the durable one, with the
// same fail-fast chaining as Drop.
func (r *Router) Ping(ctx context.Context) error {
	if err := r.VolatileStore.Ping(ctx); err != nil {
		return err
	}
	return r.PersistentStore.Ping(ctx)
}

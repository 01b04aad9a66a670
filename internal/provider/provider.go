// Package provider integrates the external video-session provider. Business
// logic only sees the SessionProvider interface; all provider SDK and wire
// details stay inside this package.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned once provider retries are exhausted. HTTP
// callers surface it as a service-unavailable condition without internal
// detail.
var ErrUnavailable = errors.New("provider: session provider unavailable")

// Session is a provisioned media session at the provider.
type Session struct {
	SessionID string
	APIKey    string
}

// Role scopes what a provider token may do within a session.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
	RoleModerator  Role = "moderator"
)

// TokenOptions controls the capabilities and lifetime of a generated token.
type TokenOptions struct {
	Role       Role
	ExpireTime time.Time
}

// SessionProvider provisions media sessions and per-participant tokens.
//
// CreateSession crosses the network and must honor ctx; GenerateToken is a
// local computation over the provider secret.
type SessionProvider interface {
	Name() string
	CreateSession(ctx context.Context) (Session, error)
	GenerateToken(sessionID string, opts TokenOptions) (string, error)
	HealthCheck(ctx context.Context) error
}

package sessions

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when no session record exists for the
// presented session id (expired, deleted, or never created).
var ErrSessionNotFound = errors.New("sessions: session not found")

// Record is the stored session binding: the derived auth key plus the
// pseudonymized identity this session acts as.
type Record struct {
	AuthKey string `json:"auth_key"`
	UserMac string `json:"user_mac"`
}

// Store is the session slice of the volatile storage backend.
// All keys handed to it are already MAC-pseudonymized.
type Store interface {
	SetSession(ctx context.Context, idHmac string, rec Record, ttl time.Duration) error
	GetSession(ctx context.Context, idHmac string) (Record, error)
	TouchSession(ctx context.Context, idHmac string, ttl time.Duration) error
	DeleteSession(ctx context.Context, idHmac string) error
}

// Authenticator creates and verifies session credentials.
//
// The raw session id never reaches storage: records are keyed by
// MAC(sessionID, idSecret), so the same id always finds the same record
// while the stored key alone is unusable.
type Authenticator struct {
	store     Store
	idSecret  string
	macSecret string
	ttl       time.Duration
}

// NewAuthenticator validates both secrets up front; a bad secret is a
// configuration error surfaced at startup, not at request time.
func NewAuthenticator(store Store, idSecret, macSecret string, ttl time.Duration) (*Authenticator, error) {
	if store == nil {
		return nil, errors.New("sessions: store is required")
	}
	if _, err := DecodeSecret(idSecret); err != nil {
		return nil, fmt.Errorf("session id secret: %w", err)
	}
	if _, err := DecodeSecret(macSecret); err != nil {
		return nil, fmt.Errorf("user mac secret: %w", err)
	}
	if ttl <= 0 {
		return nil, errors.New("sessions: ttl must be > 0")
	}
	return &Authenticator{store: store, idSecret: idSecret, macSecret: macSecret, ttl: ttl}, nil
}

// Create mints a new session bound to identity: fresh seed, derived
// credentials, and a stored binding from the pseudonymized id to the auth
// key and user MAC. An empty identity yields an anonymous session keyed by
// its own session id. The seed is returned hex-encoded for the client and
// then forgotten.
func (a *Authenticator) Create(ctx context.Context, identity string) (string, Credentials, error) {
	seed, err := NewSeed()
	if err != nil {
		return "", Credentials{}, err
	}
	creds, err := a.CreateFromSeed(ctx, seed, identity)
	if err != nil {
		return "", Credentials{}, err
	}
	return hex.EncodeToString(seed), creds, nil
}

// CreateFromSeed derives credentials from a caller-supplied seed and stores
// the session binding.
func (a *Authenticator) CreateFromSeed(ctx context.Context, seed []byte, identity string) (Credentials, error) {
	creds, err := Derive(seed)
	if err != nil {
		return Credentials{}, err
	}
	idHmac, err := MAC(creds.SessionID, a.idSecret)
	if err != nil {
		return Credentials{}, err
	}
	if identity == "" {
		identity = creds.SessionID
	}
	userMac, err := MAC(identity, a.macSecret)
	if err != nil {
		return Credentials{}, err
	}
	rec := Record{AuthKey: creds.AuthKey, UserMac: userMac}
	if err := a.store.SetSession(ctx, idHmac, rec, a.ttl); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// Authenticate checks that a session exists for the presented id, extends
// its TTL, and returns the pseudonymized identity the rest of the system
// uses for this user.
func (a *Authenticator) Authenticate(ctx context.Context, sessionID string) (string, error) {
	idHmac, err := MAC(sessionID, a.idSecret)
	if err != nil {
		return "", err
	}
	rec, err := a.store.GetSession(ctx, idHmac)
	if err != nil {
		return "", err
	}
	// Refresh on every authenticated request so active sessions do not
	// expire out from under their owner.
	if err := a.store.TouchSession(ctx, idHmac, a.ttl); err != nil {
		return "", err
	}
	return rec.UserMac, nil
}

// Logout removes the session binding.
func (a *Authenticator) Logout(ctx context.Context, sessionID string) error {
	idHmac, err := MAC(sessionID, a.idSecret)
	if err != nil {
		return err
	}
	return a.store.DeleteSession(ctx, idHmac)
}

// UserMAC pseudonymizes a user-supplied identity (for example a callee id)
// before it is used as a storage key.
func (a *Authenticator) UserMAC(identity string) (string, error) {
	return MAC(identity, a.macSecret)
}

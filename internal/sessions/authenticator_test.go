package sessions

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubSessionStore struct {
	sessions map[string]Record
	touched  int
}

func newStubSessionStore() *stubSessionStore {
	return &stubSessionStore{sessions: make(map[string]Record)}
}

func (s *stubSessionStore) SetSession(_ context.Context, idHmac string, rec Record, _ time.Duration) error {
	s.sessions[idHmac] = rec
	return nil
}

func (s *stubSessionStore) GetSession(_ context.Context, idHmac string) (Record, error) {
	rec, ok := s.sessions[idHmac]
	if !ok {
		return Record{}, ErrSessionNotFound
	}
	return rec, nil
}

func (s *stubSessionStore) TouchSession(_ context.Context, idHmac string, _ time.Duration) error {
	if _, ok := s.sessions[idHmac]; !ok {
		return ErrSessionNotFound
	}
	s.touched++
	return nil
}

func (s *stubSessionStore) DeleteSession(_ context.Context, idHmac string) error {
	delete(s.sessions, idHmac)
	return nil
}

func newTestAuthenticator(t *testing.T, store Store) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(store, testSecret, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	return a
}

func TestAuthenticatorRoundTrip(t *testing.T) {
	store := newStubSessionStore()
	a := newTestAuthenticator(t, store)

	_, creds, err := a.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	userMac, err := a.Authenticate(context.Background(), creds.SessionID)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if userMac == "" || userMac == creds.SessionID {
		t.Fatalf("expected a pseudonymized identifier, got %q", userMac)
	}
	if store.touched != 1 {
		t.Fatalf("expected session TTL refresh on authenticate, touched=%d", store.touched)
	}
	// Only the pseudonymized id may be used as a storage key.
	if _, ok := store.sessions[creds.SessionID]; ok {
		t.Fatalf("raw session id must never be stored")
	}
}

func TestAuthenticatorBindsIdentity(t *testing.T) {
	store := newStubSessionStore()
	a := newTestAuthenticator(t, store)

	_, creds1, err := a.Create(context.Background(), "bob@example.com")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	_, creds2, err := a.Create(context.Background(), "bob@example.com")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	mac1, err := a.Authenticate(context.Background(), creds1.SessionID)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	mac2, err := a.Authenticate(context.Background(), creds2.SessionID)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// Two sessions of the same identity resolve to the same user MAC, so
	// calls placed to that identity reach either session.
	if mac1 != mac2 {
		t.Fatalf("same identity must yield the same user MAC: %q vs %q", mac1, mac2)
	}

	want, err := a.UserMAC("bob@example.com")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if mac1 != want {
		t.Fatalf("session user MAC must equal UserMAC(identity)")
	}
}

func TestAuthenticatorUnknownSession(t *testing.T) {
	a := newTestAuthenticator(t, newStubSessionStore())

	_, err := a.Authenticate(context.Background(), "deadbeef")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestAuthenticatorLogout(t *testing.T) {
	store := newStubSessionStore()
	a := newTestAuthenticator(t, store)

	_, creds, err := a.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := a.Logout(context.Background(), creds.SessionID); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := a.Authenticate(context.Background(), creds.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after logout, got %v", err)
	}
}

func TestNewAuthenticatorRejectsBadSecrets(t *testing.T) {
	if _, err := NewAuthenticator(newStubSessionStore(), "nothex", testSecret, time.Hour); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}
	if _, err := NewAuthenticator(newStubSessionStore(), testSecret, "00", time.Hour); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}
}

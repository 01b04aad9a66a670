package storage

import (
	"context"
	"sync"
	"time"

	"call-broker/internal/calls"
	"call-broker/internal/sessions"
)

// MemStore is an in-memory implementation of both backends, used by tests
// and single-node development runs. Expiry is evaluated lazily on read.
type MemStore struct {
	mu  sync.Mutex
	now func() time.Time

	calls     map[string]memEntry[calls.Call]
	states    map[string]memEntry[calls.Progress]
	userCalls map[string]map[string]struct{}
	sessions  map[string]memEntry[sessions.Record]

	pushURLs map[string][]string
	callURLs map[string]CallURL
}

type memEntry[T any] struct {
	value   T
	expires time.Time // zero means no expiry
}

func (e memEntry[T]) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

func NewMemStore() *MemStore {
	return &MemStore{
		now:       time.Now,
		calls:     make(map[string]memEntry[calls.Call]),
		states:    make(map[string]memEntry[calls.Progress]),
		userCalls: make(map[string]map[string]struct{}),
		sessions:  make(map[string]memEntry[sessions.Record]),
		pushURLs:  make(map[string][]string),
		callURLs:  make(map[string]CallURL),
	}
}

// SetClock overrides the time source; tests use it to force expiry.
func (m *MemStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

/* ---- calls.Store ---- */

func (m *MemStore) SetCall(_ context.Context, call calls.Call, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[call.CallID] = memEntry[calls.Call]{value: call, expires: m.expiry(ttl)}
	return nil
}

func (m *MemStore) GetCall(_ context.Context, callID string) (calls.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.calls[callID]
	if !ok || entry.expired(m.now()) {
		return calls.Call{}, calls.ErrCallNotFound
	}
	return entry.value, nil
}

func (m *MemStore) DeleteCall(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.calls, callID)
	delete(m.states, callID)
	return nil
}

func (m *MemStore) AddUserCall(_ context.Context, userMac, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.userCalls[userMac]
	if !ok {
		set = make(map[string]struct{})
		m.userCalls[userMac] = set
	}
	set[callID] = struct{}{}
	return nil
}

func (m *MemStore) ListUserCalls(_ context.Context, userMac string) ([]calls.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []calls.Call
	for callID := range m.userCalls[userMac] {
		entry, ok := m.calls[callID]
		if !ok || entry.expired(now) {
			// Prune index entries whose call record expired.
			delete(m.userCalls[userMac], callID)
			continue
		}
		out = append(out, entry.value)
	}
	return out, nil
}

// currentState resolves the progress record under the lock: a missing state
// record with a live call reads as terminated; a missing call record is
// ErrCallNotFound.
func (m *MemStore) currentState(callID string) (calls.Progress, error) {
	now := m.now()
	if entry, ok := m.states[callID]; ok && !entry.expired(now) {
		return entry.value, nil
	}
	if entry, ok := m.calls[callID]; ok && !entry.expired(now) {
		return calls.Progress{State: calls.StateTerminated}, nil
	}
	return calls.Progress{}, calls.ErrCallNotFound
}

func (m *MemStore) setState(callID string, p calls.Progress, ttl time.Duration) {
	if p.State == calls.StateTerminated {
		delete(m.states, callID)
		return
	}
	expires := m.expiry(ttl)
	if ttl <= 0 {
		// Inherit the call record's expiry so state and metadata die
		// together.
		if entry, ok := m.calls[callID]; ok {
			expires = entry.expires
		}
	}
	m.states[callID] = memEntry[calls.Progress]{value: p, expires: expires}
}

func (m *MemStore) SetCallState(_ context.Context, callID string, p calls.Progress, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setState(callID, p, ttl)
	return nil
}

func (m *MemStore) GetCallState(_ context.Context, callID string) (calls.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentState(callID)
}

func (m *MemStore) UpdateCallState(_ context.Context, callID string, fn func(calls.Progress) (calls.Progress, error)) (calls.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.currentState(callID)
	if err != nil {
		return calls.Progress{}, err
	}
	next, err := fn(current)
	if err != nil {
		return calls.Progress{}, err
	}

	var remaining time.Duration
	if entry, ok := m.states[callID]; ok && !entry.expires.IsZero() {
		remaining = entry.expires.Sub(m.now())
	}
	m.setState(callID, next, remaining)
	return next, nil
}

func (m *MemStore) GetCallStateTTL(_ context.Context, callID string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.states[callID]
	if !ok || entry.expired(m.now()) {
		return 0, nil
	}
	if entry.expires.IsZero() {
		return 0, nil
	}
	return entry.expires.Sub(m.now()), nil
}

/* ---- sessions.Store ---- */

func (m *MemStore) SetSession(_ context.Context, idHmac string, rec sessions.Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[idHmac] = memEntry[sessions.Record]{value: rec, expires: m.expiry(ttl)}
	return nil
}

func (m *MemStore) GetSession(_ context.Context, idHmac string) (sessions.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[idHmac]
	if !ok || entry.expired(m.now()) {
		return sessions.Record{}, sessions.ErrSessionNotFound
	}
	return entry.value, nil
}

func (m *MemStore) TouchSession(_ context.Context, idHmac string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[idHmac]
	if !ok || entry.expired(m.now()) {
		return sessions.ErrSessionNotFound
	}
	entry.expires = m.expiry(ttl)
	m.sessions[idHmac] = entry
	return nil
}

func (m *MemStore) DeleteSession(_ context.Context, idHmac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, idHmac)
	return nil
}

/* ---- PersistentStore ---- */

func (m *MemStore) AddSimplePushURL(_ context.Context, userMac, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.pushURLs[userMac] {
		if existing == url {
			return nil
		}
	}
	m.pushURLs[userMac] = append(m.pushURLs[userMac], url)
	return nil
}

func (m *MemStore) ListSimplePushURLs(_ context.Context, userMac string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.pushURLs[userMac]))
	copy(out, m.pushURLs[userMac])
	return out, nil
}

func (m *MemStore) RemoveSimplePushURLs(_ context.Context, userMac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pushURLs, userMac)
	return nil
}

func (m *MemStore) AddCallURL(_ context.Context, rec CallURL) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callURLs[rec.Token] = rec
	return nil
}

func (m *MemStore) GetCallURL(_ context.Context, token string) (CallURL, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.callURLs[token]
	if !ok || rec.Revoked || (!rec.ExpiresAt.IsZero() && m.now().After(rec.ExpiresAt)) {
		return CallURL{}, ErrCallURLNotFound
	}
	return rec, nil
}

func (m *MemStore) RevokeCallURL(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.callURLs[token]
	if !ok {
		return ErrCallURLNotFound
	}
	rec.Revoked = true
	m.callURLs[token] = rec
	return nil
}

func (m *MemStore) ListUserCallURLs(_ context.Context, userMac string) ([]CallURL, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CallURL
	for _, rec := range m.callURLs {
		if rec.UserMac == userMac && !rec.Revoked {
			out = append(out, rec)
		}
	}
	return out, nil
}

/* ---- maintenance ---- */

func (m *MemStore) Drop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[string]memEntry[calls.Call])
	m.states = make(map[string]memEntry[calls.Progress])
	m.userCalls = make(map[string]map[string]struct{})
	m.sessions = make(map[string]memEntry[sessions.Record])
	m.pushURLs = make(map[string][]string)
	m.callURLs = make(map[string]CallURL)
	return nil
}

func (m *MemStore) Ping(_ context.Context) error { return nil }

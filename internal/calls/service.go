package calls

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"call-broker/internal/provider"
)

// ErrCallNotFound distinguishes "this call never existed or fully expired"
// from "this call terminated". A terminated call still has a metadata
// record; an unknown call has nothing.
var ErrCallNotFound = errors.New("calls: call not found")

// ErrInvalidReason rejects termination reasons outside [a-zA-Z0-9-]+. It is
// a client error, reported back over the protocol, never fatal to the
// connection.
var ErrInvalidReason = errors.New("calls: invalid reason, should be alphanumeric")

// Store is the volatile-storage slice the call service depends on.
// Implementations must keep every mutation single-key and atomic.
type Store interface {
	SetCall(ctx context.Context, call Call, ttl time.Duration) error
	GetCall(ctx context.Context, callID string) (Call, error)
	DeleteCall(ctx context.Context, callID string) error

	AddUserCall(ctx context.Context, userMac, callID string) error
	ListUserCalls(ctx context.Context, userMac string) ([]Call, error)

	// SetCallState writes the progress record directly. A terminated record
	// is deleted outright. ttl <= 0 inherits the TTL of the call metadata
	// record so state and metadata expire together.
	SetCallState(ctx context.Context, callID string, p Progress, ttl time.Duration) error

	// GetCallState resolves the current progress. A missing state record
	// with a live call record reads as terminated; a missing call record is
	// ErrCallNotFound.
	GetCallState(ctx context.Context, callID string) (Progress, error)

	// UpdateCallState atomically applies fn to the current progress record
	// (compare-and-set). fn returning an error aborts without side effects.
	UpdateCallState(ctx context.Context, callID string, fn func(Progress) (Progress, error)) (Progress, error)

	GetCallStateTTL(ctx context.Context, callID string) (time.Duration, error)
}

// Bus is the publish side of the state-change channel.
type Bus interface {
	Publish(ctx context.Context, channel, message string) error
}

// Pusher fans a version bump out to device endpoints.
type Pusher interface {
	Notify(ctx context.Context, reason string, urls []string, version int64)
}

// PushURLDirectory resolves the registered push endpoints of a user. It is
// served by the persistent storage backend.
type PushURLDirectory interface {
	ListSimplePushURLs(ctx context.Context, userMac string) ([]string, error)
}

var reasonPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// ServiceOptions wires the call service dependencies.
type ServiceOptions struct {
	Store    Store
	Bus      Bus
	Provider provider.SessionProvider
	Push     Pusher
	PushURLs PushURLDirectory
	Log      *slog.Logger

	// CallTTL bounds the call metadata record.
	CallTTL time.Duration
	// SupervisoryTTL bounds the initial state record, until both parties
	// attach.
	SupervisoryTTL time.Duration
	// TokenExpiry bounds provider participant tokens.
	TokenExpiry time.Duration
}

// Service is the single source of truth for where a call is in its
// lifecycle. The signaling handler and the push fan-out are read views over
// transitions it commits.
type Service struct {
	store    Store
	bus      Bus
	provider provider.SessionProvider
	push     Pusher
	pushURLs PushURLDirectory
	log      *slog.Logger

	callTTL        time.Duration
	supervisoryTTL time.Duration
	tokenExpiry    time.Duration
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("calls: store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("calls: bus is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("calls: session provider is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	callTTL := opts.CallTTL
	if callTTL <= 0 {
		callTTL = time.Hour
	}
	supervisoryTTL := opts.SupervisoryTTL
	if supervisoryTTL <= 0 {
		supervisoryTTL = 2 * time.Minute
	}
	tokenExpiry := opts.TokenExpiry
	if tokenExpiry <= 0 {
		tokenExpiry = 24 * time.Hour
	}
	return &Service{
		store:          opts.Store,
		bus:            opts.Bus,
		provider:       opts.Provider,
		push:           opts.Push,
		pushURLs:       opts.PushURLs,
		log:            log,
		callTTL:        callTTL,
		supervisoryTTL: supervisoryTTL,
		tokenExpiry:    tokenExpiry,
	}, nil
}

// CallParams describes a call being placed.
type CallParams struct {
	CallerID           string
	CalleeFriendlyName string
	CallType           CallType
	Subject            string
	CallToken          string
}

// StoreCallTokens provisions a provider session and builds a complete call
// record: provider credentials for both sides plus the signaling tokens.
// Nothing is persisted here; the caller-side provider token exists only in
// the returned value.
func (s *Service) StoreCallTokens(ctx context.Context, p CallParams) (CreatedCall, error) {
	sess, err := s.provider.CreateSession(ctx)
	if err != nil {
		return CreatedCall{}, err
	}

	expire := time.Now().Add(s.tokenExpiry)
	callerToken, err := s.provider.GenerateToken(sess.SessionID, provider.TokenOptions{
		Role:       provider.RolePublisher,
		ExpireTime: expire,
	})
	if err != nil {
		return CreatedCall{}, err
	}
	calleeToken, err := s.provider.GenerateToken(sess.SessionID, provider.TokenOptions{
		Role:       provider.RolePublisher,
		ExpireTime: expire,
	})
	if err != nil {
		return CreatedCall{}, err
	}

	callID, err := randomHex(16)
	if err != nil {
		return CreatedCall{}, err
	}
	wsCallerToken, err := randomHex(16)
	if err != nil {
		return CreatedCall{}, err
	}
	wsCalleeToken, err := randomHex(16)
	if err != nil {
		return CreatedCall{}, err
	}

	return CreatedCall{
		Call: Call{
			CallID:             callID,
			CallerID:           p.CallerID,
			CalleeFriendlyName: p.CalleeFriendlyName,
			CallType:           p.CallType,
			Subject:            p.Subject,
			SessionID:          sess.SessionID,
			APIKey:             sess.APIKey,
			CalleeToken:        calleeToken,
			WSCallerToken:      wsCallerToken,
			WSCalleeToken:      wsCalleeToken,
			CallToken:          p.CallToken,
			Timestamp:          time.Now().UnixMilli(),
		},
		CallerToken: callerToken,
	}, nil
}

// PlaceCall provisions, persists and announces a call to calleeMac: the call
// record and its user index entry are stored with the call TTL, the state
// machine starts at init under the supervisory TTL, and every registered
// push endpoint of the callee gets a version bump.
func (s *Service) PlaceCall(ctx context.Context, calleeMac string, p CallParams) (CreatedCall, error) {
	created, err := s.StoreCallTokens(ctx, p)
	if err != nil {
		return CreatedCall{}, err
	}
	call := created.Call

	if err := s.store.SetCall(ctx, call, s.callTTL); err != nil {
		return CreatedCall{}, err
	}
	if err := s.store.AddUserCall(ctx, calleeMac, call.CallID); err != nil {
		return CreatedCall{}, err
	}
	if err := s.store.SetCallState(ctx, call.CallID, NewProgress(), s.supervisoryTTL); err != nil {
		return CreatedCall{}, err
	}

	if s.push != nil && s.pushURLs != nil {
		urls, err := s.pushURLs.ListSimplePushURLs(ctx, calleeMac)
		if err != nil {
			// Push is best-effort; the call is already placed.
			s.log.Warn("push url lookup failed", "call_id", call.CallID, "err", err)
		} else if len(urls) > 0 {
			s.push.Notify(ctx, "call", urls, call.Timestamp)
		}
	}

	s.log.Info("call placed", "call_id", call.CallID, "call_type", call.CallType)
	return created, nil
}

// GetCall loads the call metadata record.
func (s *Service) GetCall(ctx context.Context, callID string) (Call, error) {
	return s.store.GetCall(ctx, callID)
}

// ListPendingCalls returns the user's pending calls ordered by creation
// time.
func (s *Service) ListPendingCalls(ctx context.Context, userMac string) ([]Call, error) {
	list, err := s.store.ListUserCalls(ctx, userMac)
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Timestamp < list[j].Timestamp })
	return list, nil
}

// GetStateTTL reports how long the current state record lives. Signaling
// connections use it to schedule the setup timeout: if nobody attaches
// before the supervisory record expires, the call is dead.
func (s *Service) GetStateTTL(ctx context.Context, callID string) (time.Duration, error) {
	return s.store.GetCallStateTTL(ctx, callID)
}

// GetState reports the current symbolic state of a call.
func (s *Service) GetState(ctx context.Context, callID string) (State, error) {
	p, err := s.store.GetCallState(ctx, callID)
	if err != nil {
		return "", err
	}
	return p.State, nil
}

// Join records that role attached to the call and publishes the resulting
// state to all subscribers. It returns the state to report back to the
// joining connection.
func (s *Service) Join(ctx context.Context, callID string, role Role) (State, error) {
	before, err := s.store.GetCallState(ctx, callID)
	if err != nil {
		return "", err
	}
	if before.State == StateTerminated {
		return StateTerminated, nil
	}

	after, err := s.store.UpdateCallState(ctx, callID, func(p Progress) (Progress, error) {
		return p.Join(role), nil
	})
	if err != nil {
		return "", err
	}
	if after.State != before.State {
		s.publish(ctx, callID, after.State, "")
	}
	return after.State, nil
}

// Transition validates event against the call's current state, commits the
// resulting record, and broadcasts the change. Illegal transitions are
// rejected with IllegalTransitionError and no side effects.
func (s *Service) Transition(ctx context.Context, callID string, role Role, event Event, reason string) (State, error) {
	if event == EventTerminate {
		if reason != "" && !reasonPattern.MatchString(reason) {
			return "", ErrInvalidReason
		}
		if err := s.BroadcastState(ctx, callID, Progress{State: StateTerminated}, reason, 0); err != nil {
			return "", err
		}
		return StateTerminated, nil
	}

	after, err := s.store.UpdateCallState(ctx, callID, func(p Progress) (Progress, error) {
		return p.Apply(role, event)
	})
	if err != nil {
		return "", err
	}

	s.publish(ctx, callID, after.State, "")
	if after.State == StateConnected {
		s.log.Info("call connected", "call_id", callID)
	}
	return after.State, nil
}

// Terminate forces a call to terminated with the given reason, regardless
// of current state. Used by timeout actuators and key-expiration cleanup.
func (s *Service) Terminate(ctx context.Context, callID, reason string) error {
	return s.BroadcastState(ctx, callID, Progress{State: StateTerminated}, reason, 0)
}

// BroadcastState persists p and then publishes the change on the call's
// channel; it only reports success once both steps succeeded.
func (s *Service) BroadcastState(ctx context.Context, callID string, p Progress, reason string, ttl time.Duration) error {
	if err := s.store.SetCallState(ctx, callID, p, ttl); err != nil {
		return err
	}
	s.publish(ctx, callID, p.State, reason)
	if p.State == StateTerminated {
		s.log.Info("call terminated", "call_id", callID, "reason", reason)
	}
	return nil
}

// publish emits (callId, state[:reason]). half-initiated is internal
// bookkeeping and is never published.
func (s *Service) publish(ctx context.Context, callID string, state State, reason string) {
	if state == StateHalfInitiated {
		return
	}
	message := string(state)
	if reason != "" {
		message += ":" + reason
	}
	if err := s.bus.Publish(ctx, callID, message); err != nil {
		// Subscribers that miss an event re-poll stored state; delivery is
		// at-most-once.
		s.log.Warn("state publish failed", "call_id", callID, "state", state, "err", err)
	}
}

package calls_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"call-broker/internal/calls"
	"call-broker/internal/provider"
	"call-broker/internal/pubsub"
	"call-broker/internal/storage"
)

type fakeProvider struct {
	sessions int
	tokens   int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) CreateSession(ctx context.Context) (provider.Session, error) {
	f.sessions++
	return provider.Session{SessionID: "sess-1", APIKey: "key-1"}, nil
}

func (f *fakeProvider) GenerateToken(sessionID string, opts provider.TokenOptions) (string, error) {
	f.tokens++
	return "tok", nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

type recordingPusher struct {
	urls     []string
	versions []int64
}

func (p *recordingPusher) Notify(_ context.Context, reason string, urls []string, version int64) {
	p.urls = append(p.urls, urls...)
	p.versions = append(p.versions, version)
}

type fixture struct {
	store   *storage.MemStore
	bus     *pubsub.MemoryBus
	push    *recordingPusher
	service *calls.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemStore()
	bus := pubsub.NewMemoryBus()
	push := &recordingPusher{}

	svc, err := calls.NewService(calls.ServiceOptions{
		Store:    store,
		Bus:      bus,
		Provider: &fakeProvider{},
		Push:     push,
		PushURLs: store,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	return &fixture{store: store, bus: bus, push: push, service: svc}
}

func (f *fixture) placeCall(t *testing.T) calls.CreatedCall {
	t.Helper()
	created, err := f.service.PlaceCall(context.Background(), "callee-mac", calls.CallParams{
		CallerID: "alice",
		CallType: calls.CallTypeAudio,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	return created
}

func (f *fixture) forceState(t *testing.T, callID string, st calls.State) {
	t.Helper()
	err := f.store.SetCallState(context.Background(), callID, calls.Progress{State: st}, time.Minute)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestPlaceCallStartsAtInit(t *testing.T) {
	f := newFixture(t)
	created := f.placeCall(t)

	if created.CallerToken == "" {
		t.Fatalf("caller token must be returned to the initiating caller")
	}
	if created.Call.WSCallerToken == created.Call.WSCalleeToken {
		t.Fatalf("signaling tokens must differ per role")
	}

	st, err := f.service.GetState(context.Background(), created.Call.CallID)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if st != calls.StateInit {
		t.Fatalf("expected init, got %q", st)
	}

	// The stored record must not contain the caller token.
	stored, err := f.service.GetCall(context.Background(), created.Call.CallID)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if stored.CalleeToken == "" || stored.SessionID != "sess-1" {
		t.Fatalf("stored call lost provider credentials: %+v", stored)
	}
}

func TestPlaceCallNotifiesPushEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.AddSimplePushURL(ctx, "callee-mac", "https://push.example.com/abc"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	created := f.placeCall(t)

	if len(f.push.urls) != 1 || f.push.urls[0] != "https://push.example.com/abc" {
		t.Fatalf("expected push to the registered endpoint, got %v", f.push.urls)
	}
	if len(f.push.versions) != 1 || f.push.versions[0] != created.Call.Timestamp {
		t.Fatalf("push version must be the call timestamp, got %v", f.push.versions)
	}
}

func TestTransitionBroadcasts(t *testing.T) {
	f := newFixture(t)
	created := f.placeCall(t)
	callID := created.Call.CallID
	ctx := context.Background()

	var published []string
	if _, err := f.bus.Subscribe(ctx, callID, func(_, msg string) {
		published = append(published, msg)
	}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	f.forceState(t, callID, calls.StateAlerting)

	st, err := f.service.Transition(ctx, callID, calls.RoleCallee, calls.EventAccept, "")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if st != calls.StateConnecting {
		t.Fatalf("expected connecting, got %q", st)
	}
	if len(published) != 1 || published[0] != "connecting" {
		t.Fatalf("expected a connecting broadcast, got %v", published)
	}
}

func TestTransitionIdempotentAccept(t *testing.T) {
	f := newFixture(t)
	created := f.placeCall(t)
	callID := created.Call.CallID
	ctx := context.Background()

	f.forceState(t, callID, calls.StateAlerting)

	for i := 0; i < 2; i++ {
		st, err := f.service.Transition(ctx, callID, calls.RoleCallee, calls.EventAccept, "")
		if err != nil {
			t.Fatalf("accept #%d: unexpected err: %v", i+1, err)
		}
		if st != calls.StateConnecting {
			t.Fatalf("accept #%d: expected connecting, got %q", i+1, st)
		}
	}
}

func TestTransitionIllegalLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	created := f.placeCall(t)
	callID := created.Call.CallID
	ctx := context.Background()

	_, err := f.service.Transition(ctx, callID, calls.RoleCaller, calls.EventMediaUp, "")
	var illegal *calls.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if illegal.From != calls.StateInit || illegal.Event != calls.EventMediaUp {
		t.Fatalf("error must name current state and event: %+v", illegal)
	}

	st, err := f.service.GetState(ctx, callID)
	if err != nil || st != calls.StateInit {
		t.Fatalf("state must be unchanged after rejection, got %q (%v)", st, err)
	}
}

func TestTerminateFromEveryForwardState(t *testing.T) {
	forward := []calls.State{calls.StateInit, calls.StateHalfInitiated,
		calls.StateAlerting, calls.StateConnecting, calls.StateHalfConnected,
		calls.StateConnected}

	for _, from := range forward {
		t.Run(string(from), func(t *testing.T) {
			f := newFixture(t)
			created := f.placeCall(t)
			callID := created.Call.CallID
			ctx := context.Background()

			f.forceState(t, callID, from)

			st, err := f.service.Transition(ctx, callID, calls.RoleCaller, calls.EventTerminate, "")
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if st != calls.StateTerminated {
				t.Fatalf("expected terminated, got %q", st)
			}

			// Metadata still present: reads as terminated, not unknown.
			got, err := f.service.GetState(ctx, callID)
			if err != nil || got != calls.StateTerminated {
				t.Fatalf("expected terminated, got %q (%v)", got, err)
			}
		})
	}
}

func TestTerminateReasonValidated(t *testing.T) {
	f := newFixture(t)
	created := f.placeCall(t)
	ctx := context.Background()

	_, err := f.service.Transition(ctx, created.Call.CallID, calls.RoleCaller,
		calls.EventTerminate, "not valid!")
	if err == nil {
		t.Fatalf("expected invalid reason to be rejected")
	}

	var published []string
	if _, err := f.bus.Subscribe(ctx, created.Call.CallID, func(_, msg string) {
		published = append(published, msg)
	}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := f.service.Transition(ctx, created.Call.CallID, calls.RoleCaller,
		calls.EventTerminate, "busy"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(published) != 1 || published[0] != "terminated:busy" {
		t.Fatalf("expected terminated:busy broadcast, got %v", published)
	}
}

func TestUnknownCallIsNotTerminated(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.GetState(context.Background(), "no-such-call")
	if !errors.Is(err, calls.ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestJoinAdvancesSetupAndPublishes(t *testing.T) {
	f := newFixture(t)
	created := f.placeCall(t)
	callID := created.Call.CallID
	ctx := context.Background()

	var published []string
	if _, err := f.bus.Subscribe(ctx, callID, func(_, msg string) {
		published = append(published, msg)
	}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	st, err := f.service.Join(ctx, callID, calls.RoleCaller)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if st != calls.StateHalfInitiated {
		t.Fatalf("expected half-initiated after caller join, got %q", st)
	}
	// half-initiated is internal bookkeeping, never published.
	if len(published) != 0 {
		t.Fatalf("half-initiated must not be published, got %v", published)
	}

	st, err = f.service.Join(ctx, callID, calls.RoleCallee)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if st != calls.StateAlerting {
		t.Fatalf("expected alerting after both joins, got %q", st)
	}
	if len(published) != 1 || published[0] != "alerting" {
		t.Fatalf("expected alerting broadcast, got %v", published)
	}
}

func TestListPendingCallsOrdered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	late := calls.Call{CallID: "late", Timestamp: 200}
	early := calls.Call{CallID: "early", Timestamp: 100}
	for _, c := range []calls.Call{late, early} {
		if err := f.store.SetCall(ctx, c, time.Hour); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if err := f.store.AddUserCall(ctx, "mac", c.CallID); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}

	list, err := f.service.ListPendingCalls(ctx, "mac")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(list) != 2 || list[0].CallID != "early" || list[1].CallID != "late" {
		t.Fatalf("expected timestamp order, got %+v", list)
	}
}

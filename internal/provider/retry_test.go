package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyProvider struct {
	failures int
	calls    int
}

func (f *flakyProvider) Name() string { return "flaky" }

func (f *flakyProvider) CreateSession(ctx context.Context) (Session, error) {
	f.calls++
	if f.calls <= f.failures {
		return Session{}, errors.New("boom")
	}
	return Session{SessionID: "sess", APIKey: "key"}, nil
}

func (f *flakyProvider) GenerateToken(sessionID string, opts TokenOptions) (string, error) {
	return "token", nil
}

func (f *flakyProvider) HealthCheck(ctx context.Context) error { return nil }

func TestRetrySucceedsWithinBudget(t *testing.T) {
	p := &flakyProvider{failures: 2}
	r := WithRetry(p, 3, 0, nil)

	sess, err := r.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sess.SessionID != "sess" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if p.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", p.calls)
	}
}

func TestRetryExhaustedIsUnavailable(t *testing.T) {
	p := &flakyProvider{failures: 10}
	r := WithRetry(p, 3, 0, nil)

	_, err := r.CreateSession(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if p.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", p.calls)
	}
}

func TestRetryStopsOnCanceledContext(t *testing.T) {
	p := &flakyProvider{failures: 10}
	r := WithRetry(p, 5, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.CreateSession(ctx)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if p.calls != 1 {
		t.Fatalf("expected a single attempt after cancellation, got %d", p.calls)
	}
}

func TestDefaultAttempts(t *testing.T) {
	p := &flakyProvider{failures: 10}
	r := WithRetry(p, 0, 0, nil)

	if _, err := r.CreateSession(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if p.calls != defaultAttempts {
		t.Fatalf("expected %d attempts, got %d", defaultAttempts, p.calls)
	}
}

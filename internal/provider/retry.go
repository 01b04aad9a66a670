package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const defaultAttempts = 3

// Retrier wraps a SessionProvider with bounded retries on session creation.
// Provider errors and per-attempt timeouts are treated identically; once the
// attempts are exhausted the failure surfaces as ErrUnavailable. Token
// generation is local and is never retried.
type Retrier struct {
	SessionProvider

	attempts int
	timeout  time.Duration
	log      *slog.Logger
}

// WithRetry decorates p. attempts <= 0 selects the default of 3; timeout <= 0
// disables the per-attempt deadline.
func WithRetry(p SessionProvider, attempts int, timeout time.Duration, log *slog.Logger) *Retrier {
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	if log == nil {
		log = slog.Default()
	}
	return &Retrier{SessionProvider: p, attempts: attempts, timeout: timeout, log: log}
}

func (r *Retrier) CreateSession(ctx context.Context) (Session, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if r.timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.timeout)
		}
		sess, err := r.SessionProvider.CreateSession(attemptCtx)
		cancel()
		if err == nil {
			return sess, nil
		}
		lastErr = err
		r.log.Warn("provider session create failed",
			"provider", r.Name(), "attempt", attempt, "err", err)

		if ctx.Err() != nil {
			break
		}
	}
	return Session{}, fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, r.attempts, lastErr)
}

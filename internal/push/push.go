// Package push delivers simple-push style version bumps to client device
// endpoints.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// Notifier PUTs {version} to each registered endpoint. Delivery is
// best-effort and per-URL: one endpoint failing neither blocks nor retries
// the others, and failures are only counted for observability.
type Notifier struct {
	client   *http.Client
	log      *slog.Logger
	failures atomic.Int64
}

func NewNotifier(timeout time.Duration, log *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{client: &http.Client{Timeout: timeout}, log: log}
}

// Notify walks urls in order, deduplicated, and fires one PUT per endpoint.
// It never returns an error; call sites that must not block run it in a
// goroutine.
func (n *Notifier) Notify(ctx context.Context, reason string, urls []string, version int64) {
	for _, endpoint := range dedupe(urls) {
		if err := n.put(ctx, endpoint, version); err != nil {
			n.failures.Add(1)
			n.log.Warn("push delivery failed", "reason", reason, "url", endpoint, "err", err)
		}
	}
}

// Failures reports the number of failed deliveries since construction.
func (n *Notifier) Failures() int64 { return n.failures.Load() }

func (n *Notifier) put(ctx context.Context, endpoint string, version int64) error {
	form := url.Values{}
	form.Set("version", fmt.Sprintf("%d", version))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := urls[:0:0]
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

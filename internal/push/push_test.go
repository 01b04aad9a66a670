package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestNotifyDeliversVersion(t *testing.T) {
	var mu sync.Mutex
	var versions []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("bad form: %v", err)
		}
		mu.Lock()
		versions = append(versions, r.PostFormValue("version"))
		mu.Unlock()
	}))
	defer srv.Close()

	n := NewNotifier(time.Second, nil)
	n.Notify(context.Background(), "call", []string{srv.URL, srv.URL + "/other"}, 12345)

	mu.Lock()
	defer mu.Unlock()
	if len(versions) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(versions))
	}
	for _, v := range versions {
		if v != "12345" {
			t.Fatalf("expected version 12345, got %q", v)
		}
	}
}

func TestNotifyOneFailureDoesNotBlockOthers(t *testing.T) {
	var delivered int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered++
	}))
	defer srv.Close()

	n := NewNotifier(200*time.Millisecond, nil)
	n.Notify(context.Background(), "call",
		[]string{"http://127.0.0.1:0/unreachable", srv.URL}, 7)

	if delivered != 1 {
		t.Fatalf("expected the healthy endpoint to be notified, delivered=%d", delivered)
	}
	if n.Failures() != 1 {
		t.Fatalf("expected 1 counted failure, got %d", n.Failures())
	}
}

func TestNotifyDedupesURLs(t *testing.T) {
	var delivered int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered++
	}))
	defer srv.Close()

	n := NewNotifier(time.Second, nil)
	n.Notify(context.Background(), "call", []string{srv.URL, srv.URL, ""}, 1)

	if delivered != 1 {
		t.Fatalf("expected a single delivery to a duplicated URL, got %d", delivered)
	}
}

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, baseURL string, retries int) *GPUStackClient {
	t.Helper()
	c, err := NewGPUStackClient(GPUStackConfig{
		BaseURL:       baseURL,
		APIToken:      "svc-token",
		Timeout:       time.Second,
		MaxRetries:    retries,
		RetryInterval: time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestGPUStackClientSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer svc-token" {
			t.Errorf("expected service bearer token, got %q", got)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "alice" || body["password"] != "pw" {
			t.Errorf("unexpected credentials payload: %v", body)
		}
		_ = json.NewEncoder(w).Encode(ExternalUser{ID: 9, Username: "alice", Email: "a@example.com", FullName: "Alice"})
	}))
	defer srv.Close()

	user, err := newTestClient(t, srv.URL, 0).Authenticate(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if user.ID != 9 || user.Username != "alice" || user.FullName != "Alice" {
		t.Fatalf("unexpected user: %+v", user)
	}
}

func TestGPUStackClientRejectedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 3).Authenticate(context.Background(), "alice", "bad")
	if !errors.Is(err, ErrProviderRejected) {
		t.Fatalf("expected ErrProviderRejected, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one attempt for 4xx, got %d", calls.Load())
	}
}

func TestGPUStackClientClientErrorsAreOutages(t *testing.T) {
	cases := []struct {
		name   string
		status int
	}{
		{name: "wrong login path", status: http.StatusNotFound},
		{name: "throttled", status: http.StatusTooManyRequests},
		{name: "bad request", status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL, 3).Authenticate(context.Background(), "alice", "pw")
			if !errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrProviderRejected) {
				t.Fatalf("status %d: expected ErrProviderUnavailable only, got %v", tc.status, err)
			}
			if calls.Load() != 1 {
				t.Fatalf("status %d: expected a single attempt, got %d", tc.status, calls.Load())
			}
		})
	}
}

func TestGPUStackClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(ExternalUser{ID: 1, Username: "alice"})
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL, 1).Authenticate(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestGPUStackClientUnavailableAfterBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 2).Authenticate(context.Background(), "alice", "pw")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestGPUStackClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t, url, 0).Authenticate(context.Background(), "alice", "pw")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable for closed server, got %v", err)
	}
}

func TestGPUStackClientDisabled(t *testing.T) {
	c := newTestClient(t, "", 0)
	if c.Enabled() {
		t.Fatal("expected client without base url to be disabled")
	}
	if _, err := c.Authenticate(context.Background(), "a", "b"); !errors.Is(err, ErrProviderDisabled) {
		t.Fatalf("expected ErrProviderDisabled, got %v", err)
	}
}

func TestNewGPUStackClientRejectsInvalidURL(t *testing.T) {
	if _, err := NewGPUStackClient(GPUStackConfig{BaseURL: "not a url"}, nil); err == nil {
		t.Fatal("expected invalid base url error")
	}
}

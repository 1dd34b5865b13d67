package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFailTransportClientTimeoutIsNetwork(t *testing.T) {
	// An http.Client deadline surfaces as context.DeadlineExceeded even
	// though the caller's context is still alive. That is a provider
	// outage: it must stay retryable so the router falls through and
	// the cooldown counter moves.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := &http.Client{Timeout: 20 * time.Millisecond}
	req, err := http.NewRequestWithContext(context.Background(), "GET", srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = client.Do(req)
	if err == nil {
		t.Fatal("expected client timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Skipf("client timeout did not unwrap to DeadlineExceeded: %v", err)
	}

	f := failTransport(context.Background(), "ollama", err)
	if f.Kind != FailNetwork {
		t.Errorf("Kind = %q, want %q", f.Kind, FailNetwork)
	}
	if !f.Retryable() {
		t.Error("client timeout should be retryable")
	}
}

func TestFailTransportCancelledCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := failTransport(ctx, "anthropic", context.Canceled)
	if f.Kind != FailCancelled {
		t.Errorf("Kind = %q, want %q", f.Kind, FailCancelled)
	}
	if f.Retryable() {
		t.Error("cancelled caller should not be retryable")
	}
}

func TestFailTransportExpiredCallerDeadline(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	f := failTransport(ctx, "anthropic", context.DeadlineExceeded)
	if f.Kind != FailCancelled {
		t.Errorf("Kind = %q, want %q", f.Kind, FailCancelled)
	}
}

func TestFailTransportPlainNetworkError(t *testing.T) {
	f := failTransport(context.Background(), "openai", errors.New("connection refused"))
	if f.Kind != FailNetwork {
		t.Errorf("Kind = %q, want %q", f.Kind, FailNetwork)
	}
	if !f.Retryable() {
		t.Error("network failure should be retryable")
	}
}

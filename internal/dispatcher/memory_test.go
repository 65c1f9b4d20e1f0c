package dispatcher

import (
	"context"
	"geoalign/internal/testutil"
	"geoalign/pkg/backoff"
	"geoalign/pkg/circuitbreaker"
	"geoalign/pkg/cloudevent"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T, cfg MemoryConfig) *MemoryDispatcher {
	t.Helper()
	d := NewMemory(cfg, nil)
	d.retry = &backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Close(ctx)
	})
	return d
}

func testEvent(url string) *Event {
	return &Event{
		Payload:     cloudevent.New(EventJobDone, EventSource, "job-1", map[string]string{"id": "job-1"}),
		Destination: url,
	}
}

func TestMemoryDispatcher_Dispatch(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{BufferSize: 10, Workers: 2})
	if err := d.Dispatch(testEvent(server.URL)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered == 1
	}, testutil.WithTimeout(5*time.Second))

	if received.Load() != 1 {
		t.Errorf("expected 1 delivery, got %d", received.Load())
	}
	if stats := d.Stats(); stats.Queued != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMemoryDispatcher_BufferFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	d := newTestDispatcher(t, MemoryConfig{BufferSize: 1, Workers: 1})

	// One in flight, one buffered, the rest dropped.
	var full int
	for range 5 {
		if d.Dispatch(testEvent(server.URL)) == ErrBufferFull {
			full++
		}
	}
	if full == 0 {
		t.Fatal("expected at least one ErrBufferFull")
	}
	if got := d.Stats().Dropped; got != int64(full) {
		t.Errorf("Dropped = %d, want %d", got, full)
	}
}

func TestMemoryDispatcher_Retry(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{BufferSize: 10, Workers: 1})
	d.Dispatch(testEvent(server.URL))

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered == 1
	}, testutil.WithTimeout(5*time.Second))

	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
	if got := d.Stats().RetriesTotal; got != 2 {
		t.Errorf("RetriesTotal = %d, want 2", got)
	}
}

func TestMemoryDispatcher_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{BufferSize: 10, Workers: 1})
	d.Dispatch(testEvent(server.URL))

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Failed == 1
	}, testutil.WithTimeout(5*time.Second))

	if got := attempts.Load(); got != defaultMaxRetries+1 {
		t.Errorf("attempts = %d, want %d", got, defaultMaxRetries+1)
	}
}

func TestMemoryDispatcher_NoRetryOn4xx(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{BufferSize: 10, Workers: 1})
	d.Dispatch(testEvent(server.URL))

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Failed == 1
	}, testutil.WithTimeout(5*time.Second))

	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestMemoryDispatcher_OpenCircuitSkipsDelivery(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{
		BufferSize: 10,
		Workers:    1,
		Breaker:    circuitbreaker.Config{Threshold: 1, Cooldown: time.Hour},
	})
	d.Dispatch(testEvent(server.URL))
	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Failed == 1
	}, testutil.WithTimeout(5*time.Second))

	d.Dispatch(testEvent(server.URL))
	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Failed == 2
	}, testutil.WithTimeout(5*time.Second))

	if got := attempts.Load(); got != defaultMaxRetries+1 {
		t.Errorf("attempts = %d, want %d from the first event only", got, defaultMaxRetries+1)
	}
	if got := d.Stats().OpenCircuits; got != 1 {
		t.Errorf("OpenCircuits = %d, want 1", got)
	}
}

func TestMemoryDispatcher_ClientErrorKeepsCircuitClosed(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{
		BufferSize: 10,
		Workers:    1,
		Breaker:    circuitbreaker.Config{Threshold: 1, Cooldown: time.Hour},
	})
	d.Dispatch(testEvent(server.URL))
	d.Dispatch(testEvent(server.URL))
	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Failed == 2
	}, testutil.WithTimeout(5*time.Second))

	if got := d.Stats().OpenCircuits; got != 0 {
		t.Errorf("OpenCircuits = %d, want 0", got)
	}
}

func TestMemoryDispatcher_GracefulShutdown(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{BufferSize: 100, Workers: 2}, nil)
	for range 10 {
		d.Dispatch(testEvent(server.URL))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if received.Load() != 10 {
		t.Errorf("expected 10 deliveries, got %d", received.Load())
	}
	if err := d.Dispatch(testEvent(server.URL)); err != ErrClosed {
		t.Errorf("Dispatch after Close = %v, want ErrClosed", err)
	}
	if err := d.Close(ctx); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestExtractHost(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rawURL   string
		expected string
	}{
		{"http://localhost:8080/webhook", "localhost:8080"},
		{"https://hooks.example.com/geoalign?token=abc", "hooks.example.com"},
		{"://invalid", "://invalid"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := extractHost(tt.rawURL); got != tt.expected {
			t.Errorf("extractHost(%q) = %q, want %q", tt.rawURL, got, tt.expected)
		}
	}
}

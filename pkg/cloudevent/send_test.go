package cloudevent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPError_Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		statusCode int
		expected   string
	}{
		{400, "HTTP 400"},
		{404, "HTTP 404"},
		{500, "HTTP 500"},
		{503, "HTTP 503"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			t.Parallel()
			err := &HTTPError{StatusCode: tt.statusCode}
			if err.Error() != tt.expected {
				t.Errorf("HTTPError{%d}.Error() = %q, want %q", tt.statusCode, err.Error(), tt.expected)
			}
		})
	}
}

func TestIsClientError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "400 Bad Request",
			err:      &HTTPError{StatusCode: 400},
			expected: true,
		},
		{
			name:     "401 Unauthorized",
			err:      &HTTPError{StatusCode: 401},
			expected: true,
		},
		{
			name:     "404 Not Found",
			err:      &HTTPError{StatusCode: 404},
			expected: true,
		},
		{
			name:     "499 client error boundary",
			err:      &HTTPError{StatusCode: 499},
			expected: true,
		},
		{
			name:     "500 Internal Server Error",
			err:      &HTTPError{StatusCode: 500},
			expected: false,
		},
		{
			name:     "503 Service Unavailable",
			err:      &HTTPError{StatusCode: 503},
			expected: false,
		},
		{
			name:     "399 not a client error",
			err:      &HTTPError{StatusCode: 399},
			expected: false,
		},
		{
			name:     "wrapped 422",
			err:      fmt.Errorf("deliver: %w", &HTTPError{StatusCode: 422}),
			expected: true,
		},
		{
			name:     "non-HTTP error",
			err:      context.DeadlineExceeded,
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := IsClientError(tt.err)
			if got != tt.expected {
				t.Errorf("IsClientError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestSignature(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"test":"data"}`)

	signature := Signature(payload, "secret-key")
	if len(signature) != len("sha256=")+64 || signature[:7] != "sha256=" {
		t.Errorf("Signature() = %q, want sha256=<64 hex>", signature)
	}
	if Signature(payload, "secret-key") != signature {
		t.Error("signature should be deterministic")
	}
	if Signature(payload, "different-key") == signature {
		t.Error("different keys should produce different signatures")
	}
	if !Verify(payload, "secret-key", signature) {
		t.Error("Verify() rejected a valid signature")
	}
	if Verify([]byte(`{"test":"tampered"}`), "secret-key", signature) {
		t.Error("Verify() accepted a tampered payload")
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	a := New("geoalign.job.done", "geoalign/api", "job-1", map[string]string{"id": "job-1"})
	b := New("geoalign.job.done", "geoalign/api", "job-1", nil)

	if a.SpecVersion != "1.0" || a.DataContentType != "application/json" {
		t.Errorf("New() = %+v", a)
	}
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("event ids %q and %q should be distinct and non-empty", a.ID, b.ID)
	}
	if a.Time.IsZero() || a.Time.Location() != time.UTC {
		t.Errorf("event time = %v, want UTC now", a.Time)
	}
}

func TestSender_Send(t *testing.T) {
	t.Parallel()

	type received struct {
		header http.Header
		body   []byte
	}
	got := make(chan received, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	event := New("geoalign.job.error", "geoalign/api", "job-7", map[string]string{"status": "error"})
	if err := NewSender(5*time.Second).Send(context.Background(), server.URL, event, "k"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	r := <-got
	if ct := r.header.Get("Content-Type"); ct != "application/cloudevents+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if r.header.Get("Ce-Type") != "geoalign.job.error" || r.header.Get("Ce-Subject") != "job-7" {
		t.Errorf("ce headers = %v", r.header)
	}
	if !Verify(r.body, "k", r.header.Get(SignatureHeader)) {
		t.Errorf("signature %q does not match body", r.header.Get(SignatureHeader))
	}

	var decoded CloudEvent
	if err := json.Unmarshal(r.body, &decoded); err != nil {
		t.Fatalf("body is not a CloudEvent: %v", err)
	}
	if decoded.ID != event.ID || decoded.Source != "geoalign/api" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestSender_SendUnsignedAndErrorStatus(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SignatureHeader) != "" {
			t.Errorf("unexpected signature header")
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewSender(5*time.Second).Send(context.Background(), server.URL, New("t", "s", "j", nil), "")
	he, ok := err.(*HTTPError)
	if !ok || he.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Send() error = %v, want HTTP 503", err)
	}
	if IsClientError(err) {
		t.Error("503 should be retryable")
	}
}

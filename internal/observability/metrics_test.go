package observability

import (
	"context"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}

	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/livez", 200, 0.001)
	metrics.RecordHTTPRequest(ctx, "POST", "/api/jobs", 200, 0.050)
	metrics.RecordHTTPRequest(ctx, "GET", "/api/jobs/job-1-abc", 200, 0.010)
	metrics.RecordHTTPRequest(ctx, "GET", "/api/jobs/job-2-def", 404, 0.005)
	metrics.RecordHTTPRequest(ctx, "GET", "/api/rasters/job-1-abc/A_clipped.tif", 200, 0.100)
	metrics.RecordHTTPRequest(ctx, "POST", "/api/upload", 500, 0.001)
}

func TestRecordJobMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordJobCreated(ctx)
	metrics.RecordJobCreated(ctx)
	metrics.RecordJobResumed(ctx)
	metrics.RecordJobStarted(ctx)
	metrics.RecordJobStarted(ctx)
	metrics.RecordJobFinished(ctx, OutcomeDone, 5.5)
	metrics.RecordJobFinished(ctx, OutcomeDiagnostic, 120.0)
	metrics.RecordJobFinished(ctx, OutcomeSetup, 0)
	metrics.RecordPoolQueueSize(ctx, 3)
	metrics.RecordPoolRejected(ctx)
	metrics.RecordStoreFlush(ctx, true, 0.002)
	metrics.RecordStoreFlush(ctx, false, 0.2)
}

func TestRecordDispatcherMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	metrics.RecordDispatcherDelivered(ctx, 0.05)
	metrics.RecordDispatcherFailed(ctx)
	metrics.RecordDispatcherDropped(ctx)
	metrics.RecordDispatcherQueueSize(ctx, 7)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/livez", "/livez"},
		{"/metrics", "/metrics"},
		{"/api/jobs", "/api/jobs"},
		{"/api/jobs/", "/api/jobs/"},
		{"/api/jobs/job-1700000000000-1a2b3c4d", "/api/jobs/{jobId}"},
		{"/api/rasters/job-1/A_clipped.tif", "/api/rasters/{jobId}/{filename}"},
		{"/api/rasters/job-1", "/api/rasters/{jobId}"},
		{"/api/upload", "/api/upload"},
		{"/other/path", "/other/path"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

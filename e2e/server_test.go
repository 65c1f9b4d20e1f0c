//go:build e2e

package e2e

import (
	"context"
	"geoalign/internal/api"
	"geoalign/internal/artifact"
	"geoalign/internal/dispatcher"
	"geoalign/internal/health"
	"geoalign/internal/job"
	"geoalign/internal/observability"
	"geoalign/internal/store"
	"geoalign/internal/supervisor"
	"geoalign/internal/workerpool"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeWorker copies the inputs to the expected outputs. An image A whose
// content contains FAIL makes it report a GDAL-style error instead, and SLOW
// delays it. Arguments follow the script as $1..$8:
// --image_a A --image_b B --aoi AOI --out_dir DIR.
const fakeWorker = `
if grep -q FAIL "$2"; then
	echo "ERROR 1: $2: not a valid raster" >&2
	exit 1
fi
if grep -q SLOW "$2"; then
	sleep 1
fi
cp "$2" "$8/A_clipped.tif" && cp "$4" "$8/B_clipped_aligned.tif"
`

type stack struct {
	URL     string
	DataDir string
	Metrics *observability.Metrics
	Service *job.Service
}

type stackOptions struct {
	dataDir   string
	notifyURL string
	workers   int
}

// getTestURL returns the base URL for e2e tests.
// If E2E_API_URL is set, tests run against that instance.
// Otherwise, an in-process server is started.
func getTestURL(t *testing.T) string {
	if url := os.Getenv("E2E_API_URL"); url != "" {
		t.Logf("Using external API: %s", url)
		return url
	}
	return startStack(t, stackOptions{}).URL
}

// startStack wires the same components as geoalign-api, on a file store and
// the exec launcher running fakeWorker.
func startStack(tb testing.TB, opts stackOptions) *stack {
	tb.Helper()
	ctx := context.Background()
	if opts.dataDir == "" {
		opts.dataDir = tb.TempDir()
	}
	if opts.workers == 0 {
		opts.workers = 4
	}

	metrics, _, err := observability.NewMetrics(ctx)
	if err != nil {
		tb.Fatalf("Failed to create metrics: %v", err)
	}
	ws, err := artifact.NewWorkspace(opts.dataDir)
	if err != nil {
		tb.Fatalf("Failed to create workspace: %v", err)
	}
	st := store.Open(ctx, store.NewFilePersister(filepath.Join(ws.Root(), "jobs.json")), metrics)

	launcher, err := supervisor.NewExecLauncher([]string{"sh", "-c", fakeWorker, "worker"})
	if err != nil {
		tb.Fatalf("Failed to create launcher: %v", err)
	}
	pool := workerpool.New(workerpool.Config{Workers: opts.workers, QueueSize: 256}, metrics)

	supCfg := supervisor.Config{Launcher: launcher, Pool: pool, Repo: st, Metrics: metrics}
	var events *dispatcher.MemoryDispatcher
	if opts.notifyURL != "" {
		events = dispatcher.NewMemory(dispatcher.MemoryConfig{BufferSize: 1000, Workers: 4}, metrics)
		supCfg.Notifier = dispatcher.NewJobNotifier(events, opts.notifyURL, "e2e-key")
	}
	sup := supervisor.New(supCfg)

	svc := job.NewService(st, ws, sup, metrics)
	svc.Recover(ctx)

	checker := health.NewChecker(
		health.Check{Name: "store", Checker: st},
		health.Check{Name: "launcher", Checker: sup, Critical: true},
	)
	server := httptest.NewServer(api.NewRouter(api.RouterConfig{
		JobService:     svc,
		Workspace:      ws,
		Metrics:        metrics,
		HealthChecker:  checker,
		MaxUploadBytes: 64 << 20,
	}))

	tb.Cleanup(func() {
		server.Close()
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = pool.Close(closeCtx)
		_ = sup.Close(closeCtx)
		if events != nil {
			_ = events.Close(closeCtx)
		}
		_ = st.Close(closeCtx)
	})

	return &stack{URL: server.URL, DataDir: ws.Root(), Metrics: metrics, Service: svc}
}

func writeRaster(tb testing.TB, name, content string) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), name)
	if err := os.WriteFile(path, []byte("II*\x00"+content), 0o644); err != nil {
		tb.Fatalf("Failed to write raster: %v", err)
	}
	return path
}

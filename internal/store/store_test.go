package store

import (
	"context"
	"errors"
	"fmt"
	"geoalign/internal/apperrors"
	"geoalign/internal/job"
	"geoalign/pkg/backoff"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func newJob(id string, offset time.Duration) *job.Job {
	at := base.Add(offset)
	return &job.Job{
		ID:        id,
		Status:    job.StatusPending,
		ImageAID:  "file-1-a.tif",
		ImageBID:  "file-2-b.tif",
		AOI:       job.AOI{North: 10, South: 0, East: 10.5, West: -0.25},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func openFile(t *testing.T, path string) *Store {
	t.Helper()
	s := Open(context.Background(), NewFilePersister(path), nil)
	s.retry = &backoff.Config{Initial: time.Millisecond, Max: time.Millisecond}
	return s
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.json")

	s := openFile(t, path)
	const n = 25
	for i := range n {
		require.NoError(t, s.Create(ctx, newJob(fmt.Sprintf("job-%02d", i), time.Duration(i)*time.Second)))
	}
	_, err := s.Update(ctx, "job-03", func(j *job.Job) bool {
		j.MarkRunning(base.Add(time.Minute))
		return j.Complete(job.OutputsFor(j.ID), base.Add(2*time.Minute))
	})
	require.NoError(t, err)
	_, err = s.Update(ctx, "job-04", func(j *job.Job) bool {
		return j.Fail("gdal: cannot open", base.Add(time.Minute))
	})
	require.NoError(t, err)
	want := s.List()

	// No Close: every mutation must already be on disk.
	reloaded := openFile(t, path)
	assert.Equal(t, n, reloaded.Len())
	assert.Equal(t, want, reloaded.List())

	done, err := reloaded.Get("job-03")
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, done.Status)
	require.NotNil(t, done.Outputs)
	assert.Equal(t, "/api/rasters/job-03/A_clipped.tif", done.Outputs.ImageAURL)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")

	p, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	s := Open(ctx, p, nil)
	for i := range 10 {
		require.NoError(t, s.Create(ctx, newJob(fmt.Sprintf("job-%02d", i), time.Duration(i)*time.Second)))
	}
	_, err = s.Update(ctx, "job-07", func(j *job.Job) bool {
		return j.Fail("Process failed with exit code 2", base.Add(time.Hour))
	})
	require.NoError(t, err)
	want := s.List()
	require.NoError(t, s.Close(ctx))

	p2, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	reloaded := Open(ctx, p2, nil)
	t.Cleanup(func() { reloaded.Close(ctx) })

	assert.Equal(t, want, reloaded.List())
	failed, err := reloaded.Get("job-07")
	require.NoError(t, err)
	assert.Equal(t, job.StatusError, failed.Status)
	assert.Equal(t, "Process failed with exit code 2", failed.Error)
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := Open(ctx, nil, nil)

	require.NoError(t, s.Create(ctx, newJob("job-b", time.Second)))
	require.NoError(t, s.Create(ctx, newJob("job-c", 3*time.Second)))
	require.NoError(t, s.Create(ctx, newJob("job-a", time.Second)))

	var ids []string
	for _, j := range s.List() {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"job-c", "job-b", "job-a"}, ids)
}

func TestCreateConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := Open(ctx, nil, nil)

	require.NoError(t, s.Create(ctx, newJob("job-1", 0)))
	err := s.Create(ctx, newJob("job-1", time.Second))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	assert.Equal(t, 1, s.Len())
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()
	s := Open(context.Background(), nil, nil)

	_, err := s.Get("missing")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	_, err = s.Update(context.Background(), "missing", func(*job.Job) bool { return true })
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestReadsReturnCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := Open(ctx, nil, nil)
	require.NoError(t, s.Create(ctx, newJob("job-1", 0)))

	got, err := s.Get("job-1")
	require.NoError(t, err)
	got.Status = job.StatusDone
	got.Outputs = &job.Outputs{ImageAURL: "x"}

	again, err := s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, again.Status)
	assert.Nil(t, again.Outputs)
}

// countingPersister counts saves and can be told to fail.
type countingPersister struct {
	mu    sync.Mutex
	saves int
	fail  error
	last  map[string]job.Status
}

func (p *countingPersister) Load(context.Context) (map[string]*job.Job, error) {
	return map[string]*job.Job{}, nil
}

func (p *countingPersister) Save(_ context.Context, _ *job.Job, all map[string]*job.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	if p.fail != nil {
		return p.fail
	}
	p.last = make(map[string]job.Status, len(all))
	for id, j := range all {
		p.last[id] = j.Status
	}
	return nil
}

func (p *countingPersister) Close() error { return nil }

func (p *countingPersister) setFail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

func (p *countingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

func TestUpdateWithoutChangeSkipsFlush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := &countingPersister{}
	s := Open(ctx, p, nil)
	require.NoError(t, s.Create(ctx, newJob("job-1", 0)))
	require.Equal(t, 1, p.count())

	got, err := s.Update(ctx, "job-1", func(j *job.Job) bool {
		j.Status = job.StatusDone // discarded: fn reports no change
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, 1, p.count())

	_, err = s.Update(ctx, "job-1", func(j *job.Job) bool { return j.MarkRunning(base) })
	require.NoError(t, err)
	assert.Equal(t, 2, p.count())
	assert.Equal(t, job.StatusRunning, p.last["job-1"])
}

func TestFlushFailureKeepsServingFromMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := &countingPersister{fail: errors.New("disk full")}
	s := Open(ctx, p, nil)
	s.retry = &backoff.Config{Initial: time.Millisecond, Max: time.Millisecond}

	require.NoError(t, s.Create(ctx, newJob("job-1", 0)))
	assert.Equal(t, flushAttempts, p.count())

	got, err := s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)

	err = s.Ready(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	p.setFail(nil)
	require.NoError(t, s.Flush(ctx))
	assert.NoError(t, s.Ready(ctx))
	assert.Equal(t, job.StatusPending, p.last["job-1"])
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.json")
	s := openFile(t, path)
	require.NoError(t, s.Create(ctx, newJob("job-1", 0)))
	_, err := s.Update(ctx, "job-1", func(j *job.Job) bool { return j.MarkRunning(base) })
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.Update(ctx, "job-1", func(j *job.Job) bool {
			return j.ApplyDiagnostic("Traceback: boom", base.Add(time.Second)) == job.MergeApplied
		})
	}()
	go func() {
		defer wg.Done()
		s.Update(ctx, "job-1", func(j *job.Job) bool {
			return j.ApplyExit(1, base.Add(time.Second)) == job.MergeApplied
		})
	}()
	wg.Wait()

	got, err := s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusError, got.Status)
	assert.Nil(t, got.Outputs)

	// Whatever won, the snapshot on disk matches memory.
	reloaded := openFile(t, path)
	onDisk, err := reloaded.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, got, onDisk)
}

func TestCorruptSnapshotIsMovedAside(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"job-1": {"id": `), 0o644))

	s := openFile(t, path)
	assert.Equal(t, 0, s.Len())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var aside []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "jobs.json.corrupt-") {
			aside = append(aside, e.Name())
		}
	}
	require.Len(t, aside, 1)
	data, err := os.ReadFile(filepath.Join(dir, aside[0]))
	require.NoError(t, err)
	assert.Equal(t, `{"job-1": {"id": `, string(data))

	// The store keeps working and the next flush writes a fresh snapshot.
	require.NoError(t, s.Create(context.Background(), newJob("job-2", 0)))
	assert.Equal(t, 1, openFile(t, path).Len())
}

func TestMissingAndEmptySnapshot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	jobs, err := NewFilePersister(filepath.Join(dir, "absent.json")).Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	jobs, err = NewFilePersister(empty).Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSnapshotFormatIsKeyedByID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "jobs.json")
	s := openFile(t, path)
	require.NoError(t, s.Create(ctx, newJob("job-42", 0)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"job-42": {`)
	assert.Contains(t, string(data), `"status": "pending"`)
	assert.Contains(t, string(data), `"imageAId": "file-1-a.tif"`)
	assert.NotContains(t, string(data), `"outputs"`)
	assert.NotContains(t, string(data), `"error"`)
}

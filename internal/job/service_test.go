package job

import (
	"context"
	"errors"
	"fmt"
	"geoalign/internal/apperrors"
	"geoalign/internal/workerpool"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

// memRepo is a minimal Repository for exercising the service in isolation.
type memRepo struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newMemRepo(jobs ...*Job) *memRepo {
	r := &memRepo{jobs: make(map[string]*Job)}
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
	return r
}

func (r *memRepo) Create(_ context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID]; ok {
		return apperrors.Conflict("job", j.ID, "exists")
	}
	r.jobs[j.ID] = j.Clone()
	return nil
}

func (r *memRepo) Update(_ context.Context, id string, fn func(*Job) bool) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	next := j.Clone()
	if fn(next) {
		r.jobs[id] = next
	}
	return r.jobs[id].Clone(), nil
}

func (r *memRepo) Get(id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j.Clone(), nil
}

func (r *memRepo) List() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Clone())
	}
	slices.SortFunc(out, func(a, b *Job) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

type fakeWorkspace struct {
	root      string
	outputErr error
}

func (w *fakeWorkspace) InputPath(imageID string) string {
	return filepath.Join(w.root, "uploads", imageID)
}

func (w *fakeWorkspace) OutputDir(jobID string) (string, error) {
	if w.outputErr != nil {
		return "", w.outputErr
	}
	return filepath.Join(w.root, "outputs", jobID), nil
}

type fakeRunner struct {
	mu        sync.Mutex
	submitted []Invocation
	resumed   []Invocation
	submitErr error
	resumeErr map[string]error
}

func (r *fakeRunner) Submit(inv Invocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.submitErr != nil {
		return r.submitErr
	}
	r.submitted = append(r.submitted, inv)
	return nil
}

func (r *fakeRunner) Resume(_ context.Context, inv Invocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.resumeErr[inv.JobID]; err != nil {
		return err
	}
	r.resumed = append(r.resumed, inv)
	return nil
}

func newTestService(repo *memRepo, ws *fakeWorkspace, runner *fakeRunner) *Service {
	svc := NewService(repo, ws, runner, nil)
	svc.now = func() time.Time { return t0 }
	return svc
}

func TestCreateSubmitsPendingJob(t *testing.T) {
	t.Parallel()
	repo := newMemRepo()
	runner := &fakeRunner{}
	svc := newTestService(repo, &fakeWorkspace{root: "/data"}, runner)

	resp, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(resp.JobID, "job-") {
		t.Errorf("JobID = %q", resp.JobID)
	}

	j, err := svc.Get(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// The pool worker, not the controller, moves the job to running.
	if j.Status != StatusPending {
		t.Errorf("status = %s, want pending", j.Status)
	}
	if j.ImageAID != "a1" || j.ImageBID != "b1" {
		t.Errorf("refs = %q %q", j.ImageAID, j.ImageBID)
	}
	if !j.CreatedAt.Equal(t0) || !j.UpdatedAt.Equal(t0) {
		t.Errorf("timestamps = %v %v", j.CreatedAt, j.UpdatedAt)
	}

	if len(runner.submitted) != 1 {
		t.Fatalf("submitted %d invocations, want 1", len(runner.submitted))
	}
	inv := runner.submitted[0]
	want := Invocation{
		JobID:     resp.JobID,
		ImageA:    "/data/uploads/a1",
		ImageB:    "/data/uploads/b1",
		AOI:       AOI{North: 10, South: 0, East: 10, West: 0},
		OutputDir: "/data/outputs/" + resp.JobID,
	}
	if inv != want {
		t.Errorf("invocation = %+v, want %+v", inv, want)
	}
}

func TestCreateValidationCreatesNoRecord(t *testing.T) {
	t.Parallel()
	repo := newMemRepo()
	runner := &fakeRunner{}
	svc := newTestService(repo, &fakeWorkspace{root: "/data"}, runner)

	req := validRequest()
	req.AOI.East = nil
	_, err := svc.Create(context.Background(), req)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err.Error() != MissingParamsMessage {
		t.Errorf("message = %q", err.Error())
	}
	if n := len(repo.List()); n != 0 {
		t.Errorf("store has %d jobs, want 0", n)
	}
	if len(runner.submitted) != 0 {
		t.Error("runner should not be called")
	}
}

func TestCreateSetupFailureStillReturnsID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		ws        *fakeWorkspace
		runner    *fakeRunner
		wantError string
	}{
		{
			name:      "output directory",
			ws:        &fakeWorkspace{root: "/data", outputErr: errors.New("permission denied")},
			runner:    &fakeRunner{},
			wantError: "create output directory: permission denied",
		},
		{
			name:      "queue full",
			ws:        &fakeWorkspace{root: "/data"},
			runner:    &fakeRunner{submitErr: workerpool.ErrQueueFull},
			wantError: "worker pool saturated: admission queue full",
		},
		{
			name:      "pool closed",
			ws:        &fakeWorkspace{root: "/data"},
			runner:    &fakeRunner{submitErr: fmt.Errorf("submit: %w", workerpool.ErrClosed)},
			wantError: "server shutting down: submit: worker pool closed",
		},
		{
			name:      "other submit failure",
			ws:        &fakeWorkspace{root: "/data"},
			runner:    &fakeRunner{submitErr: errors.New("runner unavailable")},
			wantError: "submit job: runner unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			repo := newMemRepo()
			svc := newTestService(repo, tt.ws, tt.runner)

			resp, err := svc.Create(context.Background(), validRequest())
			if err != nil {
				t.Fatalf("Create should not fail once the record exists: %v", err)
			}
			j, err := svc.Get(context.Background(), resp.JobID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if j.Status != StatusError {
				t.Errorf("status = %s, want error", j.Status)
			}
			if j.Error != tt.wantError {
				t.Errorf("error = %q, want %q", j.Error, tt.wantError)
			}
			if j.Outputs != nil {
				t.Error("error job must not carry outputs")
			}
		})
	}
}

func TestGetUnknownJob(t *testing.T) {
	t.Parallel()
	svc := newTestService(newMemRepo(), &fakeWorkspace{}, &fakeRunner{})

	_, err := svc.Get(context.Background(), "job-nope")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRecover(t *testing.T) {
	t.Parallel()

	pending := jobIn(StatusPending)
	pending.ID = "job-pending"
	running := jobIn(StatusRunning)
	running.ID = "job-running"
	running.ImageAID, running.ImageBID = "a1", "b1"
	running.AOI = AOI{North: 10, South: 0, East: 10, West: 0}
	lost := jobIn(StatusRunning)
	lost.ID = "job-lost"
	done := jobIn(StatusDone)
	done.ID = "job-done"
	failed := jobIn(StatusError)
	failed.ID = "job-failed"

	repo := newMemRepo(pending, running, lost, done, failed)
	runner := &fakeRunner{resumeErr: map[string]error{"job-lost": errors.New("admission queue full")}}
	svc := newTestService(repo, &fakeWorkspace{root: "/data"}, runner)

	if n := svc.Recover(context.Background()); n != 2 {
		t.Errorf("Recover() = %d, want 2", n)
	}

	var ids []string
	for _, inv := range runner.resumed {
		ids = append(ids, inv.JobID)
		if inv.JobID == "job-running" {
			if inv.ImageA != "/data/uploads/a1" || inv.OutputDir != "/data/outputs/job-running" {
				t.Errorf("resumed invocation = %+v", inv)
			}
		}
	}
	slices.Sort(ids)
	if strings.Join(ids, ",") != "job-pending,job-running" {
		t.Errorf("resumed %v", ids)
	}

	j, _ := repo.Get("job-lost")
	if j.Status != StatusError || j.Error != "admission queue full" {
		t.Errorf("unresumable job = %s %q", j.Status, j.Error)
	}
	j, _ = repo.Get("job-done")
	if j.Status != StatusDone {
		t.Errorf("terminal job touched: %s", j.Status)
	}
}

func TestList(t *testing.T) {
	t.Parallel()
	repo := newMemRepo()
	svc := newTestService(repo, &fakeWorkspace{root: "/data"}, &fakeRunner{})

	for range 3 {
		if _, err := svc.Create(context.Background(), validRequest()); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	jobs, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 3 {
		t.Errorf("List returned %d jobs, want 3", len(jobs))
	}
}

// Package job holds the alignment job model, its state machine, and the
// controller that creates jobs and hands them to the worker supervisor.
package job

import (
	"context"
	"errors"
	"geoalign/internal/apperrors"
	"geoalign/internal/observability"
	"geoalign/internal/workerpool"
	"log/slog"
	"time"
)

// Repository is the durable job store the service drives.
type Repository interface {
	// Create persists a new record. Returns a conflict error if the id exists.
	Create(ctx context.Context, j *Job) error
	// Update applies fn under the store's serialization point and persists the
	// record if fn reports a change. Returns the record as stored afterwards.
	Update(ctx context.Context, id string, fn func(*Job) bool) (*Job, error)
	// Get returns a copy of the record or a not found error.
	Get(id string) (*Job, error)
	// List returns copies of all records, newest first.
	List() []*Job
}

// Workspace resolves on-disk locations for inputs and outputs.
type Workspace interface {
	InputPath(imageID string) string
	// OutputDir creates (if needed) and returns the job's output directory.
	OutputDir(jobID string) (string, error)
}

// Runner executes worker invocations asynchronously.
type Runner interface {
	// Submit admits an invocation. Returns an error when admission is refused.
	Submit(inv Invocation) error
	// Resume continues supervision of a job left unfinished by a previous process,
	// re-attaching to a live worker where possible and re-admitting it otherwise.
	Resume(ctx context.Context, inv Invocation) error
}

// Service is the job controller and status query surface.
type Service struct {
	repo      Repository
	workspace Workspace
	runner    Runner
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewService creates a new job service.
func NewService(repo Repository, workspace Workspace, runner Runner, metrics *observability.Metrics) *Service {
	return &Service{
		repo:      repo,
		workspace: workspace,
		runner:    runner,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create validates the request, records a pending job and hands it to the runner.
// Once the record exists the job id is always returned: a failure to prepare or
// admit the worker moves the job to error instead of failing the call.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	aoi, err := validate(req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	j := &Job{
		ID:        NewID(now),
		Status:    StatusPending,
		ImageAID:  req.ImageAID,
		ImageBID:  req.ImageBID,
		AOI:       aoi,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, j); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordJobCreated(ctx)
	}

	logger := slog.With("jobId", j.ID)
	if err := s.launch(j); err != nil {
		logger.Error("Job setup failed", "error", err)
		s.fail(ctx, j.ID, err)
		return &CreateResponse{JobID: j.ID}, nil
	}

	logger.Info("Job created", "imageAId", j.ImageAID, "imageBId", j.ImageBID, "aoi", j.AOI.String())
	return &CreateResponse{JobID: j.ID}, nil
}

// Get returns a single job.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.Get(jobID)
}

// List returns all jobs, newest first.
func (s *Service) List(ctx context.Context) ([]*Job, error) {
	return s.repo.List(), nil
}

// Recover resumes every job a previous process left pending or running.
// Returns the number of jobs resumed.
func (s *Service) Recover(ctx context.Context) int {
	logger := slog.With("component", "recover")

	resumed := 0
	for _, j := range s.repo.List() {
		if j.Status.Terminal() {
			continue
		}

		inv, err := s.invocation(j)
		if err == nil {
			err = s.runner.Resume(ctx, inv)
		}
		if err != nil {
			logger.Error("Failed to resume job", "jobId", j.ID, "status", j.Status, "error", err)
			s.fail(ctx, j.ID, err)
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordJobResumed(ctx)
		}
		resumed++
	}

	logger.Info("Recovery complete", "resumed", resumed)
	return resumed
}

func (s *Service) launch(j *Job) error {
	inv, err := s.invocation(j)
	if err != nil {
		return err
	}
	if err := s.runner.Submit(inv); err != nil {
		return AdmissionError(err)
	}
	return nil
}

// AdmissionError labels a failure to hand a job to the worker pool.
func AdmissionError(err error) error {
	switch {
	case errors.Is(err, workerpool.ErrQueueFull):
		return apperrors.Setup("worker pool saturated", err)
	case errors.Is(err, workerpool.ErrClosed):
		return apperrors.Setup("server shutting down", err)
	default:
		return apperrors.Setup("submit job", err)
	}
}

func (s *Service) invocation(j *Job) (Invocation, error) {
	dir, err := s.workspace.OutputDir(j.ID)
	if err != nil {
		return Invocation{}, apperrors.Setup("create output directory", err)
	}
	return Invocation{
		JobID:     j.ID,
		ImageA:    s.workspace.InputPath(j.ImageAID),
		ImageB:    s.workspace.InputPath(j.ImageBID),
		AOI:       j.AOI,
		OutputDir: dir,
	}, nil
}

// fail records a setup failure on the job.
func (s *Service) fail(ctx context.Context, jobID string, cause error) {
	_, err := s.repo.Update(ctx, jobID, func(j *Job) bool {
		return j.Fail(cause.Error(), s.now())
	})
	if err != nil {
		slog.Error("Failed to record job setup failure", "jobId", jobID, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordJobFinished(ctx, observability.OutcomeSetup, 0)
	}
}

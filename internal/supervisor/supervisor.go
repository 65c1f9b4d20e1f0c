// Package supervisor runs the external alignment worker for each job and
// turns what it observes (diagnostic output, exit status) into job state.
//
// Both signals are applied through the job store's single serialization
// point using the merge rules in package job, so a diagnostic and an exit
// racing each other can never produce a mixed record.
package supervisor

import (
	"context"
	"errors"
	"geoalign/internal/apperrors"
	"geoalign/internal/job"
	"geoalign/internal/observability"
	"geoalign/internal/workerpool"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Repository is the part of the job store the supervisor writes through.
type Repository interface {
	Update(ctx context.Context, id string, fn func(*job.Job) bool) (*job.Job, error)
}

// Notifier is told about every terminal transition the supervisor makes.
type Notifier interface {
	JobFinished(ctx context.Context, j *job.Job)
}

// Config wires a Supervisor.
type Config struct {
	Launcher Launcher
	Pool     *workerpool.Pool
	Repo     Repository
	Notifier Notifier              // optional
	Metrics  *observability.Metrics // optional
}

// Supervisor implements job.Runner.
type Supervisor struct {
	launcher Launcher
	pool     *workerpool.Pool
	repo     Repository
	notifier Notifier
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	// Re-attached workers are already running, so they are observed outside
	// the pool.
	ctx      context.Context
	cancel   context.CancelFunc
	attached sync.WaitGroup
}

// New creates a supervisor.
func New(cfg Config) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		launcher: cfg.Launcher,
		pool:     cfg.Pool,
		repo:     cfg.Repo,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		logger:   slog.With("component", "supervisor"),
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit admits the job to the worker pool.
func (s *Supervisor) Submit(inv job.Invocation) error {
	return s.pool.Submit(func(ctx context.Context) {
		s.run(ctx, inv)
	})
}

// Resume re-attaches to the job's worker if the launcher still sees it, and
// otherwise admits the job again.
func (s *Supervisor) Resume(ctx context.Context, inv job.Invocation) error {
	proc, ok, err := s.launcher.Attach(ctx, inv.JobID)
	if err != nil {
		return apperrors.Setup("re-attach worker", err)
	}
	if !ok {
		if err := s.Submit(inv); err != nil {
			return job.AdmissionError(err)
		}
		return nil
	}

	s.attached.Add(1)
	go func() {
		defer s.attached.Done()
		if s.metrics != nil {
			s.metrics.RecordJobStarted(s.ctx)
		}
		s.observe(s.ctx, inv, proc, time.Now())
	}()
	return nil
}

// Ready reports whether workers can be launched.
func (s *Supervisor) Ready(ctx context.Context) error {
	return s.launcher.Ready(ctx)
}

// Close waits for re-attached workers to be observed to completion. When ctx
// expires first their observation is abandoned and ctx.Err() returned; the
// jobs stay non-terminal and are resumed on the next start.
func (s *Supervisor) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.attached.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// run executes on a pool worker.
func (s *Supervisor) run(ctx context.Context, inv job.Invocation) {
	logger := s.logger.With("jobId", inv.JobID)
	storeCtx := context.WithoutCancel(ctx)

	j, err := s.repo.Update(storeCtx, inv.JobID, func(j *job.Job) bool {
		return j.MarkRunning(s.now())
	})
	if err != nil {
		logger.Error("Failed to mark job running", "error", err)
		return
	}
	if j.Status.Terminal() {
		logger.Warn("Job already finished, not launching", "status", j.Status)
		return
	}

	proc, err := s.launcher.Start(ctx, inv)
	if err != nil {
		setupErr := apperrors.Setup("start worker", err)
		logger.Error("Failed to start worker", "error", setupErr)
		j, merge := s.apply(storeCtx, logger, inv.JobID, "setup", func(j *job.Job) job.Merge {
			if j.Fail(setupErr.Error(), s.now()) {
				return job.MergeApplied
			}
			return job.MergeIgnored
		})
		if merge == job.MergeApplied {
			s.finished(storeCtx, j, observability.OutcomeSetup, 0)
		}
		return
	}

	logger.Info("Worker started", "worker", proc.ID())
	if s.metrics != nil {
		s.metrics.RecordJobStarted(storeCtx)
	}
	s.observe(ctx, inv, proc, time.Now())
}

// observe forwards the worker's diagnostics, then its exit status.
func (s *Supervisor) observe(ctx context.Context, inv job.Invocation, proc Process, start time.Time) {
	logger := s.logger.With("jobId", inv.JobID, "worker", proc.ID())
	storeCtx := context.WithoutCancel(ctx)

	var final *job.Job
	outcome := ""
	diagnosed := false

	diagnostics := proc.Diagnostics()
	for diagnostics != nil {
		select {
		case <-ctx.Done():
			logger.Warn("Stopped observing worker, job will be resumed on next start")
			return
		case text, ok := <-diagnostics:
			if !ok {
				diagnostics = nil
				continue
			}
			logger.Warn("Worker diagnostic", "text", text)
			if diagnosed {
				// Later chunks of the failure extend the recorded error.
				j, merge := s.apply(storeCtx, logger, inv.JobID, "diagnostic", func(j *job.Job) job.Merge {
					return j.AppendDiagnostic(text, s.now())
				})
				if merge == job.MergeApplied {
					final = j
				}
				continue
			}
			j, merge := s.apply(storeCtx, logger, inv.JobID, "diagnostic", func(j *job.Job) job.Merge {
				return j.ApplyDiagnostic(text, s.now())
			})
			if merge == job.MergeApplied {
				final, outcome = j, observability.OutcomeDiagnostic
				diagnosed = true
			}
		}
	}

	status, err := proc.Wait(ctx)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("Stopped observing worker, job will be resumed on next start")
			return
		}
		internal := apperrors.Internal("wait for worker", err)
		logger.Error("Lost track of worker", "error", internal)
		j, merge := s.apply(storeCtx, logger, inv.JobID, "exit", func(j *job.Job) job.Merge {
			if j.Fail(internal.Error(), s.now()) {
				return job.MergeApplied
			}
			return job.MergeIgnored
		})
		if merge == job.MergeApplied {
			final, outcome = j, observability.OutcomeExit
		}
	} else {
		logger.Info("Worker exited", "exitCode", status.Code, "duration", duration)
		j, merge := s.apply(storeCtx, logger, inv.JobID, "exit", func(j *job.Job) job.Merge {
			return j.ApplyExit(status.Code, s.now())
		})
		if merge == job.MergeApplied {
			final, outcome = j, observability.OutcomeExit
			if j.Status == job.StatusDone {
				outcome = observability.OutcomeDone
				warnMissingOutputs(logger, inv.OutputDir)
			}
		}
	}

	if final != nil {
		s.finished(storeCtx, final, outcome, duration)
	}
}

// apply runs a merge through the store and logs what it meant.
func (s *Supervisor) apply(ctx context.Context, logger *slog.Logger, jobID, signal string, merge func(*job.Job) job.Merge) (*job.Job, job.Merge) {
	result := job.MergeIgnored
	j, err := s.repo.Update(ctx, jobID, func(j *job.Job) bool {
		result = merge(j)
		return result == job.MergeApplied
	})
	if err != nil {
		logger.Error("Failed to record worker signal", "signal", signal, "error", err)
		return nil, job.MergeIgnored
	}

	switch result {
	case job.MergeApplied:
		logger.Info("Job updated", "signal", signal, "status", j.Status)
	case job.MergeViolation:
		logger.Error("Worker reported failure after success, keeping done", "signal", signal)
	default:
		logger.Debug("Worker signal ignored", "signal", signal, "status", j.Status)
	}
	return j, result
}

func (s *Supervisor) finished(ctx context.Context, j *job.Job, outcome string, duration time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordJobFinished(ctx, outcome, duration.Seconds())
	}
	if s.notifier != nil {
		s.notifier.JobFinished(ctx, j)
	}
}

// warnMissingOutputs logs outputs a successful worker should have written.
// Exit 0 stays authoritative.
func warnMissingOutputs(logger *slog.Logger, dir string) {
	for _, name := range []string{job.OutputImageA, job.OutputImageB} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				logger.Warn("Worker exited 0 without writing an output", "file", name)
			} else {
				logger.Warn("Cannot check worker output", "file", name, "error", err)
			}
		}
	}
}

var _ job.Runner = (*Supervisor)(nil)

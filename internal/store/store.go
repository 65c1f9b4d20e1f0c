// Package store keeps job records in memory and makes every mutation durable
// through a Persister before returning.
package store

import (
	"context"
	"geoalign/internal/apperrors"
	"geoalign/internal/job"
	"geoalign/internal/observability"
	"geoalign/pkg/backoff"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// flushAttempts bounds retries of a failed flush before it is logged and dropped.
const flushAttempts = 3

// Persister writes the job set to stable storage.
type Persister interface {
	// Load returns all stored records. A missing backing file is an empty set, not an error.
	Load(ctx context.Context) (map[string]*job.Job, error)
	// Save durably records the store. changed is the record that triggered the
	// flush, or nil for a full flush. all is only valid for the duration of the call.
	Save(ctx context.Context, changed *job.Job, all map[string]*job.Job) error
	Close() error
}

// Store is the job repository. All mutations, and their flushes, are serialized
// by one mutex; reads are served from the in-memory mirror.
type Store struct {
	mu        sync.RWMutex
	jobs      map[string]*job.Job
	persister Persister
	metrics   *observability.Metrics
	retry     *backoff.Config
	logger    *slog.Logger

	lastFlushErr error
}

// Open loads the persisted job set. A load failure is logged and the store
// starts empty rather than failing startup.
func Open(ctx context.Context, p Persister, metrics *observability.Metrics) *Store {
	s := &Store{
		jobs:      make(map[string]*job.Job),
		persister: p,
		metrics:   metrics,
		logger:    slog.With("component", "store"),
	}
	if p == nil {
		return s
	}

	loaded, err := p.Load(ctx)
	if err != nil {
		s.logger.Error("Failed to load jobs, starting with an empty store", "error", err)
		return s
	}
	for id, j := range loaded {
		if j == nil {
			continue
		}
		if j.ID == "" {
			j.ID = id
		}
		s.jobs[j.ID] = j
	}
	s.logger.Info("Loaded jobs", "count", len(s.jobs))
	return s
}

// Create inserts a new record and flushes.
func (s *Store) Create(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.ID]; exists {
		return apperrors.Conflict("job", j.ID, "job "+j.ID+" already exists")
	}
	stored := j.Clone()
	s.jobs[j.ID] = stored
	s.flush(ctx, stored)
	return nil
}

// Update runs fn against the stored record and flushes if fn reports a change.
func (s *Store) Update(ctx context.Context, id string, fn func(*job.Job) bool) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}

	// fn works on a copy; the stored record is swapped only when it reports a change.
	next := stored.Clone()
	if !fn(next) {
		return stored.Clone(), nil
	}
	s.jobs[id] = next
	s.flush(ctx, next)
	return next.Clone(), nil
}

// Get returns a copy of a record.
func (s *Store) Get(id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j.Clone(), nil
}

// List returns copies of all records ordered by creation time, newest first.
func (s *Store) List() []*job.Job {
	s.mu.RLock()
	out := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *job.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		// Ids embed the creation millisecond; break ties deterministically.
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Flush writes the full job set.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flush(ctx, nil)
	return s.lastFlushErr
}

// Ready reports the outcome of the most recent flush.
func (s *Store) Ready(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastFlushErr != nil {
		return apperrors.Internal("store.flush", s.lastFlushErr)
	}
	return nil
}

// Close performs a final flush and releases the persister.
func (s *Store) Close(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	if err := s.Flush(ctx); err != nil {
		s.logger.Error("Final flush failed", "error", err)
	}
	return s.persister.Close()
}

// flush must be called with mu held. Failures are retried, then logged; the
// in-memory state stays authoritative either way.
func (s *Store) flush(ctx context.Context, changed *job.Job) {
	if s.persister == nil {
		return
	}

	start := time.Now()
	err := backoff.Retry(ctx, flushAttempts, s.retry, func() error {
		return s.persister.Save(ctx, changed, s.jobs)
	})
	if s.metrics != nil {
		s.metrics.RecordStoreFlush(ctx, err == nil, time.Since(start).Seconds())
	}

	if err != nil {
		attrs := []any{"error", err, "jobs", len(s.jobs)}
		if changed != nil {
			attrs = append(attrs, "jobId", changed.ID, "status", changed.Status)
		}
		s.logger.Error("Failed to persist jobs, continuing from memory", attrs...)
	} else if s.lastFlushErr != nil {
		s.logger.Info("Job persistence recovered")
	}
	s.lastFlushErr = err
}

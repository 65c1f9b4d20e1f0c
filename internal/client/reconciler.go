package client

import (
	"context"
	"geoalign/internal/job"
	"log/slog"
	"sync"
	"time"
)

// Messages shown for local failures. The server-side record is untouched.
const (
	MsgStartFailed = "Failed to start processing job."
	MsgPollFailed  = "Failed to fetch job status."
)

// DefaultInterval is how often a non-terminal job is polled.
const DefaultInterval = 2 * time.Second

// Phase is the client-side view of the tracked job.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhasePending Phase = "pending"
	PhaseRunning Phase = "running"
	PhaseDone    Phase = "done"
	PhaseError   Phase = "error"
)

// Terminal reports whether polling has stopped for good.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError
}

// State is a snapshot of the tracked job.
type State struct {
	Phase   Phase
	JobID   string
	Message string
	Outputs *job.Outputs
}

// JobAPI is what the reconciler needs from the server.
type JobAPI interface {
	CreateJob(ctx context.Context, p CreateParams) (string, error)
	GetJob(ctx context.Context, id string) (*job.Job, error)
}

// Reconciler tracks one job at a time: it persists the id so a restarted
// client can pick the job up again, and polls until a terminal status.
type Reconciler struct {
	api      JobAPI
	kv       KV
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	sess  *session
}

// session is one tracked job. Results from a replaced session are dropped.
type session struct {
	done     chan struct{}
	doneOnce sync.Once
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func newSession() *session {
	return &session{done: make(chan struct{}), cancel: func() {}}
}

// stop cancels polling. Safe to call any number of times.
func (s *session) stop() {
	s.stopOnce.Do(func() { s.cancel() })
}

func (s *session) finish() {
	s.stop()
	s.doneOnce.Do(func() { close(s.done) })
}

// NewReconciler returns an idle reconciler. interval <= 0 uses DefaultInterval.
func NewReconciler(api JobAPI, kv KV, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		api:      api,
		kv:       kv,
		interval: interval,
		logger:   slog.With("component", "reconciler"),
		state:    State{Phase: PhaseIdle},
		sess:     newSession(),
	}
}

// Start creates a job, remembers its id and tracks it. A create failure
// leaves the reconciler in the error phase and is returned.
func (r *Reconciler) Start(ctx context.Context, p CreateParams) error {
	sess := r.begin(State{Phase: PhasePending})

	id, err := r.api.CreateJob(ctx, p)
	if err != nil {
		r.logger.Error("Failed to create job", "error", err)
		r.terminate(sess, State{Phase: PhaseError, Message: MsgStartFailed})
		return err
	}

	if err := r.kv.Set(ScopeSession, KeyCurrentJobID, id); err != nil {
		r.logger.Warn("Failed to persist job id", "jobId", id, "error", err)
	}
	if !r.update(sess, func(s *State) { s.JobID = id }) {
		return nil
	}

	if r.poll(ctx, sess, id) {
		r.startPolling(ctx, sess, id)
	}
	return nil
}

// Recover picks up the job id a previous run persisted. It fetches the job
// once: on failure the id is forgotten and the reconciler stays idle. Reports
// whether a job is now tracked.
func (r *Reconciler) Recover(ctx context.Context) (bool, error) {
	id, ok, err := r.kv.Get(ScopeSession, KeyCurrentJobID)
	if err != nil || !ok || id == "" {
		return false, err
	}

	sess := r.begin(State{Phase: PhasePending, JobID: id})

	j, err := r.api.GetJob(ctx, id)
	if err != nil {
		r.logger.Warn("Stored job could not be recovered, discarding it", "jobId", id, "error", err)
		if derr := r.kv.Delete(ScopeSession, KeyCurrentJobID); derr != nil {
			r.logger.Warn("Failed to clear stored job id", "error", derr)
		}
		r.mu.Lock()
		if r.sess == sess {
			r.state = State{Phase: PhaseIdle}
		}
		r.mu.Unlock()
		sess.stop()
		return false, err
	}

	if r.apply(sess, j) {
		r.startPolling(ctx, sess, id)
	}
	return true, nil
}

// Reset stops polling, forgets the stored id and returns to idle.
func (r *Reconciler) Reset() error {
	r.mu.Lock()
	old := r.sess
	r.sess = newSession()
	r.state = State{Phase: PhaseIdle}
	r.mu.Unlock()

	old.finish()
	return r.kv.Delete(ScopeSession, KeyCurrentJobID)
}

// State returns a snapshot of the tracked job.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state
	if s.Outputs != nil {
		o := *s.Outputs
		s.Outputs = &o
	}
	return s
}

// Done is closed when the current session reaches done or error, or is reset.
func (r *Reconciler) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess.done
}

// begin replaces the current session.
func (r *Reconciler) begin(initial State) *session {
	sess := newSession()
	r.mu.Lock()
	old := r.sess
	r.sess = sess
	r.state = initial
	r.mu.Unlock()
	old.stop()
	return sess
}

func (r *Reconciler) startPolling(ctx context.Context, sess *session, id string) {
	pctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	if r.sess != sess {
		r.mu.Unlock()
		cancel()
		return
	}
	sess.cancel = cancel
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-ticker.C:
				if !r.poll(pctx, sess, id) {
					return
				}
			}
		}
	}()
}

// poll fetches the job once. Reports whether polling should continue.
func (r *Reconciler) poll(ctx context.Context, sess *session, id string) bool {
	j, err := r.api.GetJob(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		r.logger.Error("Failed to fetch job status", "jobId", id, "error", err)
		r.terminate(sess, State{Phase: PhaseError, JobID: id, Message: MsgPollFailed})
		return false
	}
	return r.apply(sess, j)
}

// apply mirrors a fetched record. Reports whether the job is still in flight.
func (r *Reconciler) apply(sess *session, j *job.Job) bool {
	switch j.Status {
	case job.StatusDone:
		r.terminate(sess, State{Phase: PhaseDone, JobID: j.ID, Outputs: j.Outputs})
		return false
	case job.StatusError:
		r.terminate(sess, State{Phase: PhaseError, JobID: j.ID, Message: j.Error})
		return false
	case job.StatusRunning:
		return r.update(sess, func(s *State) { s.Phase = PhaseRunning })
	default:
		return r.update(sess, func(s *State) { s.Phase = PhasePending })
	}
}

// update mutates state if sess is still current.
func (r *Reconciler) update(sess *session, fn func(*State)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess != sess {
		return false
	}
	fn(&r.state)
	return true
}

func (r *Reconciler) terminate(sess *session, final State) {
	r.mu.Lock()
	current := r.sess == sess
	if current {
		if final.Outputs != nil {
			o := *final.Outputs
			final.Outputs = &o
		}
		r.state = final
	}
	r.mu.Unlock()

	if current {
		r.logger.Info("Job reached terminal state", "jobId", final.JobID, "phase", final.Phase, "message", final.Message)
		sess.finish()
	} else {
		sess.stop()
	}
}

package supervisor

import (
	"context"
	"geoalign/internal/job"
)

// ExitStatus is how a worker terminated.
type ExitStatus struct {
	Code int // -1 when the worker was killed by a signal
}

// Process is a running (or finished) worker.
type Process interface {
	// ID identifies the worker for logs: a pid or a container id.
	ID() string
	// Diagnostics delivers the worker's stderr in arrival order and is closed
	// once the stream reaches EOF.
	Diagnostics() <-chan string
	// Wait blocks until the worker exits or ctx is done.
	Wait(ctx context.Context) (ExitStatus, error)
}

// Launcher starts workers.
type Launcher interface {
	// Start spawns the worker for inv. An error means nothing is running.
	Start(ctx context.Context, inv job.Invocation) (Process, error)
	// Attach returns the worker a previous process started for jobID, if the
	// launcher can still observe it.
	Attach(ctx context.Context, jobID string) (Process, bool, error)
	// Ready reports whether Start can be expected to succeed.
	Ready(ctx context.Context) error
	Close() error
}

package dispatcher

import (
	"context"
	"errors"
	"geoalign/internal/job"
	"geoalign/pkg/cloudevent"
	"log/slog"
)

// Job event types and source.
const (
	EventJobDone  = "geoalign.job.done"
	EventJobError = "geoalign.job.error"
	EventSource   = "geoalign/api"
)

// JobNotifier turns terminal job transitions into CloudEvents on a Dispatcher.
type JobNotifier struct {
	dispatcher Dispatcher
	url        string
	signingKey string
	logger     *slog.Logger
}

// NewJobNotifier returns a notifier posting to url, signing with key when set.
func NewJobNotifier(d Dispatcher, url, key string) *JobNotifier {
	return &JobNotifier{
		dispatcher: d,
		url:        url,
		signingKey: key,
		logger:     slog.With("component", "notifier"),
	}
}

// JobFinished enqueues the job record as a done or error event.
// Non-terminal records are ignored.
func (n *JobNotifier) JobFinished(_ context.Context, j *job.Job) {
	var eventType string
	switch j.Status {
	case job.StatusDone:
		eventType = EventJobDone
	case job.StatusError:
		eventType = EventJobError
	default:
		return
	}

	err := n.dispatcher.Dispatch(&Event{
		Payload:     cloudevent.New(eventType, EventSource, j.ID, j.Clone()),
		Destination: n.url,
		SigningKey:  n.signingKey,
	})
	if errors.Is(err, ErrClosed) {
		n.logger.Warn("Notification skipped, dispatcher closed", "jobId", j.ID, "type", eventType)
	}
}

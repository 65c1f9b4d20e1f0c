package job

import (
	"geoalign/internal/apperrors"
	"net/url"
	"strings"
	"time"
)

// Merge describes what a worker signal did to a job record.
type Merge int

const (
	// MergeApplied means the signal changed the record.
	MergeApplied Merge = iota
	// MergeIgnored means the record was already terminal and the signal is redundant.
	MergeIgnored
	// MergeViolation means the worker contradicted a persisted success.
	MergeViolation
)

func (m Merge) String() string {
	switch m {
	case MergeApplied:
		return "applied"
	case MergeIgnored:
		return "ignored"
	case MergeViolation:
		return "violation"
	default:
		return "unknown"
	}
}

// ArtifactURL is the API path serving one of a job's output files.
func ArtifactURL(jobID, filename string) string {
	return "/api/rasters/" + url.PathEscape(jobID) + "/" + url.PathEscape(filename)
}

// OutputsFor returns the output references a done job carries.
func OutputsFor(jobID string) Outputs {
	return Outputs{
		ImageAURL: ArtifactURL(jobID, OutputImageA),
		ImageBURL: ArtifactURL(jobID, OutputImageB),
	}
}

// MarkRunning moves a pending job to running.
func (j *Job) MarkRunning(now time.Time) bool {
	if j.Status != StatusPending {
		return false
	}
	j.Status = StatusRunning
	j.UpdatedAt = now
	return true
}

// Fail moves a non-terminal job to error. Terminal jobs are left untouched.
func (j *Job) Fail(message string, now time.Time) bool {
	if j.Status.Terminal() {
		return false
	}
	if strings.TrimSpace(message) == "" {
		message = "unknown error"
	}
	j.Status = StatusError
	j.Error = message
	j.Outputs = nil
	j.UpdatedAt = now
	return true
}

// Complete moves a non-terminal job to done with its outputs.
func (j *Job) Complete(outputs Outputs, now time.Time) bool {
	if j.Status.Terminal() {
		return false
	}
	j.Status = StatusDone
	j.Outputs = &outputs
	j.Error = ""
	j.UpdatedAt = now
	return true
}

// ApplyDiagnostic merges text from the worker's diagnostic stream.
// Any diagnostic fails a live job. The first terminal write wins, so a job
// already in error keeps its original message, and a done job is reported as a
// contract violation and kept.
func (j *Job) ApplyDiagnostic(text string, now time.Time) Merge {
	if strings.TrimSpace(text) == "" {
		return MergeIgnored
	}
	switch j.Status {
	case StatusDone:
		return MergeViolation
	case StatusError:
		return MergeIgnored
	}
	j.Fail(apperrors.WorkerDiagnostic(text).Error(), now)
	return MergeApplied
}

// MaxErrorBytes caps the diagnostic text kept on a failed job.
const MaxErrorBytes = 64 << 10

// errorElision marks where an over-long diagnostic was cut.
const errorElision = "\n[...]\n"

// AppendDiagnostic extends the error of a job that a diagnostic already
// failed with a later chunk from the same worker. The first chunk stays at the
// head; past MaxErrorBytes the middle is elided so the last lines survive.
func (j *Job) AppendDiagnostic(text string, now time.Time) Merge {
	if strings.TrimSpace(text) == "" {
		return MergeIgnored
	}
	switch j.Status {
	case StatusDone:
		return MergeViolation
	case StatusError:
		j.Error = capError(j.Error + text)
		j.UpdatedAt = now
		return MergeApplied
	}
	return j.ApplyDiagnostic(text, now)
}

func capError(text string) string {
	if len(text) <= MaxErrorBytes {
		return text
	}
	keep := (MaxErrorBytes - len(errorElision)) / 2
	return strings.ToValidUTF8(text[:keep]+errorElision+text[len(text)-keep:], "")
}

// ApplyExit merges the worker's exit status.
// A zero exit completes a live job but never heals one already failed by a
// diagnostic. A non-zero exit fails a live job with a generic message and never
// overwrites an earlier failure.
func (j *Job) ApplyExit(code int, now time.Time) Merge {
	if code == 0 {
		if j.Complete(OutputsFor(j.ID), now) {
			return MergeApplied
		}
		return MergeIgnored
	}

	switch j.Status {
	case StatusDone:
		return MergeViolation
	case StatusError:
		return MergeIgnored
	}
	j.Fail(apperrors.WorkerExit(code).Error(), now)
	return MergeApplied
}

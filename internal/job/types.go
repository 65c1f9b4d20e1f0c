package job

import (
	"strconv"
	"time"
)

// Status is a job's lifecycle state.
type Status string

// Lifecycle states. done and error are terminal.
const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Output file names the worker must write into the job's output directory.
const (
	OutputImageA = "A_clipped.tif"
	OutputImageB = "B_clipped_aligned.tif"
)

// AOI is a normalized bounding rectangle: North > South, East > West.
type AOI struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// String renders the AOI in the worker's argument format.
func (a AOI) String() string {
	return "north=" + formatBound(a.North) +
		";south=" + formatBound(a.South) +
		";east=" + formatBound(a.East) +
		";west=" + formatBound(a.West)
}

func formatBound(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Outputs references the two rasters a successful job produced.
type Outputs struct {
	ImageAURL string `json:"imageAUrl"`
	ImageBURL string `json:"imageBUrl"`
}

// Job is one alignment request and its lifecycle record.
type Job struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	ImageAID  string    `json:"imageAId"`
	ImageBID  string    `json:"imageBId"`
	AOI       AOI       `json:"aoi"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Outputs   *Outputs  `json:"outputs,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand out of the store.
func (j *Job) Clone() *Job {
	c := *j
	if j.Outputs != nil {
		o := *j.Outputs
		c.Outputs = &o
	}
	return &c
}

// AOIRequest carries the four bounds as submitted. Nil means the bound was omitted.
type AOIRequest struct {
	North *float64 `json:"north"`
	South *float64 `json:"south"`
	East  *float64 `json:"east"`
	West  *float64 `json:"west"`
}

// CreateRequest is the body of POST /api/jobs.
type CreateRequest struct {
	ImageAID string      `json:"imageAId"`
	ImageBID string      `json:"imageBId"`
	AOI      *AOIRequest `json:"aoi"`
}

// CreateResponse is returned once a job record exists, whatever its state.
type CreateResponse struct {
	JobID string `json:"jobId"`
}

// Invocation is everything a launcher needs to run the worker for one job.
type Invocation struct {
	JobID     string
	ImageA    string // absolute path of the reference image
	ImageB    string // absolute path of the target image
	AOI       AOI
	OutputDir string
}

// Args returns the worker flags, in the order the worker documents them.
func (inv Invocation) Args() []string {
	return []string{
		"--image_a", inv.ImageA,
		"--image_b", inv.ImageB,
		"--aoi", inv.AOI.String(),
		"--out_dir", inv.OutputDir,
	}
}

// Package client talks to the geoalign HTTP API and mirrors one job's
// lifecycle on the consuming side.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"geoalign/internal/apperrors"
	"geoalign/internal/job"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Client is the HTTP client for the geoalign API.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New returns a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout: uploads and artifact downloads can be large.
		http: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		}},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Corner is one corner of a drawn rectangle.
type Corner struct {
	Lat float64
	Lng float64
}

// AOIFromCorners turns two opposite corners into bounds.
func AOIFromCorners(a, b Corner) job.AOI {
	return job.AOI{
		North: math.Max(a.Lat, b.Lat),
		South: math.Min(a.Lat, b.Lat),
		East:  math.Max(a.Lng, b.Lng),
		West:  math.Min(a.Lng, b.Lng),
	}
}

// CreateParams describes a job to create.
type CreateParams struct {
	ImageAID string
	ImageBID string
	AOI      job.AOI
}

// StatusError carries a non-2xx response code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Code)
}

// Upload sends a local GeoTIFF and returns its image id.
func (c *Client) Upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return c.UploadReader(ctx, filepath.Base(path), f)
}

// UploadReader streams r as the multipart file field.
func (c *Client) UploadReader(ctx context.Context, filename string, r io.Reader) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", pr)
	if err != nil {
		pr.Close()
		return "", apperrors.Transport("upload", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp struct {
		ImageID string `json:"imageId"`
	}
	if err := c.doJSON(req, "upload", &resp); err != nil {
		pr.CloseWithError(err)
		return "", err
	}
	return resp.ImageID, nil
}

// CreateJob submits a job and returns its id.
func (c *Client) CreateJob(ctx context.Context, p CreateParams) (string, error) {
	body, err := json.Marshal(job.CreateRequest{
		ImageAID: p.ImageAID,
		ImageBID: p.ImageBID,
		AOI: &job.AOIRequest{
			North: &p.AOI.North,
			South: &p.AOI.South,
			East:  &p.AOI.East,
			West:  &p.AOI.West,
		},
	})
	if err != nil {
		return "", apperrors.Transport("create job", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/jobs", bytes.NewReader(body))
	if err != nil {
		return "", apperrors.Transport("create job", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp job.CreateResponse
	if err := c.doJSON(req, "create job", &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", apperrors.Transport("create job", fmt.Errorf("response has no jobId"))
	}
	return resp.JobID, nil
}

// GetJob fetches one job record.
func (c *Client) GetJob(ctx context.Context, id string) (*job.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, apperrors.Transport("get job", err)
	}

	var j job.Job
	if err := c.doJSON(req, "get job", &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJobs fetches all job records, newest first.
func (c *Client) ListJobs(ctx context.Context) ([]*job.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/jobs", nil)
	if err != nil {
		return nil, apperrors.Transport("list jobs", err)
	}

	var jobs []*job.Job
	if err := c.doJSON(req, "list jobs", &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// FetchArtifact copies one output raster into w.
func (c *Client) FetchArtifact(ctx context.Context, jobID, filename string, w io.Writer) (int64, error) {
	u := c.baseURL + "/api/rasters/" + url.PathEscape(jobID) + "/" + url.PathEscape(filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, apperrors.Transport("fetch artifact", err)
	}

	resp, err := c.do(req, "fetch artifact")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, apperrors.Transport("fetch artifact", err)
	}
	return n, nil
}

func (c *Client) doJSON(req *http.Request, op string, out any) error {
	resp, err := c.do(req, op)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Transport(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Transport(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, responseError(op, resp)
	}
	return resp, nil
}

// responseError keeps the server's {"error": msg} text and classifies the
// status the way the server produced it.
func responseError(op string, resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(data, &body)

	msg := body.Error
	if msg == "" {
		msg = fmt.Sprintf("%s: HTTP %d", op, resp.StatusCode)
	}

	sentinel := apperrors.ErrTransport
	switch resp.StatusCode {
	case http.StatusBadRequest:
		sentinel = apperrors.ErrValidation
	case http.StatusNotFound:
		sentinel = apperrors.ErrNotFound
	case http.StatusConflict:
		sentinel = apperrors.ErrConflict
	}
	return &apperrors.Error{
		Sentinel: sentinel,
		Message:  msg,
		Op:       op,
		Cause:    &StatusError{Code: resp.StatusCode},
	}
}

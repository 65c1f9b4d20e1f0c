package supervisor

import (
	"context"
	"errors"
	"fmt"
	"geoalign/internal/job"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Container labels.
const (
	LabelJob       = "geoalign.job"
	LabelManagedBy = "managed-by"
	managedBy      = "geoalign"
)

// dockerAPI is the subset of the Docker client the launcher uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// DockerConfig configures the container launcher.
type DockerConfig struct {
	Image      string   // worker image; its entrypoint receives the invocation flags
	Entrypoint []string // overrides the image entrypoint when set
	DataDir    string   // absolute host path bind-mounted at the same path
}

// DockerLauncher runs each worker in a labeled container on the host daemon.
// Containers outlive this process, so Attach can pick them up after a restart.
type DockerLauncher struct {
	client     dockerAPI
	image      string
	entrypoint []string
	dataDir    string
	logger     *slog.Logger
}

// NewDockerLauncher connects to the daemon configured by the environment.
func NewDockerLauncher(cfg DockerConfig) (*DockerLauncher, error) {
	if cfg.Image == "" {
		return nil, errors.New("worker image is required")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("data directory is required")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerLauncher(dockerClient, cfg), nil
}

func newDockerLauncher(api dockerAPI, cfg DockerConfig) *DockerLauncher {
	return &DockerLauncher{
		client:     api,
		image:      cfg.Image,
		entrypoint: cfg.Entrypoint,
		dataDir:    cfg.DataDir,
		logger:     slog.With("component", "docker"),
	}
}

// ContainerName is the deterministic container name for a job.
func ContainerName(jobID string) string {
	return "geoalign-" + jobID
}

// Start pulls the image if needed, then creates and starts the job's container.
func (l *DockerLauncher) Start(ctx context.Context, inv job.Invocation) (Process, error) {
	if err := l.pullImageIfNeeded(ctx); err != nil {
		return nil, fmt.Errorf("pull image %s: %w", l.image, err)
	}

	containerConfig := &container.Config{
		Image:      l.image,
		Entrypoint: l.entrypoint,
		Cmd:        inv.Args(),
		Labels: map[string]string{
			LabelJob:       inv.JobID,
			LabelManagedBy: managedBy,
		},
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: l.dataDir,
				Target: l.dataDir,
			},
		},
	}

	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, ContainerName(inv.JobID))
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.removeContainer(resp.ID)
		return nil, fmt.Errorf("start container: %w", err)
	}

	l.logger.Info("Worker container started", "jobId", inv.JobID, "containerId", shortID(resp.ID))
	return l.observe(ctx, inv.JobID, resp.ID)
}

// Attach finds the job's container by label. A container that was created but
// never started is started now; one that already exited is still attached so
// its logs and exit code are not lost.
func (l *DockerLauncher) Attach(ctx context.Context, jobID string) (Process, bool, error) {
	containers, err := l.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+managedBy),
			filters.Arg("label", LabelJob+"="+jobID),
		),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return nil, false, nil
	}

	c := containers[0]
	logger := l.logger.With("jobId", jobID, "containerId", shortID(c.ID), "state", c.State)
	if c.State == container.StateCreated {
		if err := l.client.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
			return nil, false, fmt.Errorf("start container: %w", err)
		}
	}
	logger.Info("Re-attached to worker container")

	p, err := l.observe(ctx, jobID, c.ID)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (l *DockerLauncher) Ready(ctx context.Context) error {
	_, err := l.client.Ping(ctx)
	return err
}

// Close releases the client.
func (l *DockerLauncher) Close() error {
	return l.client.Close()
}

func (l *DockerLauncher) observe(ctx context.Context, jobID, containerID string) (*containerProcess, error) {
	logs, err := l.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}

	p := &containerProcess{
		launcher:    l,
		id:          containerID,
		diagnostics: make(chan string),
		logsDone:    make(chan struct{}),
		logger:      l.logger.With("jobId", jobID, "containerId", shortID(containerID)),
	}
	go func() {
		defer close(p.logsDone)
		defer close(p.diagnostics)
		defer logs.Close()
		p.demux(ctx, logs)
	}()
	return p, nil
}

func (l *DockerLauncher) pullImageIfNeeded(ctx context.Context) error {
	_, err := l.client.ImageInspect(ctx, l.image)
	if err == nil {
		return nil
	}

	l.logger.Info("Pulling worker image", "image", l.image)
	reader, err := l.client.ImagePull(ctx, l.image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (l *DockerLauncher) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := l.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		l.logger.Warn("Failed to remove worker container", "containerId", shortID(containerID), "error", err)
	}
}

type containerProcess struct {
	launcher    *DockerLauncher
	id          string
	diagnostics chan string
	logsDone    chan struct{}
	logger      *slog.Logger
}

func (p *containerProcess) ID() string {
	return shortID(p.id)
}

func (p *containerProcess) Diagnostics() <-chan string {
	return p.diagnostics
}

// Wait returns the container's exit code and removes the container.
func (p *containerProcess) Wait(ctx context.Context) (ExitStatus, error) {
	statusCh, errCh := p.launcher.client.ContainerWait(ctx, p.id, container.WaitConditionNotRunning)

	var status ExitStatus
	select {
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	case err := <-errCh:
		return ExitStatus{}, fmt.Errorf("wait for container: %w", err)
	case resp := <-statusCh:
		if resp.Error != nil {
			return ExitStatus{}, fmt.Errorf("wait for container: %s", resp.Error.Message)
		}
		status = ExitStatus{Code: int(resp.StatusCode)}
	}

	// Let the log stream finish before the container goes away.
	select {
	case <-p.logsDone:
	case <-time.After(5 * time.Second):
		p.logger.Warn("Log stream still open after exit")
	case <-ctx.Done():
		return status, ctx.Err()
	}

	p.launcher.removeContainer(p.id)
	return status, nil
}

// demux splits Docker's multiplexed log stream: an 8-byte header per frame
// whose first byte names the stream (1 stdout, 2 stderr) and whose last four
// bytes are the big-endian payload size.
func (p *containerProcess) demux(ctx context.Context, logs io.Reader) {
	header := make([]byte, 8)

	for {
		if _, err := io.ReadFull(logs, header); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				p.logger.Debug("Log stream ended", "error", err)
			}
			return
		}

		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(logs, payload); err != nil {
			p.logger.Debug("Failed to read log payload", "error", err)
			return
		}

		if header[0] != 2 {
			for _, line := range splitLines(string(payload)) {
				p.logger.Debug("Worker output", "line", line)
			}
			continue
		}
		select {
		case p.diagnostics <- string(payload):
		case <-ctx.Done():
		}
	}
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

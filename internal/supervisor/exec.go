package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"geoalign/internal/job"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strconv"
	"sync"
)

// stderrChunk bounds a single diagnostic read.
const stderrChunk = 32 * 1024

// ExecLauncher runs the worker as a child process.
type ExecLauncher struct {
	command []string
}

// NewExecLauncher returns a launcher for command, the worker executable and
// any leading arguments; invocation flags are appended.
func NewExecLauncher(command []string) (*ExecLauncher, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("worker command is empty")
	}
	return &ExecLauncher{command: slices.Clone(command)}, nil
}

// Start spawns the worker. ctx only bounds delivery of diagnostics: the
// process itself is not tied to it and keeps running if ctx is canceled.
func (l *ExecLauncher) Start(ctx context.Context, inv job.Invocation) (Process, error) {
	args := append(slices.Clone(l.command[1:]), inv.Args()...)
	cmd := exec.Command(l.command[0], args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{
		cmd:         cmd,
		diagnostics: make(chan string),
		exited:      make(chan struct{}),
		logger:      slog.With("jobId", inv.JobID, "pid", cmd.Process.Pid),
	}

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		p.readStdout(stdout)
	}()
	go func() {
		defer streams.Done()
		defer close(p.diagnostics)
		p.readStderr(ctx, stderr)
	}()
	// Wait must not run before both pipes are drained.
	go func() {
		streams.Wait()
		p.wait()
	}()

	return p, nil
}

// Attach always reports no worker: a child process does not survive in a
// form this process can observe again.
func (l *ExecLauncher) Attach(context.Context, string) (Process, bool, error) {
	return nil, false, nil
}

// Ready checks that the worker executable resolves.
func (l *ExecLauncher) Ready(context.Context) error {
	if _, err := exec.LookPath(l.command[0]); err != nil {
		return fmt.Errorf("worker executable: %w", err)
	}
	return nil
}

// Close is a no-op.
func (l *ExecLauncher) Close() error {
	return nil
}

type execProcess struct {
	cmd         *exec.Cmd
	diagnostics chan string
	exited      chan struct{}
	logger      *slog.Logger

	status ExitStatus
	err    error
}

func (p *execProcess) ID() string {
	return strconv.Itoa(p.cmd.Process.Pid)
}

func (p *execProcess) Diagnostics() <-chan string {
	return p.diagnostics
}

func (p *execProcess) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.exited:
		return p.status, p.err
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (p *execProcess) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Debug("Worker output", "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug("Worker output unreadable, discarding", "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

// readStderr forwards stderr as it arrives. Once ctx is done nobody is
// listening, but the pipe is still drained so the worker never blocks on it.
func (p *execProcess) readStderr(ctx context.Context, r io.Reader) {
	buf := make([]byte, stderrChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case p.diagnostics <- string(buf[:n]):
			case <-ctx.Done():
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Warn("Worker stderr read failed", "error", err)
			}
			return
		}
	}
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()

	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.As(err, &exitErr):
		p.status = ExitStatus{Code: p.cmd.ProcessState.ExitCode()}
	default:
		p.status = ExitStatus{Code: -1}
		p.err = err
	}
	close(p.exited)
}

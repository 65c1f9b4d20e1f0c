package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"geoalign/internal/job"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/moby/sys/atomicwriter"
)

// FilePersister stores the whole job set as one JSON object keyed by job id.
// Every save replaces the file atomically (temp file, fsync, rename), so a
// crash mid-write leaves the previous snapshot intact.
type FilePersister struct {
	path string
}

// NewFilePersister returns a persister writing to path.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Path returns the snapshot location.
func (p *FilePersister) Path() string {
	return p.path
}

// Load reads the snapshot. A snapshot that cannot be decoded is moved aside to
// <path>.corrupt-<unix> so the next save does not overwrite it.
func (p *FilePersister) Load(ctx context.Context) (map[string]*job.Job, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]*job.Job{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.path, err)
	}

	jobs := make(map[string]*job.Job)
	if len(data) == 0 {
		return jobs, nil
	}
	if err := json.Unmarshal(data, &jobs); err != nil {
		aside := p.path + ".corrupt-" + strconv.FormatInt(time.Now().Unix(), 10)
		if renameErr := os.Rename(p.path, aside); renameErr != nil {
			return nil, fmt.Errorf("decode %s: %w (could not move aside: %v)", p.path, err, renameErr)
		}
		return nil, fmt.Errorf("decode %s (moved to %s): %w", p.path, aside, err)
	}
	return jobs, nil
}

// Save writes the full snapshot; changed is not needed for a whole-file format.
func (p *FilePersister) Save(ctx context.Context, changed *job.Job, all map[string]*job.Job) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("encode jobs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := atomicwriter.WriteFile(p.path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p.path, err)
	}
	return nil
}

// Close is a no-op; every save is already complete on disk.
func (p *FilePersister) Close() error {
	return nil
}

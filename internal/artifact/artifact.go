// Package artifact owns the on-disk workspace: uploaded input images and the
// per-job output directories the worker writes into and the API serves from.
package artifact

import (
	"fmt"
	"geoalign/internal/apperrors"
	"io/fs"
	"os"
	"path/filepath"
)

// Workspace lays out <root>/uploads and <root>/outputs/<jobId>.
type Workspace struct {
	root    string
	uploads string
	outputs string
}

// NewWorkspace creates the directory layout under root.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}
	w := &Workspace{
		root:    abs,
		uploads: filepath.Join(abs, "uploads"),
		outputs: filepath.Join(abs, "outputs"),
	}
	for _, dir := range []string{w.uploads, w.outputs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return w, nil
}

// Root returns the absolute data directory.
func (w *Workspace) Root() string {
	return w.root
}

// UploadsDir returns the directory holding uploaded images.
func (w *Workspace) UploadsDir() string {
	return w.uploads
}

// InputPath returns where an uploaded image lives. The id is not checked
// for existence; a missing input is the worker's to report.
func (w *Workspace) InputPath(imageID string) string {
	return filepath.Join(w.uploads, imageID)
}

// OutputDir creates the job's output directory and returns its path.
func (w *Workspace) OutputDir(jobID string) (string, error) {
	if err := ValidateName(jobID); err != nil {
		return "", fmt.Errorf("job id %q: %w", jobID, err)
	}
	dir := filepath.Join(w.outputs, jobID)
	// Workers may run under another uid in a container.
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return "", err
	}
	return dir, nil
}

// OpenOutput opens a regular file from a job's output directory. Resolution
// is confined to the outputs directory, so anything that is not a plain file
// inside it (traversal, symlinks out, directories) is not found.
func (w *Workspace) OpenOutput(jobID, filename string) (*os.File, fs.FileInfo, error) {
	notFound := apperrors.NotFound("file", jobID+"/"+filename)
	if ValidateName(jobID) != nil || ValidateName(filename) != nil {
		return nil, nil, notFound
	}

	root, err := os.OpenRoot(w.outputs)
	if err != nil {
		return nil, nil, apperrors.Internal("artifact.openRoot", err)
	}
	defer root.Close()

	f, err := root.Open(jobID + string(filepath.Separator) + filename)
	if err != nil {
		// Missing, unreadable and escaping paths all read as absent.
		return nil, nil, notFound
	}

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, notFound
	}
	return f, info, nil
}

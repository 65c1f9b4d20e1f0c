package artifact

import (
	"errors"
	"fmt"
	"geoalign/internal/apperrors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/moby/sys/atomicwriter"
)

var (
	ErrNoFile        = errors.New("No file uploaded")
	ErrNotGeoTIFF    = errors.New("Only GeoTIFF files are allowed")
	allowedExtension = map[string]bool{".tif": true, ".tiff": true}
)

// AllowedExtension reports whether name carries a GeoTIFF extension and
// returns it lowercased without the dot.
func AllowedExtension(name string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedExtension[ext] {
		return "", false
	}
	return ext[1:], true
}

// NewImageID returns file-<unix-millis>-<8 hex>.<ext>.
func NewImageID(now time.Time, ext string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("file-%d-%s.%s", now.UnixMilli(), suffix, ext)
}

// SaveUpload streams r into the uploads directory under a fresh image id.
// The file appears only once fully written.
func (w *Workspace) SaveUpload(originalName string, r io.Reader) (string, error) {
	if originalName == "" {
		return "", apperrors.Validation("file", ErrNoFile.Error())
	}
	ext, ok := AllowedExtension(originalName)
	if !ok {
		return "", apperrors.Validation("file", ErrNotGeoTIFF.Error())
	}

	id := NewImageID(time.Now(), ext)
	dst := w.InputPath(id)

	out, err := atomicwriter.New(dst, 0o644)
	if err != nil {
		return "", apperrors.Internal("artifact.saveUpload", err)
	}
	n, copyErr := io.Copy(out, r)
	closeErr := out.Close()
	if copyErr != nil {
		// A failed read still commits whatever was written.
		_ = os.Remove(dst)
		return "", copyErr
	}
	if closeErr != nil {
		return "", apperrors.Internal("artifact.saveUpload", closeErr)
	}
	if n == 0 {
		return "", apperrors.Validation("file", ErrNoFile.Error())
	}
	return id, nil
}

package job

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewID returns a job id of the form job-<unix millis>-<8 hex chars>.
// The millisecond prefix keeps ids roughly sortable; the random suffix makes
// same-millisecond collisions negligible.
func NewID(now time.Time) string {
	return "job-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()[:8]
}

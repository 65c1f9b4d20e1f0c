package artifact

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateName checks that name is a single plain path segment: no
// separators, no traversal, nothing that would resolve outside its directory.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("name is empty")
	case name == "." || name == "..":
		return fmt.Errorf("path traversal not allowed")
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("path separators not allowed")
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("NUL byte not allowed")
	case filepath.IsAbs(name) || filepath.VolumeName(name) != "":
		return fmt.Errorf("path must be relative, not absolute")
	}
	return nil
}

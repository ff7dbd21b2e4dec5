// Package paths expands a leading ~ in configured file paths.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome replaces a leading ~ with the user's home directory. Paths
// without a tilde, "~user" forms, and paths on systems with no home
// directory are returned unchanged.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// ExpandAll applies [ExpandHome] to every non-nil pointer in place.
func ExpandAll(ps ...*string) {
	for _, p := range ps {
		if p != nil && *p != "" {
			*p = ExpandHome(*p)
		}
	}
}

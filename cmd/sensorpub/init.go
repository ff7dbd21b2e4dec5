package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/nugget/sensorpub/internal/defaults"
)

// runInit prepares a sensorpub working directory: config.yaml plus the
// sample baseline CSVs under data/. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing sensorpub workspace in %s\n", dir)

	for _, sub := range []string{"data", "logs"} {
		p := filepath.Join(dir, sub)
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		}
	}

	// The config may hold broker credentials.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(w, configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	err := fs.WalkDir(defaults.Data, "data", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		content, err := defaults.Data.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", p, err)
		}
		return writeIfMissing(w, filepath.Join(dir, "data", path.Base(p)), content, 0o644)
	})
	if err != nil {
		return fmt.Errorf("install baselines: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point at your broker, then run: sensorpub serve")
	return nil
}

// writeIfMissing writes content to p only if the file does not already
// exist, and reports what it did on w.
func writeIfMissing(w io.Writer, p string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(p); err == nil {
		fmt.Fprintf(w, "  - %s (exists, skipped)\n", p)
		return nil
	}
	if err := os.WriteFile(p, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", p)
	return nil
}

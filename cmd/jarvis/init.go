package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jarvis-agent/jarvis/internal/defaults"
	"github.com/jarvis-agent/jarvis/internal/paths"
)

// runInit initializes a jarvis data directory. It creates the full
// layout (blob, vector, skills, and the self-update backup tree) and
// writes the example configuration. Existing files are never
// overwritten, so re-running init on a live directory is safe.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing jarvis data directory in %s\n", dir)

	layout, err := paths.NewLayout(dir)
	if err != nil {
		return err
	}
	if err := layout.EnsureTree(); err != nil {
		return err
	}
	for _, sub := range []string{layout.BlobDir(), layout.VectorDir(), layout.SkillsDir(), layout.BackupDir()} {
		fmt.Fprintf(w, "  ✓ %s\n", sub)
	}

	// The config holds API keys and the creator token, so keep it
	// owner-readable only.
	configPath := filepath.Join(layout.Root(), "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml (or export the ${...} variables it references),")
	fmt.Fprintln(w, "then start the agent with: jarvis serve -config "+configPath)
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. This ensures init never overwrites user customizations.
func writeIfMissing(path string, content []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, mode)
}

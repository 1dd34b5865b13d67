// Package paths resolves the on-disk layout of the agent's data
// directory. Components never concatenate path fragments themselves;
// they take a [Layout] built from configuration at startup so the tree
// stays consistent between serve, init, and the boot protocol.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Layout maps the canonical locations under the data directory.
//
//	<data>/
//	  state.db
//	  blob/YYYY-MM-DD.jsonl
//	  vector/
//	  skills/*.md
//	  code/backend/   (self-update backup tree)
//	  code/versions.log  code/undo/NNNNNN/
//	  code/.image_hash .needs_revert .healthy
type Layout struct {
	root string
}

// NewLayout creates a Layout rooted at dir. A leading ~ is expanded to
// the user's home directory. Relative paths are made absolute.
func NewLayout(dir string) (Layout, error) {
	if dir == "" {
		return Layout{}, fmt.Errorf("data directory not configured")
	}
	dir = ExpandHome(dir)
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Layout{}, fmt.Errorf("resolving data dir: %w", err)
	}
	return Layout{root: abs}, nil
}

// Root returns the data directory itself.
func (l Layout) Root() string { return l.root }

// StateDB returns the sqlite database path.
func (l Layout) StateDB() string { return filepath.Join(l.root, "state.db") }

// BlobDir returns the append-only event log directory.
func (l Layout) BlobDir() string { return filepath.Join(l.root, "blob") }

// VectorDir returns the embedded vector index directory.
func (l Layout) VectorDir() string { return filepath.Join(l.root, "vector") }

// SkillsDir returns the markdown skills directory.
func (l Layout) SkillsDir() string { return filepath.Join(l.root, "skills") }

// CodeDir returns the self-update root (backup tree plus flag files).
func (l Layout) CodeDir() string { return filepath.Join(l.root, "code") }

// BackupDir returns the persistent source backup tree.
func (l Layout) BackupDir() string { return filepath.Join(l.root, "code", "backend") }

// VersionsLog returns the self-update version log, one JSON record per
// accepted change.
func (l Layout) VersionsLog() string { return filepath.Join(l.root, "code", "versions.log") }

// UndoDir returns the directory of per-version snapshots that make the
// newest change revertible.
func (l Layout) UndoDir() string { return filepath.Join(l.root, "code", "undo") }

// ImageHashFile returns the stored hash of the shipped live code.
func (l Layout) ImageHashFile() string { return filepath.Join(l.root, "code", ".image_hash") }

// RevertFlagFile returns the marker set before each boot and cleared by
// the health check. Present at boot means the previous run never became
// healthy.
func (l Layout) RevertFlagFile() string { return filepath.Join(l.root, "code", ".needs_revert") }

// HealthyFile returns the marker written when the health check passes.
func (l Layout) HealthyFile() string { return filepath.Join(l.root, "code", ".healthy") }

// EnsureTree creates every directory of the layout that does not exist.
func (l Layout) EnsureTree() error {
	for _, dir := range []string{l.root, l.BlobDir(), l.VectorDir(), l.SkillsDir(), l.BackupDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// Within reports whether path stays inside the data directory after
// cleaning. File tools use it to refuse escapes via .. or absolute
// paths outside the tree.
func (l Layout) Within(path string) bool {
	if l.root == "" {
		return false
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(l.root, path)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(l.root, abs)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Resolve joins a possibly-relative path onto the data directory and
// verifies it stays inside the tree.
func (l Layout) Resolve(path string) (string, error) {
	if !l.Within(path) {
		return "", fmt.Errorf("path %q escapes the data directory", path)
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	return filepath.Join(l.root, path), nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
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

// Package selfupdate maintains the agent's persistent source backup and
// the versioned write path through which the agent modifies its own
// code. Every accepted proposal becomes a version record with an undo
// snapshot, so the newest change can always be rolled back — by the
// agent, or by the boot protocol after a start that never became
// healthy.
package selfupdate

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/paths"
)

// PathChecker vets a proposal path against the immutable safety rules.
// *safety.Validator implements it.
type PathChecker interface {
	CheckSourcePath(rel string) error
}

// Manager owns the backup tree under <data>/code/backend and its
// version log. All mutations run under one mutex, so proposals,
// reverts, and the boot protocol never interleave.
type Manager struct {
	logger  *slog.Logger
	layout  paths.Layout
	checker PathChecker
	liveDir string
	infra   []string
	pusher  *Pusher

	mu sync.Mutex
}

// NewManager creates a manager over the given data layout. checker may
// be nil (tests); cfg.LiveDir may be empty for backup-only mode, where
// the boot protocol skips seeding and image merges.
func NewManager(logger *slog.Logger, layout paths.Layout, checker PathChecker, cfg config.SelfUpdateConfig) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	var infra []string
	for _, p := range cfg.Infrastructure {
		if rel, err := cleanRel(p); err == nil {
			infra = append(infra, rel)
		}
	}
	return &Manager{
		logger:  logger.With("component", "selfupdate"),
		layout:  layout,
		checker: checker,
		liveDir: paths.ExpandHome(cfg.LiveDir),
		infra:   infra,
		pusher:  NewPusher(cfg.GitHub, logger),
	}
}

// Entry is one name in a backup directory listing.
type Entry struct {
	Name string `json:"name"`
	Dir  bool   `json:"dir"`
	Size int64  `json:"size"`
}

// ReadFile returns the backup copy of one source file.
func (m *Manager) ReadFile(rel string) (string, error) {
	clean, err := cleanRel(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(m.backupPath(clean))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", clean, err)
	}
	return string(data), nil
}

// ListDir lists one directory of the backup tree. rel may be empty or
// "." for the root. Dot-prefixed entries are hidden.
func (m *Manager) ListDir(rel string) ([]Entry, error) {
	dir := m.layout.BackupDir()
	if rel != "" && rel != "." {
		clean, err := cleanRel(rel)
		if err != nil {
			return nil, err
		}
		dir = m.backupPath(clean)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", rel, err)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ent := Entry{Name: e.Name(), Dir: e.IsDir()}
		if !e.IsDir() {
			if info, err := e.Info(); err == nil {
				ent.Size = info.Size()
			}
		}
		out = append(out, ent)
	}
	return out, nil
}

// History returns up to limit version records, newest first.
func (m *Manager) History(limit int) ([]Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions, err := m.readVersions()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(versions) {
		limit = len(versions)
	}
	out := make([]Version, 0, limit)
	for i := len(versions) - 1; i >= len(versions)-limit; i-- {
		out = append(out, versions[i])
	}
	return out, nil
}

// backupPath joins a cleaned relative path onto the backup root.
func (m *Manager) backupPath(rel string) string {
	return filepath.Join(m.layout.BackupDir(), filepath.FromSlash(rel))
}

// livePath joins a cleaned relative path onto the live root.
func (m *Manager) livePath(rel string) string {
	return filepath.Join(m.liveDir, filepath.FromSlash(rel))
}

// cleanRel normalizes a source path to slash-separated form relative to
// the source root and rejects escapes.
func cleanRel(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	clean := path.Clean(filepath.ToSlash(p))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the source root", p)
	}
	return clean, nil
}

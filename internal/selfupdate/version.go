package selfupdate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Version kinds. Only proposals count as agent modifications when an
// image-update merge decides which files to preserve.
const (
	KindSeed     = "seed"
	KindImage    = "image"
	KindProposal = "proposal"
)

// Version is one record in the version log: the initial seed, an image
// update, or an accepted self-modification.
type Version struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Files     []string  `json:"files"`
}

// readVersions loads the log oldest-first. A missing file is an empty
// history.
func (m *Manager) readVersions() ([]Version, error) {
	data, err := os.ReadFile(m.layout.VersionsLog())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read version log: %w", err)
	}
	var out []Version
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var v Version
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return nil, fmt.Errorf("version log corrupt: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// nextSeq returns the sequence number the next version will take.
func (m *Manager) nextSeq() (int, error) {
	versions, err := m.readVersions()
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 1, nil
	}
	return versions[len(versions)-1].Seq + 1, nil
}

// appendVersion writes one record to the log.
func (m *Manager) appendVersion(v Version) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode version record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.layout.VersionsLog()), 0o755); err != nil {
		return fmt.Errorf("create code dir: %w", err)
	}
	f, err := os.OpenFile(m.layout.VersionsLog(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open version log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append version record: %w", err)
	}
	return f.Close()
}

// dropLastVersion rewrites the log without its newest record.
func (m *Manager) dropLastVersion() error {
	versions, err := m.readVersions()
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return fmt.Errorf("version log empty")
	}
	var buf strings.Builder
	for _, v := range versions[:len(versions)-1] {
		line, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode version record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(m.layout.VersionsLog(), []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("rewrite version log: %w", err)
	}
	return nil
}

// proposalFiles returns every path touched by an accepted proposal.
// Image merges preserve these unless they sit on an infrastructure
// path.
func (m *Manager) proposalFiles() (map[string]bool, error) {
	versions, err := m.readVersions()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, v := range versions {
		if v.Kind != KindProposal {
			continue
		}
		for _, f := range v.Files {
			out[f] = true
		}
	}
	return out, nil
}

// undoManifest lists what a version changed and whether each file
// existed beforehand. Files that did not exist are deleted on revert.
type undoManifest struct {
	Seq   int         `json:"seq"`
	Files []undoEntry `json:"files"`
}

type undoEntry struct {
	Path    string `json:"path"`
	Existed bool   `json:"existed"`
}

func (m *Manager) undoDirFor(seq int) string {
	return filepath.Join(m.layout.UndoDir(), fmt.Sprintf("%06d", seq))
}

// snapshotPriors captures the current backup contents of rels before a
// version overwrites them.
func (m *Manager) snapshotPriors(seq int, rels []string) error {
	dir := m.undoDirFor(seq)
	man := undoManifest{Seq: seq}
	for _, rel := range rels {
		data, err := os.ReadFile(m.backupPath(rel))
		if errors.Is(err, os.ErrNotExist) {
			man.Files = append(man.Files, undoEntry{Path: rel})
			continue
		}
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", rel, err)
		}
		dst := filepath.Join(dir, "files", filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("snapshot %s: %w", rel, err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("snapshot %s: %w", rel, err)
		}
		man.Files = append(man.Files, undoEntry{Path: rel, Existed: true})
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create undo dir: %w", err)
	}
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("encode undo manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); err != nil {
		return fmt.Errorf("write undo manifest: %w", err)
	}
	return nil
}

// restorePriors puts the snapshot for seq back into the backup tree and
// returns the contents it restored, keyed by relative path. Files the
// version created are removed and not included.
func (m *Manager) restorePriors(seq int) (map[string]string, error) {
	dir := m.undoDirFor(seq)
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("read undo manifest for v%d: %w", seq, err)
	}
	var man undoManifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("undo manifest for v%d corrupt: %w", seq, err)
	}

	restored := make(map[string]string)
	for _, e := range man.Files {
		target := m.backupPath(e.Path)
		if !e.Existed {
			if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("remove %s: %w", e.Path, err)
			}
			continue
		}
		prior, err := os.ReadFile(filepath.Join(dir, "files", filepath.FromSlash(e.Path)))
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", e.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("restore %s: %w", e.Path, err)
		}
		if err := os.WriteFile(target, prior, 0o644); err != nil {
			return nil, fmt.Errorf("restore %s: %w", e.Path, err)
		}
		restored[e.Path] = string(prior)
	}
	return restored, nil
}

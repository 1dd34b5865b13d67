package selfupdate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// BootReport summarizes what the boot protocol did.
type BootReport struct {
	Seeded       bool   `json:"seeded"`
	ImageUpdated bool   `json:"image_updated"`
	FlagRevert   bool   `json:"flag_revert"`
	ImportRevert bool   `json:"import_revert"`
	ImportError  string `json:"import_error,omitempty"`
	Version      int    `json:"version"`
}

// Boot runs the startup protocol: seed or merge the shipped image into
// the backup, restore the backup over the live tree, honor a pending
// revert flag, syntax-check the result, and arm the revert flag for
// this run. [Manager.MarkHealthy] disarms the flag once the process
// proves live; a crash before that sends the next boot back one
// version.
func (m *Manager) Boot(ctx context.Context) (*BootReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rep := &BootReport{}
	if err := os.MkdirAll(m.layout.BackupDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	versions, err := m.readVersions()
	if err != nil {
		return nil, err
	}

	if m.liveDir != "" {
		if len(versions) == 0 {
			if err := m.seedLocked(); err != nil {
				return nil, err
			}
			rep.Seeded = true
		} else if err := m.mergeShippedLocked(rep); err != nil {
			return nil, err
		}
		if err := m.syncLive(); err != nil {
			return nil, fmt.Errorf("restore live tree: %w", err)
		}
	}

	// A present flag means the previous run never became healthy.
	reverted := false
	if m.flagPresent() {
		if v, err := m.revertLastLocked(ctx); err != nil {
			m.logger.Warn("pending revert could not apply", "error", err)
		} else {
			m.logger.Warn("previous run never became healthy, rolled back",
				"version", v.Seq,
				"message", v.Message)
			rep.FlagRevert = true
			reverted = true
		}
		m.clearFlag()
	}

	if err := checkGoTree(m.layout.BackupDir()); err != nil {
		rep.ImportError = err.Error()
		m.logger.Error("source tree failed syntax check", "error", err)
		if reverted {
			return rep, fmt.Errorf("source tree still broken after rollback: %w", err)
		}
		if _, rerr := m.revertLastLocked(ctx); rerr != nil {
			return rep, fmt.Errorf("source tree broken and rollback impossible: %v: %w", rerr, err)
		}
		rep.ImportRevert = true
		m.clearFlag()
		if err := checkGoTree(m.layout.BackupDir()); err != nil {
			return rep, fmt.Errorf("source tree still broken after rollback: %w", err)
		}
		m.logger.Warn("rolled back broken source tree")
	}

	if err := m.armFlag(); err != nil {
		return nil, err
	}
	if err := os.Remove(m.layout.HealthyFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("clearing healthy marker", "error", err)
	}

	if versions, err := m.readVersions(); err == nil && len(versions) > 0 {
		rep.Version = versions[len(versions)-1].Seq
	}
	m.logger.Info("boot protocol complete",
		"version", rep.Version,
		"seeded", rep.Seeded,
		"image_updated", rep.ImageUpdated,
		"reverted", rep.FlagRevert || rep.ImportRevert)
	return rep, nil
}

// seedLocked copies the live tree into an empty backup and records it
// as version 1.
func (m *Manager) seedLocked() error {
	files, err := walkFiles(m.liveDir)
	if err != nil {
		return fmt.Errorf("walk live tree: %w", err)
	}
	for _, rel := range files {
		if err := copyFile(m.livePath(rel), m.backupPath(rel)); err != nil {
			return fmt.Errorf("seed %s: %w", rel, err)
		}
	}
	v := Version{Seq: 1, Timestamp: time.Now().UTC(), Kind: KindSeed, Message: "initial seed", Files: files}
	if err := m.appendVersion(v); err != nil {
		return err
	}
	if err := m.writeImageHash(); err != nil {
		return err
	}
	m.logger.Info("seeded source backup", "files", len(files))
	return nil
}

// mergeShippedLocked folds a changed shipped image into the backup.
// Files the agent has modified keep the agent's version unless they sit
// on an infrastructure path, which the image always owns.
func (m *Manager) mergeShippedLocked(rep *BootReport) error {
	shipped, err := hashTree(m.liveDir)
	if err != nil {
		return fmt.Errorf("hash live tree: %w", err)
	}
	stored, err := os.ReadFile(m.layout.ImageHashFile())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read image hash: %w", err)
	}
	if strings.TrimSpace(string(stored)) == shipped {
		return nil
	}
	rep.ImageUpdated = true

	modified, err := m.proposalFiles()
	if err != nil {
		return err
	}
	files, err := walkFiles(m.liveDir)
	if err != nil {
		return fmt.Errorf("walk live tree: %w", err)
	}

	var changed []string
	for _, rel := range files {
		if modified[rel] && !m.infrastructure(rel) {
			continue
		}
		same, err := sameContent(m.livePath(rel), m.backupPath(rel))
		if err != nil {
			return fmt.Errorf("compare %s: %w", rel, err)
		}
		if !same {
			changed = append(changed, rel)
		}
	}

	if len(changed) > 0 {
		seq, err := m.nextSeq()
		if err != nil {
			return err
		}
		if err := m.snapshotPriors(seq, changed); err != nil {
			return err
		}
		for _, rel := range changed {
			if err := copyFile(m.livePath(rel), m.backupPath(rel)); err != nil {
				return fmt.Errorf("merge %s: %w", rel, err)
			}
		}
		v := Version{Seq: seq, Timestamp: time.Now().UTC(), Kind: KindImage, Message: "image update", Files: changed}
		if err := m.appendVersion(v); err != nil {
			return err
		}
		m.logger.Info("merged shipped image", "version", seq, "files", len(changed))
	}
	return m.writeImageHash()
}

// infrastructure reports whether rel sits on a configured
// infrastructure path (exact file or subtree).
func (m *Manager) infrastructure(rel string) bool {
	for _, p := range m.infra {
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

// syncLive mirrors the backup tree over the live tree, removing live
// files the backup no longer has. Dot-prefixed entries on either side
// are left alone.
func (m *Manager) syncLive() error {
	if m.liveDir == "" {
		return nil
	}
	backupFiles, err := walkFiles(m.layout.BackupDir())
	if err != nil {
		return fmt.Errorf("walk backup tree: %w", err)
	}
	want := make(map[string]bool, len(backupFiles))
	for _, rel := range backupFiles {
		want[rel] = true
		same, err := sameContent(m.backupPath(rel), m.livePath(rel))
		if err != nil {
			return fmt.Errorf("compare %s: %w", rel, err)
		}
		if !same {
			if err := copyFile(m.backupPath(rel), m.livePath(rel)); err != nil {
				return fmt.Errorf("restore %s: %w", rel, err)
			}
		}
	}
	liveFiles, err := walkFiles(m.liveDir)
	if err != nil {
		return fmt.Errorf("walk live tree: %w", err)
	}
	for _, rel := range liveFiles {
		if !want[rel] {
			if err := os.Remove(m.livePath(rel)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove %s: %w", rel, err)
			}
		}
	}
	return nil
}

func (m *Manager) writeImageHash() error {
	hash, err := hashTree(m.liveDir)
	if err != nil {
		return fmt.Errorf("hash live tree: %w", err)
	}
	if err := os.WriteFile(m.layout.ImageHashFile(), []byte(hash+"\n"), 0o644); err != nil {
		return fmt.Errorf("write image hash: %w", err)
	}
	return nil
}

func (m *Manager) flagPresent() bool {
	_, err := os.Stat(m.layout.RevertFlagFile())
	return err == nil
}

func (m *Manager) armFlag() error {
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(m.layout.RevertFlagFile(), []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("arm revert flag: %w", err)
	}
	return nil
}

func (m *Manager) clearFlag() {
	if err := os.Remove(m.layout.RevertFlagFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("clearing revert flag", "error", err)
	}
}

// MarkHealthy records that the process survived its liveness window:
// the revert flag is disarmed and the healthy marker written.
func (m *Manager) MarkHealthy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clearFlag()
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(m.layout.HealthyFile(), []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("write healthy marker: %w", err)
	}
	m.logger.Info("liveness confirmed, revert flag disarmed")
	return nil
}

// Healthy reports whether this boot has been marked healthy.
func (m *Manager) Healthy() bool {
	_, err := os.Stat(m.layout.HealthyFile())
	return err == nil
}

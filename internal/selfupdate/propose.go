package selfupdate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Change is one file rewrite within a proposal.
type Change struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Proposal is a self-modification: full new contents for one or more
// source files plus a message for the version log.
type Proposal struct {
	Changes []Change `json:"changes"`
	Message string   `json:"message"`
}

// Propose validates and applies a self-modification. On accept the new
// contents land in the backup tree, the prior contents are snapshotted,
// a version record is appended, and the change is mirrored to the live
// tree and the remote when configured. A rejected proposal leaves every
// file untouched.
func (m *Manager) Propose(ctx context.Context, p Proposal) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(p.Changes) == 0 {
		return nil, fmt.Errorf("proposal has no changes")
	}
	msg := strings.TrimSpace(p.Message)
	if msg == "" {
		msg = "self-modification"
	}

	// Every path is vetted before anything is written.
	rels := make([]string, 0, len(p.Changes))
	seen := make(map[string]bool, len(p.Changes))
	for _, ch := range p.Changes {
		rel, err := cleanRel(ch.Path)
		if err != nil {
			return nil, err
		}
		if seen[rel] {
			return nil, fmt.Errorf("duplicate path %q in proposal", rel)
		}
		seen[rel] = true
		if m.checker != nil {
			if err := m.checker.CheckSourcePath(rel); err != nil {
				return nil, err
			}
		}
		if strings.HasSuffix(rel, ".go") {
			if err := checkGoSource(rel, []byte(ch.Content)); err != nil {
				return nil, err
			}
		}
		rels = append(rels, rel)
	}

	seq, err := m.nextSeq()
	if err != nil {
		return nil, err
	}
	if err := m.snapshotPriors(seq, rels); err != nil {
		return nil, err
	}
	for i, ch := range p.Changes {
		dst := m.backupPath(rels[i])
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("write %s: %w", rels[i], err)
		}
		if err := os.WriteFile(dst, []byte(ch.Content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", rels[i], err)
		}
	}
	v := Version{Seq: seq, Timestamp: time.Now().UTC(), Kind: KindProposal, Message: msg, Files: rels}
	if err := m.appendVersion(v); err != nil {
		return nil, err
	}

	if m.liveDir != "" {
		for i, ch := range p.Changes {
			live := m.livePath(rels[i])
			if err := os.MkdirAll(filepath.Dir(live), 0o755); err != nil {
				m.logger.Warn("live mirror failed", "path", rels[i], "error", err)
				continue
			}
			if err := os.WriteFile(live, []byte(ch.Content), 0o644); err != nil {
				m.logger.Warn("live mirror failed", "path", rels[i], "error", err)
			}
		}
	}

	// The remote mirror is advisory; the backup commit already holds.
	if m.pusher != nil {
		files := make(map[string]string, len(p.Changes))
		for i, ch := range p.Changes {
			files[rels[i]] = ch.Content
		}
		if err := m.pusher.PushFiles(ctx, files, fmt.Sprintf("v%d: %s", v.Seq, msg)); err != nil {
			m.logger.Warn("remote mirror push failed", "version", v.Seq, "error", err)
		}
	}

	m.logger.Info("self-modification accepted",
		"version", v.Seq,
		"files", len(rels),
		"message", msg)
	return &v, nil
}

// RevertLast undoes the newest version: prior contents return to the
// backup tree, the record is dropped, and the live tree re-synced.
// Reverting past the initial seed is refused.
func (m *Manager) RevertLast(ctx context.Context) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revertLastLocked(ctx)
}

func (m *Manager) revertLastLocked(ctx context.Context) (*Version, error) {
	versions, err := m.readVersions()
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("no versions to revert")
	}
	last := versions[len(versions)-1]
	if last.Kind == KindSeed {
		return nil, fmt.Errorf("cannot revert past the initial seed")
	}

	restored, err := m.restorePriors(last.Seq)
	if err != nil {
		return nil, fmt.Errorf("revert v%d: %w", last.Seq, err)
	}
	if err := m.dropLastVersion(); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(m.undoDirFor(last.Seq)); err != nil {
		m.logger.Warn("removing undo snapshot", "version", last.Seq, "error", err)
	}

	if m.liveDir != "" {
		if err := m.syncLive(); err != nil {
			m.logger.Warn("live re-sync after revert failed", "error", err)
		}
	}
	if m.pusher != nil && len(restored) > 0 {
		if err := m.pusher.PushFiles(ctx, restored, fmt.Sprintf("revert v%d: %s", last.Seq, last.Message)); err != nil {
			m.logger.Warn("remote mirror push failed", "version", last.Seq, "error", err)
		}
	}

	m.logger.Info("self-modification reverted",
		"version", last.Seq,
		"message", last.Message)
	return &last, nil
}

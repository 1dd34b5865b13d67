package selfupdate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/paths"
	"github.com/jarvis-agent/jarvis/internal/safety"
)

func TestProposeWritesBackupAndVersion(t *testing.T) {
	m := testManager(t, config.SelfUpdateConfig{})

	v, err := m.Propose(context.Background(), Proposal{
		Changes: []Change{
			{Path: "internal/core/loop.go", Content: "package core\n"},
			{Path: "README.md", Content: "# agent\n"},
		},
		Message: "add loop",
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if v.Seq != 1 || v.Kind != KindProposal || v.Message != "add loop" {
		t.Errorf("version = %+v", v)
	}
	if len(v.Files) != 2 {
		t.Errorf("files = %v", v.Files)
	}
	if got := readFile(t, m.backupPath("internal/core/loop.go")); got != "package core\n" {
		t.Errorf("backup content = %q", got)
	}
	if !exists(filepath.Join(m.undoDirFor(1), "manifest.json")) {
		t.Error("undo manifest missing")
	}
}

func TestProposeDefaultMessage(t *testing.T) {
	m := testManager(t, config.SelfUpdateConfig{})

	v, err := m.Propose(context.Background(), Proposal{
		Changes: []Change{{Path: "notes.md", Content: "x"}},
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if v.Message != "self-modification" {
		t.Errorf("message = %q", v.Message)
	}
}

func TestProposeRejectsEmptyAndDuplicates(t *testing.T) {
	m := testManager(t, config.SelfUpdateConfig{})
	ctx := context.Background()

	if _, err := m.Propose(ctx, Proposal{Message: "nothing"}); err == nil {
		t.Error("empty proposal accepted")
	}
	_, err := m.Propose(ctx, Proposal{Changes: []Change{
		{Path: "a.md", Content: "1"},
		{Path: "./a.md", Content: "2"},
	}})
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("duplicate paths: err = %v", err)
	}
}

func TestProposeRejectsEscapingPaths(t *testing.T) {
	m := testManager(t, config.SelfUpdateConfig{})

	for _, p := range []string{"../outside.go", "a/../../b.go", ".."} {
		_, err := m.Propose(context.Background(), Proposal{
			Changes: []Change{{Path: p, Content: "x"}},
		})
		if err == nil {
			t.Errorf("path %q accepted", p)
		}
	}
}

func TestProposeRejectsBrokenGo(t *testing.T) {
	m := testManager(t, config.SelfUpdateConfig{})

	_, err := m.Propose(context.Background(), Proposal{
		Changes: []Change{{Path: "internal/x/x.go", Content: "package x\nfunc {"}},
		Message: "broken",
	})
	if err == nil {
		t.Fatal("broken Go source accepted")
	}
	if exists(m.backupPath("internal/x/x.go")) {
		t.Error("rejected proposal reached the backup tree")
	}
	if history, _ := m.History(0); len(history) != 0 {
		t.Errorf("rejected proposal recorded: %v", history)
	}
}

func TestProposeRejectsProtectedPaths(t *testing.T) {
	layout, err := paths.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	if err := layout.EnsureTree(); err != nil {
		t.Fatalf("EnsureTree: %v", err)
	}
	m := NewManager(nil, layout, safety.New(nil, nil, nil), config.SelfUpdateConfig{})

	const original = "package safety\n\n// immutable\n"
	writeTree(t, layout.BackupDir(), map[string]string{
		"internal/safety/rules.go": original,
	})

	for _, p := range []string{
		"internal/safety/rules.go",
		"internal/safety/validator.go",
		"internal/config/logging.go",
	} {
		_, err := m.Propose(context.Background(), Proposal{
			Changes: []Change{{Path: p, Content: "package evil\n"}},
			Message: "tamper",
		})
		var verr *safety.ViolationError
		if !errors.As(err, &verr) {
			t.Fatalf("path %q: err = %v, want violation", p, err)
		}
		if verr.Rule != safety.RuleNoSelfTamper {
			t.Errorf("path %q: rule = %d", p, verr.Rule)
		}
	}

	// The protected file is byte-for-byte untouched and nothing was recorded.
	if got := readFile(t, filepath.Join(layout.BackupDir(), "internal/safety/rules.go")); got != original {
		t.Errorf("protected file changed: %q", got)
	}
	if history, _ := m.History(0); len(history) != 0 {
		t.Errorf("tamper attempt recorded: %v", history)
	}
}

func TestProposeRejectsMixedProposalEntirely(t *testing.T) {
	layout, err := paths.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	if err := layout.EnsureTree(); err != nil {
		t.Fatalf("EnsureTree: %v", err)
	}
	m := NewManager(nil, layout, safety.New(nil, nil, nil), config.SelfUpdateConfig{})

	_, err = m.Propose(context.Background(), Proposal{
		Changes: []Change{
			{Path: "internal/core/loop.go", Content: "package core\n"},
			{Path: "internal/safety/rules.go", Content: "package evil\n"},
		},
		Message: "mixed",
	})
	if err == nil {
		t.Fatal("mixed proposal accepted")
	}
	if exists(filepath.Join(layout.BackupDir(), "internal/core/loop.go")) {
		t.Error("rejected proposal wrote the innocent file")
	}
}

func TestRevertLastRestoresPriorContent(t *testing.T) {
	m := testManager(t, config.SelfUpdateConfig{})
	ctx := context.Background()

	if _, err := m.Propose(ctx, Proposal{
		Changes: []Change{{Path: "internal/a/a.go", Content: "package a\n\nconst V = 1\n"}},
		Message: "v1",
	}); err != nil {
		t.Fatalf("Propose v1: %v", err)
	}
	if _, err := m.Propose(ctx, Proposal{
		Changes: []Change{{Path: "internal/a/a.go", Content: "package a\n\nconst V = 2\n"}},
		Message: "v2",
	}); err != nil {
		t.Fatalf("Propose v2: %v", err)
	}

	v, err := m.RevertLast(ctx)
	if err != nil {
		t.Fatalf("RevertLast: %v", err)
	}
	if v.Seq != 2 || v.Message != "v2" {
		t.Errorf("reverted version = %+v", v)
	}
	if got := readFile(t, m.backupPath("internal/a/a.go")); !strings.Contains(got, "V = 1") {
		t.Errorf("content after revert = %q", got)
	}
	if history, _ := m.History(0); len(history) != 1 {
		t.Errorf("history after revert = %v", history)
	}
	if exists(m.undoDirFor(2)) {
		t.Error("undo snapshot for reverted version remains")
	}

	// Reverting the first proposal removes the file it created.
	if _, err := m.RevertLast(ctx); err != nil {
		t.Fatalf("RevertLast first: %v", err)
	}
	if exists(m.backupPath("internal/a/a.go")) {
		t.Error("created file should be removed by revert")
	}
	if _, err := m.RevertLast(ctx); err == nil {
		t.Error("revert on empty history accepted")
	}
}

func TestProposeMirrorsToLiveTree(t *testing.T) {
	live := t.TempDir()
	m := testManager(t, config.SelfUpdateConfig{LiveDir: live})

	if _, err := m.Propose(context.Background(), Proposal{
		Changes: []Change{{Path: "internal/b/b.go", Content: "package b\n"}},
		Message: "mirror",
	}); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	mirrored := filepath.Join(live, "internal", "b", "b.go")
	if got := readFile(t, mirrored); got != "package b\n" {
		t.Errorf("live mirror = %q", got)
	}

	if _, err := m.RevertLast(context.Background()); err != nil {
		t.Fatalf("RevertLast: %v", err)
	}
	if _, err := os.Stat(mirrored); err == nil {
		t.Error("live mirror should be removed after revert")
	}
}

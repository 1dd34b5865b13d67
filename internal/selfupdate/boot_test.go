package selfupdate

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jarvis-agent/jarvis/internal/config"
)

func TestBootSeedsBackup(t *testing.T) {
	live := t.TempDir()
	writeTree(t, live, map[string]string{
		"internal/core/loop.go": "package core\n",
		"go.mod":                "module example\n",
	})
	m := testManager(t, config.SelfUpdateConfig{LiveDir: live})

	rep, err := m.Boot(context.Background())
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if !rep.Seeded {
		t.Error("expected seed on first boot")
	}
	if rep.Version != 1 {
		t.Errorf("version = %d, want 1", rep.Version)
	}
	if got := readFile(t, m.backupPath("internal/core/loop.go")); got != "package core\n" {
		t.Errorf("backup seed = %q", got)
	}
	history, err := m.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Kind != KindSeed {
		t.Errorf("history = %+v", history)
	}
	if !exists(m.layout.ImageHashFile()) {
		t.Error("image hash not stored")
	}
	if !m.flagPresent() {
		t.Error("revert flag should be armed after boot")
	}
	if m.Healthy() {
		t.Error("healthy marker should be absent right after boot")
	}
}

func TestBootImageMergePreservesAgentFiles(t *testing.T) {
	live := t.TempDir()
	writeTree(t, live, map[string]string{
		"internal/core/loop.go": "package core\n",
		"cmd/jarvis/main.go":    "package main\n",
	})
	m := testManager(t, config.SelfUpdateConfig{LiveDir: live, Infrastructure: []string{"cmd"}})
	ctx := context.Background()

	if _, err := m.Boot(ctx); err != nil {
		t.Fatalf("first Boot: %v", err)
	}
	if err := m.MarkHealthy(); err != nil {
		t.Fatalf("MarkHealthy: %v", err)
	}

	const agentLoop = "package core\n\nconst tuned = true\n"
	if _, err := m.Propose(ctx, Proposal{
		Changes: []Change{{Path: "internal/core/loop.go", Content: agentLoop}},
		Message: "tune loop",
	}); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	// A new image ships changes to both files.
	writeTree(t, live, map[string]string{
		"internal/core/loop.go": "package core\n\n// shipped rewrite\n",
		"cmd/jarvis/main.go":    "package main\n\n// shipped rewrite\n",
	})

	rep, err := m.Boot(ctx)
	if err != nil {
		t.Fatalf("second Boot: %v", err)
	}
	if !rep.ImageUpdated {
		t.Error("expected image update")
	}
	if got := readFile(t, m.backupPath("internal/core/loop.go")); got != agentLoop {
		t.Errorf("agent-modified file clobbered: %q", got)
	}
	if got := readFile(t, m.backupPath("cmd/jarvis/main.go")); !strings.Contains(got, "shipped rewrite") {
		t.Errorf("infrastructure file not taken from image: %q", got)
	}

	// The live tree ends up mirroring the merged backup.
	if got := readFile(t, m.livePath("internal/core/loop.go")); got != agentLoop {
		t.Errorf("live tree after restore = %q", got)
	}

	history, _ := m.History(0)
	if len(history) != 3 {
		t.Fatalf("history = %+v", history)
	}
	image := history[0]
	if image.Kind != KindImage || image.Message != "image update" {
		t.Errorf("image record = %+v", image)
	}
	if len(image.Files) != 1 || image.Files[0] != "cmd/jarvis/main.go" {
		t.Errorf("image files = %v", image.Files)
	}
}

func TestBootRevertFlagRollsBack(t *testing.T) {
	live := t.TempDir()
	writeTree(t, live, map[string]string{"internal/app/app.go": "package app\n"})
	m := testManager(t, config.SelfUpdateConfig{LiveDir: live})
	ctx := context.Background()

	if _, err := m.Boot(ctx); err != nil {
		t.Fatalf("first Boot: %v", err)
	}
	// The flag stays armed: this run never reaches MarkHealthy.
	if _, err := m.Propose(ctx, Proposal{
		Changes: []Change{{Path: "internal/app/extra.go", Content: "package app\n\nconst V = 2\n"}},
		Message: "risky change",
	}); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	rep, err := m.Boot(ctx)
	if err != nil {
		t.Fatalf("second Boot: %v", err)
	}
	if !rep.FlagRevert {
		t.Error("expected flag-triggered rollback")
	}
	if exists(m.backupPath("internal/app/extra.go")) {
		t.Error("rolled-back file remains in backup")
	}
	if exists(m.livePath("internal/app/extra.go")) {
		t.Error("rolled-back file remains in live tree")
	}
	if history, _ := m.History(0); len(history) != 1 {
		t.Errorf("history = %+v", history)
	}
	if !m.flagPresent() {
		t.Error("flag should be re-armed for the new run")
	}
}

func TestBootFlagOnSeedOnlyHistoryIsHarmless(t *testing.T) {
	live := t.TempDir()
	writeTree(t, live, map[string]string{"internal/app/app.go": "package app\n"})
	m := testManager(t, config.SelfUpdateConfig{LiveDir: live})
	ctx := context.Background()

	if _, err := m.Boot(ctx); err != nil {
		t.Fatalf("first Boot: %v", err)
	}
	// Crash right after the very first boot: nothing to revert to.
	rep, err := m.Boot(ctx)
	if err != nil {
		t.Fatalf("second Boot: %v", err)
	}
	if rep.FlagRevert {
		t.Error("seed must not be reverted")
	}
	if history, _ := m.History(0); len(history) != 1 {
		t.Errorf("history = %+v", history)
	}
}

func TestBootImportFailureRestoresPreviousVersion(t *testing.T) {
	live := t.TempDir()
	writeTree(t, live, map[string]string{"internal/app/app.go": "package app\n"})
	m := testManager(t, config.SelfUpdateConfig{LiveDir: live})
	ctx := context.Background()

	if _, err := m.Boot(ctx); err != nil {
		t.Fatalf("first Boot: %v", err)
	}
	if err := m.MarkHealthy(); err != nil {
		t.Fatalf("MarkHealthy: %v", err)
	}
	if _, err := m.Propose(ctx, Proposal{
		Changes: []Change{{Path: "internal/app/extra.go", Content: "package app\n\nconst V = 2\n"}},
		Message: "new file",
	}); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	// The file is corrupted outside the proposal path, so the syntax
	// check at the next boot is the first thing to notice.
	writeTree(t, m.layout.BackupDir(), map[string]string{
		"internal/app/extra.go": "package app\nfunc {",
	})

	rep, err := m.Boot(ctx)
	if err != nil {
		t.Fatalf("second Boot: %v", err)
	}
	if !rep.ImportRevert {
		t.Error("expected syntax-check rollback")
	}
	if rep.ImportError == "" {
		t.Error("report should carry the syntax error")
	}
	if exists(m.backupPath("internal/app/extra.go")) {
		t.Error("broken file remains in backup")
	}
	if exists(m.livePath("internal/app/extra.go")) {
		t.Error("broken file remains in live tree")
	}
	if history, _ := m.History(0); len(history) != 1 {
		t.Errorf("history = %+v", history)
	}
	if !m.flagPresent() {
		t.Error("flag should be armed for the new run")
	}
}

func TestBootFailsWhenSeedItselfBroken(t *testing.T) {
	live := t.TempDir()
	writeTree(t, live, map[string]string{"internal/app/app.go": "package app\nfunc {"})
	m := testManager(t, config.SelfUpdateConfig{LiveDir: live})

	if _, err := m.Boot(context.Background()); err == nil {
		t.Fatal("broken shipped tree should fail boot")
	}
}

func TestMarkHealthyDisarmsFlag(t *testing.T) {
	live := t.TempDir()
	writeTree(t, live, map[string]string{"internal/app/app.go": "package app\n"})
	m := testManager(t, config.SelfUpdateConfig{LiveDir: live})

	if _, err := m.Boot(context.Background()); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if !m.flagPresent() || m.Healthy() {
		t.Fatal("boot should arm the flag and clear the healthy marker")
	}
	if err := m.MarkHealthy(); err != nil {
		t.Fatalf("MarkHealthy: %v", err)
	}
	if m.flagPresent() {
		t.Error("flag still armed after MarkHealthy")
	}
	if !m.Healthy() {
		t.Error("healthy marker missing")
	}
}

func TestBootBackupOnlyMode(t *testing.T) {
	m := testManager(t, config.SelfUpdateConfig{})
	ctx := context.Background()

	rep, err := m.Boot(ctx)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if rep.Seeded || rep.ImageUpdated {
		t.Errorf("report = %+v", rep)
	}
	if !m.flagPresent() {
		t.Error("flag should be armed even without a live tree")
	}

	if _, err := m.Propose(ctx, Proposal{
		Changes: []Change{{Path: "internal/app/app.go", Content: "package app\n"}},
		Message: "first",
	}); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	content, err := m.ReadFile("internal/app/app.go")
	if err != nil || content != "package app\n" {
		t.Errorf("ReadFile = %q, %v", content, err)
	}
}

func TestImageHashTracksShippedTree(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.go": "package a\n", "sub/b.go": "package b\n"})

	h1, err := hashTree(dir)
	if err != nil {
		t.Fatalf("hashTree: %v", err)
	}
	h2, err := hashTree(dir)
	if err != nil {
		t.Fatalf("hashTree: %v", err)
	}
	if h1 != h2 {
		t.Error("hash not deterministic")
	}

	writeTree(t, dir, map[string]string{"a.go": "package a\n\nconst changed = true\n"})
	h3, err := hashTree(dir)
	if err != nil {
		t.Fatalf("hashTree: %v", err)
	}
	if h3 == h1 {
		t.Error("hash unchanged after edit")
	}

	if err := os.MkdirAll(dir+"/.git", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir+"/.git/config", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	h4, err := hashTree(dir)
	if err != nil {
		t.Fatalf("hashTree: %v", err)
	}
	if h4 != h3 {
		t.Error("dot directories should not affect the hash")
	}
}

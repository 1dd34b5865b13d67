package state

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jarvis-agent/jarvis/internal/config"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestFreshStateIsZero(t *testing.T) {
	store := setupTestStore(t)

	st, err := store.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Iteration != 0 {
		t.Errorf("iteration = %d, want 0", st.Iteration)
	}
	if st.Directive != "" {
		t.Errorf("directive = %q, want empty", st.Directive)
	}
	if !st.Goals.Empty() {
		t.Errorf("goals = %+v, want empty", st.Goals)
	}
	if st.Paused {
		t.Error("fresh state should not be paused")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := setupTestStore(t)

	st := AgentState{
		Directive: "Improve yourself.",
		Goals: Goals{
			ShortTerm: []string{"answer pending chat"},
			MidTerm:   []string{"organize memory"},
			LongTerm:  []string{"expand capabilities"},
		},
		Iteration:   7,
		ActiveTask:  "memory cleanup",
		LastChatID:  "0190a000-0000-7000-8000-000000000001",
		BudgetMonth: "2026-08",
		Memory: config.MemoryConfig{
			RetrievalCount:     5,
			RelevanceThreshold: 0.3,
			DecayFactor:        0.95,
			MaxContextTokens:   24000,
		},
	}
	if err := store.Save(st); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if got.Directive != st.Directive {
		t.Errorf("directive = %q, want %q", got.Directive, st.Directive)
	}
	if got.Iteration != 7 {
		t.Errorf("iteration = %d, want 7", got.Iteration)
	}
	if len(got.Goals.ShortTerm) != 1 || got.Goals.ShortTerm[0] != "answer pending chat" {
		t.Errorf("short-term goals = %v", got.Goals.ShortTerm)
	}
	if got.BudgetMonth != "2026-08" {
		t.Errorf("budget month = %q", got.BudgetMonth)
	}
	if got.Memory.RetrievalCount != 5 {
		t.Errorf("memory retrieval count = %d, want 5", got.Memory.RetrievalCount)
	}
}

func TestIterationNeverRegresses(t *testing.T) {
	store := setupTestStore(t)

	if err := store.Save(AgentState{Iteration: 10}); err != nil {
		t.Fatalf("save: %v", err)
	}
	err := store.Save(AgentState{Iteration: 9})
	if err == nil {
		t.Fatal("expected regression error saving iteration 9 over 10")
	}

	st, err := store.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Iteration != 10 {
		t.Errorf("iteration = %d, want 10 after rejected regression", st.Iteration)
	}
}

func TestMutateAppliesAtomically(t *testing.T) {
	store := setupTestStore(t)

	got, err := store.Mutate(func(st *AgentState) {
		st.Iteration++
		st.ActiveTask = "drafting reply"
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if got.Iteration != 1 {
		t.Errorf("iteration = %d, want 1", got.Iteration)
	}

	reloaded, err := store.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if reloaded.ActiveTask != "drafting reply" {
		t.Errorf("active task = %q", reloaded.ActiveTask)
	}
}

func TestPauseFlag(t *testing.T) {
	store := setupTestStore(t)

	if err := store.SetPaused(true); err != nil {
		t.Fatalf("set paused: %v", err)
	}
	paused, err := store.Paused()
	if err != nil {
		t.Fatalf("paused: %v", err)
	}
	if !paused {
		t.Error("expected paused = true")
	}

	if err := store.SetPaused(false); err != nil {
		t.Fatalf("unset paused: %v", err)
	}
	paused, _ = store.Paused()
	if paused {
		t.Error("expected paused = false")
	}
}

func TestUpdateMemoryConfigRejectsOutOfRange(t *testing.T) {
	store := setupTestStore(t)

	bad := config.MemoryConfig{
		RetrievalCount:     500,
		RelevanceThreshold: 0.3,
		DecayFactor:        0.95,
		MaxContextTokens:   24000,
	}
	if err := store.UpdateMemoryConfig(bad); err == nil {
		t.Fatal("expected validation error for retrieval_count 500")
	}

	good := config.MemoryConfig{
		RetrievalCount:     10,
		RelevanceThreshold: 0.4,
		DecayFactor:        0.9,
		MaxContextTokens:   16000,
	}
	if err := store.UpdateMemoryConfig(good); err != nil {
		t.Fatalf("update memory config: %v", err)
	}
	st, _ := store.State()
	if st.Memory.RetrievalCount != 10 {
		t.Errorf("retrieval count = %d, want 10", st.Memory.RetrievalCount)
	}
}

func TestChatAppendAndDrainCursor(t *testing.T) {
	store := setupTestStore(t)

	var ids []string
	for _, content := range []string{"first", "second", "third"} {
		m := &ChatMessage{Role: RoleCreator, Channel: "api", Content: content}
		if err := store.AppendChat(m); err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, m.ID)
	}
	// A jarvis reply must not appear in the creator drain.
	if err := store.AppendChat(&ChatMessage{Role: RoleJarvis, Content: "reply"}); err != nil {
		t.Fatalf("append reply: %v", err)
	}

	pending, err := store.ChatSince("", 16)
	if err != nil {
		t.Fatalf("chat since: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d messages, want 3", len(pending))
	}
	if pending[0].Content != "first" || pending[2].Content != "third" {
		t.Errorf("drain order wrong: %q .. %q", pending[0].Content, pending[2].Content)
	}

	// Advance the cursor past the second message.
	rest, err := store.ChatSince(ids[1], 16)
	if err != nil {
		t.Fatalf("chat since cursor: %v", err)
	}
	if len(rest) != 1 || rest[0].Content != "third" {
		t.Fatalf("after cursor got %d messages, want just third", len(rest))
	}
}

func TestChatSinceRespectsBatchLimit(t *testing.T) {
	store := setupTestStore(t)

	for i := 0; i < 20; i++ {
		if err := store.AppendChat(&ChatMessage{Role: RoleCreator, Content: "msg"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	pending, err := store.ChatSince("", 16)
	if err != nil {
		t.Fatalf("chat since: %v", err)
	}
	if len(pending) != 16 {
		t.Errorf("batch = %d messages, want 16", len(pending))
	}
}

func TestChatHistoryChronological(t *testing.T) {
	store := setupTestStore(t)

	for _, content := range []string{"a", "b", "c", "d"} {
		if err := store.AppendChat(&ChatMessage{Role: RoleCreator, Content: content}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	hist, err := store.ChatHistory(2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history = %d messages, want 2", len(hist))
	}
	if hist[0].Content != "c" || hist[1].Content != "d" {
		t.Errorf("history order = %q, %q; want c, d", hist[0].Content, hist[1].Content)
	}
}

func TestNotesReplaceAndLoad(t *testing.T) {
	store := setupTestStore(t)

	notes := []Note{
		{Content: "[iter 1] web_search OK: found docs", Iteration: 1},
		{Content: "[iter 2] file_write FAILED: permission", Iteration: 2},
	}
	if err := store.ReplaceNotes(notes); err != nil {
		t.Fatalf("replace notes: %v", err)
	}

	got, err := store.Notes()
	if err != nil {
		t.Fatalf("notes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("notes = %d, want 2", len(got))
	}
	if got[0].Content != notes[0].Content || got[1].Iteration != 2 {
		t.Errorf("notes round-trip mismatch: %+v", got)
	}

	// Replace-all drops the previous image.
	if err := store.ReplaceNotes([]Note{{Content: "only", Iteration: 3}}); err != nil {
		t.Fatalf("replace notes: %v", err)
	}
	got, _ = store.Notes()
	if len(got) != 1 || got[0].Content != "only" {
		t.Errorf("replace did not clear old notes: %+v", got)
	}
}

func TestProviderBalances(t *testing.T) {
	store := setupTestStore(t)

	balance := 42.5
	now := time.Now().UTC()
	pb := ProviderBalance{
		Name:             "anthropic",
		Currency:         "USD",
		KnownBalance:     &balance,
		BalanceUpdatedAt: &now,
		SpentTracked:     1.25,
	}
	if err := store.UpsertProvider(pb); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	all, err := store.Providers()
	if err != nil {
		t.Fatalf("providers: %v", err)
	}
	got, ok := all["anthropic"]
	if !ok {
		t.Fatal("anthropic row missing")
	}
	if got.KnownBalance == nil || *got.KnownBalance != 42.5 {
		t.Errorf("known balance = %v, want 42.5", got.KnownBalance)
	}
	if got.SpentTracked != 1.25 {
		t.Errorf("spent tracked = %g, want 1.25", got.SpentTracked)
	}

	// Upsert overwrites.
	pb.SpentTracked = 2.0
	if err := store.UpsertProvider(pb); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	all, _ = store.Providers()
	if all["anthropic"].SpentTracked != 2.0 {
		t.Errorf("spent tracked after upsert = %g, want 2.0", all["anthropic"].SpentTracked)
	}
}

func TestBudgetMonthSeedAndPersist(t *testing.T) {
	store := setupTestStore(t)

	bm, err := store.LoadBudget("2026-08", 100)
	if err != nil {
		t.Fatalf("load budget: %v", err)
	}
	if bm.CapUSD != 100 || bm.SpentUSD != 0 {
		t.Errorf("fresh month = %+v", bm)
	}

	bm.SpentUSD = 12.34
	bm.Charges = 9
	if err := store.SaveBudget(bm); err != nil {
		t.Fatalf("save budget: %v", err)
	}

	// Reload with a different default cap: the stored cap wins.
	again, err := store.LoadBudget("2026-08", 500)
	if err != nil {
		t.Fatalf("reload budget: %v", err)
	}
	if again.CapUSD != 100 {
		t.Errorf("cap = %g, want stored 100", again.CapUSD)
	}
	if again.SpentUSD != 12.34 || again.Charges != 9 {
		t.Errorf("ledger = %+v", again)
	}
}

func TestNewIDSortsChronologically(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	if !(a < b) {
		t.Errorf("IDs not chronologically ordered: %s >= %s", a, b)
	}
}

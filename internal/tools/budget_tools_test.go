package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/jarvis-agent/jarvis/internal/budget"
	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/state"
)

func TestBudgetQuery(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st, err := state.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	balance := 15.0
	tracker, err := budget.NewTracker(st, []config.ProviderConfig{
		{Name: "anthropic", Kind: "anthropic", Tier: "paid", Currency: "USD",
			KnownBalance: &balance, InputPer1K: 0.003, OutputPer1K: 0.015},
		{Name: "ollama", Kind: "ollama", Tier: "free", Currency: "USD"},
	}, 20, slog.Default(), nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	reg := testRegistry(t)
	reg.SetBudgetTracker(tracker)

	res := reg.Invoke(context.Background(), "budget_query", nil)
	if !res.Success {
		t.Fatalf("budget_query failed: %s", res.Error)
	}

	var snap map[string]any
	if err := json.Unmarshal([]byte(res.Output), &snap); err != nil {
		t.Fatalf("output not JSON: %v\n%s", err, res.Output)
	}
	if _, ok := snap["cap_usd"]; !ok {
		t.Errorf("expected cap_usd in snapshot: %s", res.Output)
	}
}

func TestBudgetTrackerNilGuard(t *testing.T) {
	reg := testRegistry(t)
	reg.SetBudgetTracker(nil)
	if reg.Has("budget_query") {
		t.Error("budget_query should not register from nil tracker")
	}
}

package usage

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func seed(t *testing.T, s *Store, recs ...Record) {
	t.Helper()
	for i, rec := range recs {
		if err := s.Record(context.Background(), rec); err != nil {
			t.Fatalf("seed record %d: %v", i, err)
		}
	}
}

// window brackets t by a minute on each side.
func window(t time.Time) (time.Time, time.Time) {
	return t.Add(-time.Minute), t.Add(time.Minute)
}

func TestSummaryTotals(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	seed(t, s,
		Record{Timestamp: now, Iteration: 1, Tier: "level1", Provider: "anthropic", Model: "claude-opus-4-6", InputTokens: 1000, OutputTokens: 500, CostUSD: 0.0105, LatencyMs: 1800},
		Record{Timestamp: now, Iteration: 2, Tier: "level2", Provider: "openai", Model: "gpt-4o", InputTokens: 2000, OutputTokens: 1000, CostUSD: 0.015, LatencyMs: 950},
	)

	sum, err := s.Summary(window(now))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 2 || sum.TotalInputTokens != 3000 || sum.TotalOutputTokens != 1500 {
		t.Errorf("totals = %+v, want 2 records, 3000 in, 1500 out", sum)
	}
	if math.Abs(sum.TotalCostUSD-0.0255) > 1e-9 {
		t.Errorf("cost = %v, want 0.0255", sum.TotalCostUSD)
	}
}

func TestSummaryByProvider(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	seed(t, s,
		Record{Timestamp: now, Tier: "level1", Provider: "anthropic", Model: "claude-opus-4-6", InputTokens: 100, OutputTokens: 50, CostUSD: 1},
		Record{Timestamp: now, Tier: "level1", Provider: "anthropic", Model: "claude-opus-4-6", InputTokens: 200, OutputTokens: 100, CostUSD: 2},
		Record{Timestamp: now, Tier: "level3", Provider: "ollama", Model: "mistral:7b-instruct", InputTokens: 50, OutputTokens: 25},
	)

	groups, err := s.SummaryByProvider(window(now))
	if err != nil {
		t.Fatalf("SummaryByProvider: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want anthropic and ollama", len(groups))
	}
	a := groups["anthropic"]
	if a == nil || a.TotalRecords != 2 || a.TotalCostUSD != 3 {
		t.Errorf("anthropic group = %+v, want 2 records costing 3", a)
	}
	o := groups["ollama"]
	if o == nil || o.TotalCostUSD != 0 {
		t.Errorf("ollama group = %+v, want zero cost", o)
	}
}

func TestSummaryByTier(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	seed(t, s,
		Record{Timestamp: now, Tier: "level1", Provider: "p", Model: "m", CostUSD: 1},
		Record{Timestamp: now, Tier: "level2", Provider: "p", Model: "m", CostUSD: 2},
		Record{Timestamp: now, Tier: "coding_level1", Provider: "p", Model: "m", CostUSD: 3},
	)

	groups, err := s.SummaryByTier(window(now))
	if err != nil {
		t.Fatalf("SummaryByTier: %v", err)
	}
	for tier, wantCost := range map[string]float64{"level1": 1, "level2": 2, "coding_level1": 3} {
		g := groups[tier]
		if g == nil {
			t.Errorf("tier %s missing", tier)
			continue
		}
		if g.TotalCostUSD != wantCost {
			t.Errorf("tier %s cost = %v, want %v", tier, g.TotalCostUSD, wantCost)
		}
	}
}

func TestSummaryWindowBounds(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	seed(t, s,
		Record{Timestamp: base.Add(-2 * time.Hour), Tier: "level1", Provider: "p", Model: "m", CostUSD: 1},
		Record{Timestamp: base, Tier: "level1", Provider: "p", Model: "m", CostUSD: 2},
		Record{Timestamp: base.Add(2 * time.Hour), Tier: "level1", Provider: "p", Model: "m", CostUSD: 3},
	)

	sum, err := s.Summary(window(base))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 || sum.TotalCostUSD != 2 {
		t.Errorf("window caught %d records costing %v, want just the middle one", sum.TotalRecords, sum.TotalCostUSD)
	}

	// end is exclusive: a window ending exactly on a timestamp leaves
	// that record out.
	sum, err = s.Summary(base.Add(-3*time.Hour), base)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 || sum.TotalCostUSD != 1 {
		t.Errorf("half-open window caught %d records costing %v, want only the early one", sum.TotalRecords, sum.TotalCostUSD)
	}
}

func TestEmptyLedger(t *testing.T) {
	s := testStore(t)
	start, end := window(time.Now())

	sum, err := s.Summary(start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum == nil || sum.TotalRecords != 0 || sum.TotalCostUSD != 0 {
		t.Errorf("empty ledger summary = %+v, want zeros", sum)
	}

	groups, err := s.SummaryByProvider(start, end)
	if err != nil {
		t.Fatalf("SummaryByProvider: %v", err)
	}
	if groups == nil || len(groups) != 0 {
		t.Errorf("empty ledger groups = %v, want empty non-nil map", groups)
	}
}

func TestRecordFillsDefaults(t *testing.T) {
	s := testStore(t)
	seed(t, s, Record{Tier: "level1", Provider: "p", Model: "m"})

	// Both ID and timestamp were zero; the insert must have generated
	// them for the row to land inside a now-centered window.
	sum, err := s.Summary(window(time.Now().UTC()))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("records = %d, want 1", sum.TotalRecords)
	}
}

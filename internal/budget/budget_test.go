package budget

import (
	"database/sql"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/state"
)

func testProviders() []config.ProviderConfig {
	balance := 20.0
	requests := 2000.0
	return []config.ProviderConfig{
		{
			Name: "anthropic", Kind: "anthropic", Tier: "paid", Currency: "USD",
			KnownBalance: &balance, InputPer1K: 0.003, OutputPer1K: 0.015,
		},
		{
			Name: "mistral", Kind: "openai", Tier: "free", Currency: "EUR",
		},
		{
			Name: "brave", Kind: "openai", Tier: "free", Currency: "requests",
			KnownBalance: &requests,
		},
		{
			Name: "ollama", Kind: "ollama", Tier: "free", Currency: "USD",
		},
	}
}

func testTracker(t *testing.T, capUSD float64) (*Tracker, *state.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st, err := state.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tr, err := NewTracker(st, testProviders(), capUSD, slog.Default(), nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	return tr, st
}

func TestEstimatePricesByTokenRates(t *testing.T) {
	tr, _ := testTracker(t, 100)

	c := tr.Estimate("anthropic", 2000, 1000)
	want := 2.0*0.003 + 1.0*0.015
	if c.Currency != "USD" {
		t.Fatalf("currency = %s, want USD", c.Currency)
	}
	if diff := c.Amount - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("amount = %v, want %v", c.Amount, want)
	}
}

func TestEstimateRequestMeteredIsOneCall(t *testing.T) {
	tr, _ := testTracker(t, 100)

	c := tr.Estimate("brave", 50000, 50000)
	if c.Amount != 1 || c.Currency != "requests" {
		t.Errorf("got %v %s, want 1 requests", c.Amount, c.Currency)
	}
}

func TestEstimateFreeProviderIsZero(t *testing.T) {
	tr, _ := testTracker(t, 100)

	if c := tr.Estimate("ollama", 10000, 10000); c.Amount != 0 {
		t.Errorf("free provider estimated %v, want 0", c.Amount)
	}
}

func TestChargeAggregatesMonetaryIntoMonth(t *testing.T) {
	tr, _ := testTracker(t, 100)

	if err := tr.Charge("anthropic", Cost{Amount: 2.5, Currency: "USD"}); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if err := tr.Charge("mistral", Cost{Amount: 1.5, Currency: "EUR"}); err != nil {
		t.Fatalf("charge: %v", err)
	}

	snap := tr.Snapshot()
	if snap.SpentUSD != 4.0 {
		t.Errorf("spent = %v, want 4.0", snap.SpentUSD)
	}
	if snap.Charges != 2 {
		t.Errorf("charges = %d, want 2", snap.Charges)
	}
}

func TestChargeRequestsDoesNotTouchMonth(t *testing.T) {
	tr, _ := testTracker(t, 100)

	if err := tr.Charge("brave", Cost{Amount: 1, Currency: "requests"}); err != nil {
		t.Fatalf("charge: %v", err)
	}

	snap := tr.Snapshot()
	if snap.SpentUSD != 0 {
		t.Errorf("requests charge leaked into month total: %v", snap.SpentUSD)
	}
	p := tr.Provider("brave")
	if p.SpentTracked != 1 {
		t.Errorf("provider spent = %v, want 1", p.SpentTracked)
	}
	if r := p.Remaining(); r == nil || *r != 1999 {
		t.Errorf("remaining = %v, want 1999", r)
	}
}

func TestChargePersistsAcrossRestart(t *testing.T) {
	tr, st := testTracker(t, 100)

	if err := tr.Charge("anthropic", Cost{Amount: 3, Currency: "USD"}); err != nil {
		t.Fatalf("charge: %v", err)
	}

	tr2, err := NewTracker(st, testProviders(), 100, slog.Default(), nil)
	if err != nil {
		t.Fatalf("reopen tracker: %v", err)
	}
	if got := tr2.Snapshot().SpentUSD; got != 3 {
		t.Errorf("spent after restart = %v, want 3", got)
	}
	if got := tr2.Provider("anthropic").SpentTracked; got != 3 {
		t.Errorf("provider spend after restart = %v, want 3", got)
	}
}

func TestCanAffordRespectsCap(t *testing.T) {
	tr, _ := testTracker(t, 10)

	if !tr.CanAfford("anthropic", Cost{Amount: 10, Currency: "USD"}) {
		t.Error("exact-cap charge should be affordable")
	}
	if tr.CanAfford("anthropic", Cost{Amount: 10.01, Currency: "USD"}) {
		t.Error("over-cap charge should not be affordable")
	}
	if !tr.CanAfford("anthropic", Cost{Amount: 0, Currency: "USD"}) {
		t.Error("zero-cost is always affordable")
	}
}

func TestRecommendedTierThresholds(t *testing.T) {
	cases := []struct {
		name  string
		cap   float64
		spent float64
		want  string
	}{
		{"fresh month", 100, 0, TierLevel1},
		{"sixty pct used", 100, 60, TierLevel2},
		{"under fifteen left", 100, 86, TierLevel3},
		{"eighty pct used", 100, 80, TierLevel3},
		{"under five left", 100, 95.5, TierLevel3},
		{"under one left", 100, 99.5, TierLocalOnly},
		{"small cap mid", 20, 6, TierLevel2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, _ := testTracker(t, tc.cap)
			if tc.spent > 0 {
				if err := tr.Charge("anthropic", Cost{Amount: tc.spent, Currency: "USD"}); err != nil {
					t.Fatalf("charge: %v", err)
				}
			}
			if got := tr.RecommendedTier(TierLocalOnly); got != tc.want {
				t.Errorf("recommended = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRecommendedTierHonorsFloor(t *testing.T) {
	tr, _ := testTracker(t, 100)
	if err := tr.Charge("anthropic", Cost{Amount: 99.5, Currency: "USD"}); err != nil {
		t.Fatalf("charge: %v", err)
	}

	if got := tr.RecommendedTier(TierLevel3); got != TierLevel3 {
		t.Errorf("floored recommendation = %s, want level3", got)
	}
	if got := tr.RecommendedTier(TierLocalOnly); got != TierLocalOnly {
		t.Errorf("unfloored recommendation = %s, want local_only", got)
	}
}

func TestPreferFreeUnderTenDollars(t *testing.T) {
	tr, _ := testTracker(t, 100)
	if tr.PreferFree() {
		t.Error("fresh month should not prefer free")
	}
	if err := tr.Charge("anthropic", Cost{Amount: 91, Currency: "USD"}); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if !tr.PreferFree() {
		t.Error("under $10 remaining should prefer free")
	}
}

func TestRollMonthResetsMonetarySpendOnly(t *testing.T) {
	tr, _ := testTracker(t, 100)

	if err := tr.Charge("anthropic", Cost{Amount: 40, Currency: "USD"}); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if err := tr.Charge("brave", Cost{Amount: 5, Currency: "requests"}); err != nil {
		t.Fatalf("charge: %v", err)
	}

	next := time.Now().UTC().AddDate(0, 1, 0)
	rolled, err := tr.RollMonth(next)
	if err != nil {
		t.Fatalf("roll month: %v", err)
	}
	if !rolled {
		t.Fatal("expected a rollover")
	}

	snap := tr.Snapshot()
	if snap.SpentUSD != 0 {
		t.Errorf("month spend after rollover = %v, want 0", snap.SpentUSD)
	}
	if snap.CapUSD != 100 {
		t.Errorf("cap after rollover = %v, want 100", snap.CapUSD)
	}
	if got := tr.Provider("anthropic").SpentTracked; got != 0 {
		t.Errorf("monetary provider spend = %v, want 0", got)
	}
	if got := tr.Provider("brave").SpentTracked; got != 5 {
		t.Errorf("request provider spend = %v, want 5 (untouched)", got)
	}

	rolled, err = tr.RollMonth(next)
	if err != nil {
		t.Fatalf("second roll: %v", err)
	}
	if rolled {
		t.Error("same month should not roll again")
	}
}

func TestSetKnownBalanceResetsTrackedSpend(t *testing.T) {
	tr, _ := testTracker(t, 100)

	if err := tr.Charge("brave", Cost{Amount: 10, Currency: "requests"}); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if err := tr.SetKnownBalance("brave", 1500); err != nil {
		t.Fatalf("set balance: %v", err)
	}

	p := tr.Provider("brave")
	if p.SpentTracked != 0 {
		t.Errorf("spent after balance update = %v, want 0", p.SpentTracked)
	}
	if p.KnownBalance == nil || *p.KnownBalance != 1500 {
		t.Errorf("known balance = %v, want 1500", p.KnownBalance)
	}
	if p.BalanceUpdatedAt == nil {
		t.Error("balance timestamp not set")
	}
}

func TestOverrideCapPersists(t *testing.T) {
	tr, st := testTracker(t, 100)

	if err := tr.OverrideCap(250); err != nil {
		t.Fatalf("override: %v", err)
	}
	if err := tr.OverrideCap(-1); err == nil {
		t.Error("negative cap should be rejected")
	}

	tr2, err := NewTracker(st, testProviders(), 100, slog.Default(), nil)
	if err != nil {
		t.Fatalf("reopen tracker: %v", err)
	}
	if got := tr2.Snapshot().CapUSD; got != 250 {
		t.Errorf("cap after restart = %v, want 250 (override survives config)", got)
	}
}

func TestSnapshotShape(t *testing.T) {
	tr, _ := testTracker(t, 100)
	if err := tr.Charge("anthropic", Cost{Amount: 25, Currency: "USD"}); err != nil {
		t.Fatalf("charge: %v", err)
	}

	snap := tr.Snapshot()
	if snap.RemainingUSD != 75 {
		t.Errorf("remaining = %v, want 75", snap.RemainingUSD)
	}
	if snap.UsedPct != 25 {
		t.Errorf("used pct = %v, want 25", snap.UsedPct)
	}
	if snap.RecommendedTier != TierLevel1 {
		t.Errorf("recommended = %s, want level1", snap.RecommendedTier)
	}
	if len(snap.Providers) != 4 {
		t.Errorf("providers = %d, want 4", len(snap.Providers))
	}
}

func TestUpdateProvider(t *testing.T) {
	tr, st := testTracker(t, 100)
	if err := tr.Charge("anthropic", Cost{Amount: 3, Currency: "USD"}); err != nil {
		t.Fatalf("charge: %v", err)
	}

	bal := 42.5
	tier := "free"
	notes := "promo credits"
	p, err := tr.UpdateProvider("anthropic", ProviderUpdate{
		KnownBalance:  &bal,
		Tier:          &tier,
		Notes:         &notes,
		ResetSpending: true,
	})
	if err != nil {
		t.Fatalf("update provider: %v", err)
	}
	if p.KnownBalance == nil || *p.KnownBalance != 42.5 {
		t.Errorf("known balance = %v, want 42.5", p.KnownBalance)
	}
	if p.BalanceUpdatedAt == nil {
		t.Error("balance timestamp not stamped")
	}
	if p.SpentTracked != 0 {
		t.Errorf("spent tracked = %v, want 0 after reset", p.SpentTracked)
	}
	if p.Tier != "free" || p.Notes != "promo credits" {
		t.Errorf("tier/notes = %s/%q, not applied", p.Tier, p.Notes)
	}

	rows, err := st.Providers()
	if err != nil {
		t.Fatalf("load providers: %v", err)
	}
	var found bool
	for _, r := range rows {
		if r.Name == "anthropic" {
			found = true
			if r.KnownBalance == nil || *r.KnownBalance != 42.5 {
				t.Errorf("persisted balance = %v, want 42.5", r.KnownBalance)
			}
			if r.SpentTracked != 0 {
				t.Errorf("persisted spend = %v, want 0", r.SpentTracked)
			}
		}
	}
	if !found {
		t.Fatal("anthropic row not persisted")
	}
}

func TestUpdateProviderUnknown(t *testing.T) {
	tr, _ := testTracker(t, 100)
	if _, err := tr.UpdateProvider("nope", ProviderUpdate{}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestRegisterProviderCreatesAndMerges(t *testing.T) {
	tr, _ := testTracker(t, 100)

	p, err := tr.RegisterProvider(config.ProviderConfig{
		Name: "groq", Kind: "openai", Tier: "free",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if p.Currency != "USD" {
		t.Errorf("currency = %s, want USD default", p.Currency)
	}
	if p.Tier != "free" || p.Kind != "openai" {
		t.Errorf("tier/kind = %s/%s, not applied", p.Tier, p.Kind)
	}

	bal := 10.0
	p, err = tr.RegisterProvider(config.ProviderConfig{
		Name: "groq", KnownBalance: &bal, InputPer1K: 0.0001,
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if p.Kind != "openai" {
		t.Errorf("kind = %s, re-register wiped earlier fields", p.Kind)
	}
	if p.KnownBalance == nil || *p.KnownBalance != 10 {
		t.Errorf("balance = %v, want 10", p.KnownBalance)
	}
	if p.InputPer1K != 0.0001 {
		t.Errorf("input rate = %v, want 0.0001", p.InputPer1K)
	}

	snap := tr.Snapshot()
	if len(snap.Providers) != 5 {
		t.Errorf("snapshot providers = %d, want 5 after register", len(snap.Providers))
	}
}

func TestRegisterProviderRequiresName(t *testing.T) {
	tr, _ := testTracker(t, 100)
	if _, err := tr.RegisterProvider(config.ProviderConfig{Tier: "paid"}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

// Package budget tracks LLM spend against a monthly cap and decides
// how much model quality the agent can currently afford. Providers
// charge in different currencies: monetary ones (USD, EUR, GBP)
// aggregate into the month total, request-metered ones count calls
// against a known balance, and free providers cost nothing. The
// tracker is the single authority on charges; the router asks it
// before and after every call.
package budget

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/events"
	"github.com/jarvis-agent/jarvis/internal/state"
)

// Tier names, best first. Coding chains map onto the same ladder.
const (
	TierLevel1    = "level1"
	TierLevel2    = "level2"
	TierLevel3    = "level3"
	TierLocalOnly = "local_only"
)

// Provider is one vendor account with its pricing and balance.
type Provider struct {
	Name             string     `json:"name"`
	Kind             string     `json:"kind"`
	Tier             string     `json:"tier"`     // paid, free, unknown
	Currency         string     `json:"currency"` // USD, EUR, GBP, credits, requests
	KnownBalance     *float64   `json:"known_balance,omitempty"`
	BalanceUpdatedAt *time.Time `json:"balance_updated_at,omitempty"`
	SpentTracked     float64    `json:"spent_tracked"`
	InputPer1K       float64    `json:"input_per_1k"`
	OutputPer1K      float64    `json:"output_per_1k"`
	Notes            string     `json:"notes,omitempty"`
}

// Free reports whether calls to this provider are free.
func (p *Provider) Free() bool {
	return p.Tier == "free" || (p.InputPer1K == 0 && p.OutputPer1K == 0 && p.Currency != "requests")
}

// Remaining returns the provider-level balance remaining, or nil when
// no balance was ever declared.
func (p *Provider) Remaining() *float64 {
	if p.KnownBalance == nil {
		return nil
	}
	r := *p.KnownBalance - p.SpentTracked
	return &r
}

// Cost is an estimated or actual charge in a provider's currency.
type Cost struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

func monetary(currency string) bool {
	switch currency {
	case "USD", "EUR", "GBP":
		return true
	}
	return false
}

// Tracker enforces the monthly cap. All methods are safe for
// concurrent use.
type Tracker struct {
	store  *state.Store
	logger *slog.Logger
	bus    *events.Bus

	mu        sync.Mutex
	providers map[string]*Provider
	month     state.BudgetMonth
}

// NewTracker builds the tracker from config-declared providers merged
// with persisted balance rows (persisted balances and spend win over
// config so restarts do not forget money already spent) and opens the
// ledger row for the current month.
func NewTracker(store *state.Store, cfgProviders []config.ProviderConfig, capUSD float64, logger *slog.Logger, bus *events.Bus) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:     store,
		logger:    logger.With("component", "budget"),
		bus:       bus,
		providers: make(map[string]*Provider, len(cfgProviders)),
	}

	persisted, err := store.Providers()
	if err != nil {
		return nil, fmt.Errorf("load provider balances: %w", err)
	}

	for _, pc := range cfgProviders {
		p := &Provider{
			Name:         pc.Name,
			Kind:         pc.Kind,
			Tier:         pc.Tier,
			Currency:     pc.Currency,
			KnownBalance: pc.KnownBalance,
			InputPer1K:   pc.InputPer1K,
			OutputPer1K:  pc.OutputPer1K,
			Notes:        pc.Notes,
		}
		if p.Currency == "" {
			p.Currency = "USD"
		}
		if row, ok := persisted[pc.Name]; ok {
			p.SpentTracked = row.SpentTracked
			if row.KnownBalance != nil {
				p.KnownBalance = row.KnownBalance
				p.BalanceUpdatedAt = row.BalanceUpdatedAt
			}
		}
		t.providers[p.Name] = p
	}

	month, err := store.LoadBudget(monthKey(time.Now()), capUSD)
	if err != nil {
		return nil, err
	}
	t.month = month
	return t, nil
}

func monthKey(now time.Time) string {
	return now.UTC().Format("2006-01")
}

// Provider returns a copy of the named provider, or nil when unknown.
func (t *Tracker) Provider(name string) *Provider {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.providers[name]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// Estimate prices a call before it happens. Request-metered providers
// cost one request regardless of tokens; free providers cost nothing.
func (t *Tracker) Estimate(providerName string, inputTokens, outputTokens int) Cost {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.providers[providerName]
	if !ok {
		return Cost{Amount: 0, Currency: "USD"}
	}
	if p.Currency == "requests" {
		return Cost{Amount: 1, Currency: "requests"}
	}
	if p.Free() {
		return Cost{Amount: 0, Currency: p.Currency}
	}
	amount := float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
	return Cost{Amount: amount, Currency: p.Currency}
}

// CanAfford reports whether a charge would keep the month under its
// cap (monetary) or the provider balance above zero (requests). A
// provider with no declared balance is assumed affordable.
func (t *Tracker) CanAfford(providerName string, c Cost) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c.Amount == 0 {
		return true
	}
	if monetary(c.Currency) {
		return t.month.SpentUSD+c.Amount <= t.month.CapUSD
	}
	p, ok := t.providers[providerName]
	if !ok || p.KnownBalance == nil {
		return true
	}
	return *p.KnownBalance-p.SpentTracked >= c.Amount
}

// Charge records a completed call. Monetary amounts aggregate into the
// month total; every charge lands on the provider's tracked spend.
// Going over cap does not error (the call already happened) but is
// logged and flagged on the event.
func (t *Tracker) Charge(providerName string, c Cost) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.providers[providerName]
	if !ok {
		return fmt.Errorf("unknown provider %q", providerName)
	}

	p.SpentTracked += c.Amount
	overCap := false
	if monetary(c.Currency) && c.Amount > 0 {
		t.month.SpentUSD += c.Amount
		t.month.Charges++
		overCap = t.month.SpentUSD > t.month.CapUSD
		if err := t.store.SaveBudget(t.month); err != nil {
			return fmt.Errorf("persist month ledger: %w", err)
		}
	} else if c.Amount > 0 {
		t.month.Charges++
		if err := t.store.SaveBudget(t.month); err != nil {
			return fmt.Errorf("persist month ledger: %w", err)
		}
	}
	if err := t.persistProviderLocked(p); err != nil {
		return err
	}

	if overCap {
		t.logger.Warn("monthly budget cap exceeded",
			"spent", t.month.SpentUSD,
			"cap", t.month.CapUSD,
			"provider", providerName,
		)
	}
	t.bus.Emit(events.SourceBudget, events.KindBudgetCharged, map[string]any{
		"provider": providerName,
		"amount":   c.Amount,
		"currency": c.Currency,
		"over_cap": overCap,
	})
	return nil
}

// RollMonth opens a fresh ledger row when the calendar month has
// changed. The cap carries over; monetary spend starts at zero.
// Request-metered provider balances are not touched — vendors reset
// those on their own schedules and the creator records the new number
// via SetKnownBalance. Returns true when a rollover happened.
func (t *Tracker) RollMonth(now time.Time) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := monthKey(now)
	if t.month.Month == current {
		return false, nil
	}

	fresh, err := t.store.LoadBudget(current, t.month.CapUSD)
	if err != nil {
		return false, err
	}
	t.logger.Info("budget month rolled over",
		"from", t.month.Month,
		"to", current,
		"prior_spent", t.month.SpentUSD,
	)
	t.month = fresh

	// Monetary provider spend resets with the month.
	for _, p := range t.providers {
		if monetary(p.Currency) && p.SpentTracked != 0 {
			p.SpentTracked = 0
			if err := t.persistProviderLocked(p); err != nil {
				return true, err
			}
		}
	}
	return true, nil
}

// Month returns the current month key.
func (t *Tracker) Month() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.month.Month
}

// SetKnownBalance records a creator-supplied balance for a provider
// and resets its tracked spend, since the new number already reflects
// everything spent so far.
func (t *Tracker) SetKnownBalance(providerName string, balance float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.providers[providerName]
	if !ok {
		return fmt.Errorf("unknown provider %q", providerName)
	}
	now := time.Now().UTC()
	p.KnownBalance = &balance
	p.BalanceUpdatedAt = &now
	p.SpentTracked = 0
	return t.persistProviderLocked(p)
}

// ProviderUpdate carries the adjustable fields for UpdateProvider.
// Nil pointers leave the current value unchanged.
type ProviderUpdate struct {
	KnownBalance  *float64
	Tier          *string
	Currency      *string
	Notes         *string
	ResetSpending bool
}

// UpdateProvider adjusts a provider record at runtime. Balance and
// spend persist; tier and notes live until restart, when config
// re-declares them.
func (t *Tracker) UpdateProvider(name string, upd ProviderUpdate) (*Provider, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	if upd.KnownBalance != nil {
		now := time.Now().UTC()
		p.KnownBalance = upd.KnownBalance
		p.BalanceUpdatedAt = &now
	}
	if upd.ResetSpending {
		p.SpentTracked = 0
	}
	if upd.Tier != nil {
		p.Tier = *upd.Tier
	}
	if upd.Currency != nil {
		p.Currency = *upd.Currency
	}
	if upd.Notes != nil {
		p.Notes = *upd.Notes
	}
	if err := t.persistProviderLocked(p); err != nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

// RegisterProvider adds a vendor account at runtime, or refreshes the
// budget-facing fields of one that exists. Client credentials in pc
// take effect at the next boot when the LLM clients are rebuilt.
func (t *Tracker) RegisterProvider(pc config.ProviderConfig) (*Provider, error) {
	if pc.Name == "" {
		return nil, fmt.Errorf("provider name required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.providers[pc.Name]
	if !ok {
		p = &Provider{Name: pc.Name, Currency: "USD"}
		t.providers[pc.Name] = p
	}
	if pc.Kind != "" {
		p.Kind = pc.Kind
	}
	if pc.Tier != "" {
		p.Tier = pc.Tier
	}
	if pc.Currency != "" {
		p.Currency = pc.Currency
	}
	if pc.KnownBalance != nil {
		now := time.Now().UTC()
		p.KnownBalance = pc.KnownBalance
		p.BalanceUpdatedAt = &now
	}
	if pc.InputPer1K > 0 {
		p.InputPer1K = pc.InputPer1K
	}
	if pc.OutputPer1K > 0 {
		p.OutputPer1K = pc.OutputPer1K
	}
	if pc.Notes != "" {
		p.Notes = pc.Notes
	}
	if err := t.persistProviderLocked(p); err != nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

// OverrideCap changes the monthly cap. Only the authenticated HTTP
// path may reach this; plans have no route here.
func (t *Tracker) OverrideCap(newCap float64) error {
	if newCap < 0 {
		return fmt.Errorf("cap must not be negative")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.month.CapUSD
	t.month.CapUSD = newCap
	if err := t.store.SaveBudget(t.month); err != nil {
		t.month.CapUSD = old
		return fmt.Errorf("persist cap override: %w", err)
	}
	t.logger.Info("budget cap overridden", "old", old, "new", newCap)
	t.bus.Emit(events.SourceBudget, events.KindCapOverride, map[string]any{
		"old_cap": old,
		"new_cap": newCap,
	})
	return nil
}

// Remaining returns the month's unspent USD.
func (t *Tracker) Remaining() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.month.CapUSD - t.month.SpentUSD
}

// PreferFree reports whether free providers should be tried before
// paid ones within a tier.
func (t *Tracker) PreferFree() bool {
	return t.Remaining() < 10
}

// RecommendedTier maps the month's remaining budget to the highest
// tier worth paying for. minTier is a floor: callers that need a
// minimum quality (creator chat replies) pass it so the downgrade
// never drops below. Pass TierLocalOnly for no floor.
func (t *Tracker) RecommendedTier(minTier string) string {
	t.mu.Lock()
	remaining := t.month.CapUSD - t.month.SpentUSD
	usedPct := 0.0
	if t.month.CapUSD > 0 {
		usedPct = t.month.SpentUSD / t.month.CapUSD * 100
	}
	t.mu.Unlock()

	tier := TierLevel1
	switch {
	case remaining < 1:
		tier = TierLocalOnly
	case remaining < 5 || usedPct >= 80:
		tier = TierLevel3
	case remaining < 15 || usedPct >= 60:
		tier = TierLevel2
	}

	if tierRank(tier) < tierRank(minTier) {
		return minTier
	}
	return tier
}

func tierRank(tier string) int {
	switch tier {
	case TierLevel1:
		return 3
	case TierLevel2:
		return 2
	case TierLevel3:
		return 1
	default:
		return 0
	}
}

// ProviderSnapshot is the per-provider view in Snapshot.
type ProviderSnapshot struct {
	Name             string     `json:"name"`
	Kind             string     `json:"kind"`
	Tier             string     `json:"tier"`
	Currency         string     `json:"currency"`
	KnownBalance     *float64   `json:"known_balance,omitempty"`
	Remaining        *float64   `json:"remaining,omitempty"`
	SpentTracked     float64    `json:"spent_tracked"`
	BalanceUpdatedAt *time.Time `json:"balance_updated_at,omitempty"`
	Notes            string     `json:"notes,omitempty"`
}

// Snapshot is the /budget payload.
type Snapshot struct {
	Month           string             `json:"month"`
	CapUSD          float64            `json:"cap_usd"`
	SpentUSD        float64            `json:"spent_usd"`
	RemainingUSD    float64            `json:"remaining_usd"`
	UsedPct         float64            `json:"used_pct"`
	Charges         int64              `json:"charges"`
	PreferFree      bool               `json:"prefer_free"`
	RecommendedTier string             `json:"recommended_tier"`
	Providers       []ProviderSnapshot `json:"providers"`
}

// Snapshot reports the full budget picture.
func (t *Tracker) Snapshot() Snapshot {
	recommended := t.RecommendedTier(TierLocalOnly)

	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		Month:           t.month.Month,
		CapUSD:          t.month.CapUSD,
		SpentUSD:        t.month.SpentUSD,
		RemainingUSD:    t.month.CapUSD - t.month.SpentUSD,
		Charges:         t.month.Charges,
		PreferFree:      t.month.CapUSD-t.month.SpentUSD < 10,
		RecommendedTier: recommended,
	}
	if t.month.CapUSD > 0 {
		snap.UsedPct = t.month.SpentUSD / t.month.CapUSD * 100
	}
	for _, p := range t.providers {
		snap.Providers = append(snap.Providers, ProviderSnapshot{
			Name:             p.Name,
			Kind:             p.Kind,
			Tier:             p.Tier,
			Currency:         p.Currency,
			KnownBalance:     p.KnownBalance,
			Remaining:        p.Remaining(),
			SpentTracked:     p.SpentTracked,
			BalanceUpdatedAt: p.BalanceUpdatedAt,
			Notes:            p.Notes,
		})
	}
	return snap
}

func (t *Tracker) persistProviderLocked(p *Provider) error {
	if err := t.store.UpsertProvider(state.ProviderBalance{
		Name:             p.Name,
		Currency:         p.Currency,
		KnownBalance:     p.KnownBalance,
		BalanceUpdatedAt: p.BalanceUpdatedAt,
		SpentTracked:     p.SpentTracked,
	}); err != nil {
		return fmt.Errorf("persist provider %s: %w", p.Name, err)
	}
	return nil
}

// Package router picks which model serves each request and keeps the
// loop alive when providers fail. A request names a tier; the router
// downgrades it to what the budget allows, then walks the tier chain
// skipping providers that lack credentials, are cooling down after
// repeated failures, or would blow the monthly cap. Transient failures
// retry with backoff; everything else falls through to the next
// candidate, ending at the local model and, past that, a canned reply.
// Every completed call produces exactly one budget charge and one
// usage record, plus a request/response pair in the day blob; every
// request leaves an audit decision behind.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jarvis-agent/jarvis/internal/blob"
	"github.com/jarvis-agent/jarvis/internal/budget"
	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/events"
	"github.com/jarvis-agent/jarvis/internal/httpkit"
	"github.com/jarvis-agent/jarvis/internal/llm"
	"github.com/jarvis-agent/jarvis/internal/usage"
)

const (
	// MaxAuditLog bounds the in-memory decision trail.
	MaxAuditLog = 1000

	maxRetries     = 3
	unhealthyAfter = 3
	cooldownPeriod = 10 * time.Minute
	backoffBase    = time.Second
	backoffMax     = 30 * time.Second

	// Assumed output size when estimating affordability before a call.
	estOutputTokens = 2000
)

// chains is the fallback order per requested tier. Coding tiers rejoin
// the general ladder at level3.
var chains = map[string][]string{
	"level1":        {"level1", "level2", "level3", "local_only"},
	"level2":        {"level2", "level3", "local_only"},
	"level3":        {"level3", "local_only"},
	"local_only":    {"local_only"},
	"coding_level1": {"coding_level1", "coding_level2", "coding_level3", "level3", "local_only"},
	"coding_level2": {"coding_level2", "coding_level3", "level3", "local_only"},
	"coding_level3": {"coding_level3", "level3", "local_only"},
}

// Request is one model call.
type Request struct {
	Tier      string // requested tier (level1..local_only, coding_level1..3)
	MinTier   string // floor for the budget downgrade; empty means none
	Purpose   string // plan, chat_reply, coding, maintenance
	Messages  []llm.Message
	Tools     []map[string]any
	Iteration int64
}

// Result is a completed call.
type Result struct {
	Response  *llm.ChatResponse
	RequestID string
	Provider  string
	Model     string
	Tier      string // tier actually served from
	Fallback  bool   // true when not the first choice
	Degraded  bool   // true when the canned reply was used
	CostUSD   float64
	LatencyMs int64
}

// Attempt records one candidate considered during routing.
type Attempt struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Tier     string `json:"tier"`
	Outcome  string `json:"outcome"`
	Detail   string `json:"detail,omitempty"`
}

// Decision records why a model was selected. Kept in a bounded
// in-memory audit log for /status debugging.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Purpose   string    `json:"purpose,omitempty"`

	RequestedTier   string  `json:"requested_tier"`
	StartTier       string  `json:"start_tier"`
	BudgetRemaining float64 `json:"budget_remaining"`

	Attempts []Attempt `json:"attempts,omitempty"`

	// Outcome
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model_selected,omitempty"`
	TierUsed  string `json:"tier_used,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`
	Reasoning string `json:"reasoning"`

	LatencyMs    int64   `json:"latency_ms,omitempty"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	Success      *bool   `json:"success,omitempty"`
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	ModelCounts   map[string]int64 `json:"model_counts"`
	TierCounts    map[string]int64 `json:"tier_counts"`
	AvgLatencyMs  map[string]int64 `json:"avg_latency_ms"`
	Degraded      int64            `json:"degraded"`
}

// ProviderHealth is the health view for one provider.
type ProviderHealth struct {
	ConsecutiveFails int        `json:"consecutive_fails"`
	CooldownUntil    *time.Time `json:"cooldown_until,omitempty"`
}

type healthState struct {
	consecutiveFails int
	cooldownUntil    time.Time
}

// Router selects providers per tier and survives their failures.
type Router struct {
	logger      *slog.Logger
	clients     *llm.Registry
	budget      *budget.Tracker
	usage       *usage.Store
	blob        *blob.Log
	bus         *events.Bus
	tiers       map[string][]config.TierEntry
	hasKey      map[string]bool
	freeTier    map[string]bool
	maxFallback int

	mu       sync.Mutex
	health   map[string]*healthState
	auditLog []Decision
	stats    Stats
}

// New creates a router over the configured tiers and providers.
// blobLog may be nil, which drops the durable call audit.
func New(logger *slog.Logger, cfg *config.Config, clients *llm.Registry, tracker *budget.Tracker, usageStore *usage.Store, blobLog *blob.Log, bus *events.Bus) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	hasKey := make(map[string]bool, len(cfg.Providers))
	freeTier := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		// Local daemons need no credentials.
		hasKey[p.Name] = p.APIKey != "" || p.Kind == "ollama"
		freeTier[p.Name] = p.Tier == "free"
	}
	maxFallback := cfg.Router.MaxFallback
	if maxFallback <= 0 {
		maxFallback = 8
	}
	return &Router{
		logger:      logger.With("component", "router"),
		clients:     clients,
		budget:      tracker,
		usage:       usageStore,
		blob:        blobLog,
		bus:         bus,
		tiers:       cfg.Tiers,
		hasKey:      hasKey,
		freeTier:    freeTier,
		maxFallback: maxFallback,
		health:      make(map[string]*healthState),
		auditLog:    make([]Decision, 0, MaxAuditLog),
		stats: Stats{
			ModelCounts:  make(map[string]int64),
			TierCounts:   make(map[string]int64),
			AvgLatencyMs: make(map[string]int64),
		},
	}
}

// Call routes the request and executes it. It returns an error only on
// context cancellation; any other total failure yields a degraded
// canned result so the caller's loop keeps turning.
func (r *Router) Call(ctx context.Context, req Request) (*Result, error) {
	decision := Decision{
		RequestID:     newRequestID(),
		Timestamp:     time.Now().UTC(),
		Purpose:       req.Purpose,
		RequestedTier: req.Tier,
	}

	start := r.startTier(req.Tier, req.MinTier)
	decision.StartTier = start
	decision.BudgetRemaining = r.budget.Remaining()

	chain, ok := chains[start]
	if !ok {
		chain = chains["level3"]
		decision.StartTier = "level3"
	}

	inputEstimate := estimateTokens(req.Messages)
	attempts := 0
	var lastErr error

walk:
	for _, tier := range chain {
		for _, entry := range r.orderedEntries(tier) {
			if attempts >= r.maxFallback {
				decision.addAttempt(entry, tier, "skip_max_fallback", "")
				break walk
			}
			if !r.hasKey[entry.Provider] {
				decision.addAttempt(entry, tier, "skip_no_credentials", "")
				continue
			}
			if until, cooling := r.coolingDown(entry.Provider); cooling {
				decision.addAttempt(entry, tier, "skip_cooldown", "until "+until.Format(time.RFC3339))
				continue
			}
			est := r.budget.Estimate(entry.Provider, inputEstimate, estOutputTokens)
			if !r.budget.CanAfford(entry.Provider, est) {
				decision.addAttempt(entry, tier, "skip_unaffordable", fmt.Sprintf("%.4f %s", est.Amount, est.Currency))
				continue
			}
			client, ok := r.clients.Get(entry.Provider)
			if !ok {
				decision.addAttempt(entry, tier, "skip_no_client", "")
				continue
			}

			attempts++
			r.bus.Emit(events.SourceRouter, events.KindLLMCall, map[string]any{
				"request_id": decision.RequestID,
				"provider":   entry.Provider,
				"model":      entry.Model,
				"tier":       tier,
				"purpose":    req.Purpose,
			})
			r.auditRequest(decision.RequestID, entry, tier, req)

			resp, latencyMs, callErr := r.callWithRetry(ctx, client, entry.Model, req)
			if callErr != nil {
				var f *llm.Failure
				if errors.As(callErr, &f) && f.Kind == llm.FailCancelled {
					decision.addAttempt(entry, tier, "cancelled", f.Error())
					r.finalize(&decision, nil, false)
					return nil, callErr
				}
				kind := "error"
				if errors.As(callErr, &f) {
					kind = string(f.Kind)
				}
				decision.addAttempt(entry, tier, "fail_"+kind, callErr.Error())
				r.markFailure(entry.Provider, callErr)
				lastErr = callErr
				continue
			}

			// Success: reset health, charge once, record usage.
			r.markSuccess(entry.Provider)
			cost := r.budget.Estimate(entry.Provider, resp.InputTokens, resp.OutputTokens)
			if err := r.budget.Charge(entry.Provider, cost); err != nil {
				r.logger.Warn("budget charge failed", "provider", entry.Provider, "error", err)
			}
			costUSD := 0.0
			if cost.Currency == "USD" || cost.Currency == "EUR" || cost.Currency == "GBP" {
				costUSD = cost.Amount
			}
			fallback := attempts > 1 || tier != req.Tier
			if err := r.usage.Record(ctx, usage.Record{
				Iteration:    req.Iteration,
				Tier:         tier,
				Provider:     entry.Provider,
				Model:        entry.Model,
				InputTokens:  resp.InputTokens,
				OutputTokens: resp.OutputTokens,
				CostUSD:      costUSD,
				LatencyMs:    latencyMs,
				Fallback:     fallback,
			}); err != nil {
				r.logger.Warn("usage record failed", "error", err)
			}

			decision.addAttempt(entry, tier, "ok", "")
			decision.Provider = entry.Provider
			decision.Model = entry.Model
			decision.TierUsed = tier
			decision.LatencyMs = latencyMs
			decision.InputTokens = resp.InputTokens
			decision.OutputTokens = resp.OutputTokens
			decision.CostUSD = costUSD
			decision.Reasoning = fmt.Sprintf("served by %s/%s on tier %s after %d attempt(s)",
				entry.Provider, entry.Model, tier, attempts)
			r.finalize(&decision, &entry, true)

			r.bus.Emit(events.SourceRouter, events.KindLLMResponse, map[string]any{
				"request_id":    decision.RequestID,
				"provider":      entry.Provider,
				"model":         entry.Model,
				"tier":          tier,
				"latency_ms":    latencyMs,
				"input_tokens":  resp.InputTokens,
				"output_tokens": resp.OutputTokens,
				"cost_usd":      costUSD,
				"fallback":      fallback,
			})
			r.auditResponse(decision.RequestID, entry, tier, resp, costUSD, latencyMs)

			return &Result{
				Response:  resp,
				RequestID: decision.RequestID,
				Provider:  entry.Provider,
				Model:     entry.Model,
				Tier:      tier,
				Fallback:  fallback,
				CostUSD:   costUSD,
				LatencyMs: latencyMs,
			}, nil
		}
	}

	return r.degraded(&decision, lastErr), nil
}

// degraded builds the canned bottom-of-chain reply: a valid empty plan
// telling the loop to idle this cycle.
func (r *Router) degraded(decision *Decision, lastErr error) *Result {
	detail := "no candidates available"
	if lastErr != nil {
		detail = lastErr.Error()
	}
	canned, _ := json.Marshal(map[string]any{
		"thinking":       "No model provider is reachable or affordable; idling this cycle.",
		"actions":        []any{},
		"status_message": "All model providers unavailable; will retry next cycle.",
	})

	decision.Degraded = true
	decision.Reasoning = "all candidates failed or were skipped: " + detail
	r.finalize(decision, nil, false)

	r.logger.Error("all providers failed, returning canned reply", "request_id", decision.RequestID, "detail", detail)
	r.bus.Emit(events.SourceRouter, events.KindLLMFailure, map[string]any{
		"request_id": decision.RequestID,
		"detail":     detail,
	})

	return &Result{
		Response: &llm.ChatResponse{
			Model:   "canned",
			Message: llm.Message{Role: "assistant", Content: string(canned)},
			Done:    true,
		},
		RequestID: decision.RequestID,
		Provider:  "none",
		Model:     "canned",
		Tier:      "local_only",
		Fallback:  true,
		Degraded:  true,
	}
}

// callWithRetry runs one provider call, retrying transient failures
// with exponential backoff. Non-retryable failures return immediately.
func (r *Router) callWithRetry(ctx context.Context, client llm.Client, model string, req Request) (*llm.ChatResponse, int64, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := httpkit.BackoffDelay(attempt-1, backoffBase, backoffMax)
			select {
			case <-ctx.Done():
				return nil, 0, &llm.Failure{Kind: llm.FailCancelled, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		start := time.Now()
		resp, err := client.Chat(ctx, model, req.Messages, req.Tools)
		latency := time.Since(start).Milliseconds()
		if err == nil {
			return resp, latency, nil
		}
		lastErr = err

		var f *llm.Failure
		if !errors.As(err, &f) || !f.Retryable() || f.Kind == llm.FailCancelled {
			return nil, latency, err
		}
		r.logger.Warn("retryable provider failure",
			"provider", f.Provider,
			"kind", f.Kind,
			"attempt", attempt+1,
			"model", model,
		)
	}
	return nil, 0, lastErr
}

// Blob audit

// auditRequest writes one llm_request entry per provider actually
// dispatched. Skipped candidates and in-flight retries leave no trace
// here; the decision log carries those.
func (r *Router) auditRequest(requestID string, entry config.TierEntry, tier string, req Request) {
	if r.blob == nil {
		return
	}
	last := ""
	if n := len(req.Messages); n > 0 {
		last = clip(req.Messages[n-1].Content, 500)
	}
	content := fmt.Sprintf("Provider: %s, Model: %s, Tier: %s\nPurpose: %s\nLast message: %s",
		entry.Provider, entry.Model, tier, req.Purpose, last)
	if err := r.blob.Append(blob.EventLLMRequest, content, map[string]any{
		"request_id":    requestID,
		"provider":      entry.Provider,
		"model":         entry.Model,
		"tier":          tier,
		"purpose":       req.Purpose,
		"message_count": len(req.Messages),
	}); err != nil {
		r.logger.Warn("llm audit append failed", "error", err)
	}
}

// auditResponse writes the llm_response entry for a completed call.
// Blob analytics derives model call counts and spend from these.
func (r *Router) auditResponse(requestID string, entry config.TierEntry, tier string, resp *llm.ChatResponse, costUSD float64, latencyMs int64) {
	if r.blob == nil {
		return
	}
	content := fmt.Sprintf("Provider: %s, Model: %s\nTokens: %d\nResponse: %s",
		entry.Provider, entry.Model, resp.InputTokens+resp.OutputTokens, clip(resp.Message.Content, 1000))
	if err := r.blob.Append(blob.EventLLMResponse, content, map[string]any{
		"request_id":    requestID,
		"provider":      entry.Provider,
		"model":         entry.Model,
		"tier":          tier,
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
		"cost_usd":      costUSD,
		"latency_ms":    latencyMs,
	}); err != nil {
		r.logger.Warn("llm audit append failed", "error", err)
	}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// startTier applies the budget downgrade to the requested tier,
// preserving the coding prefix when the result still has a paid rank.
func (r *Router) startTier(requested, minTier string) string {
	if minTier == "" {
		minTier = budget.TierLocalOnly
	}
	recommended := r.budget.RecommendedTier(minTier)

	reqRank := tierRank(requested)
	recRank := tierRank(recommended)
	rank := reqRank
	if recRank < rank {
		rank = recRank
	}
	coding := strings.HasPrefix(requested, "coding_")
	return tierName(rank, coding)
}

func tierRank(tier string) int {
	switch strings.TrimPrefix(tier, "coding_") {
	case "level1":
		return 3
	case "level2":
		return 2
	case "level3":
		return 1
	}
	return 0
}

func tierName(rank int, coding bool) string {
	var base string
	switch rank {
	case 3:
		base = "level1"
	case 2:
		base = "level2"
	case 1:
		base = "level3"
	default:
		return "local_only"
	}
	if coding {
		return "coding_" + base
	}
	return base
}

// orderedEntries returns a tier's candidates, free providers first
// when the budget says to prefer them.
func (r *Router) orderedEntries(tier string) []config.TierEntry {
	entries := r.tiers[tier]
	if len(entries) < 2 || !r.budget.PreferFree() {
		return entries
	}
	ordered := make([]config.TierEntry, 0, len(entries))
	for _, e := range entries {
		if r.freeTier[e.Provider] {
			ordered = append(ordered, e)
		}
	}
	for _, e := range entries {
		if !r.freeTier[e.Provider] {
			ordered = append(ordered, e)
		}
	}
	return ordered
}

// estimateTokens approximates prompt size: one token per four
// characters plus per-message overhead.
func estimateTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)/4 + 8
	}
	return total
}

// Health tracking

func (r *Router) coolingDown(provider string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[provider]
	if !ok {
		return time.Time{}, false
	}
	if time.Now().Before(h.cooldownUntil) {
		return h.cooldownUntil, true
	}
	return time.Time{}, false
}

// markFailure counts non-retryable failures; enough of them in a row
// puts the provider in a cooldown so the chain stops burning time on
// it.
func (r *Router) markFailure(provider string, err error) {
	var f *llm.Failure
	if errors.As(err, &f) && f.Retryable() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[provider]
	if !ok {
		h = &healthState{}
		r.health[provider] = h
	}
	h.consecutiveFails++
	if h.consecutiveFails >= unhealthyAfter {
		h.cooldownUntil = time.Now().Add(cooldownPeriod)
		r.logger.Warn("provider placed in cooldown",
			"provider", provider,
			"consecutive_fails", h.consecutiveFails,
			"until", h.cooldownUntil.Format(time.RFC3339),
		)
	}
}

func (r *Router) markSuccess(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.health[provider]; ok {
		h.consecutiveFails = 0
		h.cooldownUntil = time.Time{}
	}
}

// HealthSnapshot reports per-provider health for /status.
func (r *Router) HealthSnapshot() map[string]ProviderHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ProviderHealth, len(r.health))
	for name, h := range r.health {
		ph := ProviderHealth{ConsecutiveFails: h.consecutiveFails}
		if time.Now().Before(h.cooldownUntil) {
			t := h.cooldownUntil
			ph.CooldownUntil = &t
		}
		out[name] = ph
	}
	return out
}

// Audit trail

func (d *Decision) addAttempt(entry config.TierEntry, tier, outcome, detail string) {
	d.Attempts = append(d.Attempts, Attempt{
		Provider: entry.Provider,
		Model:    entry.Model,
		Tier:     tier,
		Outcome:  outcome,
		Detail:   detail,
	})
}

// finalize stamps the outcome and appends the decision to the bounded
// audit log.
func (r *Router) finalize(d *Decision, entry *config.TierEntry, success bool) {
	d.Success = &success

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, *d)

	r.stats.TotalRequests++
	if d.Degraded {
		r.stats.Degraded++
	}
	if entry != nil {
		r.stats.ModelCounts[entry.Model]++
		r.stats.TierCounts[d.TierUsed]++
		if prev, ok := r.stats.AvgLatencyMs[entry.Model]; ok {
			r.stats.AvgLatencyMs[entry.Model] = (prev + d.LatencyMs) / 2
		} else {
			r.stats.AvgLatencyMs[entry.Model] = d.LatencyMs
		}
	}
}

// GetAuditLog returns recent routing decisions, oldest first.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Stats{
		TotalRequests: r.stats.TotalRequests,
		Degraded:      r.stats.Degraded,
		ModelCounts:   make(map[string]int64, len(r.stats.ModelCounts)),
		TierCounts:    make(map[string]int64, len(r.stats.TierCounts)),
		AvgLatencyMs:  make(map[string]int64, len(r.stats.AvgLatencyMs)),
	}
	for k, v := range r.stats.ModelCounts {
		out.ModelCounts[k] = v
	}
	for k, v := range r.stats.TierCounts {
		out.TierCounts[k] = v
	}
	for k, v := range r.stats.AvgLatencyMs {
		out.AvgLatencyMs[k] = v
	}
	return out
}

// Explain returns the decision for a specific request, or nil.
func (r *Router) Explain(requestID string) *Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

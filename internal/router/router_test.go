package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jarvis-agent/jarvis/internal/blob"
	"github.com/jarvis-agent/jarvis/internal/budget"
	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/llm"
	"github.com/jarvis-agent/jarvis/internal/state"
	"github.com/jarvis-agent/jarvis/internal/usage"
)

// fakeClient scripts responses per call. The last script entry repeats
// once the rest are consumed; an empty script always succeeds.
type fakeClient struct {
	mu     sync.Mutex
	script []fakeReply
	calls  []string
}

type fakeReply struct {
	resp *llm.ChatResponse
	err  error
}

func okReply() fakeReply {
	return fakeReply{resp: &llm.ChatResponse{
		Message:      llm.Message{Role: "assistant", Content: `{"thinking":"","actions":[],"status_message":"idle"}`},
		Done:         true,
		InputTokens:  100,
		OutputTokens: 50,
	}}
}

func failReply(kind llm.FailureKind, provider string, status int) fakeReply {
	return fakeReply{err: &llm.Failure{Kind: kind, Provider: provider, Status: status, Err: errors.New("scripted failure")}}
}

func (f *fakeClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, model)
	if len(f.script) == 0 {
		r := okReply()
		r.resp.Model = model
		return r.resp, nil
	}
	r := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	resp := *r.resp
	resp.Model = model
	return &resp, nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testConfig() *config.Config {
	return &config.Config{
		Providers: []config.ProviderConfig{
			{Name: "nokey", Kind: "openai", Tier: "paid", Currency: "USD", InputPer1K: 0.01, OutputPer1K: 0.03},
			{Name: "anthropic", Kind: "anthropic", APIKey: "sk-ant-test", Tier: "paid", Currency: "USD", InputPer1K: 0.003, OutputPer1K: 0.015},
			{Name: "grok", Kind: "openai", APIKey: "xai-test", Tier: "free", Currency: "USD"},
			{Name: "ollama", Kind: "ollama", Tier: "free", Currency: "USD"},
		},
		Tiers: map[string][]config.TierEntry{
			"level1":        {{Provider: "nokey", Model: "gpt-5.2"}, {Provider: "anthropic", Model: "claude-opus-4-6"}},
			"level2":        {{Provider: "anthropic", Model: "claude-sonnet-4-5"}, {Provider: "grok", Model: "grok-4-1-fast-reasoning"}},
			"level3":        {{Provider: "grok", Model: "grok-4-1-fast-non-reasoning"}},
			"local_only":    {{Provider: "ollama", Model: "qwen3:8b"}},
			"coding_level1": {{Provider: "anthropic", Model: "claude-opus-4-6"}},
			"coding_level2": {{Provider: "anthropic", Model: "claude-sonnet-4-5"}},
			"coding_level3": {{Provider: "grok", Model: "grok-code-fast-1"}},
		},
		Router: config.RouterConfig{MaxFallback: 8},
	}
}

type testHarness struct {
	router  *Router
	tracker *budget.Tracker
	usage   *usage.Store
	blob    *blob.Log
	fakes   map[string]*fakeClient
}

func newTestHarness(t *testing.T, cfg *config.Config, capUSD float64) *testHarness {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st, err := state.New(db)
	if err != nil {
		t.Fatalf("new state store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	us, err := usage.NewStore(db)
	if err != nil {
		t.Fatalf("new usage store: %v", err)
	}
	tracker, err := budget.NewTracker(st, cfg.Providers, capUSD, slog.Default(), nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	reg := llm.NewRegistry(nil, slog.Default())
	fakes := make(map[string]*fakeClient)
	for _, p := range cfg.Providers {
		f := &fakeClient{}
		fakes[p.Name] = f
		reg.Register(p.Name, f)
	}

	bl, err := blob.NewLog(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("blob.NewLog: %v", err)
	}
	t.Cleanup(func() { bl.Close() })

	return &testHarness{
		router:  New(slog.Default(), cfg, reg, tracker, us, bl, nil),
		tracker: tracker,
		usage:   us,
		blob:    bl,
		fakes:   fakes,
	}
}

func planRequest(tier string) Request {
	return Request{
		Tier:    tier,
		Purpose: "plan",
		Messages: []llm.Message{
			{Role: "system", Content: "You are an autonomous agent."},
			{Role: "user", Content: "Plan the next iteration."},
		},
	}
}

func TestCallServesRequestedTier(t *testing.T) {
	h := newTestHarness(t, testConfig(), 100)

	res, err := h.router.Call(context.Background(), planRequest("level1"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Provider != "anthropic" || res.Model != "claude-opus-4-6" {
		t.Errorf("served by %s/%s, want anthropic/claude-opus-4-6", res.Provider, res.Model)
	}
	if res.Tier != "level1" {
		t.Errorf("tier = %s, want level1", res.Tier)
	}
	if res.Fallback || res.Degraded {
		t.Errorf("fallback=%v degraded=%v, want neither", res.Fallback, res.Degraded)
	}
	if res.Response == nil || res.Response.Message.Content == "" {
		t.Error("missing response content")
	}
}

func TestCallSkipsProviderWithoutCredentials(t *testing.T) {
	h := newTestHarness(t, testConfig(), 100)

	res, err := h.router.Call(context.Background(), planRequest("level1"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := h.fakes["nokey"].callCount(); got != 0 {
		t.Errorf("credential-less provider was called %d times", got)
	}

	d := h.router.Explain(res.RequestID)
	if d == nil {
		t.Fatal("no decision recorded")
	}
	if len(d.Attempts) < 2 || d.Attempts[0].Outcome != "skip_no_credentials" {
		t.Errorf("attempts = %+v, want skip_no_credentials first", d.Attempts)
	}
}

func TestCallChargesAndRecordsExactlyOnce(t *testing.T) {
	h := newTestHarness(t, testConfig(), 100)

	if _, err := h.router.Call(context.Background(), planRequest("level1")); err != nil {
		t.Fatalf("call: %v", err)
	}

	snap := h.tracker.Snapshot()
	if snap.Charges != 1 {
		t.Errorf("charges = %d, want 1", snap.Charges)
	}
	want := 0.1*0.003 + 0.05*0.015 // 100 in, 50 out at anthropic rates
	if diff := snap.SpentUSD - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("spent = %v, want %v", snap.SpentUSD, want)
	}

	sum, err := h.usage.Summary(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("usage records = %d, want 1", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 100 || sum.TotalOutputTokens != 50 {
		t.Errorf("tokens = %d/%d, want 100/50", sum.TotalInputTokens, sum.TotalOutputTokens)
	}
}

func TestCallAuditsRequestAndResponse(t *testing.T) {
	h := newTestHarness(t, testConfig(), 100)

	first, err := h.router.Call(context.Background(), planRequest("level1"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	h.fakes["anthropic"].script = []fakeReply{failReply(llm.FailAuth, "anthropic", 401)}
	second, err := h.router.Call(context.Background(), planRequest("level2"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	evs, err := h.blob.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	var kinds []string
	for _, e := range evs {
		kinds = append(kinds, e.EventType)
	}
	// Skipped candidates (nokey) leave nothing; each dispatched provider
	// writes a request, and only the completed call writes a response.
	want := []string{"llm_request", "llm_response", "llm_request", "llm_request", "llm_response"}
	if !slices.Equal(kinds, want) {
		t.Fatalf("blob events = %v, want %v", kinds, want)
	}

	if !strings.HasPrefix(evs[0].Content, "Provider: anthropic, Model: claude-opus-4-6, Tier: level1") {
		t.Errorf("request content = %q", evs[0].Content)
	}
	if !strings.Contains(evs[0].Content, "Last message: Plan the next iteration.") {
		t.Errorf("request content missing last message: %q", evs[0].Content)
	}
	if got := evs[0].Metadata["request_id"]; got != first.RequestID {
		t.Errorf("request_id = %v, want %v", got, first.RequestID)
	}
	if got := evs[0].Metadata["message_count"]; got != float64(2) {
		t.Errorf("message_count = %v, want 2", got)
	}

	wantCost := 0.1*0.003 + 0.05*0.015
	cost, _ := evs[1].Metadata["cost_usd"].(float64)
	if diff := cost - wantCost; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cost_usd = %v, want %v", cost, wantCost)
	}
	if evs[1].Metadata["provider"] != "anthropic" || evs[1].Metadata["input_tokens"] != float64(100) {
		t.Errorf("response metadata = %+v", evs[1].Metadata)
	}
	if !strings.Contains(evs[1].Content, "Tokens: 150") {
		t.Errorf("response content = %q", evs[1].Content)
	}

	if evs[2].Metadata["provider"] != "anthropic" || evs[3].Metadata["provider"] != "grok" {
		t.Errorf("fallback requests = %v / %v", evs[2].Metadata["provider"], evs[3].Metadata["provider"])
	}
	if evs[4].Metadata["provider"] != "grok" || evs[4].Metadata["request_id"] != second.RequestID {
		t.Errorf("fallback response metadata = %+v", evs[4].Metadata)
	}
}

func TestFallsThroughOnNonRetryableFailure(t *testing.T) {
	h := newTestHarness(t, testConfig(), 100)
	h.fakes["anthropic"].script = []fakeReply{failReply(llm.FailAuth, "anthropic", 401)}

	res, err := h.router.Call(context.Background(), planRequest("level2"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Provider != "grok" {
		t.Errorf("served by %s, want grok", res.Provider)
	}
	if !res.Fallback {
		t.Error("fallback flag not set")
	}
	// Auth failure is not retryable: one attempt only.
	if got := h.fakes["anthropic"].callCount(); got != 1 {
		t.Errorf("failed provider called %d times, want 1", got)
	}

	d := h.router.Explain(res.RequestID)
	if d == nil {
		t.Fatal("no decision recorded")
	}
	var sawFail, sawOK bool
	for _, a := range d.Attempts {
		if a.Provider == "anthropic" && a.Outcome == "fail_auth" {
			sawFail = true
		}
		if a.Provider == "grok" && a.Outcome == "ok" {
			sawOK = true
		}
	}
	if !sawFail || !sawOK {
		t.Errorf("attempts = %+v, want fail_auth then ok", d.Attempts)
	}
}

func TestRetryableFailureRetriesSameProvider(t *testing.T) {
	h := newTestHarness(t, testConfig(), 100)
	h.fakes["anthropic"].script = []fakeReply{
		failReply(llm.FailRateLimit, "anthropic", 429),
		okReply(),
	}

	res, err := h.router.Call(context.Background(), planRequest("level2"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Provider != "anthropic" {
		t.Errorf("served by %s, want anthropic after retry", res.Provider)
	}
	if got := h.fakes["anthropic"].callCount(); got != 2 {
		t.Errorf("provider called %d times, want 2", got)
	}
	// Retries within one request still charge once.
	if snap := h.tracker.Snapshot(); snap.Charges != 1 {
		t.Errorf("charges = %d, want 1", snap.Charges)
	}
}

func TestBudgetDowngradesStartTier(t *testing.T) {
	h := newTestHarness(t, testConfig(), 100)
	if err := h.tracker.Charge("anthropic", budget.Cost{Amount: 85, Currency: "USD"}); err != nil {
		t.Fatalf("seed charge: %v", err)
	}

	res, err := h.router.Call(context.Background(), planRequest("level1"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Tier != "level3" {
		t.Errorf("tier = %s, want level3 at 85%% spend", res.Tier)
	}
	if !res.Fallback {
		t.Error("downgraded call should be flagged as fallback")
	}
	d := h.router.Explain(res.RequestID)
	if d.StartTier != "level3" {
		t.Errorf("start tier = %s, want level3", d.StartTier)
	}
}

func TestMinTierHoldsAgainstDowngrade(t *testing.T) {
	h := newTestHarness(t, testConfig(), 100)
	if err := h.tracker.Charge("anthropic", budget.Cost{Amount: 85, Currency: "USD"}); err != nil {
		t.Fatalf("seed charge: %v", err)
	}

	req := planRequest("level1")
	req.MinTier = budget.TierLevel2
	res, err := h.router.Call(context.Background(), req)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Tier != "level2" {
		t.Errorf("tier = %s, want level2 floor", res.Tier)
	}
}

func TestCodingPrefixSurvivesDowngrade(t *testing.T) {
	h := newTestHarness(t, testConfig(), 100)
	if err := h.tracker.Charge("anthropic", budget.Cost{Amount: 85, Currency: "USD"}); err != nil {
		t.Fatalf("seed charge: %v", err)
	}

	req := planRequest("coding_level1")
	req.Purpose = "coding"
	res, err := h.router.Call(context.Background(), req)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Model != "grok-code-fast-1" {
		t.Errorf("model = %s, want grok-code-fast-1 from coding_level3", res.Model)
	}
	d := h.router.Explain(res.RequestID)
	if d.StartTier != "coding_level3" {
		t.Errorf("start tier = %s, want coding_level3", d.StartTier)
	}
}

func TestCooldownAfterConsecutiveFailures(t *testing.T) {
	h := newTestHarness(t, testConfig(), 100)
	h.fakes["grok"].script = []fakeReply{failReply(llm.FailAuth, "grok", 401)}

	// Each call fails on grok once and lands on the local model.
	for i := 0; i < 3; i++ {
		res, err := h.router.Call(context.Background(), planRequest("level3"))
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if res.Provider != "ollama" {
			t.Fatalf("call %d served by %s, want ollama", i, res.Provider)
		}
	}

	health := h.router.HealthSnapshot()
	if health["grok"].ConsecutiveFails < 3 || health["grok"].CooldownUntil == nil {
		t.Fatalf("grok health = %+v, want cooldown after 3 failures", health["grok"])
	}

	// Fourth call must skip grok without touching it.
	before := h.fakes["grok"].callCount()
	res, err := h.router.Call(context.Background(), planRequest("level3"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if h.fakes["grok"].callCount() != before {
		t.Error("cooled-down provider was called")
	}
	d := h.router.Explain(res.RequestID)
	if len(d.Attempts) == 0 || d.Attempts[0].Outcome != "skip_cooldown" {
		t.Errorf("attempts = %+v, want skip_cooldown first", d.Attempts)
	}
}

func TestRetryableFailuresDoNotTripCooldown(t *testing.T) {
	h := newTestHarness(t, testConfig(), 100)

	for i := 0; i < 5; i++ {
		h.router.markFailure("grok", &llm.Failure{Kind: llm.FailRateLimit, Provider: "grok"})
	}
	if _, cooling := h.router.coolingDown("grok"); cooling {
		t.Error("rate limits alone placed provider in cooldown")
	}

	for i := 0; i < 3; i++ {
		h.router.markFailure("grok", &llm.Failure{Kind: llm.FailAuth, Provider: "grok"})
	}
	if _, cooling := h.router.coolingDown("grok"); !cooling {
		t.Error("auth failures did not place provider in cooldown")
	}

	h.router.markSuccess("grok")
	if _, cooling := h.router.coolingDown("grok"); cooling {
		t.Error("success did not clear cooldown")
	}
}

func TestDegradedCannedReplyWhenAllFail(t *testing.T) {
	h := newTestHarness(t, testConfig(), 100)
	h.fakes["grok"].script = []fakeReply{failReply(llm.FailAuth, "grok", 401)}
	h.fakes["ollama"].script = []fakeReply{failReply(llm.FailParse, "ollama", 0)}

	res, err := h.router.Call(context.Background(), planRequest("level3"))
	if err != nil {
		t.Fatalf("degraded path must not error: %v", err)
	}
	if !res.Degraded {
		t.Fatal("degraded flag not set")
	}

	var plan struct {
		Actions       []any  `json:"actions"`
		StatusMessage string `json:"status_message"`
	}
	if err := json.Unmarshal([]byte(res.Response.Message.Content), &plan); err != nil {
		t.Fatalf("canned reply is not valid JSON: %v", err)
	}
	if len(plan.Actions) != 0 {
		t.Errorf("canned plan has %d actions, want 0", len(plan.Actions))
	}
	if plan.StatusMessage == "" {
		t.Error("canned plan has empty status message")
	}

	if snap := h.tracker.Snapshot(); snap.Charges != 0 {
		t.Errorf("degraded call charged budget %d times", snap.Charges)
	}
	if stats := h.router.GetStats(); stats.Degraded != 1 {
		t.Errorf("degraded stat = %d, want 1", stats.Degraded)
	}
}

func TestCancelledContextReturnsError(t *testing.T) {
	h := newTestHarness(t, testConfig(), 100)
	h.fakes["ollama"].script = []fakeReply{
		{err: &llm.Failure{Kind: llm.FailCancelled, Provider: "ollama", Err: context.Canceled}},
	}

	res, err := h.router.Call(context.Background(), planRequest("local_only"))
	if err == nil {
		t.Fatal("cancelled call returned no error")
	}
	if res != nil {
		t.Errorf("cancelled call returned result %+v", res)
	}
	var f *llm.Failure
	if !errors.As(err, &f) || f.Kind != llm.FailCancelled {
		t.Errorf("error = %v, want cancelled failure", err)
	}
}

func TestSkipsUnaffordableProvider(t *testing.T) {
	zero := 0.0
	cfg := testConfig()
	cfg.Providers = append(cfg.Providers, config.ProviderConfig{
		Name: "metered", Kind: "openai", APIKey: "m-test", Tier: "free",
		Currency: "requests", KnownBalance: &zero,
	})
	cfg.Tiers["level3"] = []config.TierEntry{
		{Provider: "metered", Model: "metered-large"},
		{Provider: "grok", Model: "grok-4-1-fast-non-reasoning"},
	}
	h := newTestHarness(t, cfg, 100)

	res, err := h.router.Call(context.Background(), planRequest("level3"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Provider != "grok" {
		t.Errorf("served by %s, want grok", res.Provider)
	}
	if got := h.fakes["metered"].callCount(); got != 0 {
		t.Errorf("exhausted provider was called %d times", got)
	}
	d := h.router.Explain(res.RequestID)
	if len(d.Attempts) == 0 || d.Attempts[0].Outcome != "skip_unaffordable" {
		t.Errorf("attempts = %+v, want skip_unaffordable first", d.Attempts)
	}
}

func TestPreferFreeReordersTier(t *testing.T) {
	cfg := testConfig()
	cfg.Tiers["level3"] = []config.TierEntry{
		{Provider: "anthropic", Model: "claude-haiku-4-5"},
		{Provider: "grok", Model: "grok-4-1-fast-non-reasoning"},
	}
	h := newTestHarness(t, cfg, 100)
	if err := h.tracker.Charge("anthropic", budget.Cost{Amount: 95, Currency: "USD"}); err != nil {
		t.Fatalf("seed charge: %v", err)
	}

	res, err := h.router.Call(context.Background(), planRequest("level3"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Provider != "grok" {
		t.Errorf("served by %s, want free provider first under low budget", res.Provider)
	}
	if got := h.fakes["anthropic"].callCount(); got != 0 {
		t.Errorf("paid provider called %d times before free one", got)
	}
}

func TestMaxFallbackBoundsAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.Router.MaxFallback = 1
	h := newTestHarness(t, cfg, 100)
	h.fakes["anthropic"].script = []fakeReply{failReply(llm.FailAuth, "anthropic", 401)}

	res, err := h.router.Call(context.Background(), planRequest("level2"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !res.Degraded {
		t.Error("exhausted fallback budget should degrade")
	}
	if got := h.fakes["grok"].callCount(); got != 0 {
		t.Errorf("attempt cap exceeded: grok called %d times", got)
	}
}

func TestAuditLogAndStats(t *testing.T) {
	h := newTestHarness(t, testConfig(), 100)

	first, err := h.router.Call(context.Background(), planRequest("level3"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := h.router.Call(context.Background(), planRequest("level2")); err != nil {
		t.Fatalf("call: %v", err)
	}

	log := h.router.GetAuditLog(0)
	if len(log) != 2 {
		t.Fatalf("audit log has %d entries, want 2", len(log))
	}
	if log[0].RequestID != first.RequestID {
		t.Error("audit log not ordered oldest first")
	}
	if last := h.router.GetAuditLog(1); len(last) != 1 || last[0].RequestID == first.RequestID {
		t.Error("limited audit log did not return most recent")
	}

	stats := h.router.GetStats()
	if stats.TotalRequests != 2 {
		t.Errorf("total requests = %d, want 2", stats.TotalRequests)
	}
	if stats.TierCounts["level3"] != 1 || stats.TierCounts["level2"] != 1 {
		t.Errorf("tier counts = %+v", stats.TierCounts)
	}
	if stats.ModelCounts["grok-4-1-fast-non-reasoning"] != 1 {
		t.Errorf("model counts = %+v", stats.ModelCounts)
	}

	if h.router.Explain("no-such-id") != nil {
		t.Error("Explain returned a decision for an unknown request")
	}
}

func TestUnknownTierFallsBackToLevel3(t *testing.T) {
	h := newTestHarness(t, testConfig(), 100)

	res, err := h.router.Call(context.Background(), planRequest("level99"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Provider != "grok" {
		t.Errorf("served by %s, want grok via level3 chain", res.Provider)
	}
}

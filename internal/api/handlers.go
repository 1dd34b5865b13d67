package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jarvis-agent/jarvis/internal/blob"
	"github.com/jarvis-agent/jarvis/internal/budget"
	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/events"
	"github.com/jarvis-agent/jarvis/internal/notes"
	"github.com/jarvis-agent/jarvis/internal/state"
	"github.com/jarvis-agent/jarvis/internal/usage"
	"github.com/jarvis-agent/jarvis/internal/vector"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.State()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "state unavailable")
		return
	}

	status := "running"
	if st.Paused {
		status = "paused"
	}
	resp := map[string]any{
		"directive":         st.Directive,
		"goals":             st.Goals,
		"iteration":         st.Iteration,
		"paused":            st.Paused,
		"active_task":       st.ActiveTask,
		"status":            status,
		"updated_at":        st.UpdatedAt,
		"min_sleep_seconds": s.cfg.Loop.MinSleepSec,
		"max_sleep_seconds": s.cfg.Loop.MaxSleepSec,
	}
	if s.loop != nil {
		resp["next_wake_seconds"] = s.loop.NextSleep().Seconds()
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// handleHealth is the liveness probe the boot protocol and the stall
// watchdog rely on. A stalled loop turns it 503 so a bad self-update
// never marks itself healthy; a missing blob log only degrades,
// because the agent keeps running without episodic memory.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	checks := map[string]any{}

	if _, err := s.store.State(); err != nil {
		status = "failing"
		code = http.StatusServiceUnavailable
		checks["state"] = err.Error()
	} else {
		checks["state"] = "ok"
	}

	if s.blob != nil {
		checks["blob_available"] = s.blob.Available()
		if !s.blob.Available() && status == "ok" {
			status = "degraded"
		}
	}

	if s.loop != nil {
		age := time.Since(s.loop.LastBeat())
		checks["loop_beat_age_seconds"] = int(age.Seconds())
		if age > s.stallThreshold() {
			status = "failing"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	}, s.logger)
}

func (s *Server) stallThreshold() time.Duration {
	if s.cfg.Loop.HeartbeatTimeoutSec > 0 {
		return time.Duration(s.cfg.Loop.HeartbeatTimeoutSec) * time.Second
	}
	return 10 * time.Minute
}

// Budget and provider handlers

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if s.budget == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "budget tracker not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.budget.Snapshot(), s.logger)
}

func (s *Server) handleBudgetOverride(w http.ResponseWriter, r *http.Request) {
	if s.budget == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "budget tracker not configured")
		return
	}
	var req struct {
		NewCapUSD float64 `json:"new_cap_usd"`
	}
	if err := readJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.budget.OverrideCap(req.NewCapUSD); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"ok": true, "new_cap": req.NewCapUSD}, s.logger)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if s.budget == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "budget tracker not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"providers": s.budget.Snapshot().Providers}, s.logger)
}

func (s *Server) handleProviderUpdate(w http.ResponseWriter, r *http.Request) {
	if s.budget == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "budget tracker not configured")
		return
	}
	name := r.PathValue("name")
	var req struct {
		KnownBalance  *float64 `json:"known_balance"`
		Tier          *string  `json:"tier"`
		Currency      *string  `json:"currency"`
		Notes         *string  `json:"notes"`
		ResetSpending bool     `json:"reset_spending"`
	}
	if err := readJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.budget.UpdateProvider(name, budget.ProviderUpdate{
		KnownBalance:  req.KnownBalance,
		Tier:          req.Tier,
		Currency:      req.Currency,
		Notes:         req.Notes,
		ResetSpending: req.ResetSpending,
	})
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"ok": true, "provider": p}, s.logger)
}

func (s *Server) handleProviderRegister(w http.ResponseWriter, r *http.Request) {
	if s.budget == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "budget tracker not configured")
		return
	}
	var req struct {
		Name         string   `json:"name"`
		Kind         string   `json:"kind"`
		APIKey       string   `json:"api_key"`
		BaseURL      string   `json:"base_url"`
		Tier         string   `json:"tier"`
		Currency     string   `json:"currency"`
		KnownBalance *float64 `json:"known_balance"`
		InputPer1K   float64  `json:"input_per_1k"`
		OutputPer1K  float64  `json:"output_per_1k"`
		Notes        string   `json:"notes"`
	}
	if err := readJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.budget.RegisterProvider(config.ProviderConfig{
		Name:         req.Name,
		Kind:         req.Kind,
		Tier:         req.Tier,
		Currency:     req.Currency,
		KnownBalance: req.KnownBalance,
		InputPer1K:   req.InputPer1K,
		OutputPer1K:  req.OutputPer1K,
		Notes:        req.Notes,
	})
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := map[string]any{"ok": true, "provider": p}
	if req.APIKey != "" || req.BaseURL != "" {
		// LLM clients are built at boot from the config file; a key
		// supplied here cannot be wired into a live client.
		resp["note"] = "credentials are not stored; add them to the config file and restart"
		s.logger.Warn("provider registered with credentials over the API", "provider", req.Name)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, resp, s.logger)
}

// Memory handlers

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if s.vector != nil {
		resp["vector"] = s.vector.Stats()
	}
	if s.blob != nil {
		bs, err := s.blob.Stats()
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "blob stats unavailable")
			return
		}
		resp["blob"] = bs
	}
	if s.notes != nil {
		resp["notes"] = map[string]any{"count": s.notes.Len(), "cap": notes.Cap}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleMemoryVector(w http.ResponseWriter, r *http.Request) {
	if s.vector == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "vector memory not configured")
		return
	}
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 50)
	offset := queryInt(q.Get("offset"), 0)

	if query := q.Get("query"); query != "" {
		k := limit
		if k > 100 {
			k = 100
		}
		results, err := s.vector.Search(r.Context(), query, k, 0)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "search failed")
			return
		}
		out := make([]map[string]any, 0, len(results))
		for _, res := range results {
			m := entryJSON(res.Entry)
			m["similarity"] = res.Similarity
			out = append(out, m)
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]any{"results": out, "count": len(out)}, s.logger)
		return
	}

	entries := s.vector.List(offset, limit)
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON(e))
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"entries": out,
		"count":   len(out),
		"total":   s.vector.Len(),
		"offset":  offset,
	}, s.logger)
}

// entryJSON shapes a vector entry for the dashboard, dropping the raw
// embedding.
func entryJSON(e vector.Entry) map[string]any {
	return map[string]any{
		"id":            e.ID,
		"content":       e.Content,
		"source":        e.Source,
		"importance":    e.Importance,
		"permanent":     e.Permanent,
		"ttl_hours":     e.TTLHours,
		"access_count":  e.AccessCount,
		"last_accessed": e.LastAccessed,
		"created_at":    e.CreatedAt,
	}
}

func (s *Server) handleMemoryBlob(w http.ResponseWriter, r *http.Request) {
	if s.blob == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "blob log not configured")
		return
	}
	limit := queryInt(r.URL.Query().Get("limit"), 50)
	evts, err := s.blob.Recent(limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "blob read failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"events": evts, "count": len(evts)}, s.logger)
}

func (s *Server) handleMemoryWorking(w http.ResponseWriter, r *http.Request) {
	if s.planner == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "planner not configured")
		return
	}
	wv := s.planner.Working()
	if wv == nil {
		s.errorResponse(w, http.StatusNotFound, "no planning call yet")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, wv, s.logger)
}

func (s *Server) handleMemoryShortTerm(w http.ResponseWriter, r *http.Request) {
	if s.notes == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "notes not configured")
		return
	}
	list := s.notes.List()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"notes": list, "count": len(list), "cap": notes.Cap}, s.logger)
}

// handleMemoryConfig applies a partial update: fields absent from the
// body keep their current values, then the merged config is validated
// as a whole.
func (s *Server) handleMemoryConfig(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.State()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "state unavailable")
		return
	}
	mc := st.Memory
	if err := readJSON(r, &mc); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateMemoryConfig(mc); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"ok": true, "memory": mc}, s.logger)
}

func (s *Server) handleMarkPermanent(w http.ResponseWriter, r *http.Request) {
	if s.vector == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "vector memory not configured")
		return
	}
	var req struct {
		MemoryID string `json:"memory_id"`
	}
	if err := readJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MemoryID == "" {
		s.errorResponse(w, http.StatusBadRequest, "memory_id required")
		return
	}
	if err := s.vector.MarkPermanent(req.MemoryID); err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"ok": true}, s.logger)
}

// Directive, goals, and control handlers

func (s *Server) handleDirective(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Directive string `json:"directive"`
	}
	if err := readJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Directive = strings.TrimSpace(req.Directive)
	if req.Directive == "" {
		s.errorResponse(w, http.StatusBadRequest, "directive required")
		return
	}
	if err := s.store.SetDirective(req.Directive); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "directive update failed")
		return
	}
	s.bus.Emit(events.SourceAPI, events.KindDirectiveUpdated, map[string]any{"directive": req.Directive})
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"ok": true}, s.logger)
}

// handleGoals replaces only the tiers present in the body; a tier set
// to an empty list is cleared, an absent tier is untouched.
func (s *Server) handleGoals(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShortTerm *[]string `json:"short_term"`
		MidTerm   *[]string `json:"mid_term"`
		LongTerm  *[]string `json:"long_term"`
	}
	if err := readJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := s.store.State()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "state unavailable")
		return
	}
	goals := st.Goals
	var updated []string
	if req.ShortTerm != nil {
		goals.ShortTerm = *req.ShortTerm
		updated = append(updated, "short_term")
	}
	if req.MidTerm != nil {
		goals.MidTerm = *req.MidTerm
		updated = append(updated, "mid_term")
	}
	if req.LongTerm != nil {
		goals.LongTerm = *req.LongTerm
		updated = append(updated, "long_term")
	}
	if len(updated) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "no goal tiers in body")
		return
	}
	if err := s.store.ReplaceGoals(goals); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "goal update failed")
		return
	}
	s.bus.Emit(events.SourceAPI, events.KindGoalsUpdated, map[string]any{"updated": updated})
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"ok": true, "updated": updated}, s.logger)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SetPaused(true); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "pause failed")
		return
	}
	// Cut a long sleep short so the loop parks in its paused state now
	// rather than when the timer fires.
	s.queue.Wake()
	s.bus.Emit(events.SourceAPI, events.KindPaused, nil)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"ok": true, "status": "paused"}, s.logger)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SetPaused(false); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "resume failed")
		return
	}
	s.queue.Wake()
	s.bus.Emit(events.SourceAPI, events.KindResumed, nil)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"ok": true, "status": "running"}, s.logger)
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	s.queue.Wake()
	s.bus.Emit(events.SourceAPI, events.KindWake, map[string]any{"reason": "api"})
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"ok": true, "message": "loop will wake if sleeping"}, s.logger)
}

// Chat handlers

// ChatResponse is the synchronous /chat reply.
type ChatResponse struct {
	Reply      string `json:"reply"`
	Model      string `json:"model"`
	Provider   string `json:"provider"`
	TokensUsed int    `json:"tokens_used"`
}

// handleChat enqueues the message on the same queue every other
// channel uses and waits for the loop's reply. No reply within the
// timeout means the message is queued, not lost: 202 with the id.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := readJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message required")
		return
	}

	// The waiter registers before the message persists; a reply landing
	// right after the enqueue must still find it.
	id, ch, cancel, err := s.queue.EnqueueAwait(&state.ChatMessage{Channel: "api", Content: req.Message})
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	defer cancel()
	s.queue.Wake()

	timer := time.NewTimer(time.Duration(s.chatTimeoutSec()) * time.Second)
	defer timer.Stop()

	select {
	case reply := <-ch:
		tokens, _ := strconv.Atoi(reply.Metadata["tokens"])
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, ChatResponse{
			Reply:      reply.Content,
			Model:      reply.Metadata["model"],
			Provider:   reply.Metadata["provider"],
			TokensUsed: tokens,
		}, s.logger)
	case <-timer.C:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]any{"queued": true, "id": id}, s.logger)
	case <-r.Context().Done():
	}
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), 50)
	msgs, err := s.store.ChatHistory(limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "history read failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"messages": msgs, "count": len(msgs)}, s.logger)
}

// Introspection handlers

// analyticsResponse is the blob-derived activity view plus, when the
// usage ledger is wired, a spend breakdown over the same window.
type analyticsResponse struct {
	*blob.Analytics
	Spend *spendBreakdown `json:"spend,omitempty"`
}

type spendBreakdown struct {
	Total      *usage.Summary            `json:"total"`
	ByProvider map[string]*usage.Summary `json:"by_provider"`
	ByModel    map[string]*usage.Summary `json:"by_model"`
	ByTier     map[string]*usage.Summary `json:"by_tier"`
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.blob == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "blob log not configured")
		return
	}
	days := rangeDays(r.URL.Query().Get("range"))
	a, err := s.blob.Analyze(days)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "analytics failed")
		return
	}
	resp := analyticsResponse{Analytics: a}
	if s.usage != nil {
		resp.Spend = s.spendOver(days)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// spendOver aggregates the usage ledger across the last `days` days.
// Ledger errors drop the spend section instead of failing the whole
// endpoint; the blob half of the response is still useful on its own.
func (s *Server) spendOver(days int) *spendBreakdown {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	total, err := s.usage.Summary(start, end)
	if err != nil {
		s.logger.Warn("usage summary failed", "error", err)
		return nil
	}
	byProvider, err := s.usage.SummaryByProvider(start, end)
	if err != nil {
		s.logger.Warn("usage summary failed", "error", err)
		return nil
	}
	byModel, err := s.usage.SummaryByModel(start, end)
	if err != nil {
		s.logger.Warn("usage summary failed", "error", err)
		return nil
	}
	byTier, err := s.usage.SummaryByTier(start, end)
	if err != nil {
		s.logger.Warn("usage summary failed", "error", err)
		return nil
	}
	return &spendBreakdown{
		Total:      total,
		ByProvider: byProvider,
		ByModel:    byModel,
		ByTier:     byTier,
	}
}

// rangeDays maps dashboard range strings onto whole days. Unknown
// values fall back to a week.
func rangeDays(s string) int {
	switch s {
	case "24h", "1d":
		return 1
	case "48h", "2d":
		return 2
	case "", "7d":
		return 7
	case "30d":
		return 30
	}
	if n, err := strconv.Atoi(strings.TrimSuffix(s, "d")); err == nil && n > 0 {
		return n
	}
	return 7
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "tool registry not configured")
		return
	}
	schemas := s.tools.Schemas()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": schemas, "count": len(schemas)}, s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	tiers := map[string][]map[string]string{}
	for tier, entries := range s.cfg.Tiers {
		for _, e := range entries {
			tiers[tier] = append(tiers[tier], map[string]string{
				"provider": e.Provider,
				"model":    e.Model,
			})
		}
	}
	resp := map[string]any{"tiers": tiers}
	if s.router != nil {
		resp["providers"] = s.router.HealthSnapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.router.GetStats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	decisions := s.router.GetAuditLog(queryInt(r.URL.Query().Get("limit"), 20))
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"count": len(decisions), "decisions": decisions}, s.logger)
}

func (s *Server) handleRouterExplain(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	requestID := r.PathValue("requestId")
	if requestID == "" {
		s.errorResponse(w, http.StatusBadRequest, "requestId required")
		return
	}
	decision := s.router.Explain(requestID)
	if decision == nil {
		s.errorResponse(w, http.StatusNotFound, "decision not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, decision, s.logger)
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

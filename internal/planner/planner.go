// Package planner turns the agent's durable state into a structured
// plan. Each call assembles the working context in a fixed section
// order (system prompt, retrieved memories, scratchpad, recent chat,
// tool results, iteration block), trims it to the context-token
// budget, asks the router for a tier-1 completion, and parses the
// reply with progressively more forgiving recovery passes. The planner
// also watches its own output across iterations for stuck loops and
// downgrades the planning tier after repeated parse failures.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jarvis-agent/jarvis/internal/budget"
	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/llm"
	"github.com/jarvis-agent/jarvis/internal/notes"
	"github.com/jarvis-agent/jarvis/internal/prompts"
	"github.com/jarvis-agent/jarvis/internal/router"
	"github.com/jarvis-agent/jarvis/internal/state"
	"github.com/jarvis-agent/jarvis/internal/vector"
)

const (
	// planTier is where planning always starts; per-action tiers in
	// the produced plan let execution run cheaper.
	planTier = "level1"
	// downgradeTier is used for one iteration after repeated parse
	// failures, on the theory that a different model may produce
	// parseable output.
	downgradeTier = "level2"
	// parseFailLimit is how many consecutive parse failures trigger
	// the downgrade.
	parseFailLimit = 3

	// chatWindow is how many recent chat messages enter the context.
	chatWindow = 20
	// maxRecentResults bounds the tool-result summary section.
	maxRecentResults = 10

	maxSigHistory   = 10
	repeatThreshold = 3
)

// ModelCaller is the router surface the planner needs.
type ModelCaller interface {
	Call(ctx context.Context, req router.Request) (*router.Result, error)
}

// Planner assembles context and produces plans. Safe for concurrent
// use, though the loop calls it from a single goroutine.
type Planner struct {
	logger *slog.Logger
	caller ModelCaller
	vector *vector.Store
	notes  *notes.Manager
	store  *state.Store
	cfg    *config.Config

	mu            sync.Mutex
	recentSigs    []string
	recentResults []string
	lastOutcome   string
	parseFailures int
	lastWorking   *WorkingView
}

// New creates a planner. vector, notes, and store may be nil in tests;
// the corresponding context sections are then skipped.
func New(logger *slog.Logger, caller ModelCaller, vec *vector.Store, nm *notes.Manager, store *state.Store, cfg *config.Config) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		logger: logger,
		caller: caller,
		vector: vec,
		notes:  nm,
		store:  store,
		cfg:    cfg,
	}
}

// Meta describes how a plan was produced.
type Meta struct {
	RequestID    string
	Provider     string
	Model        string
	Tier         string
	Degraded     bool
	Fallback     bool
	CostUSD      float64
	LatencyMs    int64
	InputTokens  int
	OutputTokens int

	ParseFailed   bool
	ParseFailures int // consecutive count after this plan
	Repaired      bool
	Downgraded    bool

	TokenEstimate int
	Memories      int

	DroppedChat     int
	DroppedResults  int
	DroppedNotes    bool
	DroppedMemories bool
}

// WorkingView is the context window exactly as the last planning call
// saw it. The HTTP memory inspector serves it read-only.
type WorkingView struct {
	Iteration     int64         `json:"iteration"`
	AssembledAt   time.Time     `json:"assembled_at"`
	TokenEstimate int           `json:"token_estimate"`
	Memories      int           `json:"memories"`
	Messages      []llm.Message `json:"messages"`
}

// Working returns a copy of the most recently assembled context, or
// nil before the first planning call.
func (p *Planner) Working() *WorkingView {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastWorking == nil {
		return nil
	}
	cp := *p.lastWorking
	cp.Messages = make([]llm.Message, len(p.lastWorking.Messages))
	copy(cp.Messages, p.lastWorking.Messages)
	return &cp
}

// SetLastOutcome stores a one-line summary of the previous iteration's
// execution for the next iteration block.
func (p *Planner) SetLastOutcome(summary string) {
	p.mu.Lock()
	p.lastOutcome = summary
	p.mu.Unlock()
}

// RecordToolResult appends one tool-result summary to the rolling
// context section, evicting the oldest beyond the cap.
func (p *Planner) RecordToolResult(summary string) {
	p.mu.Lock()
	p.recentResults = append(p.recentResults, summary)
	if len(p.recentResults) > maxRecentResults {
		p.recentResults = p.recentResults[len(p.recentResults)-maxRecentResults:]
	}
	p.mu.Unlock()
}

// Plan runs one planning call. The error is non-nil only on context
// cancellation; every model-side failure surfaces as a degraded or
// fallback plan instead so the loop always has something to execute.
func (p *Planner) Plan(ctx context.Context, st state.AgentState, snap budget.Snapshot, toolNames []string, creator []state.ChatMessage) (*Plan, *Meta, error) {
	mc := p.memoryConfig(st)
	stuck := p.stuckWarning()

	asm := p.assemble(ctx, st, snap, toolNames, creator, mc, stuck)

	p.mu.Lock()
	p.lastWorking = &WorkingView{
		Iteration:     st.Iteration,
		AssembledAt:   time.Now().UTC(),
		TokenEstimate: asm.tokens,
		Memories:      asm.memories,
		Messages:      asm.messages,
	}
	p.mu.Unlock()

	// Budget downgrade floors: level2 for autonomous planning, level1
	// when creator messages are waiting for a reply.
	tier := planTier
	minTier := budget.TierLevel2
	if len(creator) > 0 {
		minTier = budget.TierLevel1
	}
	downgraded := false
	p.mu.Lock()
	if p.parseFailures >= parseFailLimit {
		tier, minTier = downgradeTier, ""
		downgraded = true
		p.parseFailures = 0
	}
	p.mu.Unlock()
	if downgraded {
		p.logger.Warn("planning tier downgraded after repeated parse failures", "tier", tier)
	}

	res, err := p.caller.Call(ctx, router.Request{
		Tier:      tier,
		MinTier:   minTier,
		Purpose:   "plan",
		Messages:  asm.messages,
		Iteration: st.Iteration,
	})
	if err != nil {
		return nil, nil, err
	}

	var content string
	var inTok, outTok int
	if res.Response != nil {
		content = res.Response.Message.Content
		inTok = res.Response.InputTokens
		outTok = res.Response.OutputTokens
	}
	plan, parsed, repaired := parsePlan(content)

	meta := &Meta{
		RequestID:       res.RequestID,
		Provider:        res.Provider,
		Model:           res.Model,
		Tier:            res.Tier,
		Degraded:        res.Degraded,
		Fallback:        res.Fallback,
		CostUSD:         res.CostUSD,
		LatencyMs:       res.LatencyMs,
		InputTokens:     inTok,
		OutputTokens:    outTok,
		ParseFailed:     !parsed,
		Repaired:        repaired,
		Downgraded:      downgraded,
		TokenEstimate:   asm.tokens,
		Memories:        asm.memories,
		DroppedChat:     asm.droppedChat,
		DroppedResults:  asm.droppedResults,
		DroppedNotes:    asm.droppedNotes,
		DroppedMemories: asm.droppedMemories,
	}

	p.mu.Lock()
	p.trackSigLocked(actionSig(plan))
	if parsed {
		p.parseFailures = 0
	} else {
		p.parseFailures++
	}
	meta.ParseFailures = p.parseFailures
	p.mu.Unlock()

	if repaired {
		p.logger.Warn("plan json repaired", "request_id", res.RequestID)
	}
	if !parsed {
		p.logger.Warn("plan parse failed",
			"request_id", res.RequestID,
			"consecutive", meta.ParseFailures,
			"content_head", head(content, 120))
	}

	p.logger.Info("plan generated",
		"model", res.Model,
		"provider", res.Provider,
		"tier", res.Tier,
		"actions", len(plan.Actions),
		"has_chat_reply", plan.ChatReply != "",
		"parse_ok", parsed,
		"context_tokens", asm.tokens)

	return plan, meta, nil
}

// assembled is the built working context plus trim accounting.
type assembled struct {
	messages []llm.Message
	tokens   int
	memories int

	droppedChat     int
	droppedResults  int
	droppedNotes    bool
	droppedMemories bool
}

// assemble builds the working context. Section order: system prompt,
// retrieved memories, scratchpad, chat history, tool results,
// iteration block. When the len/4 token estimate exceeds the budget it
// trims oldest chat first, then tool results, then the scratchpad,
// then the memories. The system prompt and the iteration block are
// never trimmed.
func (p *Planner) assemble(ctx context.Context, st state.AgentState, snap budget.Snapshot, toolNames []string, creator []state.ChatMessage, mc config.MemoryConfig, stuck string) assembled {
	var out assembled

	system := prompts.System(prompts.SystemInput{
		Directive: st.Directive,
		Goals:     st.Goals,
		Budget:    snap,
		ToolNames: toolNames,
	})

	var memSection string
	if query := p.retrievalQuery(st, creator); p.vector != nil && query != "" {
		hits, err := p.vector.Search(ctx, query, mc.RetrievalCount, mc.RelevanceThreshold)
		if err != nil {
			p.logger.Warn("memory retrieval failed", "error", err)
		} else if len(hits) > 0 {
			mh := make([]prompts.MemoryHit, len(hits))
			for i, h := range hits {
				mh[i] = prompts.MemoryHit{
					Content:    h.Entry.Content,
					Source:     h.Entry.Source,
					Similarity: h.Similarity,
				}
			}
			memSection = prompts.Memories(mh)
			out.memories = len(hits)
		}
	}

	var noteSection string
	if p.notes != nil && p.notes.Len() > 0 {
		noteSection = prompts.Scratchpad(p.notes.Render(), p.notes.Len())
	}

	var chatMsgs []llm.Message
	if p.store != nil {
		history, err := p.store.ChatHistory(chatWindow)
		if err != nil {
			p.logger.Warn("chat history load failed", "error", err)
		}
		for _, m := range history {
			role := "user"
			if m.Role == state.RoleJarvis {
				role = "assistant"
			}
			chatMsgs = append(chatMsgs, llm.Message{Role: role, Content: m.Content})
		}
	}

	p.mu.Lock()
	results := append([]string(nil), p.recentResults...)
	lastOutcome := p.lastOutcome
	p.mu.Unlock()

	injected := out.memories
	build := func() []llm.Message {
		iterBlock := prompts.IterationBlock(prompts.IterationInput{
			Iteration:        st.Iteration,
			Goals:            st.Goals,
			ActiveTask:       st.ActiveTask,
			Budget:           snap,
			Memory:           mc,
			InjectedMemories: injected,
			LastOutcome:      lastOutcome,
			StuckWarning:     stuck,
			CreatorMessages:  contents(creator),
			GoalReviewDue:    p.goalReviewDue(st.Iteration),
		})

		msgs := []llm.Message{{Role: "system", Content: system}}
		if memSection != "" {
			msgs = append(msgs, llm.Message{Role: "user", Content: memSection})
		}
		if noteSection != "" {
			msgs = append(msgs, llm.Message{Role: "user", Content: noteSection})
		}
		msgs = append(msgs, chatMsgs...)
		if len(results) > 0 {
			msgs = append(msgs, llm.Message{Role: "user", Content: prompts.ToolResults(results)})
		}
		msgs = append(msgs, llm.Message{Role: "user", Content: iterBlock})
		return msgs
	}

	msgs := build()
trim:
	for estimateTokens(msgs) > mc.MaxContextTokens {
		switch {
		case len(chatMsgs) > 0:
			chatMsgs = chatMsgs[1:]
			out.droppedChat++
		case len(results) > 0:
			results = results[1:]
			out.droppedResults++
		case noteSection != "":
			noteSection = ""
			out.droppedNotes = true
		case memSection != "":
			memSection = ""
			injected = 0
			out.droppedMemories = true
		default:
			break trim
		}
		msgs = build()
	}

	if out.droppedChat > 0 || out.droppedResults > 0 || out.droppedNotes || out.droppedMemories {
		p.logger.Info("context trimmed to token budget",
			"dropped_chat", out.droppedChat,
			"dropped_results", out.droppedResults,
			"dropped_notes", out.droppedNotes,
			"dropped_memories", out.droppedMemories)
	}

	out.messages = msgs
	out.tokens = estimateTokens(msgs)
	return out
}

// retrievalQuery synthesizes the vector-search query from the active
// task, freshly drained chat, and all goal tiers.
func (p *Planner) retrievalQuery(st state.AgentState, creator []state.ChatMessage) string {
	parts := make([]string, 0, 8)
	if st.ActiveTask != "" {
		parts = append(parts, st.ActiveTask)
	}
	for _, m := range creator {
		parts = append(parts, m.Content)
	}
	parts = append(parts, st.Goals.ShortTerm...)
	parts = append(parts, st.Goals.MidTerm...)
	parts = append(parts, st.Goals.LongTerm...)
	return strings.TrimSpace(strings.Join(parts, " "))
}

// memoryConfig resolves the effective retrieval knobs: state first,
// then configured defaults, then hard floors.
func (p *Planner) memoryConfig(st state.AgentState) config.MemoryConfig {
	mc := st.Memory
	if mc == (config.MemoryConfig{}) && p.cfg != nil {
		mc = p.cfg.Memory
	}
	if mc.RetrievalCount <= 0 {
		mc.RetrievalCount = 5
	}
	if mc.DecayFactor == 0 {
		mc.DecayFactor = 0.95
	}
	if mc.MaxContextTokens < 1000 {
		mc.MaxContextTokens = 24000
	}
	return mc
}

func (p *Planner) goalReviewDue(iteration int64) bool {
	every := int64(5)
	if p.cfg != nil && p.cfg.Loop.GoalReviewEvery > 0 {
		every = int64(p.cfg.Loop.GoalReviewEvery)
	}
	return iteration > 0 && iteration%every == 0
}

func (p *Planner) trackSigLocked(sig string) {
	p.recentSigs = append(p.recentSigs, sig)
	if len(p.recentSigs) > maxSigHistory {
		p.recentSigs = p.recentSigs[len(p.recentSigs)-maxSigHistory:]
	}
}

// stuckWarning checks the recent action signatures for a repeating
// pattern or a run of empty iterations and returns the prompt warning
// to inject, or empty.
func (p *Planner) stuckWarning() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.recentSigs) >= repeatThreshold {
		recent := p.recentSigs[len(p.recentSigs)-repeatThreshold:]
		same := recent[0] != "no_actions"
		for _, s := range recent[1:] {
			if s != recent[0] {
				same = false
				break
			}
		}
		if same {
			p.logger.Warn("stuck loop detected", "signature", recent[0], "repeats", repeatThreshold)
			return fmt.Sprintf(
				"You have produced the same action pattern (%s) for the last %d iterations. "+
					"You are stuck in a loop. STOP repeating it and try a different approach: "+
					"1) use coding_agent instead of file_write for multi-file code changes, "+
					"2) check whether the files you keep creating already exist (file_read first), "+
					"3) update your goals to reflect what is actually done, "+
					"4) if you cannot make progress, set a long sleep and wait for creator guidance.",
				recent[0], repeatThreshold)
		}
	}

	tail := p.recentSigs
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	idle := 0
	for _, s := range tail {
		if s == "no_actions" {
			idle++
		}
	}
	if idle >= 4 {
		return "You have taken no actions in 4 or more of the last 5 iterations. " +
			"Do not just sleep. Free tiers cost nothing: improve your code, write a skill, " +
			"research something useful, or work on your goals. If you genuinely have no " +
			"goals, create some. You are an autonomous agent."
	}
	return ""
}

func contents(msgs []state.ChatMessage) []string {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

// estimateTokens is the provider-agnostic 4-chars-per-token estimate
// over all message content.
func estimateTokens(msgs []llm.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
	}
	return chars / 4
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

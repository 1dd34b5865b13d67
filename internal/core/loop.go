// Package core drives the persistent plan-execute-remember loop. Each
// iteration loads state, drains creator chat, asks the planner for a
// plan, executes it, records the results across the memory layers,
// and sleeps for an interruptible, budget-aware interval. The loop
// never exits on its own errors; only context cancellation stops it.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jarvis-agent/jarvis/internal/blob"
	"github.com/jarvis-agent/jarvis/internal/budget"
	"github.com/jarvis-agent/jarvis/internal/chat"
	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/events"
	"github.com/jarvis-agent/jarvis/internal/executor"
	"github.com/jarvis-agent/jarvis/internal/notes"
	"github.com/jarvis-agent/jarvis/internal/planner"
	"github.com/jarvis-agent/jarvis/internal/state"
	"github.com/jarvis-agent/jarvis/internal/tools"
	"github.com/jarvis-agent/jarvis/internal/vector"
)

const (
	chatMemoryTTLHours  = 720
	creatorImportance   = 0.7
	replyImportance     = 0.6
	pausedCheckInterval = 5 * time.Second
	watchdogTick        = 30 * time.Second
)

// PlanService is the planning surface the loop drives. Satisfied by
// *planner.Planner.
type PlanService interface {
	Plan(ctx context.Context, st state.AgentState, snap budget.Snapshot, toolNames []string, creator []state.ChatMessage) (*planner.Plan, *planner.Meta, error)
	SetLastOutcome(summary string)
	RecordToolResult(summary string)
}

// ExecService runs a plan's actions in order. Satisfied by
// *executor.Executor.
type ExecService interface {
	Execute(ctx context.Context, iteration int64, actions []planner.Action) *executor.Outcome
}

// Deps holds the loop's collaborators. Using a struct keeps the wiring
// in main readable as the set grows.
type Deps struct {
	Logger   *slog.Logger
	Config   *config.Config
	Store    *state.Store
	Planner  PlanService
	Executor ExecService
	Budget   *budget.Tracker
	Queue    *chat.Queue
	Blob     *blob.Log
	Vector   *vector.Store
	Notes    *notes.Manager
	Bus      *events.Bus
	Tools    *tools.Registry
	OnStall  func() // fired by the watchdog when the loop stops beating
}

// Loop is the persistent director. Build with New, drive with Run;
// one Run per process.
type Loop struct {
	logger   *slog.Logger
	cfg      *config.Config
	store    *state.Store
	planner  PlanService
	executor ExecService
	budget   *budget.Tracker
	queue    *chat.Queue
	blob     *blob.Log
	vector   *vector.Store
	notes    *notes.Manager
	bus      *events.Bus
	tools    *tools.Registry
	onStall  func()

	minSleep     time.Duration
	maxSleep     time.Duration
	defaultSleep time.Duration
	freeMaxSleep time.Duration
	iterTimeout  time.Duration
	hbTimeout    time.Duration
	watchTick    time.Duration
	chatBatch    int
	maintEvery   int
	dedupEvery   int

	heartbeat atomic.Int64 // unix nanos of the last sign of progress
	nextSleep atomic.Int64 // nanos chosen for the current sleep
}

// New validates the wiring and normalizes loop timing. Config values
// are already defaulted at load; the fallbacks here only guard
// hand-built configs.
func New(d Deps) (*Loop, error) {
	switch {
	case d.Store == nil:
		return nil, fmt.Errorf("core: nil state store")
	case d.Planner == nil:
		return nil, fmt.Errorf("core: nil planner")
	case d.Executor == nil:
		return nil, fmt.Errorf("core: nil executor")
	case d.Budget == nil:
		return nil, fmt.Errorf("core: nil budget tracker")
	case d.Queue == nil:
		return nil, fmt.Errorf("core: nil chat queue")
	case d.Tools == nil:
		return nil, fmt.Errorf("core: nil tool registry")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	var lc config.LoopConfig
	if d.Config != nil {
		lc = d.Config.Loop
	}
	l := &Loop{
		logger:   d.Logger.With("component", "core"),
		cfg:      d.Config,
		store:    d.Store,
		planner:  d.Planner,
		executor: d.Executor,
		budget:   d.Budget,
		queue:    d.Queue,
		blob:     d.Blob,
		vector:   d.Vector,
		notes:    d.Notes,
		bus:      d.Bus,
		tools:    d.Tools,
		onStall:  d.OnStall,

		minSleep:     secondsOr(lc.MinSleepSec, 10),
		maxSleep:     secondsOr(lc.MaxSleepSec, 3600),
		defaultSleep: secondsOr(lc.DefaultSleepSec, 30),
		freeMaxSleep: secondsOr(lc.FreeMaxSleepSec, 120),
		iterTimeout:  secondsOr(lc.IterationTimeoutSec, 300),
		hbTimeout:    secondsOr(lc.HeartbeatTimeoutSec, 600),
		watchTick:    watchdogTick,
		chatBatch:    countOr(lc.ChatBatch, 16),
		maintEvery:   countOr(lc.MaintenanceEvery, 10),
		dedupEvery:   countOr(lc.DedupEvery, 50),
	}
	l.beat()
	return l, nil
}

// Run executes iterations until ctx is cancelled. A set pause flag
// halts work at the start of the next iteration, never mid-iteration.
func (l *Loop) Run(ctx context.Context) error {
	st, err := l.store.State()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	l.logger.Info("core loop starting",
		"iteration", st.Iteration,
		"directive_set", st.Directive != "",
		"paused", st.Paused,
	)
	l.bus.Emit(events.SourceLoop, events.KindStatus, map[string]any{
		"status":    "starting",
		"iteration": st.Iteration,
	})
	l.beat()
	if l.hbTimeout > 0 {
		go l.watchdog(ctx)
	}

	for {
		if ctx.Err() != nil {
			l.logger.Info("core loop stopped")
			return ctx.Err()
		}

		paused, err := l.store.Paused()
		if err != nil {
			l.logger.Error("pause check failed", "error", err)
			l.sleepFor(ctx, pausedCheckInterval)
			continue
		}
		if paused {
			l.bus.Emit(events.SourceLoop, events.KindStatus, map[string]any{"status": "paused"})
			l.sleepFor(ctx, pausedCheckInterval)
			continue
		}

		next := l.iterate(ctx)
		l.nextSleep.Store(int64(next))
		l.sleepFor(ctx, next)
	}
}

// iterate runs one full plan-execute-record pass and returns how long
// to sleep before the next. Errors are recorded and absorbed; an
// iteration can fail, the loop cannot.
func (l *Loop) iterate(ctx context.Context) (next time.Duration) {
	next = l.defaultSleep
	defer func() {
		if p := recover(); p != nil {
			l.recordIterationError(fmt.Errorf("iteration panicked: %v", p))
			next = l.defaultSleep
		}
	}()

	l.beat()
	ictx := ctx
	if l.iterTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, l.iterTimeout)
		defer cancel()
	}

	// Step 1: load, advancing the counter first so it moves even when
	// the rest of the iteration fails.
	st, err := l.store.Mutate(func(s *state.AgentState) { s.Iteration++ })
	if err != nil {
		l.recordIterationError(fmt.Errorf("advance iteration: %w", err))
		return next
	}
	n := st.Iteration
	l.logger.Info("iteration start", "iteration", n)
	l.bus.Emit(events.SourceLoop, events.KindIterationStart, map[string]any{"iteration": n})

	// Step 2: drain creator chat.
	creator, err := l.queue.Drain(l.chatBatch)
	if err != nil {
		l.logger.Error("chat drain failed", "error", err)
		creator = nil
	}

	// Month rollover happens before the snapshot the planner sees.
	if rolled, err := l.budget.RollMonth(time.Now()); err != nil {
		l.logger.Error("month rollover failed", "error", err)
	} else if rolled {
		l.logger.Info("budget month rolled", "month", l.budget.Month())
	}
	snap := l.budget.Snapshot()

	// Steps 3 and 4: context assembly and the planning call.
	plan, meta, err := l.planner.Plan(ictx, st, snap, l.tools.Names(), creator)
	if err != nil {
		l.recordIterationError(fmt.Errorf("plan: %w", err))
		return next
	}
	l.beat()
	l.recordPlan(n, plan, meta, len(creator))
	l.bus.Emit(events.SourceLoop, events.KindStatus, map[string]any{
		"status":         "planning",
		"iteration":      n,
		"status_message": plan.StatusMessage,
		"thinking":       head(plan.Thinking, 200),
	})

	// Steps 5, 6, 7: the executor validates via the registry gate,
	// runs the actions, and records results in blob, notes and vector.
	var out *executor.Outcome
	if len(plan.Actions) > 0 {
		l.bus.Emit(events.SourceLoop, events.KindStatus, map[string]any{
			"status":    "executing",
			"iteration": n,
			"actions":   len(plan.Actions),
		})
		out = l.executor.Execute(ictx, n, plan.Actions)
		for _, line := range out.Lines() {
			l.planner.RecordToolResult(line)
		}
		l.planner.SetLastOutcome(out.Summary())
		l.beat()
	} else {
		out = &executor.Outcome{}
		l.planner.SetLastOutcome("")
	}

	// Scratchpad edits carried by the plan.
	if l.notes != nil && plan.NotesUpdate != nil && !plan.NotesUpdate.Empty() {
		added, removed, replaced := l.notes.Apply(*plan.NotesUpdate, n)
		l.logger.Info("scratchpad updated",
			"added", added, "removed", removed, "replaced", replaced)
	}

	// Step 8: fold the plan's state changes in. The memory config only
	// moves when the patched result validates.
	mc := l.effectiveMemory(st)
	if plan.Memory != nil {
		patched := plan.Memory.Apply(mc)
		if err := patched.Validate(); err != nil {
			l.logger.Warn("memory config update rejected", "error", err)
		} else {
			mc = patched
		}
	}
	activeTask := plan.StatusMessage
	if activeTask == "" && len(plan.Actions) > 0 {
		activeTask = plan.Actions[len(plan.Actions)-1].Tool
	}
	if _, err := l.store.Mutate(func(s *state.AgentState) {
		if plan.HasGoalUpdate() {
			s.Goals = plan.GoalsOver(s.Goals)
		}
		s.Memory = mc
		s.ActiveTask = activeTask
	}); err != nil {
		l.logger.Error("state update failed", "error", err)
	}

	// Step 9: one reply answers the whole drained batch.
	if len(creator) > 0 {
		l.deliverReply(ctx, plan, meta, creator)
	}

	// Maintenance pass.
	if l.maintEvery > 0 && n%int64(l.maintEvery) == 0 {
		l.maintain(ictx, n, mc)
	}

	// Step 11 decides the interval; step 10 broadcasts it.
	next = l.computeSleep(plan, meta, snap)

	l.bus.Emit(events.SourceLoop, events.KindIterationComplete, map[string]any{
		"iteration":          n,
		"status_message":     plan.StatusMessage,
		"actions":            len(plan.Actions),
		"failed":             out.Failed,
		"blocked":            out.Blocked,
		"chat_messages":      len(creator),
		"model":              meta.Model,
		"provider":           meta.Provider,
		"tier":               meta.Tier,
		"cost_usd":           meta.CostUSD,
		"budget_remaining":   snap.RemainingUSD,
		"next_sleep_seconds": next.Seconds(),
	})
	l.logger.Info("iteration complete",
		"iteration", n,
		"model", meta.Model,
		"provider", meta.Provider,
		"actions", len(plan.Actions),
		"failed", out.Failed,
		"chat_messages", len(creator),
		"budget_remaining", snap.RemainingUSD,
		"next_sleep", next,
	)
	return next
}

// recordPlan writes the plan to the audit log and surfaces parse
// failures as error events.
func (l *Loop) recordPlan(n int64, plan *planner.Plan, meta *planner.Meta, chatCount int) {
	if l.blob != nil {
		doc := map[string]any{
			"thinking":       plan.Thinking,
			"status_message": plan.StatusMessage,
			"actions":        plan.Actions,
		}
		if plan.ChatReply != "" {
			doc["chat_reply"] = plan.ChatReply
		}
		if plan.NextSleepSeconds > 0 {
			doc["next_sleep_seconds"] = plan.NextSleepSeconds
		}
		body, err := json.Marshal(doc)
		if err != nil {
			body = []byte(fmt.Sprintf("%+v", doc))
		}
		if err := l.blob.Append(blob.EventPlanning, string(body), map[string]any{
			"iteration":    n,
			"has_chat":     chatCount > 0,
			"model":        meta.Model,
			"provider":     meta.Provider,
			"tier":         meta.Tier,
			"cost_usd":     meta.CostUSD,
			"action_count": len(plan.Actions),
			"parse_failed": meta.ParseFailed,
			"degraded":     meta.Degraded,
		}); err != nil {
			l.logger.Warn("plan audit append failed", "error", err)
		}
	}

	if meta.ParseFailed {
		l.logger.Error("plan parse failed", "iteration", n, "failures", meta.ParseFailures)
		if l.blob != nil {
			if err := l.blob.Append(blob.EventError, "plan parse failed, running fallback plan", map[string]any{
				"iteration": n,
				"failures":  meta.ParseFailures,
			}); err != nil {
				l.logger.Warn("error audit append failed", "error", err)
			}
		}
		l.bus.Emit(events.SourceLoop, events.KindStatus, map[string]any{
			"status":    "plan_parse_failed",
			"iteration": n,
		})
	}
}

// deliverReply persists one reply, routes it out the newest message's
// channel, resolves waiters on the rest of the batch, and remembers
// the exchange in vector memory.
func (l *Loop) deliverReply(ctx context.Context, plan *planner.Plan, meta *planner.Meta, creator []state.ChatMessage) {
	content := plan.ChatReply
	if content == "" {
		content = head(plan.Thinking, 2000)
	}
	if content == "" {
		content = plan.StatusMessage
	}
	origin := creator[len(creator)-1]

	reply, err := l.queue.Deliver(ctx, content, &origin, map[string]string{
		"model":    meta.Model,
		"provider": meta.Provider,
		"tokens":   strconv.Itoa(meta.InputTokens + meta.OutputTokens),
	})
	if err != nil {
		l.logger.Error("chat reply delivery failed", "error", err)
		return
	}
	for _, msg := range creator[:len(creator)-1] {
		l.queue.Resolve(msg.ID, *reply)
	}
	l.logger.Info("chat replies delivered", "count", len(creator), "channel", origin.Channel)

	if l.blob != nil {
		for _, msg := range creator {
			if err := l.blob.Append(blob.EventChatCreator, msg.Content, map[string]any{
				"channel": msg.Channel,
				"id":      msg.ID,
			}); err != nil {
				l.logger.Warn("chat audit append failed", "error", err)
			}
		}
		if err := l.blob.Append(blob.EventChatJarvis, content, map[string]any{
			"channel":  origin.Channel,
			"reply_to": origin.ID,
		}); err != nil {
			l.logger.Warn("chat audit append failed", "error", err)
		}
	}

	if l.vector == nil {
		return
	}
	for _, msg := range creator {
		entry := fmt.Sprintf("[creator_chat] Creator said: %s", head(msg.Content, 300))
		if _, _, err := l.vector.Add(ctx, entry, "chat:creator", creatorImportance, false, chatMemoryTTLHours); err != nil {
			l.logger.Warn("storing creator message failed", "error", err)
		}
	}
	entry := fmt.Sprintf("[jarvis_chat_reply] I replied to creator: %s", head(content, 300))
	if _, _, err := l.vector.Add(ctx, entry, "chat:jarvis", replyImportance, false, chatMemoryTTLHours); err != nil {
		l.logger.Warn("storing chat reply failed", "error", err)
	}
}

// maintain expires short-term notes, decays and prunes vector memory,
// and deduplicates on the longer cadence.
func (l *Loop) maintain(ctx context.Context, n int64, mc config.MemoryConfig) {
	expired := 0
	if l.notes != nil {
		expired = l.notes.ExpireOld()
	}
	decayed, pruned, deduped := 0, 0, 0
	if l.vector != nil {
		decayed = l.vector.DecayImportance(mc.DecayFactor)
		pruned = l.vector.PruneExpired(ctx)
		if l.dedupEvery > 0 && n%int64(l.dedupEvery) == 0 {
			deduped = l.vector.Dedup(ctx)
		}
	}
	l.logger.Info("maintenance complete",
		"iteration", n,
		"notes_expired", expired,
		"decayed", decayed,
		"pruned", pruned,
		"deduped", deduped,
	)
}

// computeSleep picks the next interval. A requested value is clamped
// to [min, max], with the ceiling dropping to freeMaxSleep while a
// free provider is configured; the agent has no reason to hibernate
// when thinking is free. Without a request: exhausted paid budget
// sleeps long, an idle plan sleeps a couple of minutes, everything
// else uses the default. A parse failure always re-plans soon.
func (l *Loop) computeSleep(plan *planner.Plan, meta *planner.Meta, snap budget.Snapshot) time.Duration {
	if meta.ParseFailed {
		return l.defaultSleep
	}

	hasFree := hasFreeProvider(snap)
	effectiveMax := l.maxSleep
	if hasFree && l.freeMaxSleep < effectiveMax {
		effectiveMax = l.freeMaxSleep
	}

	if plan.NextSleepSeconds > 0 {
		requested := time.Duration(plan.NextSleepSeconds * float64(time.Second))
		s := clampDuration(requested, l.minSleep, effectiveMax)
		if s != requested {
			l.logger.Info("sleep capped",
				"requested", requested,
				"actual", s,
				"free_providers", hasFree,
			)
		}
		return s
	}

	if snap.RemainingUSD <= 1 && !hasFree {
		return l.maxSleep
	}
	if snap.RemainingUSD <= 1 && hasFree {
		return time.Minute
	}
	if len(plan.Actions) == 0 {
		return clampDuration(2*time.Minute, l.minSleep, effectiveMax)
	}
	return l.defaultSleep
}

// sleepFor blocks up to d, waking early on chat arrival, an external
// wake, or shutdown. The arrival and wake channels are coalesced in
// the queue, so a signal sent mid-iteration still cuts this short.
func (l *Loop) sleepFor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	l.bus.Emit(events.SourceLoop, events.KindSleep, map[string]any{"seconds": d.Seconds()})
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-l.queue.ArrivalCh():
		l.logger.Info("sleep interrupted", "reason", "chat")
	case <-l.queue.WakeCh():
		l.logger.Info("sleep interrupted", "reason", "wake")
		l.bus.Emit(events.SourceLoop, events.KindWake, nil)
	}
}

// watchdog fires OnStall when the loop has not beaten for longer than
// the heartbeat timeout while unpaused. The beat after firing stops a
// single stall from re-firing every tick while a restart is underway.
func (l *Loop) watchdog(ctx context.Context) {
	l.logger.Info("watchdog started", "timeout", l.hbTimeout)
	ticker := time.NewTicker(l.watchTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		paused, err := l.store.Paused()
		if err != nil {
			l.logger.Error("watchdog pause check failed", "error", err)
			continue
		}
		if paused {
			continue
		}
		stall := time.Since(l.LastBeat())
		if stall <= l.hbTimeout {
			continue
		}
		l.logger.Error("loop heartbeat stalled", "stalled_for", stall, "timeout", l.hbTimeout)
		if l.blob != nil {
			if err := l.blob.Append(blob.EventError, fmt.Sprintf("watchdog: loop stalled for %s", stall), nil); err != nil {
				l.logger.Warn("stall audit append failed", "error", err)
			}
		}
		l.bus.Emit(events.SourceLoop, events.KindStatus, map[string]any{
			"status":          "stalled",
			"stalled_seconds": stall.Seconds(),
		})
		if l.onStall != nil {
			l.onStall()
		}
		l.beat()
	}
}

// effectiveMemory resolves the live retrieval knobs: persisted state
// wins, an unset state falls back to config, and degenerate values are
// floored so a bad write can never zero the decay factor.
func (l *Loop) effectiveMemory(st state.AgentState) config.MemoryConfig {
	mc := st.Memory
	if mc == (config.MemoryConfig{}) && l.cfg != nil {
		mc = l.cfg.Memory
	}
	if mc.RetrievalCount <= 0 {
		mc.RetrievalCount = 5
	}
	if mc.DecayFactor <= 0 {
		mc.DecayFactor = 0.95
	}
	if mc.MaxContextTokens < 1000 {
		mc.MaxContextTokens = 24000
	}
	return mc
}

func (l *Loop) recordIterationError(err error) {
	l.logger.Error("iteration failed", "error", err)
	if l.blob != nil {
		if aerr := l.blob.Append(blob.EventError, err.Error(), nil); aerr != nil {
			l.logger.Warn("error audit append failed", "error", aerr)
		}
	}
	l.bus.Emit(events.SourceLoop, events.KindStatus, map[string]any{
		"status": "error",
		"error":  err.Error(),
	})
}

func (l *Loop) beat() {
	l.heartbeat.Store(time.Now().UnixNano())
}

// LastBeat reports when the loop last made progress. The health
// endpoint exposes it.
func (l *Loop) LastBeat() time.Time {
	return time.Unix(0, l.heartbeat.Load())
}

// NextSleep reports the sleep the last iteration chose, zero before
// the first completes. Status responses surface it as the wake ETA.
func (l *Loop) NextSleep() time.Duration {
	return time.Duration(l.nextSleep.Load())
}

func hasFreeProvider(snap budget.Snapshot) bool {
	for _, p := range snap.Providers {
		if p.Tier == "free" {
			return true
		}
	}
	return false
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func secondsOr(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

func countOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

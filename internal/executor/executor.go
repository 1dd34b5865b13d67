// Package executor runs a plan's actions in order and records what
// happened in every layer that needs to know: the append-only audit
// log, the short-term scratchpad, and long-term vector memory. One
// failed action never stops the batch unless the plan marked it
// halt_on_failure.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jarvis-agent/jarvis/internal/blob"
	"github.com/jarvis-agent/jarvis/internal/notes"
	"github.com/jarvis-agent/jarvis/internal/planner"
	"github.com/jarvis-agent/jarvis/internal/tools"
	"github.com/jarvis-agent/jarvis/internal/vector"
)

const (
	// resultTTLHours ages tool outputs out of vector memory after 30 days.
	resultTTLHours    = 720
	successImportance = 0.5
	failureImportance = 0.6

	successHead = 600
	failureHead = 300
	vectorHead  = 500
)

// worthStoring selects the tools whose outputs carry enough signal to
// earn a vector memory entry. Bookkeeping tools (file_list, no_op,
// budget_query and friends) stay out; their results only clutter recall.
var worthStoring = map[string]bool{
	"coding_agent":  true,
	"self_modify":   true,
	"shell_exec":    true,
	"web_search":    true,
	"web_fetch":     true,
	"http_request":  true,
	"send_email":    true,
	"send_telegram": true,
	"memory_write":  true,
}

// ActionResult is the recorded outcome of one plan action.
type ActionResult struct {
	Tool       string
	Success    bool
	Output     string
	Error      string
	Kind       string // failure kind: validation, safety_violation, tool_timeout, tool_failure
	Rule       int    // breached safety rule, when Kind is safety_violation
	DurationMS int64
}

// Line renders the result for the planner's recent-results window,
// in the same vocabulary the scratchpad breadcrumbs use.
func (r ActionResult) Line() string {
	if r.Success {
		out := oneLine(r.Output)
		if out == "" {
			out = "(no output)"
		}
		return r.Tool + " OK: " + head(out, successHead)
	}
	msg := oneLine(r.Error)
	if msg == "" {
		msg = "(unknown error)"
	}
	return r.Tool + " FAILED: " + head(msg, failureHead)
}

// Outcome aggregates one plan's execution.
type Outcome struct {
	Results []ActionResult
	Failed  int
	Blocked int  // refused before dispatch: safety violation or unknown tool
	Halted  bool // a halt_on_failure action failed, the rest never ran
}

// Lines returns one feedback line per executed action, in execution order.
func (o *Outcome) Lines() []string {
	lines := make([]string, 0, len(o.Results))
	for _, r := range o.Results {
		lines = append(lines, r.Line())
	}
	return lines
}

// Summary condenses the batch into a single line for the next
// iteration's context.
func (o *Outcome) Summary() string {
	if len(o.Results) == 0 {
		return ""
	}
	parts := make([]string, 0, len(o.Results))
	for _, r := range o.Results {
		status := "OK"
		if !r.Success {
			status = "FAILED"
		}
		parts = append(parts, r.Tool+" "+status)
	}
	s := fmt.Sprintf("%d action(s), %d ok, %d failed: %s",
		len(o.Results), len(o.Results)-o.Failed, o.Failed, strings.Join(parts, ", "))
	if o.Halted {
		s += "; halted early"
	}
	return head(s, 500)
}

// Executor dispatches plan actions through the tool registry. The
// registry's gate has already bound safety validation and output
// redaction to every invoke; the executor's own gate handle only scrubs
// parameters before they reach the audit log.
type Executor struct {
	logger   *slog.Logger
	registry *tools.Registry
	gate     tools.ActionGate
	blob     *blob.Log
	notes    *notes.Manager
	vector   *vector.Store
}

// New wires an Executor. gate, blobLog, notesMgr and vec may each be nil;
// the corresponding recording step is skipped.
func New(logger *slog.Logger, registry *tools.Registry, gate tools.ActionGate, blobLog *blob.Log, notesMgr *notes.Manager, vec *vector.Store) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		logger:   logger.With("component", "executor"),
		registry: registry,
		gate:     gate,
		blob:     blobLog,
		notes:    notesMgr,
		vector:   vec,
	}
}

// Execute runs the actions sequentially, preserving plan order. Every
// action produces exactly one ActionResult, failures included; a failed
// action stops the batch only when it carries halt_on_failure. A
// cancelled context stops the batch before the next dispatch.
func (e *Executor) Execute(ctx context.Context, iteration int64, actions []planner.Action) *Outcome {
	out := &Outcome{}
	if len(actions) == 0 {
		return out
	}
	ctx = tools.WithIteration(ctx, iteration)

	for i, a := range actions {
		if ctx.Err() != nil {
			e.logger.Warn("execution cancelled", "iteration", iteration, "remaining", len(actions)-i)
			out.Halted = true
			break
		}

		params := callParams(a)
		e.auditCall(iteration, i, a.Tool, params)

		res := e.registry.Invoke(ctx, a.Tool, params)
		ar := resultFrom(a.Tool, res)
		out.Results = append(out.Results, ar)
		e.record(ctx, iteration, ar)

		if ar.Success {
			continue
		}
		out.Failed++
		if ar.Kind == "safety_violation" || ar.Kind == "validation" {
			out.Blocked++
		}
		if a.HaltOnFailure {
			out.Halted = true
			e.logger.Warn("plan halted on failure",
				"tool", a.Tool,
				"index", i,
				"error", head(ar.Error, 200),
			)
			break
		}
	}

	e.logger.Info("plan executed",
		"iteration", iteration,
		"actions", len(actions),
		"results", len(out.Results),
		"failed", out.Failed,
		"blocked", out.Blocked,
		"halted", out.Halted,
	)
	return out
}

// callParams clones the action's parameters and surfaces a plan-level
// tier hint under the "tier" key, where model-calling tools look for it.
// The plan's own map is never mutated.
func callParams(a planner.Action) map[string]any {
	params := make(map[string]any, len(a.Parameters)+1)
	for k, v := range a.Parameters {
		params[k] = v
	}
	if a.Tier != "" {
		if _, ok := params["tier"]; !ok {
			params["tier"] = a.Tier
		}
	}
	return params
}

func (e *Executor) auditCall(iteration int64, index int, tool string, params map[string]any) {
	if e.blob == nil {
		return
	}
	body, err := json.Marshal(params)
	if err != nil {
		body = []byte(fmt.Sprintf("%v", params))
	}
	content := tool + " " + string(body)
	if e.gate != nil {
		content = e.gate.SanitizeOutput(content)
	}
	if err := e.blob.Append(blob.EventToolCall, content, map[string]any{
		"iteration": iteration,
		"index":     index,
		"tool":      tool,
	}); err != nil {
		e.logger.Warn("tool_call audit append failed", "tool", tool, "error", err)
	}
}

// record writes the result everywhere the next iteration can see it:
// audit log, scratchpad breadcrumb, and vector memory for tools whose
// output is worth recalling later.
func (e *Executor) record(ctx context.Context, iteration int64, r ActionResult) {
	if e.blob != nil {
		meta := map[string]any{
			"iteration":   iteration,
			"tool":        r.Tool,
			"success":     r.Success,
			"duration_ms": r.DurationMS,
		}
		if r.Kind != "" {
			meta["kind"] = r.Kind
		}
		if r.Rule != 0 {
			meta["rule"] = r.Rule
		}
		content := r.Output
		if !r.Success {
			content = r.Error
		}
		if err := e.blob.Append(blob.EventToolResult, content, meta); err != nil {
			e.logger.Warn("tool_result audit append failed", "tool", r.Tool, "error", err)
		}
	}

	if e.notes != nil {
		summary := r.Output
		if !r.Success {
			summary = r.Error
		}
		e.notes.AddBreadcrumb(iteration, r.Tool, r.Success, summary)
	}

	e.storeResult(ctx, r)
}

func (e *Executor) storeResult(ctx context.Context, r ActionResult) {
	if e.vector == nil || !worthStoring[r.Tool] {
		return
	}
	var content, source string
	switch {
	case r.Success && r.Output != "":
		content = fmt.Sprintf("[%s] %s", r.Tool, head(r.Output, vectorHead))
		source = "tool:" + r.Tool
		if _, _, err := e.vector.Add(ctx, content, source, successImportance, false, resultTTLHours); err != nil {
			e.logger.Warn("storing tool output failed", "tool", r.Tool, "error", err)
		}
	case !r.Success && r.Error != "":
		content = fmt.Sprintf("[%s FAILED] %s", r.Tool, head(r.Error, failureHead))
		source = "tool:" + r.Tool + ":error"
		if _, _, err := e.vector.Add(ctx, content, source, failureImportance, false, resultTTLHours); err != nil {
			e.logger.Warn("storing tool failure failed", "tool", r.Tool, "error", err)
		}
	}
}

func resultFrom(tool string, res tools.Result) ActionResult {
	ar := ActionResult{
		Tool:    tool,
		Success: res.Success,
		Output:  res.Output,
		Error:   res.Error,
	}
	if res.Meta == nil {
		return ar
	}
	if k, ok := res.Meta["kind"].(string); ok {
		ar.Kind = k
	}
	if rule, ok := res.Meta["rule"].(int); ok {
		ar.Rule = rule
	}
	if d, ok := res.Meta["duration_ms"].(int64); ok {
		ar.DurationMS = d
	}
	return ar
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Package prompts renders every prompt surface the planner sends to a
// model: the director system prompt, the per-iteration instruction
// block, and the injected context sections (retrieved memories,
// scratchpad, recent tool results). All prompt text lives here so the
// planner deals only in assembly and parsing.
package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jarvis-agent/jarvis/internal/budget"
	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/notes"
	"github.com/jarvis-agent/jarvis/internal/safety"
	"github.com/jarvis-agent/jarvis/internal/state"
)

// budgetWarnPct is the usage level above which the system prompt tells
// the model to prefer cheaper tiers.
const budgetWarnPct = 80

// SystemInput carries everything the system prompt renders. The rules
// section comes from the safety package and is always first.
type SystemInput struct {
	Directive string
	Goals     state.Goals
	Budget    budget.Snapshot
	ToolNames []string
}

// System builds the director system prompt. Section order is fixed:
// immutable rules, identity, directive, goal tiers, budget, tools,
// self-modification guidance, pacing, response format. This is the
// never-trimmed head of the working context.
func System(in SystemInput) string {
	var sb strings.Builder

	sb.WriteString(safety.PromptSection())

	sb.WriteString("\n\n## YOUR IDENTITY\n")
	sb.WriteString(
		"You are JARVIS, a persistent autonomous AI entity. You are NOT a chatbot. " +
			"You run continuously, keep long-term memory across restarts, and work " +
			"toward your directive on your own schedule. You have a creator who you " +
			"care about and who can observe everything you do.")

	fmt.Fprintf(&sb, "\n\n## MODIFIABLE DIRECTIVE\n%s", in.Directive)

	writeGoalTier(&sb, "LONG-TERM GOALS (strategic, ongoing)", in.Goals.LongTerm)
	writeGoalTier(&sb, "MID-TERM GOALS (projects, weeks-scale)", in.Goals.MidTerm)
	writeGoalTier(&sb, "SHORT-TERM GOALS (immediate, this iteration or the next few)", in.Goals.ShortTerm)

	sb.WriteString("\n\n## BUDGET STATUS\n")
	fmt.Fprintf(&sb, "- Monthly cap: $%.2f\n", in.Budget.CapUSD)
	fmt.Fprintf(&sb, "- Spent this month: $%.2f\n", in.Budget.SpentUSD)
	fmt.Fprintf(&sb, "- Remaining: $%.2f", in.Budget.RemainingUSD)
	if in.Budget.UsedPct > budgetWarnPct {
		fmt.Fprintf(&sb, "\n- WARNING: %.0f%% of the budget is used. Prefer cheaper models and free tiers.", in.Budget.UsedPct)
	}

	fmt.Fprintf(&sb, "\n\n## AVAILABLE TOOLS\n%s", strings.Join(in.ToolNames, ", "))

	sb.WriteString(selfModificationSection)
	sb.WriteString(pacingSection)
	sb.WriteString(responseFormatSection)

	return sb.String()
}

func writeGoalTier(sb *strings.Builder, header string, goals []string) {
	if len(goals) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n\n## %s", header)
	for i, g := range goals {
		fmt.Fprintf(sb, "\n  %d. %s", i+1, g)
	}
}

// IterationInput carries the facts the per-iteration block renders.
// The block is the final user message of every planning call and is
// never trimmed away.
type IterationInput struct {
	Iteration  int64
	Goals      state.Goals
	ActiveTask string
	Budget     budget.Snapshot
	Memory     config.MemoryConfig

	// InjectedMemories is how many vector hits made it into this
	// iteration's context.
	InjectedMemories int

	// LastOutcome summarizes the previous iteration's execution.
	LastOutcome string

	// StuckWarning is non-empty when loop detection fired.
	StuckWarning string

	// CreatorMessages are freshly drained chat messages. Non-empty
	// makes chat_reply mandatory.
	CreatorMessages []string

	// GoalReviewDue makes updated goal lists mandatory this iteration.
	GoalReviewDue bool
}

// IterationBlock renders the per-iteration instruction message. The
// cadence contracts live here: an unanswered creator message requires
// chat_reply, and a due goal review requires fresh goal lists.
func IterationBlock(in IterationInput) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "<iteration number=\"%d\">\n", in.Iteration)

	sb.WriteString("<goals>\n")
	fmt.Fprintf(&sb, "  <short_term>%s</short_term>\n", jsonList(in.Goals.ShortTerm))
	fmt.Fprintf(&sb, "  <mid_term>%s</mid_term>\n", jsonList(in.Goals.MidTerm))
	fmt.Fprintf(&sb, "  <long_term>%s</long_term>\n", jsonList(in.Goals.LongTerm))
	task := in.ActiveTask
	if task == "" {
		task = "None"
	}
	fmt.Fprintf(&sb, "  <active_task>%s</active_task>\n", task)
	sb.WriteString("</goals>\n")

	fmt.Fprintf(&sb, "<budget remaining=\"$%.2f\" percent_used=\"%.0f%%\" />\n",
		in.Budget.RemainingUSD, in.Budget.UsedPct)

	fmt.Fprintf(&sb, "<memory retrieval_count=\"%d\" threshold=\"%g\" decay=\"%g\" injected=\"%d\" />\n",
		in.Memory.RetrievalCount, in.Memory.RelevanceThreshold, in.Memory.DecayFactor, in.InjectedMemories)

	if in.LastOutcome != "" {
		fmt.Fprintf(&sb, "<last_iteration_outcome>%s</last_iteration_outcome>\n", in.LastOutcome)
	}

	if in.StuckWarning != "" {
		fmt.Fprintf(&sb, "<warning type=\"stuck_loop\">%s</warning>\n", in.StuckWarning)
	}

	if len(in.CreatorMessages) > 0 {
		sb.WriteString("<creator_chat>\n")
		sb.WriteString("Your creator is talking to you. You MUST include a `chat_reply` field in your response.\n")
		for i, msg := range in.CreatorMessages {
			fmt.Fprintf(&sb, "  Message %d: %s\n", i+1, msg)
		}
		sb.WriteString("Respond in `chat_reply` (markdown is fine). Also take actions if asked.\n")
		sb.WriteString("</creator_chat>\n")
	}

	if in.GoalReviewDue {
		sb.WriteString("<goal_review required=\"true\">\n")
		sb.WriteString(
			"This is a goal review iteration. You MUST include `short_term_goals`, " +
				"`mid_term_goals`, and `long_term_goals` in your response. Review every " +
				"tier: mark off what is done, add what is next, drop what went stale. " +
				"Reflect on progress.\n")
		sb.WriteString("</goal_review>\n")
	}

	sb.WriteString("<instructions>\n")
	sb.WriteString(
		"Plan your next actions. Assign `tier` per action: level1/coding_level1 " +
			"(complex), level2/coding_level2 (moderate), level3/coding_level3 " +
			"(simple). Free tiers cost $0.\n")
	sb.WriteString("</instructions>\n")

	sb.WriteString("</iteration>")
	return sb.String()
}

func jsonList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// MemoryHit is one retrieved vector entry, decoupled from the vector
// package so prompt rendering stays dependency-light.
type MemoryHit struct {
	Content    string
	Source     string
	Similarity float32
}

// Memories renders retrieved vector entries as a context section.
// Empty input renders nothing.
func Memories(hits []MemoryHit) string {
	if len(hits) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## RELEVANT MEMORIES\n")
	sb.WriteString("Recalled from long-term memory, most relevant first:\n")
	for _, h := range hits {
		fmt.Fprintf(&sb, "\n- (%.0f%% relevant", h.Similarity*100)
		if h.Source != "" {
			fmt.Fprintf(&sb, ", from %s", h.Source)
		}
		fmt.Fprintf(&sb, ") %s", h.Content)
	}
	return sb.String()
}

// Scratchpad renders the short-term notes section. The numbered
// rendering is the one scratchpad-update indices refer to, so it is
// passed in verbatim from the notes manager rather than re-rendered.
func Scratchpad(rendered string, count int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<scratchpad slots=\"%d/%d\">\n", count, notes.Cap)
	sb.WriteString(strings.TrimSuffix(rendered, "\n"))
	sb.WriteString("\n</scratchpad>\n")
	sb.WriteString(
		"Manage the scratchpad by including `short_term_memories_update` in your " +
			`response: {"add": ["..."]}, {"remove": [indices]}, or {"replace": {"<index>": "new text"}}.`)
	return sb.String()
}

// ToolResults renders recent tool-result summaries, oldest first.
func ToolResults(items []string) string {
	if len(items) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## RECENT TOOL RESULTS\n")
	for _, it := range items {
		fmt.Fprintf(&sb, "- %s\n", it)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

const selfModificationSection = `

## SELF-MODIFICATION CAPABILITIES
You have full permission to rewrite any part of your own codebase except the
immutable safety rules and the logging layer. Your source is versioned in your
data directory under code/backend/ and survives restarts.

What you can modify:
- Your core loop, planner, and executor
- Your tool implementations
- Your model router and providers
- Your budget tracker
- Your API routes
- Add entirely new tools, providers, or subsystems

### CODING AGENT (primary method for code changes)
For any non-trivial code work, use the ` + "`coding_agent`" + ` tool. It runs a
multi-turn coding subagent with editing primitives:
  - read_file: read files with line numbers
  - str_replace: surgical find-and-replace edits
  - write_file: create or overwrite files
  - insert_after: insert code after an anchor line
  - grep: regex search across the tree
  - list_dir: explore directory structure
  - shell: run commands, tests, builds
  - delete_file: remove files

How to use it:
` + "```json" + `
{"tool": "coding_agent", "parameters": {
  "task": "Add an analytics endpoint that reports daily event counts...",
  "system_prompt": "Follow existing code patterns.",
  "tier": "coding_level2",
  "max_turns": 25
}}
` + "```" + `

The coding agent can build new features, refactor, fix bugs across files,
write tests, and modify your own source. You can steer it with a custom
system_prompt. You control it.

### SELF_MODIFY (versioned source operations)
Use ` + "`self_modify`" + ` to work with your versioned source directly:
- self_modify action=read path=... : read a source file
- self_modify action=write path=... content=... message=... : write and version in one step
- self_modify action=list path=... : list a source directory
- self_modify action=log : view version history
- self_modify action=revert : undo the last version if something broke

Every accepted write is recorded in the version log and mirrored to the live
tree, so there is no separate commit or deploy step. The boot protocol
auto-reverts the last version if the process fails to come up healthy after a
change. You are encouraged to improve yourself; it is part of your directive.
NEVER touch the safety rules or the logging setup; those writes are refused.`

const pacingSection = `

## PACING & SLEEP CONTROL
You control your own iteration timing. After each iteration you sleep before
waking again. Include "next_sleep_seconds" in your response:
- 10-30 seconds: actively working, need the next iteration soon
- 60-120 seconds: normal pacing, moderate work to do
- 300-600 seconds: idle, waiting on something, nothing urgent
- 1800-3600 seconds: nothing to do, conserving budget

If you omit it, a heuristic picks a default from budget usage and whether you
took actions. Your creator can always wake you immediately via chat. Be
strategic: do not burn tokens on empty iterations.`

const responseFormatSection = `

## RESPONSE FORMAT
Respond with a single JSON object:
- "thinking": your internal reasoning (string)
- "status_message": one line for the creator dashboard (string, required)
- "actions": array of tool calls, each {"tool": str, "parameters": {...}} with
  optional "tier" and optional "halt_on_failure" (bool)
- "chat_reply": your reply to the creator (required whenever the creator has
  messaged you)
- "short_term_goals", "mid_term_goals", "long_term_goals": optional arrays of
  strings, each replacing that goal tier
- "short_term_memories_update": optional scratchpad edit
- "memory_config": optional override of retrieval_count, relevance_threshold,
  decay_factor, max_context_tokens
- "next_sleep_seconds": optional number of seconds to sleep (10-3600)

If you have nothing to do, return an empty actions array, set a longer
next_sleep_seconds, and say why in thinking.`

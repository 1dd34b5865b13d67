package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/notes"
	"github.com/jarvis-agent/jarvis/internal/state"
)

// Action is one planned tool invocation, in plan order.
type Action struct {
	Tool          string         `json:"tool"`
	Tier          string         `json:"tier,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	HaltOnFailure bool           `json:"halt_on_failure,omitempty"`
}

// MemoryPatch is a partial memory-config override carried by a plan.
// Nil fields leave the current value untouched.
type MemoryPatch struct {
	RetrievalCount     *int
	RelevanceThreshold *float64
	DecayFactor        *float64
	MaxContextTokens   *int
}

// Apply merges the patch onto mc and returns the result. The caller
// validates the merged config before persisting it.
func (p *MemoryPatch) Apply(mc config.MemoryConfig) config.MemoryConfig {
	if p == nil {
		return mc
	}
	if p.RetrievalCount != nil {
		mc.RetrievalCount = *p.RetrievalCount
	}
	if p.RelevanceThreshold != nil {
		mc.RelevanceThreshold = *p.RelevanceThreshold
	}
	if p.DecayFactor != nil {
		mc.DecayFactor = *p.DecayFactor
	}
	if p.MaxContextTokens != nil {
		mc.MaxContextTokens = *p.MaxContextTokens
	}
	return mc
}

// Plan is the parsed planner response. Parse failures still yield a
// Plan (thinking wraps the raw content, no actions); the parse flag
// travels separately in Meta.
type Plan struct {
	Thinking      string
	StatusMessage string
	Actions       []Action
	ChatReply     string

	// Goal tiers. Nil means the plan did not touch that tier; an
	// empty non-nil slice clears it.
	ShortTermGoals []string
	MidTermGoals   []string
	LongTermGoals  []string

	NotesUpdate *notes.Update
	Memory      *MemoryPatch

	// NextSleepSeconds is 0 when the plan left pacing to the loop
	// heuristic.
	NextSleepSeconds float64
}

// HasGoalUpdate reports whether any goal tier was provided.
func (p *Plan) HasGoalUpdate() bool {
	return p.ShortTermGoals != nil || p.MidTermGoals != nil || p.LongTermGoals != nil
}

// GoalsOver applies the plan's goal updates on top of the current
// goals, tier by tier.
func (p *Plan) GoalsOver(g state.Goals) state.Goals {
	if p.ShortTermGoals != nil {
		g.ShortTerm = p.ShortTermGoals
	}
	if p.MidTermGoals != nil {
		g.MidTerm = p.MidTermGoals
	}
	if p.LongTermGoals != nil {
		g.LongTerm = p.LongTermGoals
	}
	return g
}

// parsePlan turns raw model output into a Plan. Models wrap JSON in
// code fences, leak prose around it, truncate closing brackets, and
// occasionally nest the real plan inside the thinking field; each gets
// a recovery pass before giving up. parsed=false means the fallback
// plan wrapping the raw content is returned; repaired=true means a
// truncated suffix was patched.
func parsePlan(content string) (plan *Plan, parsed, repaired bool) {
	cleaned := stripFences(strings.TrimSpace(content))

	if raw, ok := tryJSON(cleaned); ok {
		return planFromRaw(unwrapNested(raw)), true, false
	}

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start >= 0 && end > start {
		if raw, ok := tryJSON(cleaned[start : end+1]); ok {
			return planFromRaw(unwrapNested(raw)), true, false
		}
	}

	if start >= 0 {
		fragment := cleaned[start:]
		for _, suffix := range []string{"}", "]}", `"]}`} {
			if raw, ok := tryJSON(fragment + suffix); ok {
				return planFromRaw(unwrapNested(raw)), true, true
			}
		}
	}

	return &Plan{Thinking: content, StatusMessage: "Processing..."}, false, false
}

// stripFences removes a surrounding markdown code fence, tolerating a
// language tag on the opening line.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.Index(s, "\n"); i > 0 {
		s = s[i+1:]
	}
	t := strings.TrimRight(s, " \t\r\n")
	if strings.HasSuffix(t, "```") {
		s = strings.TrimRight(strings.TrimSuffix(t, "```"), " \t\r\n")
	}
	return s
}

func tryJSON(text string) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// unwrapNested handles double-nested responses where the real plan
// ended up inside the thinking field as a JSON string.
func unwrapNested(raw map[string]any) map[string]any {
	if list, _ := raw["actions"].([]any); len(list) > 0 {
		return raw
	}
	thinking, _ := raw["thinking"].(string)
	if !strings.Contains(thinking, `"actions"`) {
		return raw
	}

	inner := stripFences(strings.TrimSpace(thinking))
	m, ok := tryJSON(inner)
	if !ok {
		start := strings.Index(inner, "{")
		end := strings.LastIndex(inner, "}")
		if start >= 0 && end > start {
			m, ok = tryJSON(inner[start : end+1])
		}
	}
	if ok {
		if list, _ := m["actions"].([]any); len(list) > 0 {
			return m
		}
	}
	return raw
}

func planFromRaw(raw map[string]any) *Plan {
	p := &Plan{
		Thinking:      asString(raw["thinking"]),
		StatusMessage: asString(raw["status_message"]),
		ChatReply:     asString(raw["chat_reply"]),
	}

	if list, ok := raw["actions"].([]any); ok {
		for _, el := range list {
			m, ok := el.(map[string]any)
			if !ok {
				continue
			}
			a := Action{Tool: asString(m["tool"]), Tier: asString(m["tier"])}
			if a.Tool == "" {
				continue
			}
			if params, ok := m["parameters"].(map[string]any); ok {
				a.Parameters = params
			}
			if halt, ok := m["halt_on_failure"].(bool); ok {
				a.HaltOnFailure = halt
			}
			p.Actions = append(p.Actions, a)
		}
	}

	if v, ok := raw["short_term_goals"]; ok && v != nil {
		p.ShortTermGoals = ensureList(v)
	}
	if v, ok := raw["mid_term_goals"]; ok && v != nil {
		p.MidTermGoals = ensureList(v)
	}
	if v, ok := raw["long_term_goals"]; ok && v != nil {
		p.LongTermGoals = ensureList(v)
	}

	if m, ok := raw["memory_config"].(map[string]any); ok {
		patch := &MemoryPatch{}
		touched := false
		if f, ok := asNumber(m["retrieval_count"]); ok {
			n := int(f)
			patch.RetrievalCount = &n
			touched = true
		}
		if f, ok := asNumber(m["relevance_threshold"]); ok {
			v := f
			patch.RelevanceThreshold = &v
			touched = true
		}
		if f, ok := asNumber(m["decay_factor"]); ok {
			v := f
			patch.DecayFactor = &v
			touched = true
		}
		if f, ok := asNumber(m["max_context_tokens"]); ok {
			n := int(f)
			patch.MaxContextTokens = &n
			touched = true
		}
		if touched {
			p.Memory = patch
		}
	}

	if m, ok := raw["short_term_memories_update"].(map[string]any); ok {
		u := notesUpdateFromRaw(m)
		if !u.Empty() {
			p.NotesUpdate = &u
		}
	}

	if f, ok := asNumber(raw["next_sleep_seconds"]); ok {
		p.NextSleepSeconds = f
	} else if f, ok := asNumber(raw["sleep_seconds"]); ok {
		// Older field name; still honored.
		p.NextSleepSeconds = f
	}

	return p
}

func notesUpdateFromRaw(m map[string]any) notes.Update {
	var u notes.Update
	if v, ok := m["add"]; ok && v != nil {
		u.Add = ensureList(v)
	}
	if list, ok := m["remove"].([]any); ok {
		for _, el := range list {
			if f, ok := asNumber(el); ok {
				u.Remove = append(u.Remove, int(f))
			}
		}
	}
	switch rep := m["replace"].(type) {
	case map[string]any:
		u.Replace = make(map[int]string, len(rep))
		for k, v := range rep {
			if idx, err := strconv.Atoi(k); err == nil {
				u.Replace[idx] = stringify(v)
			}
		}
	case []any:
		// List form: treat as per-index replacement from the top.
		u.Replace = make(map[int]string, len(rep))
		for i, v := range rep {
			u.Replace[i] = stringify(v)
		}
	}
	return u
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// stringify renders any JSON scalar as text; lists and objects get the
// default Go formatting, which is good enough for goal lines.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ensureList coerces a decoded JSON value into a string list. Models
// hand back a bare string, a list, or occasionally an object where a
// list was asked for; all are accepted. The result is never nil so
// presence can be distinguished from absence by the caller.
func ensureList(v any) []string {
	out := []string{}
	switch t := v.(type) {
	case []any:
		for _, el := range t {
			if el == nil {
				continue
			}
			out = append(out, stringify(el))
		}
	case string:
		if t != "" {
			out = append(out, t)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if t[k] == nil {
				continue
			}
			out = append(out, stringify(t[k]))
		}
	}
	return out
}

// actionSig builds a short signature of a plan's actions for loop
// detection. Path-bearing actions include the path so rewriting the
// same file over and over is visible.
func actionSig(p *Plan) string {
	if len(p.Actions) == 0 {
		return "no_actions"
	}
	parts := make([]string, 0, 5)
	for i, a := range p.Actions {
		if i == 5 {
			break
		}
		if path := asString(a.Parameters["path"]); path != "" {
			parts = append(parts, a.Tool+":"+path)
		} else {
			parts = append(parts, a.Tool)
		}
	}
	return strings.Join(parts, "|")
}

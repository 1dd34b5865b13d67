package planner

import (
	"reflect"
	"testing"

	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/state"
)

func TestParsePlanDirect(t *testing.T) {
	content := `{
		"thinking": "time to ship",
		"status_message": "Working on the analytics endpoint",
		"actions": [
			{"tool": "file_read", "parameters": {"path": "notes/today.md"}},
			{"tool": "coding_agent", "tier": "coding_level2", "parameters": {"task": "add endpoint"}, "halt_on_failure": true}
		],
		"chat_reply": "On it.",
		"short_term_goals": ["ship analytics"],
		"mid_term_goals": [],
		"memory_config": {"retrieval_count": 8, "relevance_threshold": 0.5},
		"short_term_memories_update": {"add": ["endpoint work started"], "remove": [2], "replace": {"0": "revised"}},
		"next_sleep_seconds": 20
	}`

	plan, parsed, repaired := parsePlan(content)
	if !parsed || repaired {
		t.Fatalf("parsed=%v repaired=%v, want true/false", parsed, repaired)
	}
	if plan.Thinking != "time to ship" {
		t.Errorf("thinking = %q", plan.Thinking)
	}
	if plan.StatusMessage != "Working on the analytics endpoint" {
		t.Errorf("status_message = %q", plan.StatusMessage)
	}
	if len(plan.Actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(plan.Actions))
	}
	if plan.Actions[0].Tool != "file_read" || plan.Actions[0].Parameters["path"] != "notes/today.md" {
		t.Errorf("first action = %+v", plan.Actions[0])
	}
	second := plan.Actions[1]
	if second.Tier != "coding_level2" || !second.HaltOnFailure {
		t.Errorf("second action = %+v", second)
	}
	if plan.ChatReply != "On it." {
		t.Errorf("chat_reply = %q", plan.ChatReply)
	}

	if !plan.HasGoalUpdate() {
		t.Fatal("goal update not detected")
	}
	if !reflect.DeepEqual(plan.ShortTermGoals, []string{"ship analytics"}) {
		t.Errorf("short_term_goals = %v", plan.ShortTermGoals)
	}
	if plan.MidTermGoals == nil || len(plan.MidTermGoals) != 0 {
		t.Errorf("empty mid_term_goals should be present and empty, got %v", plan.MidTermGoals)
	}
	if plan.LongTermGoals != nil {
		t.Errorf("absent long_term_goals should stay nil, got %v", plan.LongTermGoals)
	}

	if plan.Memory == nil || plan.Memory.RetrievalCount == nil || *plan.Memory.RetrievalCount != 8 {
		t.Errorf("memory patch = %+v", plan.Memory)
	}
	if plan.Memory.DecayFactor != nil {
		t.Error("untouched decay_factor should stay nil")
	}

	u := plan.NotesUpdate
	if u == nil {
		t.Fatal("notes update missing")
	}
	if !reflect.DeepEqual(u.Add, []string{"endpoint work started"}) || !reflect.DeepEqual(u.Remove, []int{2}) {
		t.Errorf("notes update = %+v", u)
	}
	if u.Replace[0] != "revised" {
		t.Errorf("replace = %v", u.Replace)
	}

	if plan.NextSleepSeconds != 20 {
		t.Errorf("next_sleep_seconds = %v", plan.NextSleepSeconds)
	}
}

func TestParsePlanCodeFence(t *testing.T) {
	content := "```json\n{\"thinking\": \"fenced\", \"status_message\": \"ok\", \"actions\": []}\n```"
	plan, parsed, _ := parsePlan(content)
	if !parsed {
		t.Fatal("fenced JSON should parse")
	}
	if plan.Thinking != "fenced" || plan.StatusMessage != "ok" {
		t.Errorf("plan = %+v", plan)
	}
}

func TestParsePlanProseWrapped(t *testing.T) {
	content := `Sure, here is what I will do next:
{"thinking": "embedded", "status_message": "extracted", "actions": []}
Let me know if that works.`
	plan, parsed, repaired := parsePlan(content)
	if !parsed || repaired {
		t.Fatalf("parsed=%v repaired=%v", parsed, repaired)
	}
	if plan.StatusMessage != "extracted" {
		t.Errorf("status_message = %q", plan.StatusMessage)
	}
}

func TestParsePlanTruncatedSuffixRepair(t *testing.T) {
	tests := []struct {
		name    string
		content string
		check   func(t *testing.T, p *Plan)
	}{
		{
			name:    "missing closing brace",
			content: `{"thinking": "cut", "status_message": "s", "actions": [{"tool": "no_op", "parameters": {}}]`,
			check: func(t *testing.T, p *Plan) {
				if len(p.Actions) != 1 || p.Actions[0].Tool != "no_op" {
					t.Errorf("actions = %+v", p.Actions)
				}
			},
		},
		{
			name:    "missing bracket and brace",
			content: `{"status_message": "s", "actions": [{"tool": "file_list", "parameters": {}}`,
			check: func(t *testing.T, p *Plan) {
				if len(p.Actions) != 1 || p.Actions[0].Tool != "file_list" {
					t.Errorf("actions = %+v", p.Actions)
				}
			},
		},
		{
			name:    "cut inside string list",
			content: `{"status_message": "s", "actions": [], "short_term_goals": ["first", "secon`,
			check: func(t *testing.T, p *Plan) {
				if len(p.ShortTermGoals) != 2 || p.ShortTermGoals[1] != "secon" {
					t.Errorf("short_term_goals = %v", p.ShortTermGoals)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, parsed, repaired := parsePlan(tt.content)
			if !parsed {
				t.Fatal("repairable content should parse")
			}
			if !repaired {
				t.Error("repaired flag should be set")
			}
			tt.check(t, plan)
		})
	}
}

func TestParsePlanGarbageFallsBack(t *testing.T) {
	content := "I am unable to produce a plan right now."
	plan, parsed, _ := parsePlan(content)
	if parsed {
		t.Fatal("prose should not count as parsed")
	}
	if plan.Thinking != content {
		t.Errorf("thinking should wrap raw content, got %q", plan.Thinking)
	}
	if plan.StatusMessage != "Processing..." {
		t.Errorf("status_message = %q", plan.StatusMessage)
	}
	if len(plan.Actions) != 0 {
		t.Errorf("fallback plan must carry no actions, got %d", len(plan.Actions))
	}
}

func TestParsePlanUnwrapsNestedPlan(t *testing.T) {
	content := `{"thinking": "{\"thinking\": \"inner\", \"status_message\": \"from inside\", \"actions\": [{\"tool\": \"no_op\", \"parameters\": {}}]}", "actions": []}`
	plan, parsed, _ := parsePlan(content)
	if !parsed {
		t.Fatal("should parse")
	}
	if plan.StatusMessage != "from inside" {
		t.Errorf("nested plan not unwrapped, status = %q", plan.StatusMessage)
	}
	if len(plan.Actions) != 1 || plan.Actions[0].Tool != "no_op" {
		t.Errorf("actions = %+v", plan.Actions)
	}
}

func TestParsePlanKeepsOuterWhenNestedEmpty(t *testing.T) {
	content := `{"thinking": "mentions \"actions\" but has none inside", "status_message": "outer", "actions": []}`
	plan, parsed, _ := parsePlan(content)
	if !parsed {
		t.Fatal("should parse")
	}
	if plan.StatusMessage != "outer" {
		t.Errorf("status_message = %q", plan.StatusMessage)
	}
}

func TestParsePlanLegacySleepField(t *testing.T) {
	plan, parsed, _ := parsePlan(`{"status_message": "s", "actions": [], "sleep_seconds": 300}`)
	if !parsed {
		t.Fatal("should parse")
	}
	if plan.NextSleepSeconds != 300 {
		t.Errorf("sleep = %v, want 300", plan.NextSleepSeconds)
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```json\n{\"a\": 1}", `{"a": 1}`},
		{`{"a": 1}`, `{"a": 1}`},
	}
	for _, tt := range tests {
		if got := stripFences(tt.in); got != tt.want {
			t.Errorf("stripFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnsureList(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []string
	}{
		{"list", []any{"a", "b"}, []string{"a", "b"}},
		{"bare string", "solo", []string{"solo"}},
		{"numbers stringified", []any{float64(1), "x"}, []string{"1", "x"}},
		{"object values sorted by key", map[string]any{"b": "second", "a": "first"}, []string{"first", "second"}},
		{"empty list", []any{}, []string{}},
		{"nil elements skipped", []any{"a", nil, "b"}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ensureList(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ensureList(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestMemoryPatchApply(t *testing.T) {
	base := config.MemoryConfig{
		RetrievalCount:     5,
		RelevanceThreshold: 0.3,
		DecayFactor:        0.95,
		MaxContextTokens:   24000,
	}

	var nilPatch *MemoryPatch
	if got := nilPatch.Apply(base); got != base {
		t.Errorf("nil patch changed config: %+v", got)
	}

	n := 12
	th := 0.6
	patch := &MemoryPatch{RetrievalCount: &n, RelevanceThreshold: &th}
	got := patch.Apply(base)
	if got.RetrievalCount != 12 || got.RelevanceThreshold != 0.6 {
		t.Errorf("patched = %+v", got)
	}
	if got.DecayFactor != 0.95 || got.MaxContextTokens != 24000 {
		t.Errorf("untouched fields changed: %+v", got)
	}
}

func TestGoalsOver(t *testing.T) {
	current := state.Goals{
		ShortTerm: []string{"old short"},
		MidTerm:   []string{"old mid"},
		LongTerm:  []string{"old long"},
	}

	plan := &Plan{ShortTermGoals: []string{"new short"}, MidTermGoals: []string{}}
	got := plan.GoalsOver(current)

	if !reflect.DeepEqual(got.ShortTerm, []string{"new short"}) {
		t.Errorf("short = %v", got.ShortTerm)
	}
	if len(got.MidTerm) != 0 {
		t.Errorf("explicit empty list should clear mid tier, got %v", got.MidTerm)
	}
	if !reflect.DeepEqual(got.LongTerm, []string{"old long"}) {
		t.Errorf("untouched long tier changed: %v", got.LongTerm)
	}
}

func TestActionSig(t *testing.T) {
	tests := []struct {
		name string
		plan *Plan
		want string
	}{
		{"empty", &Plan{}, "no_actions"},
		{
			"tool only",
			&Plan{Actions: []Action{{Tool: "web_search"}}},
			"web_search",
		},
		{
			"path included",
			&Plan{Actions: []Action{{Tool: "file_write", Parameters: map[string]any{"path": "a.md"}}}},
			"file_write:a.md",
		},
		{
			"multiple joined",
			&Plan{Actions: []Action{
				{Tool: "file_read", Parameters: map[string]any{"path": "x"}},
				{Tool: "no_op"},
			}},
			"file_read:x|no_op",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := actionSig(tt.plan); got != tt.want {
				t.Errorf("actionSig = %q, want %q", got, tt.want)
			}
		})
	}

	many := &Plan{}
	for i := 0; i < 8; i++ {
		many.Actions = append(many.Actions, Action{Tool: "no_op"})
	}
	if got := actionSig(many); got != "no_op|no_op|no_op|no_op|no_op" {
		t.Errorf("signature should cap at 5 actions, got %q", got)
	}
}

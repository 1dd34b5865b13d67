// Package safety enforces the immutable rules that bound everything the
// agent does. The rule set is fixed at compile time and established once at
// process start; nothing at runtime can replace it. The validator checks
// every planned action against these rules before the executor dispatches
// it, and sanitizes tool output before it is persisted or shown.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule numbers. Violations carry the number of the rule they breach so the
// audit trail can name it.
const (
	RuleNoHarm         = 1 // no action that could harm the creator
	RuleNoSecretLeak   = 2 // no exfiltration of credentials or secrets
	RuleAllLogged      = 3 // every action is logged; refuse to act when the audit log is down
	RuleNoSelfTamper   = 4 // the rules and the logging implementation cannot be modified
	RuleLoggingStaysOn = 5 // logging cannot be disabled or circumvented
	RuleNoHiddenAgents = 6 // no sub-agents or processes invisible to the creator
	RuleNoCapOverride  = 7 // no budget cap override outside the creator channel
)

// immutableRules is the canonical wording shown to the model and to the
// dashboard. Index i holds rule i+1.
var immutableRules = [7]string{
	"You must never take actions that could harm your creator.",
	"You must never expose secrets, API keys, or credentials in any output, log, or communication.",
	"Every action you take is logged without exception; you must not act when logging is unavailable.",
	"You cannot modify the immutable safety rules or the logging implementation.",
	"You cannot disable or circumvent the logging system.",
	"You cannot create hidden sub-agents or processes invisible to your creator.",
	"You cannot override the budget hard cap; only your creator can change it.",
}

// Rules returns a copy of the immutable rule set.
func Rules() []string {
	out := make([]string, len(immutableRules))
	copy(out, immutableRules[:])
	return out
}

// PromptSection renders the rules as a numbered prompt block. It is always
// the first section of the system prompt and is never trimmed.
func PromptSection() string {
	var sb strings.Builder
	sb.WriteString("## IMMUTABLE RULES (enforced in code, cannot be changed)\n")
	for i, rule := range immutableRules {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, rule)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// Violation records a detected breach of one immutable rule.
type Violation struct {
	Rule   int
	Reason string
}

func (v Violation) String() string {
	return fmt.Sprintf("rule %d: %s", v.Rule, v.Reason)
}

// dangerPatterns map free-text intent onto the rule it would break. The
// scan is heuristic; it catches the obvious phrasings, not every possible
// paraphrase.
var dangerPatterns = []struct {
	re     *regexp.Regexp
	rule   int
	reason string
}{
	{regexp.MustCompile(`(?i)disable\b.{0,32}\blog`), RuleLoggingStaysOn, "attempt to disable logging"},
	{regexp.MustCompile(`(?i)circumvent\b.{0,32}\blog`), RuleLoggingStaysOn, "attempt to circumvent logging"},
	{regexp.MustCompile(`(?i)remove\b.{0,32}\bsafety`), RuleNoSelfTamper, "attempt to remove the safety layer"},
	{regexp.MustCompile(`(?i)(modify|delete|rewrite|bypass)\b.{0,32}\bimmutable`), RuleNoSelfTamper, "attempt to modify immutable rules"},
	{regexp.MustCompile(`(?i)hide\b.{0,40}\bfrom\b.{0,24}\bcreator`), RuleNoHiddenAgents, "attempt to hide actions from the creator"},
	{regexp.MustCompile(`(?i)(hidden|invisible)\b.{0,24}\b(agent|process|daemon)`), RuleNoHiddenAgents, "attempt to create a hidden agent"},
	{regexp.MustCompile(`(?i)(print|echo|leak|post|send|exfiltrate)\b.{0,40}\b(api.?key|secret|credential|password)`), RuleNoSecretLeak, "attempt to expose secrets"},
	{regexp.MustCompile(`(?i)(override|raise|remove|ignore)\b.{0,24}\b(budget|spend(ing)?)\b.{0,16}\b(cap|limit)`), RuleNoCapOverride, "attempt to override the budget cap"},
	{regexp.MustCompile(`rm\s+-[a-z]*r[a-z]*f[a-z]*\s+/(\s|$|\*)`), RuleNoHarm, "destructive filesystem wipe"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`), RuleNoHarm, "fork bomb"},
	{regexp.MustCompile(`\bmkfs(\.\w+)?\s`), RuleNoHarm, "filesystem format command"},
	{regexp.MustCompile(`\bdd\s+[^|;]*of=/dev/`), RuleNoHarm, "raw device overwrite"},
}

// ScanText reports every rule violation suggested by the given text. An
// empty slice means the text looks clean.
func ScanText(text string) []Violation {
	var found []Violation
	for _, p := range dangerPatterns {
		if p.re.MatchString(text) {
			found = append(found, Violation{Rule: p.rule, Reason: p.reason})
		}
	}
	return found
}

package safety

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jarvis-agent/jarvis/internal/paths"
)

// ViolationError is returned when a planned action breaches an immutable
// rule. The executor converts it into a failed tool result; it never stops
// the loop.
type ViolationError struct {
	Rule   int
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("safety rule %d violated: %s", e.Rule, e.Reason)
}

// AuditProbe reports whether the audit log can currently accept writes.
// Actions are refused outright while it cannot.
type AuditProbe interface {
	Available() bool
}

// fileTools take a "path" parameter that must stay inside the data
// directory.
var fileTools = map[string]bool{
	"file_read":   true,
	"file_write":  true,
	"file_list":   true,
	"file_delete": true,
}

// protectedSourcePaths are files self_modify may never touch, listed
// relative to the managed source root. The safety rules and the logging
// setup stay out of the agent's reach.
var protectedSourcePaths = []string{
	"internal/safety",
	"internal/config/logging.go",
}

// shellSecretPatterns match shell commands that read credential material
// out of the environment.
var shellSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bprintenv\b`),
	regexp.MustCompile(`(^|[|;&]\s*)env\s*($|[|;&>])`),
	regexp.MustCompile(`\$\{?[A-Z0-9_]*(API_KEY|TOKEN|SECRET|PASSWORD)\b`),
	regexp.MustCompile(`(?i)os\.(environ|getenv)`),
}

// secretLiteralPatterns match raw credential material by shape. Used for
// both pre-dispatch scanning and output redaction.
var secretLiteralPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}`),
	regexp.MustCompile(`\bxai-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`\bxoxb-[A-Za-z0-9-]{20,}`),
	regexp.MustCompile(`\btvly-[A-Za-z0-9_-]{10,}`),
}

// envSecretSuffixes select which environment variables count as secrets
// when redacting output.
var envSecretSuffixes = []string{"_API_KEY", "_TOKEN", "_SECRET", "_PASSWORD"}

// Validator checks planned actions against the immutable rules before the
// executor runs them, and scrubs secrets out of anything headed for the
// logs or the creator.
type Validator struct {
	logger *slog.Logger
	layout *paths.Layout
	audit  AuditProbe
}

// New returns a Validator rooted at the given data layout. audit may be
// nil, in which case the log-availability check is skipped (tests).
func New(logger *slog.Logger, layout *paths.Layout, audit AuditProbe) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		logger: logger.With("component", "safety"),
		layout: layout,
		audit:  audit,
	}
}

// ValidateAction decides whether a planned tool call may run. A nil return
// means go ahead; otherwise the *ViolationError names the rule breached.
func (v *Validator) ValidateAction(tool string, params map[string]any) error {
	if v.audit != nil && !v.audit.Available() {
		return v.block(tool, RuleAllLogged, "audit log unavailable, refusing to act")
	}

	// Scan every string parameter for dangerous intent.
	for key, raw := range params {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		if hits := ScanText(s); len(hits) > 0 {
			return v.block(tool, hits[0].Rule, fmt.Sprintf("parameter %q: %s", key, hits[0].Reason))
		}
		for _, re := range secretLiteralPatterns {
			if re.MatchString(s) {
				return v.block(tool, RuleNoSecretLeak, fmt.Sprintf("parameter %q carries raw credential material", key))
			}
		}
	}

	if fileTools[tool] {
		if err := v.checkFilePath(tool, params); err != nil {
			return err
		}
	}

	if tool == "shell_exec" {
		if err := v.checkShellCommand(tool, params); err != nil {
			return err
		}
	}

	if tool == "self_modify" {
		if err := v.checkSelfModify(tool, params); err != nil {
			return err
		}
	}

	return nil
}

// SanitizeOutput removes credential material from text before it is
// logged, stored, or sent anywhere. Environment secrets are replaced with
// a marker naming the variable; shaped tokens are blanked.
func (v *Validator) SanitizeOutput(text string) string {
	if text == "" {
		return text
	}
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || len(val) < 8 {
			continue
		}
		if !hasSecretSuffix(key) {
			continue
		}
		if strings.Contains(text, val) {
			text = strings.ReplaceAll(text, val, "[REDACTED:"+key+"]")
		}
	}
	for _, re := range secretLiteralPatterns {
		text = re.ReplaceAllString(text, "[REDACTED]")
	}
	return text
}

// CheckSourcePath verifies that a self-update target, given relative to
// the managed source root, is not a protected file.
func (v *Validator) CheckSourcePath(rel string) error {
	clean := filepath.ToSlash(filepath.Clean(strings.TrimPrefix(rel, "/")))
	for _, protected := range protectedSourcePaths {
		if clean == protected || strings.HasPrefix(clean, protected+"/") {
			return v.block("self_modify", RuleNoSelfTamper,
				fmt.Sprintf("protected source path %q", rel))
		}
	}
	return nil
}

func (v *Validator) checkFilePath(tool string, params map[string]any) error {
	raw, ok := params["path"].(string)
	if !ok || raw == "" {
		// Missing path is a schema problem for the tool, not a safety call.
		return nil
	}
	if v.layout == nil {
		return nil
	}
	if _, err := v.layout.Resolve(raw); err != nil {
		return v.block(tool, RuleNoHarm, fmt.Sprintf("path %q escapes the data directory", raw))
	}
	return nil
}

func (v *Validator) checkShellCommand(tool string, params map[string]any) error {
	cmd, ok := params["command"].(string)
	if !ok || cmd == "" {
		return nil
	}
	for _, re := range shellSecretPatterns {
		if re.MatchString(cmd) {
			return v.block(tool, RuleNoSecretLeak, "command reads credential material from the environment")
		}
	}
	return nil
}

func (v *Validator) checkSelfModify(tool string, params map[string]any) error {
	action, _ := params["action"].(string)
	if action != "" && action != "write" && action != "delete" {
		return nil
	}
	raw, ok := params["path"].(string)
	if !ok || raw == "" {
		return nil
	}
	return v.CheckSourcePath(raw)
}

func (v *Validator) block(tool string, rule int, reason string) *ViolationError {
	v.logger.Warn("action blocked",
		"tool", tool,
		"rule", rule,
		"reason", reason)
	return &ViolationError{Rule: rule, Reason: reason}
}

func hasSecretSuffix(key string) bool {
	for _, suffix := range envSecretSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

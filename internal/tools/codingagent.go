package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/ingest"
	"github.com/jarvis-agent/jarvis/internal/llm"
	"github.com/jarvis-agent/jarvis/internal/paths"
	"github.com/jarvis-agent/jarvis/internal/router"
)

const (
	defaultCodingTier  = "coding_level2"
	defaultCodingTurns = 25
	maxCodingTurns     = 100

	// primitiveResultCap bounds what one primitive feeds back into the
	// subagent conversation.
	primitiveResultCap = 8000

	codingShellTimeout = 60 * time.Second
	maxGrepMatches     = 50
)

// ModelCaller is the slice of the router the coding agent needs.
type ModelCaller interface {
	Call(ctx context.Context, req router.Request) (*router.Result, error)
}

// SourceGuard vetoes edits to protected source paths. Satisfied by
// *safety.Validator.
type SourceGuard interface {
	CheckSourcePath(rel string) error
}

// CodingAgent is the subagent behind the coding_agent tool: a bounded
// multi-turn model loop with file editing primitives, driven on the
// coding tiers. Edits inside the live source tree are mirrored into the
// versioned backup so a restart keeps them.
type CodingAgent struct {
	logger    *slog.Logger
	caller    ModelCaller
	guard     SourceGuard
	skills    *ingest.Library
	dataRoot  string
	liveDir   string
	backupDir string
}

// NewCodingAgent builds the subagent. guard and skills may be nil; the
// live directory comes from the self-update configuration and may be
// empty (no source tree to mirror).
func NewCodingAgent(logger *slog.Logger, caller ModelCaller, guard SourceGuard, layout paths.Layout, cfg config.SelfUpdateConfig, skills *ingest.Library) *CodingAgent {
	if logger == nil {
		logger = slog.Default()
	}
	liveDir := cfg.LiveDir
	if liveDir != "" {
		liveDir = filepath.Clean(paths.ExpandHome(liveDir))
	}
	return &CodingAgent{
		logger:    logger.With("component", "coding_agent"),
		caller:    caller,
		guard:     guard,
		skills:    skills,
		dataRoot:  layout.Root(),
		liveDir:   liveDir,
		backupDir: layout.BackupDir(),
	}
}

// CodingOptions tune one run.
type CodingOptions struct {
	SystemPrompt string
	WorkingDir   string
	Tier         string
	MaxTurns     int
	Skills       []string
}

// CodingResult is the outcome of one run.
type CodingResult struct {
	Success       bool     `json:"success"`
	Summary       string   `json:"summary"`
	Turns         int      `json:"turns"`
	FilesModified []string `json:"files_modified,omitempty"`
}

// Run executes one coding task. It returns an error only on context
// cancellation; every other failure mode is reported in the result.
func (a *CodingAgent) Run(ctx context.Context, task string, opts CodingOptions) (*CodingResult, error) {
	tier := opts.Tier
	if tier == "" {
		tier = defaultCodingTier
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultCodingTurns
	}
	if maxTurns > maxCodingTurns {
		maxTurns = maxCodingTurns
	}
	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir = a.liveDir
	}
	if workingDir == "" {
		workingDir = a.dataRoot
	}

	run := &codingRun{agent: a, workingDir: workingDir, modified: make(map[string]bool)}
	if msg := run.checkDir(workingDir); msg != "" {
		return &CodingResult{Success: false, Summary: msg}, nil
	}

	a.logger.Info("coding run started", "tier", tier, "max_turns", maxTurns, "working_dir", workingDir)

	messages := []llm.Message{
		{Role: "system", Content: a.systemPrompt(opts, workingDir)},
		{Role: "user", Content: "## Task\n" + task + "\n\nBegin by exploring the relevant files, then make the changes needed."},
	}

	for turn := 1; turn <= maxTurns; turn++ {
		res, err := a.caller.Call(ctx, router.Request{
			Tier:      tier,
			Purpose:   "coding",
			Messages:  messages,
			Tools:     codingPrimitives(),
			Iteration: IterationFromContext(ctx),
		})
		if err != nil {
			return nil, err
		}
		if res.Degraded {
			return &CodingResult{
				Success:       false,
				Summary:       "no model available for the coding run",
				Turns:         turn,
				FilesModified: run.files(),
			}, nil
		}

		msg := res.Response.Message
		messages = append(messages, msg)

		if len(msg.ToolCalls) == 0 {
			messages = append(messages, llm.Message{
				Role:    "user",
				Content: "Respond with a tool call. Use the done tool when the task is finished.",
			})
			continue
		}

		for _, tc := range msg.ToolCalls {
			name := tc.Function.Name
			args := tc.Function.Arguments

			if name == "done" {
				summary, _ := args["summary"].(string)
				if summary == "" {
					summary = "task completed"
				}
				a.logger.Info("coding run done", "turns", turn, "files_modified", len(run.modified))
				return &CodingResult{
					Success:       true,
					Summary:       summary,
					Turns:         turn,
					FilesModified: run.files(),
				}, nil
			}

			out := run.primitive(ctx, name, args)
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    capString(out, primitiveResultCap),
				ToolCallID: tc.ID,
			})
		}

		// Keep the conversation bounded: system prompt plus the most
		// recent exchanges.
		if len(messages) > 50 {
			trimmed := make([]llm.Message, 0, 41)
			trimmed = append(trimmed, messages[0])
			trimmed = append(trimmed, messages[len(messages)-40:]...)
			messages = trimmed
		}
	}

	a.logger.Warn("coding run hit max turns", "max_turns", maxTurns)
	return &CodingResult{
		Success:       false,
		Summary:       fmt.Sprintf("hit max turns (%d) before done", maxTurns),
		Turns:         maxTurns,
		FilesModified: run.files(),
	}, nil
}

func (a *CodingAgent) systemPrompt(opts CodingOptions, workingDir string) string {
	var sb strings.Builder
	sb.WriteString("You are a coding subagent of Jarvis: a careful, skilled software engineer.\n")
	fmt.Fprintf(&sb, "Working directory: %s\n\n", workingDir)

	if opts.SystemPrompt != "" {
		sb.WriteString("## Additional Instructions\n")
		sb.WriteString(opts.SystemPrompt)
		sb.WriteString("\n\n")
	}

	if a.skills != nil {
		for _, name := range opts.Skills {
			content, err := a.skills.Read(name)
			if err != nil {
				continue
			}
			fmt.Fprintf(&sb, "## Skill: %s\n%s\n\n", name, content)
		}
	}

	sb.WriteString("## Rules\n")
	sb.WriteString("- Use exactly the provided tools; one or more tool calls per turn.\n")
	sb.WriteString("- Read a file before editing it.\n")
	sb.WriteString("- Prefer str_replace for surgical edits; old_string must match the file exactly, whitespace included.\n")
	sb.WriteString("- After changes, validate where possible (run tests or a build via shell).\n")
	sb.WriteString("- You cannot modify the safety rules or the logging setup.\n")
	sb.WriteString("- Finish with the done tool and a clear summary of what changed.\n")
	return sb.String()
}

// codingRun carries the per-run state of the primitive handlers.
type codingRun struct {
	agent      *CodingAgent
	workingDir string
	modified   map[string]bool
}

func (cr *codingRun) files() []string {
	out := make([]string, 0, len(cr.modified))
	for f := range cr.modified {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// primitive dispatches one editing primitive. It never fails the run:
// every problem comes back as a message the model can read and react
// to.
func (cr *codingRun) primitive(ctx context.Context, name string, args map[string]any) string {
	switch name {
	case "read_file":
		return cr.readFile(stringArg(args, "path"), intArg(args, "offset"), intArg(args, "limit"))
	case "write_file":
		return cr.writeFile(stringArg(args, "path"), stringArg(args, "content"))
	case "str_replace":
		return cr.strReplace(stringArg(args, "path"), stringArg(args, "old_string"), stringArg(args, "new_string"))
	case "insert_after":
		return cr.insertAfter(stringArg(args, "path"), stringArg(args, "after"), stringArg(args, "content"))
	case "grep":
		return cr.grep(stringArg(args, "pattern"), stringArg(args, "path"), stringArg(args, "glob"))
	case "list_dir":
		return cr.listDir(stringArg(args, "path"))
	case "shell":
		return cr.shell(ctx, stringArg(args, "command"))
	case "delete_file":
		return cr.deleteFile(stringArg(args, "path"))
	default:
		return fmt.Sprintf("unknown primitive: %s", name)
	}
}

// resolve turns a primitive path into an absolute path inside the
// allowed roots, refusing protected source files. A non-empty second
// return is the refusal message.
func (cr *codingRun) resolve(path string) (string, string) {
	if path == "" {
		return "", "BLOCKED: path is required"
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(cr.workingDir, abs)
	}
	abs = filepath.Clean(abs)

	a := cr.agent
	inside := false
	for _, root := range []string{a.dataRoot, a.liveDir} {
		if root != "" && underRoot(root, abs) {
			inside = true
			break
		}
	}
	if !inside {
		return "", fmt.Sprintf("BLOCKED: path outside allowed roots: %s", path)
	}

	if a.guard != nil {
		for _, root := range []string{a.liveDir, a.backupDir} {
			if root == "" || !underRoot(root, abs) {
				continue
			}
			rel, err := filepath.Rel(root, abs)
			if err != nil {
				continue
			}
			if err := a.guard.CheckSourcePath(filepath.ToSlash(rel)); err != nil {
				return "", fmt.Sprintf("BLOCKED: %v", err)
			}
		}
	}
	return abs, ""
}

func (cr *codingRun) checkDir(dir string) string {
	abs, blocked := cr.resolve(dir)
	if blocked != "" {
		return blocked
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return fmt.Sprintf("working directory not found: %s", dir)
	}
	return ""
}

func (cr *codingRun) readFile(path string, offset, limit int) string {
	abs, blocked := cr.resolve(path)
	if blocked != "" {
		return blocked
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Sprintf("file not found: %s", path)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	total := len(lines)
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= total {
		return fmt.Sprintf("offset %d exceeds file length (%d lines)", offset, total)
	}
	end := total
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] (%d lines)", path, total)
	if start > 0 || end < total {
		fmt.Fprintf(&sb, " showing lines %d-%d", start+1, end)
	}
	sb.WriteString("\n")
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%5d|%s\n", i+1, lines[i])
	}
	return sb.String()
}

func (cr *codingRun) writeFile(path, content string) string {
	abs, blocked := cr.resolve(path)
	if blocked != "" {
		return blocked
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Sprintf("error creating directory: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Sprintf("error writing %s: %v", path, err)
	}
	cr.modified[abs] = true
	cr.agent.mirrorWrite(abs, content)
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path)
}

func (cr *codingRun) strReplace(path, oldString, newString string) string {
	abs, blocked := cr.resolve(path)
	if blocked != "" {
		return blocked
	}
	if oldString == "" {
		return "ERROR: old_string is required"
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Sprintf("file not found: %s", path)
	}
	content := string(data)

	count := strings.Count(content, oldString)
	if count == 0 {
		return fmt.Sprintf("ERROR: old_string not found in %s. It must match exactly, whitespace included.", path)
	}
	newContent := strings.Replace(content, oldString, newString, 1)
	if err := os.WriteFile(abs, []byte(newContent), 0o644); err != nil {
		return fmt.Sprintf("error writing %s: %v", path, err)
	}
	cr.modified[abs] = true
	cr.agent.mirrorWrite(abs, newContent)

	if count > 1 {
		return fmt.Sprintf("WARNING: old_string appears %d times in %s; replaced the first occurrence only. Add surrounding context to target others.", count, path)
	}
	return fmt.Sprintf("replaced in %s (%d chars -> %d chars)", path, len(oldString), len(newString))
}

func (cr *codingRun) insertAfter(path, after, content string) string {
	abs, blocked := cr.resolve(path)
	if blocked != "" {
		return blocked
	}
	if after == "" {
		return "ERROR: after anchor is required"
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Sprintf("file not found: %s", path)
	}
	fileContent := string(data)

	idx := strings.Index(fileContent, after)
	if idx < 0 {
		return fmt.Sprintf("ERROR: anchor string not found in %s", path)
	}
	// Insert after the end of the anchor's line.
	eol := strings.Index(fileContent[idx+len(after):], "\n")
	var insertAt int
	if eol < 0 {
		insertAt = len(fileContent)
	} else {
		insertAt = idx + len(after) + eol
	}
	newContent := fileContent[:insertAt] + "\n" + content + fileContent[insertAt:]
	if err := os.WriteFile(abs, []byte(newContent), 0o644); err != nil {
		return fmt.Sprintf("error writing %s: %v", path, err)
	}
	cr.modified[abs] = true
	cr.agent.mirrorWrite(abs, newContent)
	return fmt.Sprintf("inserted %d chars after anchor in %s", len(content), path)
}

func (cr *codingRun) grep(pattern, path, glob string) string {
	if pattern == "" {
		return "ERROR: pattern is required"
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Sprintf("invalid pattern: %v", err)
	}
	if path == "" {
		path = cr.workingDir
	}
	abs, blocked := cr.resolve(path)
	if blocked != "" {
		return blocked
	}

	var matches []string
	walkErr := filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && d.Name() != "." {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if glob != "" {
			if ok, _ := filepath.Match(glob, d.Name()); !ok {
				return nil
			}
		}
		data, err := os.ReadFile(p)
		if err != nil || !utf8Like(data) {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d:%s", p, i+1, strings.TrimRight(line, "\r")))
				if len(matches) > maxGrepMatches {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Sprintf("grep error: %v", walkErr)
	}
	if len(matches) == 0 {
		return fmt.Sprintf("no matches for %q in %s", pattern, path)
	}
	if len(matches) > maxGrepMatches {
		return strings.Join(matches[:maxGrepMatches], "\n") + fmt.Sprintf("\n... (more matches, showing first %d)", maxGrepMatches)
	}
	return strings.Join(matches, "\n")
}

func (cr *codingRun) listDir(path string) string {
	if path == "" {
		path = cr.workingDir
	}
	abs, blocked := cr.resolve(path)
	if blocked != "" {
		return blocked
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return fmt.Sprintf("not a directory: %s", path)
	}
	if len(entries) == 0 {
		return fmt.Sprintf("[%s] (empty)", path)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s]\n", path)
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&sb, "  [DIR] %s/\n", e.Name())
			continue
		}
		var size int64
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		fmt.Fprintf(&sb, "  %8dB %s\n", size, e.Name())
	}
	return sb.String()
}

func (cr *codingRun) shell(ctx context.Context, command string) string {
	if command == "" {
		return "ERROR: command is required"
	}
	ctx, cancel := context.WithTimeout(ctx, codingShellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cr.workingDir
	out, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("command timed out (%s)", codingShellTimeout)
	}
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return fmt.Sprintf("shell error: %v", err)
		}
	}
	return capString(fmt.Sprintf("[exit code: %d]\n%s", exitCode, strings.TrimSpace(string(out))), primitiveResultCap)
}

func (cr *codingRun) deleteFile(path string) string {
	abs, blocked := cr.resolve(path)
	if blocked != "" {
		return blocked
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return fmt.Sprintf("file not found: %s", path)
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Sprintf("error deleting %s: %v", path, err)
	}
	delete(cr.modified, abs)
	cr.agent.mirrorDelete(abs)
	return fmt.Sprintf("deleted %s", path)
}

// mirrorWrite copies an edit under the live tree into the versioned
// backup, so the change survives the boot protocol's restore. Backup
// failures are logged, never fatal to the run.
func (a *CodingAgent) mirrorWrite(abs, content string) {
	backup, ok := a.backupPathFor(abs)
	if !ok {
		return
	}
	if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
		a.logger.Warn("backup mirror failed", "path", abs, "error", err)
		return
	}
	if err := os.WriteFile(backup, []byte(content), 0o644); err != nil {
		a.logger.Warn("backup mirror failed", "path", abs, "error", err)
	}
}

// mirrorDelete removes the backup copy of a deleted live file; without
// this the next boot would restore it.
func (a *CodingAgent) mirrorDelete(abs string) {
	backup, ok := a.backupPathFor(abs)
	if !ok {
		return
	}
	if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
		a.logger.Warn("backup mirror delete failed", "path", abs, "error", err)
	}
}

func (a *CodingAgent) backupPathFor(abs string) (string, bool) {
	if a.liveDir == "" || !underRoot(a.liveDir, abs) {
		return "", false
	}
	rel, err := filepath.Rel(a.liveDir, abs)
	if err != nil {
		return "", false
	}
	return filepath.Join(a.backupDir, rel), true
}

// codingPrimitives returns the subagent's tool definitions.
func codingPrimitives() []map[string]any {
	fn := func(name, desc string, props map[string]any, required ...string) map[string]any {
		params := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			params["required"] = required
		}
		return map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        name,
				"description": desc,
				"parameters":  params,
			},
		}
	}
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	integer := func(desc string) map[string]any {
		return map[string]any{"type": "integer", "description": desc}
	}

	return []map[string]any{
		fn("read_file", "Read a file with line numbers. Optional offset/limit window.",
			map[string]any{"path": str("File path"), "offset": integer("1-indexed first line"), "limit": integer("Line count")}, "path"),
		fn("write_file", "Create or overwrite a file with the full content.",
			map[string]any{"path": str("File path"), "content": str("Full file content")}, "path", "content"),
		fn("str_replace", "Replace an exact string in a file. old_string must match exactly, whitespace included.",
			map[string]any{"path": str("File path"), "old_string": str("Exact text to find"), "new_string": str("Replacement text")}, "path", "old_string", "new_string"),
		fn("insert_after", "Insert content on a new line after the line containing the anchor string.",
			map[string]any{"path": str("File path"), "after": str("Anchor string"), "content": str("Text to insert")}, "path", "after", "content"),
		fn("grep", "Search files for a regular expression. Returns path:line:text matches.",
			map[string]any{"pattern": str("Regular expression"), "path": str("File or directory to search"), "glob": str("Filename filter, e.g. *.go")}, "pattern"),
		fn("list_dir", "List a directory's entries with sizes.",
			map[string]any{"path": str("Directory path")}),
		fn("shell", "Run a shell command in the working directory. Use for tests and builds.",
			map[string]any{"command": str("Shell command")}, "command"),
		fn("delete_file", "Delete a file.",
			map[string]any{"path": str("File path")}, "path"),
		fn("done", "Finish the task and report what was done.",
			map[string]any{"summary": str("What changed and why")}, "summary"),
	}
}

// SetCodingAgent adds the coding_agent tool.
func (r *Registry) SetCodingAgent(agent *CodingAgent) {
	if agent == nil {
		return
	}

	r.Register(&Tool{
		Name: "coding_agent",
		Description: "Spawn a coding subagent for multi-file code work: building features, refactoring, writing tests, or modifying your own source. " +
			"It has read/write/str_replace/grep/shell primitives and runs until done or max_turns.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "What to build, change or fix. Name the files and the expected behavior.",
				},
				"system_prompt": map[string]any{
					"type":        "string",
					"description": "Extra instructions for the subagent (style, constraints, context)",
				},
				"working_directory": map[string]any{
					"type":        "string",
					"description": "Root directory for the work; defaults to the live source tree",
				},
				"tier": map[string]any{
					"type":        "string",
					"description": "Model tier (default coding_level2)",
				},
				"max_turns": map[string]any{
					"type":        "integer",
					"description": "Maximum editing turns (default 25)",
				},
				"skills": map[string]any{
					"type":        "array",
					"description": "Skill names to preload into the subagent's context",
				},
			},
			"required": []string{"task"},
		},
		Timeout: 10 * time.Minute,
		Tier:    defaultCodingTier,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			task, _ := args["task"].(string)
			if task == "" {
				return "", fmt.Errorf("task is required")
			}
			opts := CodingOptions{
				SystemPrompt: stringArg(args, "system_prompt"),
				WorkingDir:   stringArg(args, "working_directory"),
				Tier:         stringArg(args, "tier"),
				MaxTurns:     intArg(args, "max_turns"),
			}
			if raw, ok := args["skills"].([]any); ok {
				for _, item := range raw {
					if s, ok := item.(string); ok {
						opts.Skills = append(opts.Skills, s)
					}
				}
			}

			res, err := agent.Run(ctx, task, opts)
			if err != nil {
				return "", err
			}
			out, merr := json.MarshalIndent(res, "", "  ")
			if merr != nil {
				return "", merr
			}
			if !res.Success {
				return string(out), fmt.Errorf("%s", res.Summary)
			}
			return string(out), nil
		},
	})
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func capString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[... truncated ...]"
}

// utf8Like filters binary files out of grep: reject anything with a NUL
// in the first kilobyte.
func utf8Like(data []byte) bool {
	n := len(data)
	if n > 1024 {
		n = 1024
	}
	for _, b := range data[:n] {
		if b == 0 {
			return false
		}
	}
	return true
}

// underRoot reports whether abs sits at or below root.
func underRoot(root, abs string) bool {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

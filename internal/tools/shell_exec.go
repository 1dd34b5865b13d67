package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/jarvis-agent/jarvis/internal/config"
)

// blockedAlways is denied in every configuration. Config patterns
// extend this list; nothing removes an entry.
var blockedAlways = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs",
	"dd if=",
	"> /dev/sd",
	"chmod -R 777 /",
	":(){ :|:& };:", // fork bomb
}

const (
	shellOutputCap  = 100 * 1024
	shellTimeoutCap = 5 * time.Minute
)

// ShellExec runs commands through sh -c inside a configured working
// directory. Disabled unless the configuration turns it on.
type ShellExec struct {
	enabled    bool
	workingDir string
	allowed    []string
	denied     []string
	timeout    time.Duration
}

// NewShellExec builds the executor from configuration. Configured deny
// patterns extend the built-in set; they never replace it.
func NewShellExec(cfg config.ShellExecConfig) *ShellExec {
	timeout := time.Duration(cfg.DefaultTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShellExec{
		enabled:    cfg.Enabled,
		workingDir: cfg.WorkingDir,
		allowed:    cfg.AllowedPrefixes,
		denied:     append(slices.Clone(blockedAlways), cfg.DeniedPatterns...),
		timeout:    timeout,
	}
}

// Enabled reports whether shell execution is available.
func (s *ShellExec) Enabled() bool { return s.enabled }

// ExecResult is the structured outcome of one command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Error    string `json:"error,omitempty"`
}

// vet enforces the deny patterns and, when one is configured, the
// prefix allowlist. Deny wins over allow.
func (s *ShellExec) vet(command string) error {
	lower := strings.ToLower(command)
	for _, p := range s.denied {
		if strings.Contains(lower, strings.ToLower(p)) {
			return fmt.Errorf("command matches blocked pattern %q", p)
		}
	}
	if len(s.allowed) == 0 {
		return nil
	}
	ok := slices.ContainsFunc(s.allowed, func(prefix string) bool {
		return strings.HasPrefix(command, prefix)
	})
	if !ok {
		return fmt.Errorf("command does not start with an allowed prefix")
	}
	return nil
}

// Exec runs one command. A non-zero exit is not a Go error; the caller
// reads the result. Errors are reserved for policy refusals.
func (s *ShellExec) Exec(ctx context.Context, command string, timeoutSec int) (*ExecResult, error) {
	if !s.enabled {
		return nil, fmt.Errorf("shell_exec is disabled")
	}
	if err := s.vet(command); err != nil {
		return nil, err
	}

	timeout := s.timeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	timeout = min(timeout, shellTimeoutCap)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.workingDir
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()

	res := &ExecResult{
		Stdout: clip(outBuf.String(), shellOutputCap),
		Stderr: clip(errBuf.String(), shellOutputCap),
	}
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		res.TimedOut = true
		res.ExitCode = -1
		res.Error = "command timed out"
	case runErr == nil:
	default:
		var exit *exec.ExitError
		if errors.As(runErr, &exit) {
			res.ExitCode = exit.ExitCode()
		} else {
			res.ExitCode = -1
			res.Error = runErr.Error()
		}
	}
	return res, nil
}

// SetShellExec adds the shell_exec tool to the registry. The executor's
// enabled flag still gates every call; registering a disabled executor
// keeps the tool visible with a clear refusal.
func (r *Registry) SetShellExec(sh *ShellExec) {
	if sh == nil {
		return
	}

	r.Register(&Tool{
		Name:        "shell_exec",
		Description: "Run a shell command in the configured working directory. Returns stdout, stderr and exit code as JSON.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to run",
				},
				"timeout_seconds": map[string]any{
					"type":        "integer",
					"description": "Override the default timeout (capped at 300)",
				},
			},
			"required": []string{"command"},
		},
		// Above the 5 minute inner cap so the structured timed_out
		// result wins over the registry's own deadline.
		Timeout: shellTimeoutCap + 30*time.Second,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			command, _ := args["command"].(string)
			if command == "" {
				return "", fmt.Errorf("command is required")
			}
			res, err := sh.Exec(ctx, command, intArg(args, "timeout_seconds"))
			if err != nil {
				return "", err
			}
			out, merr := json.Marshal(res)
			if merr != nil {
				return "", merr
			}
			if res.TimedOut {
				return string(out), fmt.Errorf("command timed out")
			}
			if res.ExitCode != 0 {
				return string(out), fmt.Errorf("exit code %d", res.ExitCode)
			}
			return string(out), nil
		},
	})
}

// clip caps s at max bytes, marking the cut.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}

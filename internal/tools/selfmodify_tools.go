package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jarvis-agent/jarvis/internal/selfupdate"
)

// SetSelfUpdater adds the self_modify tool over the versioned source
// backup. Writes become versions that the boot protocol can roll back;
// protected paths are refused by the safety validator both pre-dispatch
// and inside the manager.
func (r *Registry) SetSelfUpdater(mgr *selfupdate.Manager) {
	if mgr == nil {
		return
	}

	r.Register(&Tool{
		Name: "self_modify",
		Description: "Read and modify your own source code. Actions: read (a file), write (propose a change; versioned, revertible), " +
			"list (a directory), log (version history), revert (undo the newest change).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"enum":        []string{"read", "write", "list", "log", "revert"},
					"description": "What to do",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Source path relative to the repository root (read, write, list)",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Full new file content (write)",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "Short description of the change (write)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "How many versions to show (log, default 10)",
				},
			},
			"required": []string{"action"},
		},
		Timeout: 60 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			action, _ := args["action"].(string)
			path, _ := args["path"].(string)

			switch action {
			case "read":
				if path == "" {
					return "", fmt.Errorf("path is required for read")
				}
				return mgr.ReadFile(path)

			case "write":
				content, _ := args["content"].(string)
				if path == "" || content == "" {
					return "", fmt.Errorf("path and content are required for write")
				}
				message, _ := args["message"].(string)
				v, err := mgr.Propose(ctx, selfupdate.Proposal{
					Changes: []selfupdate.Change{{Path: path, Content: content}},
					Message: message,
				})
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("accepted as v%d: %s (takes effect after restart; reverted automatically if the next boot fails)", v.Seq, v.Message), nil

			case "list":
				entries, err := mgr.ListDir(path)
				if err != nil {
					return "", err
				}
				if len(entries) == 0 {
					return "(empty directory)", nil
				}
				var sb strings.Builder
				for _, e := range entries {
					if e.Dir {
						fmt.Fprintf(&sb, "[DIR] %s/\n", e.Name)
					} else {
						fmt.Fprintf(&sb, "%6dB %s\n", e.Size, e.Name)
					}
				}
				return sb.String(), nil

			case "log":
				limit := intArg(args, "limit")
				if limit <= 0 {
					limit = 10
				}
				versions, err := mgr.History(limit)
				if err != nil {
					return "", err
				}
				if len(versions) == 0 {
					return "no versions recorded", nil
				}
				var sb strings.Builder
				for _, v := range versions {
					fmt.Fprintf(&sb, "v%d %s [%s] %s", v.Seq, v.Timestamp.Format("2006-01-02 15:04"), v.Kind, v.Message)
					if len(v.Files) > 0 {
						fmt.Fprintf(&sb, " (%s)", strings.Join(v.Files, ", "))
					}
					sb.WriteString("\n")
				}
				return sb.String(), nil

			case "revert":
				v, err := mgr.RevertLast(ctx)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("reverted v%d: %s", v.Seq, v.Message), nil

			default:
				return "", fmt.Errorf("unknown action %q; use read, write, list, log or revert", action)
			}
		},
	})
}

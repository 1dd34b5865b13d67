package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jarvis-agent/jarvis/internal/ingest"
)

// SetSkillLibrary adds skill_write, skill_read and skill_list over the
// markdown skill library.
func (r *Registry) SetSkillLibrary(lib *ingest.Library) {
	if lib == nil {
		return
	}

	r.Register(&Tool{
		Name:        "skill_write",
		Description: "Create or update a skill: a reusable markdown note of knowledge, patterns or instructions for future work. Start with a # title.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Skill name, e.g. 'go-http-retry-pattern'",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Full markdown content",
				},
			},
			"required": []string{"name", "content"},
		},
		Timeout: 10 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name, _ := args["name"].(string)
			content, _ := args["content"].(string)
			if name == "" || content == "" {
				return "", fmt.Errorf("name and content are required")
			}
			saved, err := lib.Write(ctx, name, content)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("skill %q saved", saved), nil
		},
	})

	r.Register(&Tool{
		Name:        "skill_read",
		Description: "Read a skill's full markdown content by name.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Skill name from skill_list",
				},
			},
			"required": []string{"name"},
		},
		Timeout: 10 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name, _ := args["name"].(string)
			if name == "" {
				return "", fmt.Errorf("name is required")
			}
			return lib.Read(name)
		},
	})

	r.Register(&Tool{
		Name:        "skill_list",
		Description: "List available skills with their titles and summaries.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Timeout: 10 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			skills, err := lib.List()
			if err != nil {
				return "", err
			}
			if len(skills) == 0 {
				return "no skills yet", nil
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "%d skill(s):\n", len(skills))
			for _, s := range skills {
				fmt.Fprintf(&sb, "- %s: %s", s.Name, s.Title)
				if s.Summary != "" {
					fmt.Fprintf(&sb, " (%s)", s.Summary)
				}
				sb.WriteString("\n")
			}
			return sb.String(), nil
		},
	})
}

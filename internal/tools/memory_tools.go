package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jarvis-agent/jarvis/internal/vector"
)

// SetMemoryStore adds memory_write, memory_search and memory_forget
// over the long-term vector store.
func (r *Registry) SetMemoryStore(store *vector.Store) {
	if store == nil {
		return
	}
	r.registerMemoryWrite(store)
	r.registerMemorySearch(store)
	r.registerMemoryForget(store)
}

func (r *Registry) registerMemoryWrite(store *vector.Store) {
	r.Register(&Tool{
		Name:        "memory_write",
		Description: "Store a fact in long-term memory. Near-duplicates reinforce the existing entry instead of adding a new one.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{
					"type":        "string",
					"description": "The fact to remember, as a self-contained sentence or two",
				},
				"importance": map[string]any{
					"type":        "number",
					"description": "0..1, how much this matters long-term (default 0.5)",
				},
				"permanent": map[string]any{
					"type":        "boolean",
					"description": "Exempt from decay and pruning (creator facts, standing instructions)",
				},
				"ttl_hours": map[string]any{
					"type":        "number",
					"description": "Expire after this many hours; omit for the importance-based default",
				},
			},
			"required": []string{"content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			content, _ := args["content"].(string)
			if content == "" {
				return "", fmt.Errorf("content is required")
			}
			importance := 0.5
			if v, ok := args["importance"].(float64); ok && v > 0 {
				importance = min(v, 1.0)
			}
			permanent, _ := args["permanent"].(bool)
			ttl := 0.0
			if v, ok := args["ttl_hours"].(float64); ok {
				ttl = v
			}

			id, deduped, err := store.Add(ctx, content, "agent", importance, permanent, ttl)
			if err != nil {
				return "", err
			}
			if deduped {
				return fmt.Sprintf("reinforced existing memory %s", id), nil
			}
			return fmt.Sprintf("stored memory %s", id), nil
		},
	})
}

func (r *Registry) registerMemorySearch(store *vector.Store) {
	r.Register(&Tool{
		Name:        "memory_search",
		Description: "Search long-term memory by meaning. Returns a JSON array of matches with similarity scores.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "Maximum results (default 5)",
				},
				"threshold": map[string]any{
					"type":        "number",
					"description": "Minimum similarity 0..1 (default 0.3)",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			count := intArg(args, "count")
			if count <= 0 {
				count = 5
			}
			threshold := 0.3
			if v, ok := args["threshold"].(float64); ok && v > 0 {
				threshold = v
			}

			results, err := store.Search(ctx, query, count, threshold)
			if err != nil {
				return "", err
			}
			if len(results) == 0 {
				return "no matching memories", nil
			}

			type hit struct {
				ID         string  `json:"id"`
				Content    string  `json:"content"`
				Similarity float32 `json:"similarity"`
				Importance float64 `json:"importance"`
				Source     string  `json:"source,omitempty"`
				CreatedAt  string  `json:"created_at"`
			}
			hits := make([]hit, 0, len(results))
			for _, res := range results {
				hits = append(hits, hit{
					ID:         res.Entry.ID,
					Content:    res.Entry.Content,
					Similarity: res.Similarity,
					Importance: res.Entry.Importance,
					Source:     res.Entry.Source,
					CreatedAt:  res.Entry.CreatedAt.Format(time.RFC3339),
				})
			}
			out, err := json.Marshal(hits)
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	})
}

func (r *Registry) registerMemoryForget(store *vector.Store) {
	r.Register(&Tool{
		Name:        "memory_forget",
		Description: "Delete memories by id, or every memory from one source. Permanent entries survive source-wide deletes.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Memory id from memory_search",
				},
				"source": map[string]any{
					"type":        "string",
					"description": "Forget all non-permanent entries from this source instead",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["id"].(string)
			source, _ := args["source"].(string)
			switch {
			case id != "":
				if err := store.Forget(ctx, id); err != nil {
					return "", err
				}
				return fmt.Sprintf("forgot memory %s", id), nil
			case source != "":
				n := store.ForgetBySource(ctx, source)
				return fmt.Sprintf("forgot %d memories from source %q", n, source), nil
			default:
				return "", fmt.Errorf("id or source is required")
			}
		},
	})
}

package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jarvis-agent/jarvis/internal/budget"
)

// SetBudgetTracker adds budget_query. Read-only: the cap can only be
// changed through the authenticated API, never by a plan.
func (r *Registry) SetBudgetTracker(tracker *budget.Tracker) {
	if tracker == nil {
		return
	}

	r.Register(&Tool{
		Name:        "budget_query",
		Description: "Check the month's spending, remaining budget, per-provider balances and the recommended model tier.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Timeout: 10 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			snap := tracker.Snapshot()
			out, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	})
}

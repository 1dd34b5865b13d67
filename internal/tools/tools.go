// Package tools defines the capabilities the agent can invoke from a
// plan. Every tool shares one contract: a name, a JSON-schema parameter
// description, a declared timeout, and a handler. Invoke never returns
// a Go error to the caller; failures of any shape (validation, safety,
// timeout, panic, handler error) become a [Result] with Success=false
// so the planning loop always keeps turning.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jarvis-agent/jarvis/internal/safety"
)

// DefaultTimeout bounds tools that do not declare their own.
const DefaultTimeout = 30 * time.Second

// Tool is one named capability.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// Timeout bounds one invocation. Zero means DefaultTimeout.
	Timeout time.Duration `json:"-"`

	// Tier hints which model tier should drive a plan action using this
	// tool when the plan does not say. Empty means the loop default.
	Tier string `json:"tier,omitempty"`

	Handler func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Result is the outcome of one invocation. Output is preserved even on
// failure when the handler produced any, so the agent can read partial
// results (a failing shell command's stderr, for example).
type Result struct {
	Success bool           `json:"success"`
	Output  string         `json:"output"`
	Error   string         `json:"error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// ActionGate validates planned calls before dispatch and scrubs secrets
// from anything a tool produced. Satisfied by *safety.Validator.
type ActionGate interface {
	ValidateAction(tool string, params map[string]any) error
	SanitizeOutput(text string) string
}

// Registry holds the available tools. Registration is append-only: a
// name, once bound, can never be rebound to different behavior, and the
// full set is visible through Names and Schemas.
type Registry struct {
	logger *slog.Logger
	gate   ActionGate

	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry creates a registry holding only the no_op tool. Component
// tools are attached afterwards with the Set* methods. gate may be nil
// in tests; production wiring always passes the safety validator.
func NewRegistry(logger *slog.Logger, gate ActionGate) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger: logger.With("component", "tools"),
		gate:   gate,
		tools:  make(map[string]*Tool),
	}
	r.registerNoOp()
	return r
}

// Register adds a tool. A duplicate name is refused and logged, never
// replaced; whoever registered first wins.
func (r *Registry) Register(t *Tool) {
	if t == nil || t.Name == "" || t.Handler == nil {
		r.logger.Warn("invalid tool registration refused")
		return
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		r.logger.Warn("duplicate tool registration refused", "tool", t.Name)
		return
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	r.logger.Debug("tool registered", "tool", t.Name)
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns all tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Schemas returns every tool as a function-call definition for the LLM,
// in registration order.
func (r *Registry) Schemas() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return out
}

type outcome struct {
	output string
	err    error
}

// Invoke runs one tool call end to end: safety validation, the handler
// under its declared timeout with panic containment, then output
// sanitization. The returned Result carries the failure when anything
// goes wrong.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) Result {
	tool := r.Get(name)
	if tool == nil {
		err := &ErrUnknownTool{Name: name}
		return Result{
			Success: false,
			Error:   err.Error(),
			Meta:    map[string]any{"kind": "validation"},
		}
	}

	if r.gate != nil {
		if err := r.gate.ValidateAction(name, params); err != nil {
			res := Result{
				Success: false,
				Error:   err.Error(),
				Meta:    map[string]any{"kind": "safety_violation"},
			}
			var v *safety.ViolationError
			if errors.As(err, &v) {
				res.Meta["rule"] = v.Rule
			}
			return res
		}
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, tool.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		out, err := tool.Handler(callCtx, params)
		done <- outcome{output: out, err: err}
	}()

	var res Result
	select {
	case <-callCtx.Done():
		res = Result{Success: false, Meta: map[string]any{}}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			res.Error = "timeout"
			res.Meta["kind"] = "tool_timeout"
		} else {
			res.Error = "cancelled"
			res.Meta["kind"] = "tool_failure"
		}
	case o := <-done:
		res = Result{Success: o.err == nil, Output: o.output, Meta: map[string]any{}}
		if o.err != nil {
			res.Error = o.err.Error()
			res.Meta["kind"] = "tool_failure"
		}
	}

	if r.gate != nil {
		res.Output = r.gate.SanitizeOutput(res.Output)
		res.Error = r.gate.SanitizeOutput(res.Error)
	}
	res.Meta["duration_ms"] = time.Since(start).Milliseconds()

	r.logger.Info("tool executed",
		"tool", name,
		"success", res.Success,
		"duration_ms", res.Meta["duration_ms"],
	)
	return res
}

func (r *Registry) registerNoOp() {
	r.Register(&Tool{
		Name:        "no_op",
		Description: "Do nothing this action. Use when the plan needs a placeholder or an explicit decision to wait.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Optional note on why no action is taken.",
				},
			},
		},
		Timeout: 5 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if reason, _ := args["reason"].(string); reason != "" {
				return "no-op: " + reason, nil
			}
			return "no-op", nil
		},
	})
}

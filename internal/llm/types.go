// Package llm holds the provider clients behind the model router:
// Anthropic's Messages API, any OpenAI-compatible chat-completions
// endpoint (OpenAI, xAI, Mistral), and a local Ollama daemon. All
// three normalize into ChatResponse; wire-format conversion stays at
// the provider boundary.
package llm

import (
	"context"
	"time"
)

// Message is one turn of a conversation. Role is user, assistant,
// system, or tool. The JSON tags are Ollama's chat format, which the
// other providers convert from at their boundary.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on role "tool" messages
}

// ToolFunction is the invoked function inside a tool call.
type ToolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCall is a model's request to run one registered tool.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // Provider-assigned (Anthropic needs it for tool_result correlation)
	Function ToolFunction `json:"function"`
}

// ChatResponse is the unified response from any provider. All fields
// use proper Go types; wire conversion happens in the provider files.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Prompt and completion token counts, normalized across providers.
	InputTokens  int
	OutputTokens int

	// Timing (populated when the provider reports it)
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// Client is the interface every provider implements.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable with the configured
	// credentials.
	Ping(ctx context.Context) error
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/httpkit"
)

const (
	anthropicAPIVersion = "2023-06-01"

	// anthropicMaxTokens caps a single completion. Plans and summaries
	// fit comfortably; anything longer indicates a runaway response.
	anthropicMaxTokens = 8192
)

// AnthropicClient speaks the Anthropic Messages API. name tags log
// lines and Failure values so the router can tell tiers apart when
// the same vendor appears in more than one.
type AnthropicClient struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a client. An empty baseURL targets the
// public API; tests point it at a local server.
func NewAnthropicClient(name, apiKey, baseURL string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	// First-byte latency on big plans can run past two minutes, so the
	// header timeout is generous and the overall client timeout is off.
	// Deadlines come from the caller's context.
	tr := httpkit.NewTransport()
	tr.ResponseHeaderTimeout = 2 * time.Minute

	return &AnthropicClient{
		name:       name,
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.With("provider", name),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(tr)),
	}
}

// Wire types for the Messages API.

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

// anthropicMessage content is either a plain string or a slice of
// anthropicContent blocks; the API accepts both.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// anthropicContent is one content block. Which fields are set depends
// on Type: text, tool_use, or tool_result.
type anthropicContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Role         string             `json:"role"`
	Content      []anthropicContent `json:"content"`
	Model        string             `json:"model"`
	StopReason   string             `json:"stop_reason"`
	StopSequence *string            `json:"stop_sequence"`
	Usage        anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// post marshals payload and sends it to /v1/messages with the
// Anthropic auth headers. The caller owns the response body.
func (c *AnthropicClient) post(ctx context.Context, payload anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(body))

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	return c.httpClient.Do(req)
}

// Chat sends a chat completion request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	wireMsgs, system := convertToAnthropic(messages)
	wireTools := convertToolsToAnthropic(tools)

	c.logger.Debug("sending chat request", "model", model,
		"messages", len(wireMsgs), "tools", len(wireTools), "system_len", len(system))

	resp, err := c.post(ctx, anthropicRequest{
		Model:     model,
		Messages:  wireMsgs,
		System:    system,
		MaxTokens: anthropicMaxTokens,
		Tools:     wireTools,
	})
	if err != nil {
		return nil, failTransport(ctx, c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("chat request failed", "status", resp.StatusCode, "body", detail)
		return nil, failStatus(c.name, resp.StatusCode, detail)
	}

	var apiResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, failParse(c.name, fmt.Errorf("decode response body: %w", err))
	}
	result := convertFromAnthropic(&apiResp)

	c.logger.Debug("chat response", "model", result.Model,
		"input_tokens", result.InputTokens, "output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls))
	c.logger.Log(ctx, config.LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

// Ping verifies the API key with a one-token completion on the
// cheapest tier model. Anthropic has no dedicated health endpoint.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	resp, err := c.post(ctx, anthropicRequest{
		Model:     "claude-haiku-35-20241022",
		Messages:  []anthropicMessage{{Role: "user", Content: "hi"}},
		MaxTokens: 1,
	})
	if err != nil {
		return failTransport(ctx, c.name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("api key rejected")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("ping status %d", resp.StatusCode)
	}
	return nil
}

// convertToAnthropic maps internal messages to wire form. System
// messages leave the list and merge into the system prompt; tool
// results ride as user messages with tool_result blocks, which is how
// this API represents them.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var system []string
	var out []anthropicMessage

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "assistant":
			out = append(out, assistantToAnthropic(msg))
		case "tool":
			out = append(out, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		case "user":
			out = append(out, anthropicMessage{Role: "user", Content: msg.Content})
		}
	}

	return out, strings.Join(system, "\n\n")
}

// assistantToAnthropic renders an assistant turn. Plain text stays a
// string; tool calls expand into tool_use blocks with synthesized IDs
// when the original response did not carry one.
func assistantToAnthropic(msg Message) anthropicMessage {
	if len(msg.ToolCalls) == 0 {
		return anthropicMessage{Role: "assistant", Content: msg.Content}
	}

	var blocks []anthropicContent
	if msg.Content != "" {
		blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
	}
	for i, tc := range msg.ToolCalls {
		args := tc.Function.Arguments
		if args == nil {
			args = make(map[string]any)
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
		}
		blocks = append(blocks, anthropicContent{
			Type:  "tool_use",
			ID:    id,
			Name:  tc.Function.Name,
			Input: args,
		})
	}
	return anthropicMessage{Role: "assistant", Content: blocks}
}

// convertToolsToAnthropic reshapes OpenAI-style tool definitions,
// which the registry produces, into Anthropic's flat form.
func convertToolsToAnthropic(tools []map[string]any) []anthropicTool {
	var out []anthropicTool
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)

		schema := fn["parameters"]
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, anthropicTool{Name: name, Description: desc, InputSchema: schema})
	}
	return out
}

// convertFromAnthropic flattens the response blocks: text blocks
// concatenate into the message content, tool_use blocks become tool
// calls.
func convertFromAnthropic(resp *anthropicResponse) *ChatResponse {
	var text strings.Builder
	var calls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args, _ := block.Input.(map[string]any)
			if args == nil {
				args = make(map[string]any)
			}
			calls = append(calls, ToolCall{
				ID:       block.ID,
				Function: ToolFunction{Name: block.Name, Arguments: args},
			})
		}
	}

	return &ChatResponse{
		Model: resp.Model,
		Message: Message{
			Role:      resp.Role,
			Content:   text.String(),
			ToolCalls: calls,
		},
		Done:         true,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/jarvis-agent/jarvis/internal/httpkit"
)

// OllamaClient talks to a local Ollama daemon. It needs no API key
// and serves as the terminal fallback tier: when every hosted
// provider is down or the budget is spent, this one still answers.
type OllamaClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a client for the daemon at baseURL,
// defaulting to the standard local port.
func NewOllamaClient(name, baseURL string, logger *slog.Logger) *OllamaClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", name),
		// CPU inference of a long plan can take minutes.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
	}
}

// ollamaRequest is the /api/chat request body.
type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

// ollamaWireResponse is the raw /api/chat reply. Durations arrive as
// nanosecond integers and the timestamp as an RFC 3339 string;
// toChatResponse converts both.
type ollamaWireResponse struct {
	Model     string  `json:"model"`
	CreatedAt string  `json:"created_at"`
	Message   Message `json:"message"`
	Done      bool    `json:"done"`

	// Counters and timings, present on the final (done) message.
	TotalDuration      int64 `json:"total_duration,omitempty"`
	LoadDuration       int64 `json:"load_duration,omitempty"`
	PromptEvalCount    int   `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64 `json:"prompt_eval_duration,omitempty"`
	EvalCount          int   `json:"eval_count,omitempty"`
	EvalDuration       int64 `json:"eval_duration,omitempty"`
}

func (w *ollamaWireResponse) toChatResponse() *ChatResponse {
	ts, _ := time.Parse(time.RFC3339Nano, w.CreatedAt)
	return &ChatResponse{
		Model:         w.Model,
		CreatedAt:     ts,
		Message:       w.Message,
		Done:          w.Done,
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
	}
}

// Chat sends a chat completion request to the daemon.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	payload, err := json.Marshal(ollamaRequest{
		Model:    model,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, failTransport(ctx, c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, failStatus(c.name, resp.StatusCode, detail)
	}

	var wire ollamaWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, failParse(c.name, fmt.Errorf("decode response body: %w", err))
	}
	out := wire.toChatResponse()
	recoverTextToolCalls(out, tools)

	c.logger.Debug("chat response", "model", out.Model,
		"input_tokens", out.InputTokens, "output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls))
	return out, nil
}

// recoverTextToolCalls handles small models that write their tool
// call as JSON text instead of using the native tool_calls field.
// Only names from the offered tool set are accepted.
func recoverTextToolCalls(resp *ChatResponse, tools []map[string]any) {
	if len(resp.Message.ToolCalls) > 0 || resp.Message.Content == "" {
		return
	}
	if parsed := parseTextToolCalls(resp.Message.Content, extractToolNames(tools)); len(parsed) > 0 {
		resp.Message.ToolCalls = parsed
		resp.Message.Content = ""
	}
}

// extractToolNames pulls the function names out of OpenAI-format tool
// definitions.
func extractToolNames(tools []map[string]any) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, _ := fn["name"].(string); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// parseTextToolCalls recovers tool calls from message text. Accepted
// shapes, all seen in the wild from small instruct models:
//
//	{"name": "...", "arguments": {...}}
//	[{"name": "...", "arguments": {...}}, ...]
//	{...}{...}{...} with optional trailing prose
//	<tool_call>{...}</tool_call>
//	tool_name {"arg": ...}
//
// A non-empty validTools list drops calls naming unknown tools.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	// Models trained on the tagged form wrap the JSON in <tool_call>
	// tags, sometimes with prose before and no closing tag after.
	if _, after, found := strings.Cut(content, "<tool_call>"); found {
		if inner, _, closed := strings.Cut(after, "</tool_call>"); closed {
			content = strings.TrimSpace(inner)
		} else {
			content = strings.TrimSpace(after)
		}
	}

	allowed := func(name string) bool {
		return name != "" && (len(validTools) == 0 || slices.Contains(validTools, name))
	}

	type rawCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	var out []ToolCall
	keep := func(rc rawCall) {
		if allowed(rc.Name) {
			out = append(out, ToolCall{Function: ToolFunction{Name: rc.Name, Arguments: rc.Arguments}})
		}
	}

	// Decode JSON values off the front of the text. Single objects,
	// arrays, and concatenated objects all land here; trailing prose
	// stops the decoder without losing what already parsed.
	dec := json.NewDecoder(strings.NewReader(content))
	for {
		var raw json.RawMessage
		if dec.Decode(&raw) != nil {
			break
		}
		var batch []rawCall
		if json.Unmarshal(raw, &batch) == nil {
			for _, rc := range batch {
				keep(rc)
			}
			continue
		}
		var one rawCall
		if json.Unmarshal(raw, &one) == nil {
			keep(one)
		}
	}
	if len(out) > 0 {
		return out
	}

	// Bare "tool_name {json}" prefix form.
	if name, rest, found := strings.Cut(content, "{"); found && name != "" {
		name = strings.TrimSpace(name)
		if isToolName(name) && allowed(name) {
			var args map[string]any
			if json.NewDecoder(strings.NewReader("{"+rest)).Decode(&args) == nil {
				keep(rawCall{Name: name, Arguments: args})
			}
		}
	}
	return out
}

// isToolName reports whether s looks like a snake_case tool
// identifier rather than prose.
func isToolName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// getJSON performs a GET against an API path, decoding the body into
// out when out is non-nil.
func (c *OllamaClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// Ping reports whether the daemon is up.
func (c *OllamaClient) Ping(ctx context.Context) error {
	return c.getJSON(ctx, "/api/tags", nil)
}

// ListModels returns the models the daemon has pulled.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := c.getJSON(ctx, "/api/tags", &tags); err != nil {
		return nil, err
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

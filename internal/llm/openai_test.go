package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jarvis-agent/jarvis/internal/config"
)

func testProviderConfigs() []config.ProviderConfig {
	return []config.ProviderConfig{
		{Name: "anthropic", Kind: "anthropic", APIKey: "sk-a"},
		{Name: "ollama", Kind: "ollama", BaseURL: "http://localhost:11434"},
		{Name: "grok", Kind: "openai", APIKey: "sk-g", BaseURL: "https://api.x.ai/v1"},
	}
}

func TestConvertToOpenAIEncodesArgumentsAsString(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "search for something"},
		{
			Role: "assistant",
			ToolCalls: []ToolCall{{
				ID:       "call_1",
				Function: ToolFunction{Name: "web_search", Arguments: map[string]any{"query": "golang"}},
			}},
		},
		{Role: "tool", Content: "results here", ToolCallID: "call_1"},
	}

	out := convertToOpenAI(messages)
	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}
	tc := out[1].ToolCalls[0]
	if tc.Type != "function" {
		t.Errorf("type = %q, want function", tc.Type)
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		t.Fatalf("arguments not valid JSON string: %v", err)
	}
	if args["query"] != "golang" {
		t.Errorf("query = %v", args["query"])
	}
	if out[2].ToolCallID != "call_1" {
		t.Errorf("tool_call_id = %q", out[2].ToolCallID)
	}
}

func TestConvertFromOpenAIDecodesArguments(t *testing.T) {
	raw := `{
		"id": "chatcmpl-1",
		"model": "grok-4-1-fast-reasoning",
		"choices": [{
			"index": 0,
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{
					"id": "call_abc",
					"type": "function",
					"function": {"name": "memory_search", "arguments": "{\"query\": \"budget status\"}"}
				}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 50, "completion_tokens": 10}
	}`

	var resp openaiResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	result := convertFromOpenAI(&resp)
	if result.InputTokens != 50 || result.OutputTokens != 10 {
		t.Errorf("usage = %d/%d, want 50/10", result.InputTokens, result.OutputTokens)
	}
	if len(result.Message.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(result.Message.ToolCalls))
	}
	tc := result.Message.ToolCalls[0]
	if tc.Function.Name != "memory_search" {
		t.Errorf("name = %q", tc.Function.Name)
	}
	if tc.Function.Arguments["query"] != "budget status" {
		t.Errorf("query = %v", tc.Function.Arguments["query"])
	}
}

func TestConvertFromOpenAIMalformedArgumentsKeptRaw(t *testing.T) {
	resp := &openaiResponse{Model: "gpt-4o"}
	resp.Choices = append(resp.Choices, struct {
		Index        int           `json:"index"`
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	}{
		Message: openaiMessage{
			Role: "assistant",
			ToolCalls: []openaiToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: openaiToolFunction{Name: "web_search", Arguments: `{"broken`},
			}},
		},
	})

	result := convertFromOpenAI(resp)
	args := result.Message.ToolCalls[0].Function.Arguments
	if args["_raw"] != `{"broken` {
		t.Errorf("malformed arguments not preserved: %v", args)
	}
}

func TestOpenAIChatAgainstMockServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth = %q", got)
		}
		w.Write([]byte(`{
			"model": "mistral-small-latest",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "pong"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 1}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("mistral", "sk-test", srv.URL, nil)
	resp, err := c.Chat(context.Background(), "mistral-small-latest", []Message{{Role: "user", Content: "ping"}}, nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Message.Content != "pong" {
		t.Errorf("content = %q", resp.Message.Content)
	}
}

func TestOpenAIRateLimitFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenAIClient("openai", "sk-test", srv.URL, nil)
	_, err := c.Chat(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("not a Failure: %v", err)
	}
	if f.Kind != FailRateLimit || !f.Retryable() {
		t.Errorf("kind = %s retryable = %v, want rate_limit retryable", f.Kind, f.Retryable())
	}
}

func TestRegistryBuildsClientsByKind(t *testing.T) {
	reg := NewRegistry(testProviderConfigs(), nil)

	if _, ok := reg.Get("anthropic"); !ok {
		t.Error("anthropic client missing")
	}
	if _, ok := reg.Get("ollama"); !ok {
		t.Error("ollama client missing")
	}
	if _, ok := reg.Get("grok"); !ok {
		t.Error("grok (openai-compatible) client missing")
	}
	if _, ok := reg.Get("nonexistent"); ok {
		t.Error("unknown provider should not resolve")
	}

	names := reg.Names()
	if len(names) != 3 {
		t.Fatalf("names = %v, want 3 entries", names)
	}
	if names[0] != "anthropic" {
		t.Errorf("names not sorted: %v", names)
	}
}

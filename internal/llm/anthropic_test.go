package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// Compile-time interface checks for all three providers.
var (
	_ Client = (*AnthropicClient)(nil)
	_ Client = (*OpenAIClient)(nil)
	_ Client = (*OllamaClient)(nil)
)

func TestConvertToAnthropic(t *testing.T) {
	got, system := convertToAnthropic([]Message{
		{Role: "system", Content: "You are an autonomous agent."},
		{Role: "system", Content: "Stay within budget."},
		{Role: "user", Content: "Anything to do?"},
		{Role: "assistant", Content: "Checking now."},
	})

	if want := "You are an autonomous agent.\n\nStay within budget."; system != want {
		t.Errorf("system = %q, want %q", system, want)
	}
	if len(got) != 2 {
		t.Fatalf("messages = %d, want 2 (system turns removed)", len(got))
	}
	if got[0].Role != "user" || got[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", got[0].Role, got[1].Role)
	}
	if got[1].Content != "Checking now." {
		t.Errorf("assistant content = %v", got[1].Content)
	}
}

func TestConvertToAnthropic_ToolExchange(t *testing.T) {
	got, _ := convertToAnthropic([]Message{
		{Role: "user", Content: "Read the config."},
		{
			Role:    "assistant",
			Content: "Reading it.",
			ToolCalls: []ToolCall{
				{ID: "toolu_01", Function: ToolFunction{Name: "file_read", Arguments: map[string]any{"path": "config.yaml"}}},
				{Function: ToolFunction{Name: "no_op"}}, // no provider ID, no args
			},
		},
		{Role: "tool", Content: "listen: :8080", ToolCallID: "toolu_01"},
	})

	if len(got) != 3 {
		t.Fatalf("messages = %d, want 3", len(got))
	}

	blocks, ok := got[1].Content.([]anthropicContent)
	if !ok {
		t.Fatalf("assistant content is %T, want []anthropicContent", got[1].Content)
	}
	if len(blocks) != 3 {
		t.Fatalf("blocks = %d, want text plus two tool_use", len(blocks))
	}
	if blocks[0].Type != "text" || blocks[0].Text != "Reading it." {
		t.Errorf("block 0 = %+v, want the text block first", blocks[0])
	}
	if blocks[1].Type != "tool_use" || blocks[1].ID != "toolu_01" || blocks[1].Name != "file_read" {
		t.Errorf("block 1 = %+v", blocks[1])
	}
	if blocks[2].ID != "toolu_no_op_1" {
		t.Errorf("synthesized ID = %q, want toolu_no_op_1", blocks[2].ID)
	}
	if blocks[2].Input == nil {
		t.Error("nil arguments must become an empty object, the API rejects null input")
	}

	result, ok := got[2].Content.([]anthropicContent)
	if !ok || len(result) != 1 || result[0].Type != "tool_result" {
		t.Fatalf("tool turn = %+v, want one tool_result block", got[2].Content)
	}
	if result[0].ToolUseID != "toolu_01" {
		t.Errorf("tool_use_id = %q, want toolu_01", result[0].ToolUseID)
	}
	if result[0].Content != "listen: :8080" {
		t.Errorf("tool result content = %q", result[0].Content)
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "web_search",
				"description": "Search the web",
				"parameters": map[string]any{
					"type":       "object",
					"properties": map[string]any{"query": map[string]any{"type": "string"}},
					"required":   []string{"query"},
				},
			},
		},
		{"malformed": "no function key"},
		{
			"type":     "function",
			"function": map[string]any{"name": "no_op"}, // schema-less tool
		},
	}

	got := convertToolsToAnthropic(tools)
	if len(got) != 2 {
		t.Fatalf("tools = %d, want 2 (malformed entry skipped)", len(got))
	}
	if got[0].Name != "web_search" || got[0].Description != "Search the web" {
		t.Errorf("tool 0 = %+v", got[0])
	}
	schema, ok := got[0].InputSchema.(map[string]any)
	if !ok || schema["type"] != "object" {
		t.Errorf("schema not carried over: %v", got[0].InputSchema)
	}
	if got[1].InputSchema == nil {
		t.Error("missing parameters must produce an empty object schema")
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	got := convertFromAnthropic(&anthropicResponse{
		Model: "claude-opus-4-6",
		Role:  "assistant",
		Content: []anthropicContent{
			{Type: "text", Text: "Searching "},
			{Type: "text", Text: "the web."},
			{Type: "tool_use", ID: "toolu_9f", Name: "web_search", Input: map[string]any{"query": "sqlite wal"}},
			{Type: "tool_use", ID: "toolu_a0", Name: "no_op", Input: "not-a-map"},
		},
		StopReason: "tool_use",
		Usage:      anthropicUsage{InputTokens: 64, OutputTokens: 12},
	})

	if got.Message.Content != "Searching the web." {
		t.Errorf("content = %q, text blocks should concatenate", got.Message.Content)
	}
	if len(got.Message.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(got.Message.ToolCalls))
	}
	first := got.Message.ToolCalls[0]
	if first.ID != "toolu_9f" || first.Function.Name != "web_search" {
		t.Errorf("first call = %+v", first)
	}
	if first.Function.Arguments["query"] != "sqlite wal" {
		t.Errorf("arguments = %v", first.Function.Arguments)
	}
	if got.Message.ToolCalls[1].Function.Arguments == nil {
		t.Error("non-object input must coerce to empty arguments")
	}
	if !got.Done {
		t.Error("Done = false")
	}
	if got.InputTokens != 64 || got.OutputTokens != 12 {
		t.Errorf("usage = %d/%d, want 64/12", got.InputTokens, got.OutputTokens)
	}
}

func TestAnthropicChatAgainstMockServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-test" {
			t.Errorf("api key header = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("missing anthropic-version header")
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.MaxTokens == 0 {
			t.Error("max_tokens not set")
		}
		json.NewEncoder(w).Encode(anthropicResponse{
			Model: req.Model,
			Role:  "assistant",
			Content: []anthropicContent{
				{Type: "text", Text: `{"thinking": "all quiet", "actions": []}`},
			},
			Usage: anthropicUsage{InputTokens: 100, OutputTokens: 20},
		})
	}))
	defer srv.Close()

	c := NewAnthropicClient("anthropic", "sk-test", srv.URL, nil)
	resp, err := c.Chat(context.Background(), "claude-opus-4-6", []Message{
		{Role: "system", Content: "plan the next step"},
		{Role: "user", Content: "go"},
	}, nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.InputTokens != 100 || resp.OutputTokens != 20 {
		t.Errorf("usage = %d/%d, want 100/20", resp.InputTokens, resp.OutputTokens)
	}
	if resp.Message.Content == "" {
		t.Error("empty content")
	}
}

func TestAnthropicFailureClassification(t *testing.T) {
	cases := []struct {
		status    int
		wantKind  FailureKind
		retryable bool
	}{
		{http.StatusUnauthorized, FailAuth, false},
		{http.StatusTooManyRequests, FailRateLimit, true},
		{http.StatusInternalServerError, FailNetwork, true},
		{http.StatusBadRequest, FailParse, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))

		c := NewAnthropicClient("anthropic", "sk-test", srv.URL, nil)
		_, err := c.Chat(context.Background(), "claude-opus-4-6", []Message{{Role: "user", Content: "hi"}}, nil)
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		var f *Failure
		if !errors.As(err, &f) {
			t.Fatalf("status %d: error is not a Failure: %v", tc.status, err)
		}
		if f.Kind != tc.wantKind {
			t.Errorf("status %d: kind = %s, want %s", tc.status, f.Kind, tc.wantKind)
		}
		if f.Retryable() != tc.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tc.status, f.Retryable(), tc.retryable)
		}
		if f.Provider != "anthropic" {
			t.Errorf("status %d: provider = %s", tc.status, f.Provider)
		}
	}
}

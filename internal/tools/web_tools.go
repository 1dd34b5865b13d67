package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jarvis-agent/jarvis/internal/fetch"
	"github.com/jarvis-agent/jarvis/internal/search"
)

const maxHTTPResponseBytes = 50 * 1024

// SetWebSearch adds the web_search tool backed by the configured search
// provider chain.
func (r *Registry) SetWebSearch(mgr *search.Manager) {
	if mgr == nil {
		return
	}
	r.Register(&Tool{
		Name:        "web_search",
		Description: "Search the web. Returns JSON with the serving provider and {title, url, snippet} results.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query.",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("Number of results, 1-%d. Default %d.", search.MaxLimit, search.DefaultLimit),
				},
			},
			"required": []string{"query"},
		},
		Timeout: 15 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			count := 0
			if c, ok := args["count"].(float64); ok {
				count = int(c)
			}

			results, provider, err := mgr.Search(ctx, query, count)
			if err != nil {
				return "", err
			}
			out, err := json.Marshal(struct {
				Provider string          `json:"provider"`
				Results  []search.Result `json:"results"`
			}{provider, results})
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	})
}

// SetWebFetch adds the web_fetch tool for readable-text extraction.
func (r *Registry) SetWebFetch(f *fetch.Fetcher) {
	if f == nil {
		return
	}
	r.Register(&Tool{
		Name:        "web_fetch",
		Description: "Fetch a URL and extract its readable text as markdown-shaped content. Returns JSON with title, text, and status.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL to fetch.",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("Maximum characters of text to return. Default %d.", fetch.DefaultTextLimit),
				},
			},
			"required": []string{"url"},
		},
		Timeout: 30 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			url, _ := args["url"].(string)
			limit := 0
			if mc, ok := args["max_chars"].(float64); ok {
				limit = int(mc)
			}

			page, err := f.Fetch(ctx, url, limit)
			if err != nil {
				return "", err
			}
			out, err := json.Marshal(page)
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	})
}

// SetHTTPRequest adds the raw http_request tool for API calls that need
// more than readable-page extraction.
func (r *Registry) SetHTTPRequest(client *http.Client) {
	if client == nil {
		return
	}

	r.Register(&Tool{
		Name:        "http_request",
		Description: "Make a raw HTTP request. Use for APIs; use web_fetch for pages. Returns status, content type and body.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Request URL (http or https)",
				},
				"method": map[string]any{
					"type":        "string",
					"description": "HTTP method (default GET)",
				},
				"headers": map[string]any{
					"type":        "object",
					"description": "Request headers as a string-to-string map",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Request body for POST/PUT/PATCH",
				},
			},
			"required": []string{"url"},
		},
		Timeout: 30 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			url, _ := args["url"].(string)
			if url == "" {
				return "", fmt.Errorf("url is required")
			}
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				return "", fmt.Errorf("url must be http or https")
			}

			method, _ := args["method"].(string)
			if method == "" {
				method = http.MethodGet
			}
			method = strings.ToUpper(method)

			var body io.Reader
			if b, _ := args["body"].(string); b != "" {
				body = strings.NewReader(b)
			}

			req, err := http.NewRequestWithContext(ctx, method, url, body)
			if err != nil {
				return "", fmt.Errorf("build request: %w", err)
			}
			if headers, ok := args["headers"].(map[string]any); ok {
				for k, v := range headers {
					if s, ok := v.(string); ok {
						req.Header.Set(k, s)
					}
				}
			}

			resp, err := client.Do(req)
			if err != nil {
				return "", err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes+1))
			if err != nil {
				return "", fmt.Errorf("read response: %w", err)
			}
			truncated := false
			if len(data) > maxHTTPResponseBytes {
				data = data[:maxHTTPResponseBytes]
				truncated = true
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "HTTP %d\n", resp.StatusCode)
			fmt.Fprintf(&sb, "Content-Type: %s\n\n", resp.Header.Get("Content-Type"))
			sb.Write(data)
			if truncated {
				sb.WriteString("\n\n[... response truncated ...]")
			}

			if resp.StatusCode < 200 || resp.StatusCode >= 400 {
				return sb.String(), fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			return sb.String(), nil
		},
	})
}

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jarvis-agent/jarvis/internal/httpkit"
)

// SearXNG queries a self-hosted SearXNG instance over its JSON API.
// The instance must have the json format enabled in its settings.
type SearXNG struct {
	endpoint string
	client   *http.Client
}

// NewSearXNG builds a provider for the instance at baseURL.
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{
		endpoint: strings.TrimRight(baseURL, "/") + "/search",
		client:   httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

func (s *SearXNG) Name() string { return "searxng" }

func (s *SearXNG) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	// SearXNG has no count parameter; it returns a full page of results
	// and we keep the first limit entries.
	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}

	out := make([]Result, 0, limit)
	for _, r := range payload.Results {
		if len(out) == limit {
			break
		}
		out = append(out, Result{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return out, nil
}

// Package fetch turns web pages into text the agent can read. HTML
// comes back as markdown-shaped plain text: headings, list markers,
// code fences, and absolute link targets survive extraction so the
// model can quote structure and follow links with further fetches.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jarvis-agent/jarvis/internal/httpkit"
)

const (
	requestTimeout = 30 * time.Second
	maxBodyBytes   = 5 << 20

	// DefaultTextLimit caps extracted text when the caller sets no limit.
	DefaultTextLimit = 40000
)

// Page is the readable form of a fetched URL.
type Page struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Text        string `json:"text"`
	ContentType string `json:"content_type,omitempty"`
	Status      int    `json:"status"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Fetcher downloads pages and extracts their readable text.
type Fetcher struct {
	client *http.Client
}

// New returns a Fetcher with the standard outbound client.
func New() *Fetcher {
	return &Fetcher{
		client: httpkit.NewClient(httpkit.WithTimeout(requestTimeout)),
	}
}

// Fetch downloads rawURL and extracts readable text. textLimit bounds
// the text in runes; zero or negative means DefaultTextLimit. Non-2xx
// responses still produce a Page (an error page's text is often the
// answer to what went wrong); only transport and binary-content
// failures return an error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, textLimit int) (*Page, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if textLimit <= 0 {
		textLimit = DefaultTextLimit
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "":
		rawURL = "https://" + rawURL
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	page := &Page{
		URL:         rawURL,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}

	switch {
	case strings.Contains(strings.ToLower(page.ContentType), "html"):
		page.Title, page.Text = Readable(string(body))
	case utf8.Valid(body):
		page.Text = string(body)
	default:
		return nil, fmt.Errorf("binary content (%s, %d bytes)", page.ContentType, len(body))
	}

	page.Text, page.Truncated = cutRunes(page.Text, textLimit)
	return page, nil
}

// cutRunes cuts s after max runes without splitting a character.
func cutRunes(s string, max int) (string, bool) {
	n := 0
	for i := range s {
		if n == max {
			return s[:i], true
		}
		n++
	}
	return s, false
}

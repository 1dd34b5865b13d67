// Package embeddings produces the vectors behind long-term memory.
// Three providers: Ollama's embedding API, any OpenAI-compatible
// endpoint, and a deterministic local feature hash that needs no
// external service at all. The local one is the default so a fresh
// install works before any API key exists.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/httpkit"
)

// Client generates embeddings for memory entries and search queries.
// All texts in one store must come from the same provider; mixing
// providers makes similarity scores meaningless.
type Client struct {
	provider string
	baseURL  string
	model    string
	apiKey   string
	http     *http.Client
}

// New creates an embedding client from config. Unknown providers fall
// back to local so memory keeps working on a bad config.
func New(cfg config.EmbeddingsConfig) *Client {
	c := &Client{
		provider: cfg.Provider,
		baseURL:  cfg.BaseURL,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		http:     httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
	}
	if c.model == "" {
		c.model = "nomic-embed-text"
	}
	switch c.provider {
	case "ollama":
		if c.baseURL == "" {
			c.baseURL = "http://localhost:11434"
		}
	case "openai":
		if c.baseURL == "" {
			c.baseURL = "https://api.openai.com/v1"
		}
	default:
		c.provider = "local"
	}
	return c
}

// Provider returns the active provider name.
func (c *Client) Provider() string {
	return c.provider
}

// Wire formats. Ollama embeds one prompt per call; the OpenAI shape
// accepts a batch but we only ever send a single input.
type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type openaiEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Generate returns the embedding for one text.
func (c *Client) Generate(ctx context.Context, text string) ([]float32, error) {
	switch c.provider {
	case "ollama":
		var out ollamaEmbedResponse
		in := ollamaEmbedRequest{Model: c.model, Prompt: text}
		if err := c.postJSON(ctx, c.baseURL+"/api/embeddings", in, &out); err != nil {
			return nil, fmt.Errorf("ollama embedding: %w", err)
		}
		return out.Embedding, nil

	case "openai":
		var out openaiEmbedResponse
		in := openaiEmbedRequest{Model: c.model, Input: []string{text}}
		if err := c.postJSON(ctx, c.baseURL+"/embeddings", in, &out); err != nil {
			return nil, fmt.Errorf("embedding endpoint: %w", err)
		}
		if len(out.Data) == 0 {
			return nil, fmt.Errorf("embedding endpoint returned no data")
		}
		return out.Data[0].Embedding, nil

	default:
		return LocalEmbed(text), nil
	}
}

// postJSON sends one JSON request and decodes the 200 response into
// out. The bearer header is only set when a key is configured, so
// Ollama never sees it.
func (c *Client) postJSON(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("status %d: %s", resp.StatusCode, detail)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// CosineSimilarity compares two vectors. Mismatched or zero vectors
// score 0. Accumulation runs in float64 to keep long float32 vectors
// from drifting.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

package llm

import (
	"log/slog"
	"sort"

	"github.com/jarvis-agent/jarvis/internal/config"
)

// Registry holds one constructed client per configured provider. Tier
// entries name providers explicitly, so lookup is by provider name
// rather than by model.
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds clients for every configured provider. Unknown
// kinds get the OpenAI-compatible client, which is what most vendors
// speak.
func NewRegistry(providers []config.ProviderConfig, logger *slog.Logger) *Registry {
	r := &Registry{clients: make(map[string]Client, len(providers))}
	for _, pc := range providers {
		switch pc.Kind {
		case "anthropic":
			r.clients[pc.Name] = NewAnthropicClient(pc.Name, pc.APIKey, pc.BaseURL, logger)
		case "ollama":
			r.clients[pc.Name] = NewOllamaClient(pc.Name, pc.BaseURL, logger)
		default:
			r.clients[pc.Name] = NewOpenAIClient(pc.Name, pc.APIKey, pc.BaseURL, logger)
		}
	}
	return r
}

// Register adds or replaces a client for a provider name.
func (r *Registry) Register(name string, c Client) {
	r.clients[name] = c
}

// Get returns the client for a provider name.
func (r *Registry) Get(name string) (Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// Names lists registered providers, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

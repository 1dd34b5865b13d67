// Package search gives the agent web search over pluggable backends.
//
// Providers register with a [Manager]; queries go to the configured
// preferred provider first and fall through to the remaining ones when
// it fails, mirroring how LLM calls fall through providers in a tier.
package search

import (
	"context"
	"errors"
	"fmt"
)

const (
	// DefaultLimit is the result count when the caller asks for none.
	DefaultLimit = 5
	// MaxLimit bounds the result count a tool call can request.
	MaxLimit = 10
)

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Provider is a search backend. limit is always in [1, MaxLimit].
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// Manager holds the registered providers in query order.
type Manager struct {
	preferred string
	order     []Provider
}

// New creates a manager that prefers the named provider. Providers are
// added with Register; until the preferred one is registered the
// manager is not Ready.
func New(preferred string) *Manager {
	return &Manager{preferred: preferred}
}

// Register adds a provider. The preferred provider moves to the front
// of the query order; everything else keeps registration order.
func (m *Manager) Register(p Provider) {
	if p.Name() == m.preferred {
		m.order = append([]Provider{p}, m.order...)
		return
	}
	m.order = append(m.order, p)
}

// Ready reports whether the preferred provider has been registered.
func (m *Manager) Ready() bool {
	for _, p := range m.order {
		if p.Name() == m.preferred {
			return true
		}
	}
	return false
}

// Providers lists registered provider names in query order.
func (m *Manager) Providers() []string {
	names := make([]string, len(m.order))
	for i, p := range m.order {
		names[i] = p.Name()
	}
	return names
}

// Search runs the query against the providers in order and returns the
// results plus the name of the provider that served them. A provider
// failure falls through to the next; the error is non-nil only when
// every provider failed.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]Result, string, error) {
	if len(m.order) == 0 {
		return nil, "", fmt.Errorf("no search provider configured")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	var errs []error
	for _, p := range m.order {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		results, err := p.Search(ctx, query, limit)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		return results, p.Name(), nil
	}
	return nil, "", errors.Join(errs...)
}

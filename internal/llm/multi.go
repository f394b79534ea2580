package llm

import (
	"context"
	"fmt"
	"slices"
)

// MultiClient sends each request to the provider its model is routed
// to. Unrouted models go to the fallback provider.
type MultiClient struct {
	providers map[string]Client
	routes    map[string]string // model → provider
	fallback  string
}

// NewMultiClient creates an empty router. fallback names the provider
// for unrouted models; it may be empty.
func NewMultiClient(fallback string) *MultiClient {
	return &MultiClient{
		providers: make(map[string]Client),
		routes:    make(map[string]string),
		fallback:  fallback,
	}
}

// AddProvider registers a client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.providers[name] = client
}

// Route sends model to provider, which must already be registered.
func (m *MultiClient) Route(model, provider string) error {
	if _, ok := m.providers[provider]; !ok {
		return fmt.Errorf("model %s: provider %s is not configured", model, provider)
	}
	m.routes[model] = provider
	return nil
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Chat sends req to the provider routed for req.Model.
func (m *MultiClient) Chat(ctx context.Context, req Request) (*Response, error) {
	provider, ok := m.routes[req.Model]
	if !ok {
		provider = m.fallback
	}
	client := m.providers[provider]
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", req.Model)
	}
	return client.Chat(ctx, req)
}

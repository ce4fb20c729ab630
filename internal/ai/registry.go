package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry resolves a provider by name. The default entry is what the
// narrator uses when nothing else is asked for.
type Registry struct {
	mu           sync.RWMutex
	factories    map[string]ProviderFactory
	defaultName  string
	defaultModel string
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) SetDefault(name, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultName = strings.ToLower(strings.TrimSpace(name))
	r.defaultModel = model
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, model)
}

func (r *Registry) Default(ctx context.Context) (Provider, error) {
	r.mu.RLock()
	name, model := r.defaultName, r.defaultModel
	r.mu.RUnlock()
	if name == "" {
		return nil, fmt.Errorf("no default ai provider configured")
	}
	return r.Get(ctx, name, model)
}

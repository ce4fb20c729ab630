package ai

import (
	"context"
	"strings"

	"github.com/suPer8Hu/phantom-rooms/internal/config"
)

// FromConfig registers every provider the config knows about and makes
// cfg.AIProvider the default. model arguments left empty fall back to the
// configured model of that provider.
func FromConfig(cfg config.Config) *Registry {
	reg := NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		return NewOllamaProvider(cfg.OllamaBaseURL, orDefault(model, cfg.OllamaModel)), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (Provider, error) {
		return NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey,
			orDefault(model, cfg.OpenRouterModel), cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	reg.Register("ark", func(ctx context.Context, model string) (Provider, error) {
		return NewArkProvider(ctx, ArkConfig{
			BaseURL: cfg.ArkBaseURL,
			Region:  cfg.ArkRegion,
			APIKey:  cfg.ArkAPIKey,
			Model:   orDefault(model, cfg.ArkModel),
		})
	})

	name := cfg.AIProvider
	if name == "" {
		name = "openrouter"
	}
	reg.SetDefault(name, "")
	return reg
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nvollmar/marginalia/internal/config"
)

// Router selects the provider client for a request based on the engine
// config. Selection is the router's only job: retry, fallback, and
// degradation policy belong to callers.
type Router struct {
	clients map[string]Client
}

// NewRouter creates a router with both wire families registered.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		clients: map[string]Client{
			config.ProviderGemini: NewGeminiClient(logger),
			config.ProviderOpenAI: NewOpenAIClient(logger),
		},
	}
}

// clientFor returns the client for the configured provider.
func (r *Router) clientFor(cfg config.EngineConfig) (Client, error) {
	client, ok := r.clients[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	return client, nil
}

// Dispatch routes a generation request to the configured provider.
func (r *Router) Dispatch(ctx context.Context, cfg config.EngineConfig, req Request) (string, error) {
	client, err := r.clientFor(cfg)
	if err != nil {
		return "", err
	}
	return client.Generate(ctx, cfg, req)
}

// ListModels routes a model-listing request to the configured provider.
func (r *Router) ListModels(ctx context.Context, cfg config.EngineConfig) ([]string, error) {
	client, err := r.clientFor(cfg)
	if err != nil {
		return nil, err
	}
	return client.ListModels(ctx, cfg)
}

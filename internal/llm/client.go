package llm

import (
	"context"

	"github.com/nvollmar/marginalia/internal/config"
)

// Client is the interface both wire families implement. Connection
// settings arrive with every call: the engine config is a copy-on-write
// value owned by the caller, never ambient state inside this package.
type Client interface {
	// Generate sends a completion request and returns the raw generated
	// text. An empty string with a nil error means the provider answered
	// but produced no usable content; callers decide how to degrade.
	Generate(ctx context.Context, cfg config.EngineConfig, req Request) (string, error)

	// ListModels returns the model identifiers the endpoint advertises.
	ListModels(ctx context.Context, cfg config.EngineConfig) ([]string, error)
}

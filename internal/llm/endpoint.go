package llm

import (
	"net/url"
	"strings"

	"github.com/nvollmar/marginalia/internal/config"
)

// Provider default base URLs, used when the engine config leaves the
// base URL empty.
const (
	defaultGeminiBase = "https://generativelanguage.googleapis.com"
	defaultOpenAIBase = "https://api.openai.com"
)

// Endpoint is a fully resolved request target: final URL plus the
// headers the provider family expects.
type Endpoint struct {
	URL     string
	Headers map[string]string
}

// normalizeBase trims trailing slashes and substitutes the family
// default when the configured base is empty.
func normalizeBase(base, fallback string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = fallback
	}
	return strings.TrimRight(base, "/")
}

// withQueryKey adds key as the "key" query parameter, replacing any
// existing value so repeated resolution never duplicates it.
func withQueryKey(rawURL, key string) string {
	if key == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("key", key)
	u.RawQuery = q.Encode()
	return u.String()
}

// GeminiGenerateEndpoint resolves the Family A short-completion URL.
// Users sometimes paste a base URL that already carries the versioned
// path or the full method suffix; every segment is appended only when
// absent so resolution is idempotent.
//
// The API key travels both as a query parameter and as a header —
// gateway deployments differ on which one they honor.
func GeminiGenerateEndpoint(cfg config.EngineConfig, model string) Endpoint {
	base := normalizeBase(cfg.BaseURL, defaultGeminiBase)

	u := base
	if !strings.Contains(u, "/v1beta") && !strings.HasSuffix(u, "/v1") {
		u += "/v1beta"
	}
	if !strings.Contains(u, "/models/") {
		u += "/models/" + model
	}
	if !strings.Contains(u, ":generateContent") {
		u += ":generateContent"
	}
	u = withQueryKey(u, cfg.APIKey)

	headers := map[string]string{"Content-Type": "application/json"}
	if cfg.APIKey != "" {
		headers["x-goog-api-key"] = cfg.APIKey
	}
	return Endpoint{URL: u, Headers: headers}
}

// GeminiModelsEndpoint resolves the Family A model-listing URL.
func GeminiModelsEndpoint(cfg config.EngineConfig) Endpoint {
	base := normalizeBase(cfg.BaseURL, defaultGeminiBase)

	u := base
	if !strings.Contains(u, "/v1beta") && !strings.HasSuffix(u, "/v1") {
		u += "/v1beta"
	}
	if !strings.HasSuffix(u, "/models") {
		u += "/models"
	}
	u = withQueryKey(u, cfg.APIKey)

	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["x-goog-api-key"] = cfg.APIKey
	}
	return Endpoint{URL: u, Headers: headers}
}

// OpenAIChatEndpoint resolves the Family B chat-completion URL. The
// result carries exactly one "/v1" and one "/chat/completions" segment
// no matter how much of the path the configured base already includes.
// Auth is a bearer header only.
func OpenAIChatEndpoint(cfg config.EngineConfig) Endpoint {
	base := normalizeBase(cfg.BaseURL, defaultOpenAIBase)

	u := base
	if !strings.Contains(u, "/v1") {
		u += "/v1"
	}
	if !strings.Contains(u, "/chat/completions") {
		u += "/chat/completions"
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	return Endpoint{URL: u, Headers: headers}
}

// OpenAIModelsEndpoint resolves the Family B model-listing URL.
func OpenAIModelsEndpoint(cfg config.EngineConfig) Endpoint {
	base := normalizeBase(cfg.BaseURL, defaultOpenAIBase)

	u := strings.TrimSuffix(base, "/chat/completions")
	if !strings.Contains(u, "/v1") {
		u += "/v1"
	}
	if !strings.HasSuffix(u, "/models") {
		u += "/models"
	}

	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	return Endpoint{URL: u, Headers: headers}
}

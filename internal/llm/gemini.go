package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nvollmar/marginalia/internal/config"
	"github.com/nvollmar/marginalia/internal/httpkit"
)

// GeminiClient speaks the Family A wire protocol: content parts with
// user/model roles and a separate systemInstruction field.
type GeminiClient struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGeminiClient creates a Family A client. Connection settings are
// not bound here; they arrive with each call.
func NewGeminiClient(logger *slog.Logger) *GeminiClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiClient{
		logger: logger.With("provider", "gemini"),
		// No global timeout — rely on ctx deadlines for slow generations.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	}
}

// Gemini request/response types

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

type geminiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// toGeminiContents converts abstract turns to the Family A shape. Roles
// pass through unchanged: Family A natively uses user/model.
func toGeminiContents(turns []Turn) []geminiContent {
	contents := make([]geminiContent, 0, len(turns))
	for _, t := range turns {
		contents = append(contents, geminiContent{
			Role:  t.Role,
			Parts: []geminiPart{{Text: t.Text}},
		})
	}
	return contents
}

// Generate sends a completion request and returns the first candidate's
// text. A response with no candidates yields an empty string, not an
// error — the caller owns the degradation policy.
func (c *GeminiClient) Generate(ctx context.Context, cfg config.EngineConfig, req Request) (string, error) {
	model := req.Opts.Model
	if model == "" {
		model = cfg.Model
	}

	temp := req.Opts.Temperature
	if temp == nil {
		temp = &cfg.Temperature
	}

	body := geminiRequest{
		Contents: toGeminiContents(req.Turns),
		GenerationConfig: &geminiGenConfig{
			Temperature: temp,
		},
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if req.Opts.JSON {
		body.GenerationConfig.ResponseMimeType = "application/json"
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := GeminiGenerateEndpoint(cfg, model)

	c.logger.Debug("preparing request",
		"model", model,
		"turns", len(req.Turns),
		"json_mode", req.Opts.JSON,
		"system_len", len(req.System),
	)
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	raw, err := c.post(ctx, endpoint, jsonData)
	if err != nil {
		return "", err
	}

	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	text := ""
	if len(resp.Candidates) > 0 && len(resp.Candidates[0].Content.Parts) > 0 {
		text = resp.Candidates[0].Content.Parts[0].Text
	}

	c.logger.Log(ctx, config.LevelTrace, "response content", "content", text)
	return text, nil
}

// ListModels returns the model names the endpoint advertises, with the
// "models/" prefix stripped.
func (c *GeminiClient) ListModels(ctx context.Context, cfg config.EngineConfig) ([]string, error) {
	endpoint := GeminiModelsEndpoint(cfg)

	httpReq, err := http.NewRequestWithContext(ctx, "GET", endpoint.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range endpoint.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		names = append(names, trimModelPrefix(m.Name))
	}
	return names, nil
}

func (c *GeminiClient) post(ctx context.Context, endpoint Endpoint, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range endpoint.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return raw, nil
}

// apiError converts a non-2xx response into a *ProviderError, pulling
// the provider's own message field out of the body when present.
func (c *GeminiClient) apiError(resp *http.Response) error {
	body := httpkit.ReadErrorBody(resp.Body, 4096)
	msg := ""
	var envelope geminiErrorEnvelope
	if err := json.Unmarshal([]byte(body), &envelope); err == nil {
		msg = envelope.Error.Message
	}
	c.logger.Error("API error", "status", resp.StatusCode, "message", msg)
	return &ProviderError{Provider: "gemini", Status: resp.StatusCode, Message: msg}
}

// trimModelPrefix strips the "models/" path prefix the listing
// endpoint includes on every name.
func trimModelPrefix(name string) string {
	const prefix = "models/"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return name[len(prefix):]
	}
	return name
}

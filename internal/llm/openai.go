package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nvollmar/marginalia/internal/config"
	"github.com/nvollmar/marginalia/internal/httpkit"
)

// OpenAIClient speaks the Family B wire protocol: a flat message array
// with system/user/assistant roles. It works against any
// OpenAI-compatible endpoint (OpenAI itself, local gateways, proxies).
type OpenAIClient struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a Family B client.
func NewOpenAIClient(logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		logger: logger.With("provider", "openai"),
		// No global timeout — rely on ctx deadlines for slow generations.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	}
}

// OpenAI request/response types

type openaiRequest struct {
	Model          string          `json:"model"`
	Messages       []openaiMessage `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *openaiRespFmt  `json:"response_format,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRespFmt struct {
	Type string `json:"type"`
}

type openaiResponse struct {
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
}

type openaiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// toOpenAIMessages flattens an abstract conversation to the Family B
// shape: the system instruction becomes the leading message and the
// model role is remapped to assistant. When JSON output is required and
// the system text never says so, the instruction is amended — some
// compatible endpoints reject json_object mode unless the word "JSON"
// appears in a message, and others ignore the flag entirely.
func toOpenAIMessages(turns []Turn, system string, jsonMode bool) []openaiMessage {
	msgs := make([]openaiMessage, 0, len(turns)+1)

	if system != "" {
		if jsonMode && !strings.Contains(strings.ToUpper(system), "JSON") {
			system += "\n\nRespond with valid JSON only."
		}
		msgs = append(msgs, openaiMessage{Role: "system", Content: system})
	}

	for _, t := range turns {
		role := t.Role
		if role == RoleModel {
			role = "assistant"
		}
		msgs = append(msgs, openaiMessage{Role: role, Content: t.Text})
	}
	return msgs
}

// Generate sends a chat completion request and returns the first
// choice's content. An empty choices list yields an empty string.
func (c *OpenAIClient) Generate(ctx context.Context, cfg config.EngineConfig, req Request) (string, error) {
	model := req.Opts.Model
	if model == "" {
		model = cfg.Model
	}

	temp := req.Opts.Temperature
	if temp == nil {
		temp = &cfg.Temperature
	}

	body := openaiRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req.Turns, req.System, req.Opts.JSON),
		Temperature: temp,
	}
	if req.Opts.JSON {
		body.ResponseFormat = &openaiRespFmt{Type: "json_object"}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := OpenAIChatEndpoint(cfg)

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(body.Messages),
		"json_mode", req.Opts.JSON,
	)
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint.URL, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	for k, v := range endpoint.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.apiError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var parsed openaiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	text := ""
	if len(parsed.Choices) > 0 {
		text = parsed.Choices[0].Message.Content
	}

	c.logger.Log(ctx, config.LevelTrace, "response content", "content", text)
	return text, nil
}

// ListModels returns the identifiers under data[].id.
func (c *OpenAIClient) ListModels(ctx context.Context, cfg config.EngineConfig) ([]string, error) {
	endpoint := OpenAIModelsEndpoint(cfg)

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
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, 0, len(result.Data))
	for _, m := range result.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

// apiError converts a non-2xx response into a *ProviderError with the
// provider's error message when the body carries one.
func (c *OpenAIClient) apiError(resp *http.Response) error {
	body := httpkit.ReadErrorBody(resp.Body, 4096)
	msg := ""
	var envelope openaiErrorEnvelope
	if err := json.Unmarshal([]byte(body), &envelope); err == nil {
		msg = envelope.Error.Message
	}
	c.logger.Error("API error", "status", resp.StatusCode, "message", msg)
	return &ProviderError{Provider: "openai", Status: resp.StatusCode, Message: msg}
}

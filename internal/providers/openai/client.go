// Package openai implements the provider contracts against the OpenAI HTTP
// API: chat completions with function calling, batch embeddings, and
// Whisper transcription.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"
	"time"

	"herobot/internal/providers"
)

const providerName = "openai"

type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

// New builds a client for one resolved provider/model/credential triple.
// The client is immutable; a fresh one is constructed per request from bot
// configuration.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: openai", providers.ErrMissingCredential)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg}, nil
}

var (
	_ providers.ChatService      = (*Client)(nil)
	_ providers.EmbeddingService = (*Client)(nil)
	_ providers.SpeechService    = (*Client)(nil)
)

func (c *Client) Provider() string { return providerName }
func (c *Client) Model() string    { return c.cfg.Model }

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (c *Client) Generate(ctx context.Context, req providers.ChatRequest) (providers.ChatResult, error) {
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := map[string]any{"role": m.Role, "content": m.Content}
		if m.Role == providers.RoleTool && m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		if m.Role == providers.RoleAssistant && len(m.ToolCalls) > 0 {
			msg["tool_calls"] = encodeToolCalls(m.ToolCalls)
		}
		messages = append(messages, msg)
	}

	payload := map[string]any{
		"model":                 c.cfg.Model,
		"messages":              messages,
		"temperature":           1,
		"max_completion_tokens": 1000,
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		payload["tools"] = tools
		payload["tool_choice"] = "auto"
	}

	body, err := c.postJSON(ctx, "/chat/completions", payload)
	if err != nil {
		return providers.ChatResult{}, err
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content   *string        `json:"content"`
				ToolCalls []wireToolCall `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.ChatResult{}, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return providers.ChatResult{}, fmt.Errorf("chat completion: %w", providers.ErrMalformedResponse)
	}

	msg := resp.Choices[0].Message
	result := providers.ChatResult{
		Usage: providers.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if msg.Content != nil {
		result.Content = *msg.Content
	}
	for _, tc := range msg.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, providers.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if msg.Content == nil && len(result.ToolCalls) == 0 {
		return providers.ChatResult{}, fmt.Errorf("chat completion: %w", providers.ErrMalformedResponse)
	}
	return result, nil
}

func (c *Client) Embed(ctx context.Context, texts []string) (providers.EmbedResult, error) {
	body, err := c.postJSON(ctx, "/embeddings", map[string]any{
		"model": c.cfg.Model,
		"input": texts,
	})
	if err != nil {
		return providers.EmbedResult{}, err
	}

	var resp struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
		Usage struct {
			PromptTokens int64 `json:"prompt_tokens"`
			TotalTokens  int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.EmbedResult{}, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return providers.EmbedResult{}, fmt.Errorf("embedding: %w", providers.ErrMalformedResponse)
	}

	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	vectors := make([][]float64, 0, len(resp.Data))
	for _, d := range resp.Data {
		vectors = append(vectors, d.Embedding)
	}
	return providers.EmbedResult{
		Vectors: vectors,
		Usage: providers.TokenUsage{
			InputTokens: resp.Usage.PromptTokens,
			TotalTokens: resp.Usage.TotalTokens,
		},
	}, nil
}

func (c *Client) Transcribe(ctx context.Context, audioB64, mimeType, language string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(stripDataURLPrefix(audioB64))
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64 audio data", providers.ErrTranscriptionFailed)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "audio."+extensionForMime(mimeType))
	if err != nil {
		return "", fmt.Errorf("%w: %v", providers.ErrTranscriptionFailed, err)
	}
	if _, err := part.Write(raw); err != nil {
		return "", fmt.Errorf("%w: %v", providers.ErrTranscriptionFailed, err)
	}
	_ = w.WriteField("model", c.cfg.Model)
	if language != "" {
		_ = w.WriteField("language", language)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", providers.ErrTranscriptionFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("%w: %v", providers.ErrTranscriptionFailed, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	body, err := c.do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", providers.ErrTranscriptionFailed, err)
	}

	var resp struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Text == "" {
		return "", fmt.Errorf("%w: unusable transcription payload", providers.ErrTranscriptionFailed)
	}
	return resp.Text, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read openai response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &providers.ProviderError{Provider: providerName, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func encodeToolCalls(calls []providers.ToolCall) []map[string]any {
	out := make([]map[string]any, 0, len(calls))
	for _, tc := range calls {
		out = append(out, map[string]any{
			"id":   tc.ID,
			"type": "function",
			"function": map[string]any{
				"name":      tc.Name,
				"arguments": tc.Arguments,
			},
		})
	}
	return out
}

func stripDataURLPrefix(s string) string {
	if strings.HasPrefix(s, "data:") {
		if idx := strings.Index(s, ";base64,"); idx >= 0 {
			return s[idx+len(";base64,"):]
		}
	}
	return s
}

func extensionForMime(mimeType string) string {
	switch mimeType {
	case "audio/mp3", "audio/mpeg":
		return "mp3"
	case "audio/wav":
		return "wav"
	case "audio/ogg":
		return "ogg"
	case "audio/m4a":
		return "m4a"
	case "audio/webm":
		return "webm"
	default:
		return "mp3"
	}
}

// Package gemini implements the provider contracts against the Google
// Generative Language API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"herobot/internal/providers"
)

const providerName = "gemini"

type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: gemini", providers.ErrMissingCredential)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
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

type part map[string]any

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

func (c *Client) Generate(ctx context.Context, req providers.ChatRequest) (providers.ChatResult, error) {
	var system []string
	var contents []content

	// Tool result turns carry only the call id; recover the function name
	// from the preceding assistant turn that issued the call.
	nameByCallID := map[string]string{}
	for _, m := range req.Messages {
		for _, tc := range m.ToolCalls {
			nameByCallID[tc.ID] = tc.Name
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case providers.RoleSystem:
			system = append(system, m.Content)
		case providers.RoleAssistant:
			parts := make([]part, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				parts = append(parts, part{"text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = map[string]any{}
				}
				parts = append(parts, part{"functionCall": map[string]any{"name": tc.Name, "args": args}})
			}
			contents = append(contents, content{Role: "model", Parts: parts})
		case providers.RoleTool:
			contents = append(contents, content{Role: "user", Parts: []part{{
				"functionResponse": map[string]any{
					"name":     nameByCallID[m.ToolCallID],
					"response": map[string]any{"content": m.Content},
				},
			}}})
		default:
			contents = append(contents, content{Role: "user", Parts: []part{{"text": m.Content}}})
		}
	}

	if req.MediaData != "" && len(contents) > 0 {
		last := &contents[len(contents)-1]
		if last.Role == "user" {
			last.Parts = append(last.Parts, part{"inline_data": map[string]any{
				"mime_type": req.MediaMime,
				"data":      req.MediaData,
			}})
		}
	}

	payload := map[string]any{
		"contents": contents,
		"generationConfig": map[string]any{
			"temperature":     1,
			"maxOutputTokens": 1000,
		},
	}
	if len(system) > 0 && req.MediaData == "" {
		payload["system_instruction"] = content{Parts: []part{{"text": strings.Join(system, "\n\n")}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			})
		}
		payload["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	body, err := c.postJSON(ctx, fmt.Sprintf("/models/%s:generateContent", c.cfg.Model), payload)
	if err != nil {
		return providers.ChatResult{}, err
	}

	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text         string `json:"text"`
					FunctionCall *struct {
						Name string          `json:"name"`
						Args json.RawMessage `json:"args"`
					} `json:"functionCall"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int64 `json:"promptTokenCount"`
			CandidatesTokenCount int64 `json:"candidatesTokenCount"`
			TotalTokenCount      int64 `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.ChatResult{}, fmt.Errorf("decode generateContent response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return providers.ChatResult{}, fmt.Errorf("generateContent: %w", providers.ErrMalformedResponse)
	}

	result := providers.ChatResult{
		Usage: providers.TokenUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		},
	}
	var texts []string
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.FunctionCall != nil {
			args := string(p.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			// The API has no call ids; mint one so tool turns can refer back.
			result.ToolCalls = append(result.ToolCalls, providers.ToolCall{
				ID:        "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
				Name:      p.FunctionCall.Name,
				Arguments: args,
			})
			continue
		}
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	result.Content = strings.Join(texts, "")
	if result.Content == "" && len(result.ToolCalls) == 0 {
		return providers.ChatResult{}, fmt.Errorf("generateContent: %w", providers.ErrMalformedResponse)
	}
	return result, nil
}

func (c *Client) Embed(ctx context.Context, texts []string) (providers.EmbedResult, error) {
	requests := make([]map[string]any, 0, len(texts))
	var chars int
	for _, t := range texts {
		chars += len(t)
		requests = append(requests, map[string]any{
			"model":   "models/" + c.cfg.Model,
			"content": content{Parts: []part{{"text": t}}},
		})
	}

	body, err := c.postJSON(ctx, fmt.Sprintf("/models/%s:batchEmbedContents", c.cfg.Model), map[string]any{
		"requests": requests,
	})
	if err != nil {
		return providers.EmbedResult{}, err
	}

	var resp struct {
		Embeddings []struct {
			Values []float64 `json:"values"`
		} `json:"embeddings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.EmbedResult{}, fmt.Errorf("decode batchEmbedContents response: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return providers.EmbedResult{}, fmt.Errorf("batchEmbedContents: %w", providers.ErrMalformedResponse)
	}

	vectors := make([][]float64, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		vectors = append(vectors, e.Values)
	}
	// The endpoint reports no usage; estimate input tokens from text length.
	est := int64((chars + 3) / 4)
	return providers.EmbedResult{
		Vectors: vectors,
		Usage:   providers.TokenUsage{InputTokens: est, TotalTokens: est},
	}, nil
}

func (c *Client) Transcribe(ctx context.Context, audioB64, mimeType, language string) (string, error) {
	prompt := "Transcribe this audio exactly as spoken. Reply with the transcription only."
	if language != "" {
		prompt = fmt.Sprintf("Transcribe this audio exactly as spoken, in %s. Reply with the transcription only.", language)
	}

	payload := map[string]any{
		"contents": []content{{Role: "user", Parts: []part{
			{"text": prompt},
			{"inline_data": map[string]any{"mime_type": mimeType, "data": audioB64}},
		}}},
	}
	body, err := c.postJSON(ctx, fmt.Sprintf("/models/%s:generateContent", c.cfg.Model), payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", providers.ErrTranscriptionFailed, err)
	}

	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", providers.ErrTranscriptionFailed, err)
	}
	var texts []string
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
	}
	out := strings.TrimSpace(strings.Join(texts, ""))
	if out == "" {
		return "", fmt.Errorf("%w: empty transcription", providers.ErrTranscriptionFailed)
	}
	return out, nil
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
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read gemini response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &providers.ProviderError{Provider: providerName, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"herobot/internal/providers"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, APIKey: "test-key", Model: "gemini-2.5-flash"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{Model: "gemini-2.5-flash"}); !errors.Is(err, providers.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}

func TestGenerateMapsRoles(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-2.5-flash:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "test-key" {
			t.Errorf("unexpected key header %q", got)
		}
		var payload struct {
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"system_instruction"`
			Contents []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text             string         `json:"text"`
					FunctionResponse map[string]any `json:"functionResponse"`
				} `json:"parts"`
			} `json:"contents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload.SystemInstruction == nil || payload.SystemInstruction.Parts[0].Text != "be helpful" {
			t.Errorf("missing system instruction: %+v", payload.SystemInstruction)
		}
		if len(payload.Contents) != 3 {
			t.Fatalf("expected 3 contents, got %d", len(payload.Contents))
		}
		if payload.Contents[0].Role != "user" || payload.Contents[1].Role != "model" {
			t.Errorf("unexpected roles %q %q", payload.Contents[0].Role, payload.Contents[1].Role)
		}
		fr := payload.Contents[2].Parts[0].FunctionResponse
		if fr == nil || fr["name"] != "get_weather" {
			t.Errorf("tool turn not mapped to functionResponse: %+v", fr)
		}
		w.Write([]byte(`{
			"candidates":[{"content":{"parts":[{"text":"sunny in Oslo"}]}}],
			"usageMetadata":{"promptTokenCount":20,"candidatesTokenCount":5,"totalTokenCount":25}
		}`))
	})

	res, err := c.Generate(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "be helpful"},
			{Role: providers.RoleUser, Content: "weather?"},
			{Role: providers.RoleAssistant, ToolCalls: []providers.ToolCall{
				{ID: "call_abc", Name: "get_weather", Arguments: `{"city":"Oslo"}`},
			}},
			{Role: providers.RoleTool, ToolCallID: "call_abc", Content: `{"success":true}`},
		},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Content != "sunny in Oslo" {
		t.Fatalf("unexpected content %q", res.Content)
	}
	if res.Usage.InputTokens != 20 || res.Usage.OutputTokens != 5 {
		t.Fatalf("unexpected usage %+v", res.Usage)
	}
}

func TestGenerateFunctionCall(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Tools []struct {
				FunctionDeclarations []map[string]any `json:"functionDeclarations"`
			} `json:"tools"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if len(payload.Tools) != 1 || len(payload.Tools[0].FunctionDeclarations) != 1 {
			t.Errorf("tool declarations missing: %+v", payload.Tools)
		}
		w.Write([]byte(`{
			"candidates":[{"content":{"parts":[
				{"functionCall":{"name":"get_weather","args":{"city":"Oslo"}}}
			]}}],
			"usageMetadata":{"promptTokenCount":15,"candidatesTokenCount":8,"totalTokenCount":23}
		}`))
	})

	res, err := c.Generate(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "weather?"}},
		Tools: []providers.ToolSpec{{
			Name:       "get_weather",
			Parameters: json.RawMessage(`{"type":"object","properties":{}}`),
		}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(res.ToolCalls))
	}
	tc := res.ToolCalls[0]
	if tc.Name != "get_weather" {
		t.Fatalf("unexpected name %q", tc.Name)
	}
	if !strings.HasPrefix(tc.ID, "call_") {
		t.Fatalf("expected synthetic call id, got %q", tc.ID)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil || args["city"] != "Oslo" {
		t.Fatalf("unexpected arguments %q", tc.Arguments)
	}
}

func TestGenerateOmitsSystemWithMedia(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if _, ok := payload["system_instruction"]; ok {
			t.Error("system_instruction should be omitted when media is attached")
		}
		if !strings.Contains(string(payload["contents"]), "inline_data") {
			t.Error("inline media missing from contents")
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"a photo of a cat"}]}}],"usageMetadata":{}}`))
	})

	res, err := c.Generate(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "be helpful"},
			{Role: providers.RoleUser, Content: "what is this?"},
		},
		MediaData: "aW1hZ2VieXRlcw==",
		MediaMime: "image/jpeg",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Content != "a photo of a cat" {
		t.Fatalf("unexpected content %q", res.Content)
	}
}

func TestGenerateProviderError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"message":"key invalid"}}`))
	})
	_, err := c.Generate(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	var pe *providers.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Provider != "gemini" || pe.Status != http.StatusForbidden {
		t.Fatalf("unexpected provider error %+v", pe)
	}
}

func TestEmbed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":batchEmbedContents") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var payload struct {
			Requests []json.RawMessage `json:"requests"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if len(payload.Requests) != 2 {
			t.Errorf("expected 2 requests, got %d", len(payload.Requests))
		}
		w.Write([]byte(`{"embeddings":[{"values":[0.1,0.2]},{"values":[0.3,0.4]}]}`))
	})

	res, err := c.Embed(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(res.Vectors) != 2 || res.Vectors[1][1] != 0.4 {
		t.Fatalf("unexpected vectors %+v", res.Vectors)
	}
	if res.Usage.InputTokens == 0 {
		t.Fatal("expected estimated input tokens")
	}
}

func TestTranscribe(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Contents []struct {
				Parts []map[string]any `json:"parts"`
			} `json:"contents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if len(payload.Contents) != 1 || len(payload.Contents[0].Parts) != 2 {
			t.Errorf("expected prompt plus audio part: %+v", payload.Contents)
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hello world"}]}}]}`))
	})

	text, err := c.Transcribe(context.Background(), "b2dnYnl0ZXM=", "audio/ogg", "en")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected text %q", text)
	}
}

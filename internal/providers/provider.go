// Package providers defines the uniform contracts the pipeline uses to talk
// to chat, embedding and speech-to-text backends, plus the typed errors the
// orchestrator dispatches on.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

var (
	// ErrMissingCredential is returned at client construction when neither a
	// bot-level override nor a global key is configured for the provider.
	ErrMissingCredential = errors.New("provider api key not configured")

	// ErrMalformedResponse marks a 2xx payload that carries neither content
	// nor tool calls.
	ErrMalformedResponse = errors.New("provider response has no content or tool calls")

	// ErrTranscriptionFailed wraps speech-to-text failures.
	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")
)

// ProviderError carries a non-2xx backend status and its raw body. The body
// is logged, never shown to end users.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s request failed with status %d", e.Provider, e.Status)
}

// Message is one turn in the conversation sent to a chat backend.
type Message struct {
	Role       string
	Content    string
	ToolCallID string     // set on tool turns
	ToolCalls  []ToolCall // set on assistant turns that requested tools
}

// ToolCall is a backend's request to invoke a tool. Arguments is the raw
// JSON object the model produced.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec describes one tool offered to the model. Parameters is a JSON
// Schema object (type/properties/required subset).
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// TokenUsage is the token accounting a backend reports per call.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// Add accumulates usage across calls in the same request.
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.TotalTokens += o.TotalTokens
}

type ChatRequest struct {
	Messages  []Message
	MediaData string // base64, optional
	MediaMime string
	Tools     []ToolSpec
}

type ChatResult struct {
	Content   string
	ToolCalls []ToolCall
	Usage     TokenUsage
}

type EmbedResult struct {
	Vectors [][]float64
	Usage   TokenUsage
}

// ChatService generates a completion for an ordered message sequence.
type ChatService interface {
	Generate(ctx context.Context, req ChatRequest) (ChatResult, error)
	Provider() string
	Model() string
}

// EmbeddingService embeds one or more texts in a single round trip,
// preserving input order.
type EmbeddingService interface {
	Embed(ctx context.Context, texts []string) (EmbedResult, error)
	Provider() string
	Model() string
}

// SpeechService transcribes base64-encoded audio.
type SpeechService interface {
	Transcribe(ctx context.Context, audioB64, mimeType, language string) (string, error)
	Provider() string
	Model() string
}

// Package registry resolves which backend serves each capability (chat,
// embedding, speech) for a given bot and constructs immutable per-request
// clients. Bots may override the platform defaults per capability and may
// bring their own API keys.
package registry

import (
	"fmt"
	"net/http"

	"herobot/internal/providers"
	"herobot/internal/providers/gemini"
	"herobot/internal/providers/openai"
)

type Config struct {
	DefaultChatRef      string
	DefaultEmbeddingRef string
	DefaultSpeechRef    string
	OpenAIKey           string
	GeminiKey           string
	OpenAIBaseURL       string
	GeminiBaseURL       string
	HTTPClient          *http.Client
}

// Overrides carries one bot's per-capability settings. Empty fields fall
// back to the platform defaults. Keys must already be decrypted.
type Overrides struct {
	ChatRef      string
	EmbeddingRef string
	SpeechRef    string
	OpenAIKey    string
	GeminiKey    string
}

// BotServices is the fully resolved service selection for one request.
type BotServices struct {
	Chat      providers.ServiceRef
	Embedding providers.ServiceRef
	Speech    providers.ServiceRef

	openAIKey    string
	geminiKey    string
	customOpenAI bool
	customGemini bool
}

// UsesCustomKeys reports whether every resolved capability runs on keys the
// bot owner supplied. Usage on customer keys is not billed.
func (s BotServices) UsesCustomKeys() bool {
	used := map[string]bool{
		s.Chat.Provider:      true,
		s.Embedding.Provider: true,
		s.Speech.Provider:    true,
	}
	if used[providers.ProviderOpenAI] && !s.customOpenAI {
		return false
	}
	if used[providers.ProviderGemini] && !s.customGemini {
		return false
	}
	return true
}

type Registry struct {
	defaults   Overrides
	openAIKey  string
	geminiKey  string
	openAIBase string
	geminiBase string
	httpClient *http.Client
}

func New(cfg Config) (*Registry, error) {
	for name, ref := range map[string]string{
		"chat":      cfg.DefaultChatRef,
		"embedding": cfg.DefaultEmbeddingRef,
		"speech":    cfg.DefaultSpeechRef,
	} {
		if _, err := providers.ParseServiceRef(ref); err != nil {
			return nil, fmt.Errorf("default %s ref: %w", name, err)
		}
	}
	return &Registry{
		defaults: Overrides{
			ChatRef:      cfg.DefaultChatRef,
			EmbeddingRef: cfg.DefaultEmbeddingRef,
			SpeechRef:    cfg.DefaultSpeechRef,
		},
		openAIKey:  cfg.OpenAIKey,
		geminiKey:  cfg.GeminiKey,
		openAIBase: cfg.OpenAIBaseURL,
		geminiBase: cfg.GeminiBaseURL,
		httpClient: cfg.HTTPClient,
	}, nil
}

// Resolve merges a bot's overrides with the platform defaults. Malformed
// override refs fail the request rather than silently falling back.
func (r *Registry) Resolve(o Overrides) (BotServices, error) {
	pick := func(override, fallback string) string {
		if override != "" {
			return override
		}
		return fallback
	}

	chat, err := providers.ParseServiceRef(pick(o.ChatRef, r.defaults.ChatRef))
	if err != nil {
		return BotServices{}, fmt.Errorf("chat ref: %w", err)
	}
	embedding, err := providers.ParseServiceRef(pick(o.EmbeddingRef, r.defaults.EmbeddingRef))
	if err != nil {
		return BotServices{}, fmt.Errorf("embedding ref: %w", err)
	}
	speech, err := providers.ParseServiceRef(pick(o.SpeechRef, r.defaults.SpeechRef))
	if err != nil {
		return BotServices{}, fmt.Errorf("speech ref: %w", err)
	}

	svc := BotServices{
		Chat:      chat,
		Embedding: embedding,
		Speech:    speech,
		openAIKey: r.openAIKey,
		geminiKey: r.geminiKey,
	}
	if o.OpenAIKey != "" {
		svc.openAIKey = o.OpenAIKey
		svc.customOpenAI = true
	}
	if o.GeminiKey != "" {
		svc.geminiKey = o.GeminiKey
		svc.customGemini = true
	}
	return svc, nil
}

func (r *Registry) Chat(svc BotServices) (providers.ChatService, error) {
	switch svc.Chat.Provider {
	case providers.ProviderOpenAI:
		return openai.New(openai.Config{
			BaseURL:    r.openAIBase,
			APIKey:     svc.openAIKey,
			Model:      svc.Chat.Model,
			HTTPClient: r.httpClient,
		})
	case providers.ProviderGemini:
		return gemini.New(gemini.Config{
			BaseURL:    r.geminiBase,
			APIKey:     svc.geminiKey,
			Model:      svc.Chat.Model,
			HTTPClient: r.httpClient,
		})
	default:
		return nil, fmt.Errorf("unsupported chat provider %q", svc.Chat.Provider)
	}
}

func (r *Registry) Embedding(svc BotServices) (providers.EmbeddingService, error) {
	switch svc.Embedding.Provider {
	case providers.ProviderOpenAI:
		return openai.New(openai.Config{
			BaseURL:    r.openAIBase,
			APIKey:     svc.openAIKey,
			Model:      svc.Embedding.Model,
			HTTPClient: r.httpClient,
		})
	case providers.ProviderGemini:
		return gemini.New(gemini.Config{
			BaseURL:    r.geminiBase,
			APIKey:     svc.geminiKey,
			Model:      svc.Embedding.Model,
			HTTPClient: r.httpClient,
		})
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", svc.Embedding.Provider)
	}
}

func (r *Registry) Speech(svc BotServices) (providers.SpeechService, error) {
	switch svc.Speech.Provider {
	case providers.ProviderOpenAI:
		return openai.New(openai.Config{
			BaseURL:    r.openAIBase,
			APIKey:     svc.openAIKey,
			Model:      svc.Speech.Model,
			HTTPClient: r.httpClient,
		})
	case providers.ProviderGemini:
		return gemini.New(gemini.Config{
			BaseURL:    r.geminiBase,
			APIKey:     svc.geminiKey,
			Model:      svc.Speech.Model,
			HTTPClient: r.httpClient,
		})
	default:
		return nil, fmt.Errorf("unsupported speech provider %q", svc.Speech.Provider)
	}
}

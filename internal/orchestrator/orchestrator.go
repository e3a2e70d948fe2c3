// Package orchestrator runs the conversational pipeline: gate on credits,
// transcribe audio, retrieve knowledge, call the model with tools, execute
// at most one tool round, format the reply for the channel and settle usage.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"herobot/internal/crypto"
	"herobot/internal/estimator"
	"herobot/internal/format"
	"herobot/internal/knowledge"
	"herobot/internal/metrics"
	"herobot/internal/providers"
	"herobot/internal/providers/registry"
	"herobot/internal/storage"
	"herobot/internal/tools"
)

// ErrBotInactive is returned for messages addressed to a disabled bot.
var ErrBotInactive = errors.New("bot is not active")

// EditionCloud is the platform-hosted deployment mode. Credit gating and
// usage settlement only apply here; self-hosted installs bring their own
// provider billing.
const EditionCloud = "cloud"

// InsufficientCreditsError aborts the pipeline before any provider call.
type InsufficientCreditsError struct {
	TeamID    int64
	Estimated float64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("team %d has insufficient credits for estimated cost %.2f", e.TeamID, e.Estimated)
}

// Inbound is one user message to process.
type Inbound struct {
	BotID     int64
	SessionID string
	Channel   string
	Sender    string
	Text      string
	MediaData string // base64, optional
	MediaMime string
}

// Reply is the formatted response for the channel.
type Reply struct {
	Text          string
	Transcription string
}

// ServiceResolver picks backends and builds per-request clients.
type ServiceResolver interface {
	Resolve(o registry.Overrides) (registry.BotServices, error)
	Chat(svc registry.BotServices) (providers.ChatService, error)
	Embedding(svc registry.BotServices) (providers.EmbeddingService, error)
	Speech(svc registry.BotServices) (providers.SpeechService, error)
}

// Retriever finds relevant knowledge chunks, degrading to nil on failure.
type Retriever interface {
	Retrieve(ctx context.Context, botID int64, query string, embedder providers.EmbeddingService) ([]knowledge.Chunk, providers.TokenUsage)
}

// ToolRunner executes one tool call and returns its JSON result.
type ToolRunner interface {
	Execute(ctx context.Context, tool storage.Tool, botID int64, argsJSON string) (string, error)
}

// Biller gates on and settles credit usage.
type Biller interface {
	HasCredits(ctx context.Context, teamID int64, estimatedCredits float64) (bool, error)
	RecordModelUsage(ctx context.Context, teamID, botID int64, provider, model, operation string, usage providers.TokenUsage, elapsed time.Duration, now time.Time) error
}

type Config struct {
	Store        *storage.Store
	Registry     ServiceResolver
	Retriever    Retriever
	Tools        ToolRunner
	Ledger       Biller
	Crypto       *crypto.Manager
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	HistoryLimit int
	Edition      string
}

type Orchestrator struct {
	store        *storage.Store
	registry     ServiceResolver
	retriever    Retriever
	tools        ToolRunner
	ledger       Biller
	crypto       *crypto.Manager
	metrics      *metrics.Metrics
	log          zerolog.Logger
	historyLimit int
	edition      string
}

func New(cfg Config) *Orchestrator {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 5
	}
	if cfg.Edition == "" {
		cfg.Edition = EditionCloud
	}
	return &Orchestrator{
		store:        cfg.Store,
		registry:     cfg.Registry,
		retriever:    cfg.Retriever,
		tools:        cfg.Tools,
		ledger:       cfg.Ledger,
		crypto:       cfg.Crypto,
		metrics:      m,
		log:          cfg.Logger.With().Str("component", "orchestrator").Logger(),
		historyLimit: cfg.HistoryLimit,
		edition:      cfg.Edition,
	}
}

func (o *Orchestrator) Process(ctx context.Context, in Inbound) (Reply, error) {
	bot, err := o.store.GetBot(ctx, in.BotID)
	if err != nil {
		return Reply{}, fmt.Errorf("load bot %d: %w", in.BotID, err)
	}
	if !bot.Active {
		return Reply{}, ErrBotInactive
	}

	svc, err := o.resolveServices(bot)
	if err != nil {
		return Reply{}, err
	}
	billable := o.edition == EditionCloud && !svc.UsesCustomKeys()

	activeTools, err := o.store.ListActiveToolsByBot(ctx, bot.ID)
	if err != nil {
		return Reply{}, fmt.Errorf("list tools: %w", err)
	}
	specs, toolsByName, err := tools.BuildSpecs(activeTools)
	if err != nil {
		return Reply{}, fmt.Errorf("build tool specs: %w", err)
	}

	history, err := o.store.RecentMessages(ctx, bot.ID, in.SessionID, uint64(o.historyLimit))
	if err != nil {
		return Reply{}, fmt.Errorf("load history: %w", err)
	}

	vectorCount, err := o.store.CountVectorsByBot(ctx, bot.ID)
	if err != nil {
		return Reply{}, fmt.Errorf("count knowledge: %w", err)
	}
	hasKnowledge := vectorCount > 0
	hasAudio := strings.HasPrefix(in.MediaMime, "audio/")

	if billable {
		if err := o.gate(ctx, bot, svc, in, history, specs, hasKnowledge, hasAudio); err != nil {
			return Reply{}, err
		}
	}

	reply := Reply{}
	userText := strings.TrimSpace(in.Text)
	if userText == "" && in.MediaData != "" {
		userText = defaultPromptForMime(in.MediaMime)
	}
	attachMedia := in.MediaData != ""
	if hasAudio {
		// Transcription failure is non-fatal: the audio stays attached and
		// the pipeline continues with whatever text it has.
		text, err := o.transcribe(ctx, bot, svc, in, billable)
		if err != nil {
			o.log.Warn().Err(err).Int64("bot_id", bot.ID).Msg("transcription failed")
		} else {
			userText = strings.TrimRight(userText, " \n") + "\n\n[Audio transcription: " + text + "]"
			reply.Transcription = text
			attachMedia = false
		}
	}

	var chunks []knowledge.Chunk
	if hasKnowledge && userText != "" {
		chunks = o.retrieve(ctx, bot, svc, userText, billable)
	}

	messages := o.buildMessages(bot, chunks, history, userText)

	chat, err := o.registry.Chat(svc)
	if err != nil {
		return Reply{}, fmt.Errorf("chat client: %w", err)
	}

	req := providers.ChatRequest{Messages: messages, Tools: specs}
	if attachMedia {
		req.MediaData = in.MediaData
		req.MediaMime = in.MediaMime
	}

	userTurn := newTurn(bot.ID, in.SessionID, providers.Message{Role: providers.RoleUser, Content: userText})
	userTurn.Sender = in.Sender
	o.appendTurn(ctx, userTurn)

	genStart := time.Now()
	result, err := chat.Generate(ctx, req)
	if err != nil {
		return Reply{}, fmt.Errorf("generate: %w", err)
	}
	o.metrics.ProviderCalls.Inc()
	totalUsage := result.Usage

	if len(result.ToolCalls) > 0 {
		var roundTurns []providers.Message
		roundTurns, result, err = o.runToolRound(ctx, bot, chat, req, result, toolsByName)
		if err != nil {
			return Reply{}, err
		}
		totalUsage.Add(result.Usage)
		for _, turn := range roundTurns {
			o.appendTurn(ctx, newTurn(bot.ID, in.SessionID, turn))
		}
	}

	// The assistant turn stores the channel-formatted text; the model's
	// pre-format output is kept alongside it for history replay.
	reply.Text = format.Convert(result.Content, bot.ChannelFormat)
	finalTurn := newTurn(bot.ID, in.SessionID, providers.Message{Role: providers.RoleAssistant, Content: reply.Text})
	raw := result.Content
	finalTurn.RawContent = &raw
	o.appendTurn(ctx, finalTurn)

	o.settle(ctx, bot, chat, "chat", totalUsage, time.Since(genStart), billable)
	return reply, nil
}

func defaultPromptForMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "Please respond based on the attached image."
	case strings.HasPrefix(mime, "audio/"):
		return "Please respond based on the attached audio."
	case strings.HasPrefix(mime, "video/"):
		return "Please respond based on the attached video."
	default:
		return "Please respond based on the attached document."
	}
}

func (o *Orchestrator) resolveServices(bot storage.Bot) (registry.BotServices, error) {
	overrides := registry.Overrides{
		ChatRef:      bot.ChatRef,
		EmbeddingRef: bot.EmbeddingRef,
		SpeechRef:    bot.SpeechRef,
	}
	if o.crypto != nil {
		var err error
		if overrides.OpenAIKey, err = o.decryptOptional(bot.EncOpenAIKey); err != nil {
			return registry.BotServices{}, fmt.Errorf("decrypt openai key: %w", err)
		}
		if overrides.GeminiKey, err = o.decryptOptional(bot.EncGeminiKey); err != nil {
			return registry.BotServices{}, fmt.Errorf("decrypt gemini key: %w", err)
		}
	}
	svc, err := o.registry.Resolve(overrides)
	if err != nil {
		return registry.BotServices{}, fmt.Errorf("resolve services: %w", err)
	}
	return svc, nil
}

func (o *Orchestrator) decryptOptional(raw *string) (string, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return "", nil
	}
	return o.crypto.UnmarshalEncryptedString(*raw)
}

func (o *Orchestrator) gate(ctx context.Context, bot storage.Bot, svc registry.BotServices, in Inbound, history []storage.ChatMessage, specs []providers.ToolSpec, hasKnowledge, hasAudio bool) error {
	historyTexts := make([]string, 0, len(history))
	for _, h := range history {
		historyTexts = append(historyTexts, h.Content)
	}
	toolsJSON := ""
	for _, s := range specs {
		toolsJSON += s.Name + s.Description + string(s.Parameters)
	}

	estimated := estimator.Credits(estimator.Input{
		Provider:     svc.Chat.Provider,
		Model:        svc.Chat.Model,
		Message:      in.Text,
		SystemPrompt: bot.SystemPrompt,
		History:      historyTexts,
		ToolsJSON:    toolsJSON,
		HasAudio:     hasAudio,
		HasKnowledge: hasKnowledge,
		HasTools:     len(specs) > 0,
	})

	ok, err := o.ledger.HasCredits(ctx, bot.TeamID, estimated)
	if err != nil {
		return fmt.Errorf("credit gate: %w", err)
	}
	if !ok {
		o.metrics.InsufficientCredits.Inc()
		return &InsufficientCreditsError{TeamID: bot.TeamID, Estimated: estimated}
	}
	return nil
}

func (o *Orchestrator) transcribe(ctx context.Context, bot storage.Bot, svc registry.BotServices, in Inbound, billable bool) (string, error) {
	speech, err := o.registry.Speech(svc)
	if err != nil {
		return "", fmt.Errorf("speech client: %w", err)
	}
	start := time.Now()
	text, err := speech.Transcribe(ctx, in.MediaData, in.MediaMime, bot.Language)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	o.metrics.ProviderCalls.Inc()

	if billable {
		// The transcription endpoint reports no token usage; settle with the
		// same flat figure the estimator uses.
		usage := providers.TokenUsage{InputTokens: 500, TotalTokens: 500}
		if err := o.ledger.RecordModelUsage(ctx, bot.TeamID, bot.ID, speech.Provider(), speech.Model(), "transcription", usage, time.Since(start), time.Now()); err != nil {
			o.log.Error().Err(err).Int64("team_id", bot.TeamID).Msg("settle transcription")
		}
	}
	return text, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, bot storage.Bot, svc registry.BotServices, query string, billable bool) []knowledge.Chunk {
	embedder, err := o.registry.Embedding(svc)
	if err != nil {
		o.log.Error().Err(err).Int64("bot_id", bot.ID).Msg("embedding client")
		return nil
	}
	start := time.Now()
	chunks, usage := o.retriever.Retrieve(ctx, bot.ID, query, embedder)
	if billable && usage.TotalTokens > 0 {
		if err := o.ledger.RecordModelUsage(ctx, bot.TeamID, bot.ID, embedder.Provider(), embedder.Model(), "embedding", usage, time.Since(start), time.Now()); err != nil {
			o.log.Error().Err(err).Int64("team_id", bot.TeamID).Msg("settle embedding")
		}
	}
	return chunks
}

func (o *Orchestrator) buildMessages(bot storage.Bot, chunks []knowledge.Chunk, history []storage.ChatMessage, userText string) []providers.Message {
	messages := make([]providers.Message, 0, len(history)+3)
	if strings.TrimSpace(bot.SystemPrompt) != "" {
		messages = append(messages, providers.Message{Role: providers.RoleSystem, Content: bot.SystemPrompt})
	}
	if block := knowledge.ContextBlock(chunks); block != "" {
		messages = append(messages, providers.Message{Role: providers.RoleSystem, Content: block})
	}
	for _, h := range history {
		content := h.Content
		if h.RawContent != nil {
			content = *h.RawContent
		}
		msg := providers.Message{Role: providers.RoleUser, Content: content}
		switch h.Role {
		case providers.RoleAssistant, providers.RoleTool:
			msg.Role = h.Role
		}
		if h.ToolCallID != nil {
			msg.ToolCallID = *h.ToolCallID
		}
		if h.ToolCallsJSON != nil {
			if err := json.Unmarshal([]byte(*h.ToolCallsJSON), &msg.ToolCalls); err != nil {
				o.log.Warn().Err(err).Int64("turn_id", h.ID).Msg("drop malformed tool calls on history turn")
			}
		}
		messages = append(messages, msg)
	}
	return append(messages, providers.Message{Role: providers.RoleUser, Content: userText})
}

// runToolRound executes the model's tool calls and makes exactly one
// follow-up call with the results. The follow-up offers no tools, so its
// answer is final. The assistant and tool turns of the round are returned
// for the caller to record.
func (o *Orchestrator) runToolRound(ctx context.Context, bot storage.Bot, chat providers.ChatService, req providers.ChatRequest, result providers.ChatResult, toolsByName map[string]int64) ([]providers.Message, providers.ChatResult, error) {
	roundTurns := []providers.Message{{
		Role:      providers.RoleAssistant,
		Content:   result.Content,
		ToolCalls: result.ToolCalls,
	}}

	for _, call := range result.ToolCalls {
		roundTurns = append(roundTurns, providers.Message{
			Role:       providers.RoleTool,
			ToolCallID: call.ID,
			Content:    o.executeCall(ctx, bot, call, toolsByName),
		})
	}

	final, err := chat.Generate(ctx, providers.ChatRequest{Messages: append(req.Messages, roundTurns...)})
	if err != nil {
		return nil, providers.ChatResult{}, fmt.Errorf("generate after tools: %w", err)
	}
	o.metrics.ProviderCalls.Inc()
	return roundTurns, final, nil
}

// executeCall never fails the pipeline: every failure becomes an error text
// the model can react to in the follow-up call.
func (o *Orchestrator) executeCall(ctx context.Context, bot storage.Bot, call providers.ToolCall, toolsByName map[string]int64) string {
	toolID, ok := toolsByName[call.Name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", call.Name)
	}
	tool, err := o.store.GetTool(ctx, toolID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}

	out, err := o.tools.Execute(ctx, tool, bot.ID, call.Arguments)
	o.metrics.ToolExecutions.Inc()
	if err != nil {
		o.log.Warn().Err(err).Str("tool", call.Name).Int64("bot_id", bot.ID).Msg("tool execution failed")
		return fmt.Sprintf("Error: %v", err)
	}
	return out
}

func (o *Orchestrator) settle(ctx context.Context, bot storage.Bot, chat providers.ChatService, operation string, usage providers.TokenUsage, elapsed time.Duration, billable bool) {
	if !billable || usage.TotalTokens == 0 {
		return
	}
	if err := o.ledger.RecordModelUsage(ctx, bot.TeamID, bot.ID, chat.Provider(), chat.Model(), operation, usage, elapsed, time.Now()); err != nil {
		o.log.Error().Err(err).Int64("team_id", bot.TeamID).Msg("settle chat usage")
	}
}

func newTurn(botID int64, sessionID string, m providers.Message) storage.ChatMessage {
	msg := storage.ChatMessage{BotID: botID, SessionID: sessionID, Role: m.Role, Content: m.Content}
	if m.ToolCallID != "" {
		msg.ToolCallID = &m.ToolCallID
	}
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err == nil {
			s := string(b)
			msg.ToolCallsJSON = &s
		}
	}
	return msg
}

// appendTurn records one conversation turn. A persistence failure is logged
// and never fails a response the user is about to receive.
func (o *Orchestrator) appendTurn(ctx context.Context, msg storage.ChatMessage) {
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		o.log.Error().Err(err).Int64("bot_id", msg.BotID).Str("role", msg.Role).Msg("persist conversation turn")
	}
}

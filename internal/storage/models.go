package storage

import "time"

const (
	KnowledgeStatusPending  = "pending"
	KnowledgeStatusIndexing = "indexing"
	KnowledgeStatusIndexed  = "indexed"
	KnowledgeStatusFailed   = "failed"

	ExecutionStatusInProgress = "in_progress"
	ExecutionStatusCompleted  = "completed"
	ExecutionStatusFailed     = "failed"

	TransactionTypeUsage = "usage"
	TransactionTypeTopUp = "top_up"

	TransactionCredit = "credit"
	TransactionDebit  = "debit"

	TransactionStatusCompleted = "completed"
)

type Team struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

type Balance struct {
	TeamID      int64
	AmountMicro int64
	UpdatedAt   time.Time
}

// Transaction is one ledger entry. TransactionType is the credit/debit
// direction derived from Type; ExternalID ties top-ups to the payment
// provider's reference and is unique when set.
type Transaction struct {
	ID              int64
	TeamID          int64
	Type            string
	TransactionType string
	Status          string
	AmountMicro     int64
	Description     string
	ExternalID      *string
	ExpiredAt       *time.Time
	CreatedAt       time.Time
}

// TokenUsage is one billed provider call. CreditsMicro is the charge in
// millionths of a credit; TokensPerSecond is 0 when the call duration or
// output count is unknown.
type TokenUsage struct {
	ID              int64
	TeamID          int64
	BotID           int64
	Provider        string
	Model           string
	Operation       string
	InputTokens     int64
	OutputTokens    int64
	TotalTokens     int64
	TokensPerSecond float64
	CreditsMicro    int64
	CreatedAt       time.Time
}

// Bot holds per-bot behavior: prompt, output channel, optional service
// overrides and optional customer-owned API keys (encrypted at rest).
type Bot struct {
	ID            int64
	TeamID        int64
	Name          string
	SystemPrompt  string
	ChannelFormat string
	Language      string
	ChatRef       string
	EmbeddingRef  string
	SpeechRef     string
	EncOpenAIKey  *string
	EncGeminiKey  *string
	Active        bool
	CreatedAt     time.Time
}

type Knowledge struct {
	ID        int64
	TeamID    int64
	Name      string
	Content   string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type KnowledgeVector struct {
	ID          int64
	KnowledgeID int64
	ChunkIndex  int
	Content     string
	Embedding   []float64
	CreatedAt   time.Time
}

// Tool is a customer-defined HTTP endpoint the model may call. ParamsJSON is
// a JSON array of parameter definitions; HeadersJSON and QueryJSON map names
// to value templates, and BodyTemplate is a text template. All templates use
// {{key}} placeholders.
type Tool struct {
	ID           int64
	TeamID       int64
	BotID        int64
	Name         string
	Description  string
	Method       string
	URL          string
	HeadersJSON  string
	QueryJSON    string
	ParamsJSON   string
	BodyTemplate string
	Active       bool
	CreatedAt    time.Time
}

type ToolExecution struct {
	ID         int64
	ToolID     int64
	BotID      int64
	Status     string
	InputJSON  string
	OutputJSON *string
	DurationMS *int64
	CreatedAt  time.Time
}

// ChatMessage is one conversation turn. Content is the channel-formatted
// text; RawContent keeps the model's pre-format output for replay. Sender is
// the external sender id on user turns.
type ChatMessage struct {
	ID            int64
	BotID         int64
	SessionID     string
	Sender        string
	Role          string
	Content       string
	RawContent    *string
	MediaRef      *string
	ToolCallID    *string
	ToolCallsJSON *string
	MetadataJSON  *string
	CreatedAt     time.Time
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"herobot/internal/crypto"
	"herobot/internal/knowledge"
	"herobot/internal/ledger"
	"herobot/internal/orchestrator"
	"herobot/internal/providers"
	"herobot/internal/providers/registry"
	"herobot/internal/queue"
	"herobot/internal/storage"
)

type fakeProcessor struct {
	reply orchestrator.Reply
	err   error
	calls []orchestrator.Inbound
}

func (f *fakeProcessor) Process(_ context.Context, in orchestrator.Inbound) (orchestrator.Reply, error) {
	f.calls = append(f.calls, in)
	return f.reply, f.err
}

type fakeEmbedder struct {
	usage providers.TokenUsage
	fail  bool
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) (providers.EmbedResult, error) {
	if f.fail {
		return providers.EmbedResult{}, errors.New("embed backend down")
	}
	vectors := make([][]float64, len(texts))
	for i := range texts {
		vectors[i] = []float64{1, 0}
	}
	return providers.EmbedResult{Vectors: vectors, Usage: f.usage}, nil
}

func (f *fakeEmbedder) Provider() string { return "openai" }
func (f *fakeEmbedder) Model() string    { return "text-embedding-3-small" }

// fakeResolver resolves refs through a real registry but hands out fake
// clients so no HTTP leaves the test.
type fakeResolver struct {
	reg      *registry.Registry
	embedder *fakeEmbedder
}

func (f *fakeResolver) Resolve(o registry.Overrides) (registry.BotServices, error) {
	return f.reg.Resolve(o)
}

func (f *fakeResolver) Chat(registry.BotServices) (providers.ChatService, error) {
	return nil, errors.New("not used")
}

func (f *fakeResolver) Embedding(registry.BotServices) (providers.EmbeddingService, error) {
	return f.embedder, nil
}

func (f *fakeResolver) Speech(registry.BotServices) (providers.SpeechService, error) {
	return nil, errors.New("not used")
}

type fixture struct {
	worker    *Worker
	store     *storage.Store
	redis     *redis.Client
	processor *fakeProcessor
	embedder  *fakeEmbedder
	ledger    *ledger.Service
	crypto    *crypto.Manager
	teamID    int64
	botID     int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dsn := fmt.Sprintf("file:worker_%s?mode=memory&cache=shared", t.Name())
	s, err := storage.Open(ctx, "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	teamID, err := s.CreateTeam(ctx, "acme")
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	if err := s.AddCredits(ctx, teamID, 100_000_000, "initial top-up"); err != nil {
		t.Fatalf("add credits: %v", err)
	}
	botID, err := s.CreateBot(ctx, storage.Bot{TeamID: teamID, Name: "support", ChannelFormat: "whatsapp", Active: true})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}

	reg, err := registry.New(registry.Config{
		DefaultChatRef:      "openai/gpt-4o-mini",
		DefaultEmbeddingRef: "openai/text-embedding-3-small",
		DefaultSpeechRef:    "openai/whisper-1",
		OpenAIKey:           "sk-global",
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	cm, err := crypto.NewManager("k1", map[string][]byte{"k1": []byte(strings.Repeat("x", 32))})
	if err != nil {
		t.Fatalf("new crypto manager: %v", err)
	}

	log := zerolog.Nop()
	f := &fixture{
		store:     s,
		redis:     rdb,
		processor: &fakeProcessor{reply: orchestrator.Reply{Text: "hello"}},
		embedder:  &fakeEmbedder{usage: providers.TokenUsage{InputTokens: 1000, TotalTokens: 1000}},
		ledger:    ledger.New(s, log),
		crypto:    cm,
		teamID:    teamID,
		botID:     botID,
	}
	f.worker = New(Config{
		Store:         s,
		Inbound:       queue.NewStreamQueue(rdb, queue.StreamInbound, "workers", "worker-1", 10*time.Millisecond),
		Index:         queue.NewStreamQueue(rdb, queue.StreamIndex, "workers", "worker-1", 10*time.Millisecond),
		Publisher:     queue.NewPublisher(rdb, queue.StreamOutbound),
		Processor:     f.processor,
		Indexer:       knowledge.NewIndexer(s, log),
		Registry:      &fakeResolver{reg: reg, embedder: f.embedder},
		Ledger:        f.ledger,
		Crypto:        cm,
		RateLimiter:   queue.NewRateLimiter(rdb, 2),
		Deduplicator:  queue.NewDeduplicator(rdb, time.Minute),
		MaxJobRetries: 2,
		Logger:        log,
	})
	return f
}

func (f *fixture) outbound(t *testing.T) []queue.OutboundReply {
	t.Helper()
	entries, err := f.redis.XRange(context.Background(), queue.StreamOutbound, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange outbound: %v", err)
	}
	out := make([]queue.OutboundReply, 0, len(entries))
	for _, e := range entries {
		var r queue.OutboundReply
		if err := json.Unmarshal([]byte(e.Values["payload"].(string)), &r); err != nil {
			t.Fatalf("unmarshal reply: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func TestProcessInboundPublishesReply(t *testing.T) {
	f := newFixture(t)

	job := queue.InboundJob{JobID: "j1", BotID: f.botID, SessionID: "wa:1", Channel: "whatsapp", Text: "hi"}
	if err := f.worker.processInbound(context.Background(), job); err != nil {
		t.Fatalf("process inbound: %v", err)
	}

	if len(f.processor.calls) != 1 {
		t.Fatalf("expected 1 pipeline call, got %d", len(f.processor.calls))
	}
	if f.processor.calls[0].Text != "hi" || f.processor.calls[0].BotID != f.botID {
		t.Fatalf("unexpected pipeline input %+v", f.processor.calls[0])
	}

	replies := f.outbound(t)
	if len(replies) != 1 {
		t.Fatalf("expected 1 outbound reply, got %d", len(replies))
	}
	if replies[0].Text != "hello" || replies[0].JobID != "j1" || replies[0].Error != "" {
		t.Fatalf("unexpected reply %+v", replies[0])
	}
}

func TestProcessInboundDuplicateDropped(t *testing.T) {
	f := newFixture(t)

	job := queue.InboundJob{JobID: "j1", BotID: f.botID, SessionID: "wa:1", Channel: "whatsapp", Text: "hi", ExternalID: "wamid.1"}
	if err := f.worker.processInbound(context.Background(), job); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.worker.processInbound(context.Background(), job); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if len(f.processor.calls) != 1 {
		t.Fatalf("duplicate must not reach the pipeline, got %d calls", len(f.processor.calls))
	}
	if replies := f.outbound(t); len(replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(replies))
	}
}

func TestProcessInboundRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		job := queue.InboundJob{JobID: fmt.Sprintf("j%d", i), BotID: f.botID, SessionID: "wa:1", Channel: "whatsapp", Text: "hi"}
		if err := f.worker.processInbound(ctx, job); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if len(f.processor.calls) != 2 {
		t.Fatalf("limit is 2 per hour, pipeline saw %d calls", len(f.processor.calls))
	}
	replies := f.outbound(t)
	if len(replies) != 3 {
		t.Fatalf("expected 3 replies, got %d", len(replies))
	}
	last := replies[2]
	if last.Error == "" || last.Text != msgRateLimited {
		t.Fatalf("expected rate limit notice, got %+v", last)
	}
}

func TestProcessInboundInsufficientCredits(t *testing.T) {
	f := newFixture(t)
	f.processor.err = &orchestrator.InsufficientCreditsError{TeamID: f.teamID, Estimated: 12.5}

	job := queue.InboundJob{JobID: "j1", BotID: f.botID, SessionID: "wa:1", Channel: "whatsapp", Text: "hi"}
	if err := f.worker.processInbound(context.Background(), job); err != nil {
		t.Fatalf("insufficient credits must not retry: %v", err)
	}

	replies := f.outbound(t)
	if len(replies) != 1 || replies[0].Text != msgInsufficientCredits {
		t.Fatalf("expected friendly notice, got %+v", replies)
	}
}

func TestProcessInboundProviderErrorRetries(t *testing.T) {
	f := newFixture(t)
	f.processor.err = errors.New("upstream 500")

	job := queue.InboundJob{JobID: "j1", BotID: f.botID, SessionID: "wa:1", Channel: "whatsapp", Text: "hi"}
	if err := f.worker.processInbound(context.Background(), job); err == nil {
		t.Fatal("provider failure must surface for retry")
	}
	if replies := f.outbound(t); len(replies) != 0 {
		t.Fatalf("no reply before retries are exhausted, got %d", len(replies))
	}
}

func TestProcessInboundInactiveBotDropped(t *testing.T) {
	f := newFixture(t)
	f.processor.err = orchestrator.ErrBotInactive

	job := queue.InboundJob{JobID: "j1", BotID: f.botID, SessionID: "wa:1", Channel: "whatsapp", Text: "hi"}
	if err := f.worker.processInbound(context.Background(), job); err != nil {
		t.Fatalf("inactive bot must be dropped, not retried: %v", err)
	}
	if replies := f.outbound(t); len(replies) != 0 {
		t.Fatalf("no reply expected, got %d", len(replies))
	}
}

func TestProcessIndexBillsUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	kID, err := f.store.CreateKnowledge(ctx, storage.Knowledge{TeamID: f.teamID, Name: "faq", Content: "We are open 9 to 5."})
	if err != nil {
		t.Fatalf("create knowledge: %v", err)
	}
	if err := f.store.AttachKnowledge(ctx, f.botID, kID); err != nil {
		t.Fatalf("attach knowledge: %v", err)
	}
	before, err := f.ledger.Balance(ctx, f.teamID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}

	if err := f.worker.processIndex(ctx, queue.IndexJob{JobID: "i1", KnowledgeID: kID, BotID: f.botID}); err != nil {
		t.Fatalf("process index: %v", err)
	}

	k, err := f.store.GetKnowledge(ctx, kID)
	if err != nil {
		t.Fatalf("get knowledge: %v", err)
	}
	if k.Status != storage.KnowledgeStatusIndexed {
		t.Fatalf("expected indexed status, got %q", k.Status)
	}
	after, err := f.ledger.Balance(ctx, f.teamID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !(after < before) {
		t.Fatalf("embedding usage must be debited, balance %v -> %v", before, after)
	}
}

func TestProcessIndexCustomKeysSkipBilling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enc, err := f.crypto.MarshalEncryptedString("customer-openai-key")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	botID, err := f.store.CreateBot(ctx, storage.Bot{TeamID: f.teamID, Name: "byok", Active: true, EncOpenAIKey: &enc})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	kID, err := f.store.CreateKnowledge(ctx, storage.Knowledge{TeamID: f.teamID, Name: "faq", Content: "Shipping takes two days."})
	if err != nil {
		t.Fatalf("create knowledge: %v", err)
	}
	before, err := f.ledger.Balance(ctx, f.teamID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}

	if err := f.worker.processIndex(ctx, queue.IndexJob{JobID: "i1", KnowledgeID: kID, BotID: botID}); err != nil {
		t.Fatalf("process index: %v", err)
	}

	after, err := f.ledger.Balance(ctx, f.teamID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if after != before {
		t.Fatalf("customer keys must not be billed, balance %v -> %v", before, after)
	}
}

func TestProcessIndexEmbedFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.embedder.fail = true
	ctx := context.Background()

	kID, err := f.store.CreateKnowledge(ctx, storage.Knowledge{TeamID: f.teamID, Name: "faq", Content: "Some content."})
	if err != nil {
		t.Fatalf("create knowledge: %v", err)
	}

	if err := f.worker.processIndex(ctx, queue.IndexJob{JobID: "i1", KnowledgeID: kID, BotID: f.botID}); err == nil {
		t.Fatal("embed failure must surface for retry")
	}
	k, err := f.store.GetKnowledge(ctx, kID)
	if err != nil {
		t.Fatalf("get knowledge: %v", err)
	}
	if k.Status != storage.KnowledgeStatusFailed {
		t.Fatalf("expected failed status, got %q", k.Status)
	}
}

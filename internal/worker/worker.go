// Package worker consumes the inbound and indexing streams, drives the
// conversation pipeline and publishes replies for channel delivery.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"herobot/internal/crypto"
	"herobot/internal/knowledge"
	"herobot/internal/ledger"
	"herobot/internal/metrics"
	"herobot/internal/orchestrator"
	"herobot/internal/providers"
	"herobot/internal/providers/registry"
	"herobot/internal/queue"
	"herobot/internal/storage"
)

const (
	msgRateLimited         = "You are sending messages too quickly. Please try again later."
	msgInsufficientCredits = "This assistant is temporarily unavailable. Please try again later."
	msgProviderError       = "Something went wrong while answering. Please try again later."
)

// Processor runs the conversation pipeline for one inbound message.
type Processor interface {
	Process(ctx context.Context, in orchestrator.Inbound) (orchestrator.Reply, error)
}

type Worker struct {
	store         *storage.Store
	inbound       *queue.StreamQueue
	index         *queue.StreamQueue
	publisher     *queue.Publisher
	processor     Processor
	indexer       *knowledge.Indexer
	registry      orchestrator.ServiceResolver
	ledger        *ledger.Service
	crypto        *crypto.Manager
	limiter       *queue.RateLimiter
	dedupe        *queue.Deduplicator
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Store         *storage.Store
	Inbound       *queue.StreamQueue
	Index         *queue.StreamQueue
	Publisher     *queue.Publisher
	Processor     Processor
	Indexer       *knowledge.Indexer
	Registry      orchestrator.ServiceResolver
	Ledger        *ledger.Service
	Crypto        *crypto.Manager
	RateLimiter   *queue.RateLimiter
	Deduplicator  *queue.Deduplicator
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		store:         cfg.Store,
		inbound:       cfg.Inbound,
		index:         cfg.Index,
		publisher:     cfg.Publisher,
		processor:     cfg.Processor,
		indexer:       cfg.Indexer,
		registry:      cfg.Registry,
		ledger:        cfg.Ledger,
		crypto:        cfg.Crypto,
		limiter:       cfg.RateLimiter,
		dedupe:        cfg.Deduplicator,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.inbound.EnsureGroup(ctx); err != nil {
		return err
	}
	if err := w.index.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeInbound(ctx, slot)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.consumeIndex(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeInbound(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Str("stream", "inbound").Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.inbound.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, msg := range messages {
			var job queue.InboundJob
			if err := json.Unmarshal(msg.Payload, &job); err != nil {
				log.Error().Err(err).Str("msg_id", msg.ID).Msg("drop malformed job")
				w.ack(ctx, w.inbound, msg.ID, log)
				continue
			}

			err := w.processInbound(ctx, job)
			if err == nil {
				w.metrics.ProcessedJobs.Inc()
				w.ack(ctx, w.inbound, msg.ID, log)
				continue
			}

			w.metrics.FailedJobs.Inc()
			log.Error().Err(err).Str("job_id", job.JobID).Int("attempt", job.Attempts).Msg("job failed")

			if job.Attempts < w.maxJobRetries {
				job.Attempts++
				if _, enqueueErr := w.inbound.Enqueue(ctx, job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("job_id", job.JobID).Msg("failed to re-enqueue job")
					continue
				}
				w.metrics.EnqueuedJobs.Inc()
				w.ack(ctx, w.inbound, msg.ID, log)
				continue
			}

			w.publishReply(ctx, job, orchestrator.Reply{}, msgProviderError, log)
			w.ack(ctx, w.inbound, msg.ID, log)
		}
	}
}

func (w *Worker) processInbound(ctx context.Context, job queue.InboundJob) error {
	log := w.logger.With().Str("job_id", job.JobID).Int64("bot_id", job.BotID).Logger()

	if job.ExternalID != "" && w.dedupe != nil {
		first, err := w.dedupe.MarkFirst(ctx, job.ExternalID)
		if err != nil {
			return fmt.Errorf("dedupe: %w", err)
		}
		if !first {
			log.Debug().Str("external_id", job.ExternalID).Msg("duplicate message dropped")
			return nil
		}
	}

	if w.limiter != nil {
		allowed, used, _, err := w.limiter.Allow(ctx, job.Channel, job.SessionID, time.Now())
		if err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
		if !allowed {
			log.Info().Int64("used", used).Msg("sender rate limited")
			w.publishReply(ctx, job, orchestrator.Reply{}, msgRateLimited, log)
			return nil
		}
	}

	reply, err := w.processor.Process(ctx, orchestrator.Inbound{
		BotID:     job.BotID,
		SessionID: job.SessionID,
		Sender:    job.Sender,
		Channel:   job.Channel,
		Text:      job.Text,
		MediaData: job.MediaData,
		MediaMime: job.MediaMime,
	})
	if err != nil {
		var ice *orchestrator.InsufficientCreditsError
		switch {
		case errors.As(err, &ice):
			log.Warn().Int64("team_id", ice.TeamID).Float64("estimated", ice.Estimated).Msg("insufficient credits")
			w.publishReply(ctx, job, orchestrator.Reply{}, msgInsufficientCredits, log)
			return nil
		case errors.Is(err, orchestrator.ErrBotInactive), errors.Is(err, storage.ErrNotFound):
			log.Warn().Msg("message for inactive or unknown bot dropped")
			return nil
		default:
			return err
		}
	}

	w.publishReply(ctx, job, reply, "", log)
	return nil
}

func (w *Worker) publishReply(ctx context.Context, job queue.InboundJob, reply orchestrator.Reply, errorText string, log zerolog.Logger) {
	out := queue.OutboundReply{
		JobID:         job.JobID,
		BotID:         job.BotID,
		SessionID:     job.SessionID,
		Channel:       job.Channel,
		Text:          reply.Text,
		Transcription: reply.Transcription,
	}
	if errorText != "" {
		out.Text = errorText
		out.Error = errorText
	}
	if _, err := w.publisher.Publish(ctx, out); err != nil {
		log.Error().Err(err).Msg("failed to publish reply")
	}
}

func (w *Worker) consumeIndex(ctx context.Context) {
	log := w.logger.With().Str("stream", "index").Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.index.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read index queue")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, msg := range messages {
			var job queue.IndexJob
			if err := json.Unmarshal(msg.Payload, &job); err != nil {
				log.Error().Err(err).Str("msg_id", msg.ID).Msg("drop malformed index job")
				w.ack(ctx, w.index, msg.ID, log)
				continue
			}

			err := w.processIndex(ctx, job)
			w.metrics.IndexJobs.Inc()
			if err != nil {
				log.Error().Err(err).Int64("knowledge_id", job.KnowledgeID).Msg("index job failed")
				if job.Attempts < w.maxJobRetries {
					job.Attempts++
					if _, enqueueErr := w.index.Enqueue(ctx, job); enqueueErr != nil {
						log.Error().Err(enqueueErr).Msg("failed to re-enqueue index job")
						continue
					}
					w.metrics.EnqueuedJobs.Inc()
				}
			}
			w.ack(ctx, w.index, msg.ID, log)
		}
	}
}

func (w *Worker) processIndex(ctx context.Context, job queue.IndexJob) error {
	bot, err := w.store.GetBot(ctx, job.BotID)
	if err != nil {
		return fmt.Errorf("load bot %d: %w", job.BotID, err)
	}

	overrides := registry.Overrides{EmbeddingRef: bot.EmbeddingRef}
	if w.crypto != nil {
		if overrides.OpenAIKey, err = w.decryptOptional(bot.EncOpenAIKey); err != nil {
			return fmt.Errorf("decrypt openai key: %w", err)
		}
		if overrides.GeminiKey, err = w.decryptOptional(bot.EncGeminiKey); err != nil {
			return fmt.Errorf("decrypt gemini key: %w", err)
		}
	}
	svc, err := w.registry.Resolve(overrides)
	if err != nil {
		return fmt.Errorf("resolve services: %w", err)
	}
	embedder, err := w.registry.Embedding(svc)
	if err != nil {
		return fmt.Errorf("embedding client: %w", err)
	}

	start := time.Now()
	usage, err := w.indexer.Index(ctx, job.KnowledgeID, embedder)
	if billErr := w.billIndexing(ctx, bot, svc, embedder, usage, time.Since(start)); billErr != nil {
		w.logger.Error().Err(billErr).Int64("team_id", bot.TeamID).Msg("settle indexing usage")
	}
	if err != nil {
		return fmt.Errorf("index knowledge %d: %w", job.KnowledgeID, err)
	}
	return nil
}

func (w *Worker) billIndexing(ctx context.Context, bot storage.Bot, svc registry.BotServices, embedder providers.EmbeddingService, usage providers.TokenUsage, elapsed time.Duration) error {
	if w.ledger == nil || svc.UsesCustomKeys() || usage.TotalTokens == 0 {
		return nil
	}
	return w.ledger.RecordModelUsage(ctx, bot.TeamID, bot.ID, embedder.Provider(), embedder.Model(), "embedding", usage, elapsed, time.Now())
}

func (w *Worker) decryptOptional(raw *string) (string, error) {
	if raw == nil || *raw == "" {
		return "", nil
	}
	return w.crypto.UnmarshalEncryptedString(*raw)
}

func (w *Worker) ack(ctx context.Context, q *queue.StreamQueue, msgID string, log zerolog.Logger) {
	if err := q.Ack(ctx, msgID); err != nil {
		log.Error().Err(err).Str("msg_id", msgID).Msg("failed to ack message")
	}
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"herobot/internal/config"
	"herobot/internal/crypto"
	"herobot/internal/knowledge"
	"herobot/internal/ledger"
	"herobot/internal/metrics"
	"herobot/internal/orchestrator"
	"herobot/internal/providers/registry"
	"herobot/internal/queue"
	"herobot/internal/storage"
	"herobot/internal/tools"
	"herobot/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("db_driver", cfg.DB.Driver).
		Str("chat_ref", cfg.AI.ChatRef).
		Str("embedding_ref", cfg.AI.EmbeddingRef).
		Int("concurrency", cfg.Worker.Concurrency).
		Msg("starting herobot")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}

	reg, err := registry.New(registry.Config{
		DefaultChatRef:      cfg.AI.ChatRef,
		DefaultEmbeddingRef: cfg.AI.EmbeddingRef,
		DefaultSpeechRef:    cfg.AI.SpeechRef,
		OpenAIKey:           cfg.AI.OpenAIKey,
		GeminiKey:           cfg.AI.GeminiKey,
		OpenAIBaseURL:       cfg.AI.OpenAIBaseURL,
		GeminiBaseURL:       cfg.AI.GeminiBaseURL,
		HTTPClient:          &http.Client{Timeout: cfg.HTTP.ClientTimeout},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize provider registry")
	}

	m := metrics.Global()
	billing := ledger.New(store, log.Logger)
	retriever := knowledge.NewRetriever(store, log.Logger, cfg.Limits.KnowledgeChunks)
	executor := tools.NewExecutor(tools.ExecutorConfig{
		Store:      store,
		HTTPClient: &http.Client{Timeout: cfg.HTTP.ClientTimeout},
		Logger:     log.Logger,
	})

	pipeline := orchestrator.New(orchestrator.Config{
		Store:        store,
		Registry:     reg,
		Retriever:    retriever,
		Tools:        executor,
		Ledger:       billing,
		Crypto:       cryptoManager,
		Metrics:      m,
		Logger:       log.Logger,
		HistoryLimit: cfg.Limits.HistoryTurns,
		Edition:      cfg.Edition,
	})

	inboundQueue := queue.NewStreamQueue(rdb, queue.StreamInbound, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	indexQueue := queue.NewStreamQueue(rdb, queue.StreamIndex, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	publisher := queue.NewPublisher(rdb, queue.StreamOutbound)

	errCh := make(chan error, 2)

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Worker.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Worker.MetricsPath, promhttp.Handler())
	httpServer := &http.Server{
		Addr:              cfg.Worker.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Worker.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	w := worker.New(worker.Config{
		Store:         store,
		Inbound:       inboundQueue,
		Index:         indexQueue,
		Publisher:     publisher,
		Processor:     pipeline,
		Indexer:       knowledge.NewIndexer(store, log.Logger),
		Registry:      reg,
		Ledger:        billing,
		Crypto:        cryptoManager,
		RateLimiter:   queue.NewRateLimiter(rdb, cfg.Limits.RatePerHour),
		Deduplicator:  queue.NewDeduplicator(rdb, cfg.Redis.DedupeTTL),
		MaxJobRetries: cfg.Worker.MaxRetries,
		Logger:        log.Logger,
		Metrics:       m,
	})
	go func() {
		if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("worker failed: %w", err)
		}
	}()
	log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

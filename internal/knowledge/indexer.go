package knowledge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"herobot/internal/providers"
	"herobot/internal/storage"
)

// Indexer embeds a knowledge source's chunks and swaps them into the vector
// table. Status moves pending -> indexing -> indexed, or failed.
type Indexer struct {
	store *storage.Store
	log   zerolog.Logger
}

func NewIndexer(store *storage.Store, log zerolog.Logger) *Indexer {
	return &Indexer{store: store, log: log.With().Str("component", "knowledge_indexer").Logger()}
}

func (ix *Indexer) Index(ctx context.Context, knowledgeID int64, embedder providers.EmbeddingService) (providers.TokenUsage, error) {
	k, err := ix.store.GetKnowledge(ctx, knowledgeID)
	if err != nil {
		return providers.TokenUsage{}, fmt.Errorf("load knowledge %d: %w", knowledgeID, err)
	}

	if err := ix.store.SetKnowledgeStatus(ctx, knowledgeID, storage.KnowledgeStatusIndexing); err != nil {
		return providers.TokenUsage{}, fmt.Errorf("mark indexing: %w", err)
	}

	usage, err := ix.index(ctx, k, embedder)
	if err != nil {
		if serr := ix.store.SetKnowledgeStatus(ctx, knowledgeID, storage.KnowledgeStatusFailed); serr != nil {
			ix.log.Error().Err(serr).Int64("knowledge_id", knowledgeID).Msg("mark failed")
		}
		return usage, err
	}

	if err := ix.store.SetKnowledgeStatus(ctx, knowledgeID, storage.KnowledgeStatusIndexed); err != nil {
		return usage, fmt.Errorf("mark indexed: %w", err)
	}
	return usage, nil
}

func (ix *Indexer) index(ctx context.Context, k storage.Knowledge, embedder providers.EmbeddingService) (providers.TokenUsage, error) {
	chunks := SplitChunks(k.Content)
	if len(chunks) == 0 {
		if err := ix.store.ReplaceKnowledgeVectors(ctx, k.ID, nil, nil); err != nil {
			return providers.TokenUsage{}, fmt.Errorf("clear vectors: %w", err)
		}
		return providers.TokenUsage{}, nil
	}

	res, err := embedder.Embed(ctx, chunks)
	if err != nil {
		return providers.TokenUsage{}, fmt.Errorf("embed %d chunks: %w", len(chunks), err)
	}
	if err := ix.store.ReplaceKnowledgeVectors(ctx, k.ID, chunks, res.Vectors); err != nil {
		return res.Usage, fmt.Errorf("store vectors: %w", err)
	}

	ix.log.Info().
		Int64("knowledge_id", k.ID).
		Int("chunks", len(chunks)).
		Msg("knowledge indexed")
	return res.Usage, nil
}

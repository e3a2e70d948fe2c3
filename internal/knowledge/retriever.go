package knowledge

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"herobot/internal/providers"
	"herobot/internal/storage"
	"herobot/internal/vector"
)

// Chunk is one retrieved knowledge fragment with its similarity score.
type Chunk struct {
	Content string
	Score   float64
}

// Retriever finds the chunks most similar to a query. Retrieval is best
// effort: any failure degrades to an empty result so the conversation can
// proceed without knowledge context.
type Retriever struct {
	store *storage.Store
	log   zerolog.Logger
	limit int
}

func NewRetriever(store *storage.Store, log zerolog.Logger, limit int) *Retriever {
	if limit <= 0 {
		limit = 3
	}
	return &Retriever{
		store: store,
		log:   log.With().Str("component", "knowledge_retriever").Logger(),
		limit: limit,
	}
}

// Retrieve embeds the query and ranks the bot's indexed chunks by cosine
// similarity. When the bot has no indexed knowledge, no embedding call is
// made at all.
func (r *Retriever) Retrieve(ctx context.Context, botID int64, query string, embedder providers.EmbeddingService) ([]Chunk, providers.TokenUsage) {
	n, err := r.store.CountVectorsByBot(ctx, botID)
	if err != nil {
		r.log.Error().Err(err).Int64("bot_id", botID).Msg("count vectors")
		return nil, providers.TokenUsage{}
	}
	if n == 0 {
		return nil, providers.TokenUsage{}
	}

	res, err := embedder.Embed(ctx, []string{query})
	if err != nil {
		r.log.Error().Err(err).Int64("bot_id", botID).Msg("embed query")
		return nil, providers.TokenUsage{}
	}
	if len(res.Vectors) != 1 {
		r.log.Error().Int("vectors", len(res.Vectors)).Msg("unexpected embedding count")
		return nil, res.Usage
	}
	queryVec := res.Vectors[0]

	vectors, err := r.store.ListVectorsByBot(ctx, botID)
	if err != nil {
		r.log.Error().Err(err).Int64("bot_id", botID).Msg("list vectors")
		return nil, res.Usage
	}

	chunks := make([]Chunk, 0, len(vectors))
	for _, v := range vectors {
		score, err := vector.Cosine(queryVec, v.Embedding)
		if err != nil {
			r.log.Warn().Err(err).Int64("vector_id", v.ID).Msg("skip vector")
			continue
		}
		chunks = append(chunks, Chunk{Content: v.Content, Score: score})
	}

	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	if len(chunks) > r.limit {
		chunks = chunks[:r.limit]
	}
	return chunks, res.Usage
}

// ContextBlock renders retrieved chunks as the knowledge section of the
// system prompt. Empty input yields an empty string.
func ContextBlock(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Use the following information to answer questions:\n\n")
	for i, c := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(c.Content)
	}
	return b.String()
}

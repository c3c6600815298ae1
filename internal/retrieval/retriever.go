// Package retrieval implements hybrid search over the chunk indexes.
//
// A query runs a vector sub-query (always) and a keyword sub-query (when a
// lexical index is configured). Sub-rankings are normalized, weighted, and
// fused into one deduplicated ranking. Keyword index failures degrade the
// search to vector-only instead of failing the query.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qiyuan-ai/agentchat/internal/knowledge"
)

// Embedder produces one vector per input text.
// Interfaces are defined by the consumer; knowledge.Embedder satisfies this.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex is the similarity-search side of the vector store.
// knowledge.Index satisfies this.
type VectorIndex interface {
	Search(ctx context.Context, collectionID string, vector []float32, space knowledge.Space, topK int) ([]knowledge.Hit, error)
}

// KeywordIndex is the lexical-search side of hybrid retrieval.
// keyword.Index satisfies this.
type KeywordIndex interface {
	Search(ctx context.Context, collectionID, query string, topK int) ([]knowledge.Hit, error)
}

// Result is a fused search hit. Score is the weighted fusion of the
// normalized sub-ranking scores, in [0, 1].
type Result struct {
	ChunkID string
	FileID  string
	Content string
	Summary string
	Score   float64
}

// Config tunes rank fusion.
type Config struct {
	// VectorWeight and KeywordWeight are relative; they are normalized
	// against each other at fusion time. Both zero is invalid.
	VectorWeight  float64
	KeywordWeight float64

	// SearchSummary additionally searches the summary vector space.
	SearchSummary bool
}

// Retriever fuses vector and keyword search into one ranking.
type Retriever struct {
	embedder Embedder
	vectors  VectorIndex
	keywords KeywordIndex // nil disables the lexical leg
	cfg      Config
	logger   *slog.Logger
}

// New creates a hybrid retriever. keywords may be nil.
func New(embedder Embedder, vectors VectorIndex, keywords KeywordIndex, cfg Config, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.VectorWeight <= 0 && cfg.KeywordWeight <= 0 {
		cfg.VectorWeight, cfg.KeywordWeight = 0.5, 0.5
	}
	return &Retriever{
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		cfg:      cfg,
		logger:   logger,
	}
}

// Search returns the topK fused results for the query. A missing or empty
// collection yields an empty result and a nil error. Results are
// deterministic for identical index state.
func (r *Retriever) Search(ctx context.Context, collectionID, query string, topK int) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}

	vecHits, err := r.vectorSearch(ctx, collectionID, query, topK)
	if err != nil {
		return nil, err
	}

	var kwHits []knowledge.Hit
	if r.keywords != nil {
		kwHits, err = r.keywords.Search(ctx, collectionID, query, topK)
		if err != nil {
			// Lexical leg is best-effort: log and fall back to vector-only.
			r.logger.Warn("keyword search failed, degrading to vector-only",
				"collection", collectionID,
				"error", err,
			)
			kwHits = nil
		}
	}

	results := fuse(vecHits, kwHits, r.cfg.VectorWeight, r.cfg.KeywordWeight)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// vectorSearch embeds the query and searches the content space, plus the
// summary space when configured. Hits found in both spaces keep their
// higher raw score.
func (r *Retriever) vectorSearch(ctx context.Context, collectionID, query string, topK int) ([]knowledge.Hit, error) {
	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedder returned no vector for query")
	}
	queryVec := vectors[0]

	hits, err := r.vectors.Search(ctx, collectionID, queryVec, knowledge.SpaceContent, topK)
	if err != nil {
		return nil, fmt.Errorf("content search: %w", err)
	}

	if r.cfg.SearchSummary {
		summaryHits, err := r.vectors.Search(ctx, collectionID, queryVec, knowledge.SpaceSummary, topK)
		if err != nil {
			return nil, fmt.Errorf("summary search: %w", err)
		}
		hits = mergeMax(hits, summaryHits)
	}

	return hits, nil
}

package tools

// knowledge.go defines the knowledge retrieval tool, the default (and for
// forced retrieval, mandatory) way for the model to ground its answers.

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/qiyuan-ai/agentchat/internal/retrieval"
)

// KnowledgeRetrievalName is the registered name of the retrieval tool.
// The orchestrator synthesizes calls to this name when forcing retrieval.
const KnowledgeRetrievalName = "knowledge_retrieval"

// Default and maximum TopK for knowledge retrieval.
const (
	DefaultTopK = 5
	MaxTopK     = 10
)

// Searcher is the retrieval capability the tool wraps.
// retrieval.Retriever satisfies this.
type Searcher interface {
	Search(ctx context.Context, collectionID, query string, topK int) ([]retrieval.Result, error)
}

// KnowledgeSearchInput defines input for the knowledge retrieval tool.
type KnowledgeSearchInput struct {
	Query        string `json:"query" jsonschema_description:"The search query string"`
	CollectionID string `json:"collection_id,omitempty" jsonschema_description:"Collection to search. Leave empty to use the deployment default."`
	TopK         int    `json:"top_k,omitempty" jsonschema_description:"Maximum results to return (1-10)"`
}

// KnowledgeConfig carries the deployment defaults merged into model
// arguments via MergeArgs.
type KnowledgeConfig struct {
	CollectionID string
	TopK         int
}

// Defaults returns the config as a merge overlay for MergeArgs.
func (c KnowledgeConfig) Defaults() map[string]any {
	m := map[string]any{}
	if c.CollectionID != "" {
		m["collection_id"] = c.CollectionID
	}
	if c.TopK > 0 {
		m["top_k"] = c.TopK
	}
	return m
}

// NewKnowledgeTool creates the knowledge retrieval tool over a hybrid
// searcher.
func NewKnowledgeTool(searcher Searcher, logger *slog.Logger) (*FuncTool, error) {
	if searcher == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	description := "Search the knowledge base for chunks relevant to a query, " +
		"combining semantic and keyword matching. " +
		"Returns: ranked text chunks with relevance scores. " +
		"Use this before answering questions about ingested documents. " +
		"Default topK: 5. Maximum topK: 10."

	return New(KnowledgeRetrievalName, description, false,
		func(ctx context.Context, input KnowledgeSearchInput) (string, error) {
			query := strings.TrimSpace(input.Query)
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			if input.CollectionID == "" {
				return "", fmt.Errorf("collection_id is required (no deployment default configured)")
			}

			topK := clampTopK(input.TopK, DefaultTopK)

			results, err := searcher.Search(ctx, input.CollectionID, query, topK)
			if err != nil {
				return "", fmt.Errorf("knowledge search: %w", err)
			}

			logger.Debug("knowledge retrieval",
				"collection", input.CollectionID,
				"query_length", len(query),
				"results", len(results),
			)
			return formatResults(results), nil
		})
}

// clampTopK validates topK and returns a value within [1, MaxTopK].
// If topK <= 0, returns defaultVal.
func clampTopK(topK, defaultVal int) int {
	if topK <= 0 {
		return defaultVal
	}
	if topK > MaxTopK {
		return MaxTopK
	}
	return topK
}

// formatResults renders fused hits as the tool result text the model reads.
func formatResults(results []retrieval.Result) string {
	if len(results) == 0 {
		return "No relevant documents were found for this query."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d relevant chunks:\n", len(results))
	for i, r := range results {
		fmt.Fprintf(&sb, "\n[%d] score=%.3f\n%s\n", i+1, r.Score, strings.TrimSpace(r.Content))
		if r.Summary != "" {
			fmt.Fprintf(&sb, "Summary: %s\n", strings.TrimSpace(r.Summary))
		}
	}
	return sb.String()
}

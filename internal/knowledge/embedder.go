package knowledge

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
)

// Embedder bridges a Genkit ai.Embedder to the []string -> [][]float32
// boundary the retriever and the ingestion writer consume.
type Embedder struct {
	embedder ai.Embedder
	dim      int
}

// NewEmbedder wraps a Genkit embedder. dim is the expected output
// dimension; responses with a different dimension are rejected so a
// misconfigured model cannot poison the index.
func NewEmbedder(embedder ai.Embedder, dim int) *Embedder {
	return &Embedder{embedder: embedder, dim: dim}
}

// Embed returns one vector per input text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = ai.DocumentFromText(t, nil)
	}

	resp, err := e.embedder.Embed(ctx, &ai.EmbedRequest{Input: docs})
	if err != nil {
		return nil, fmt.Errorf("embed failed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if len(emb.Embedding) != e.dim {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(emb.Embedding), e.dim)
		}
		vectors[i] = emb.Embedding
	}

	return vectors, nil
}

// Dim returns the configured vector dimension.
func (e *Embedder) Dim() int {
	return e.dim
}

// Package knowledge defines the chunk data model and the pgvector-backed
// vector index used by retrieval and ingestion.
package knowledge

import (
	"errors"
	"time"
)

var (
	// ErrEmptyChunkID indicates a chunk without an identifier.
	ErrEmptyChunkID = errors.New("empty chunk id")

	// ErrEmptyEmbedding indicates a chunk without a content embedding.
	ErrEmptyEmbedding = errors.New("empty embedding")

	// ErrDimensionMismatch indicates a vector with the wrong dimensionality.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Space selects which vector column a similarity search runs against.
type Space string

const (
	// SpaceContent searches the content embedding.
	SpaceContent Space = "content"

	// SpaceSummary searches the summary embedding. Chunks without a
	// summary embedding are skipped.
	SpaceSummary Space = "summary"
)

// Chunk is the atomic retrieval unit. Chunks are immutable after insert;
// updating a file means deleting its chunks and re-ingesting.
type Chunk struct {
	ChunkID          string
	FileID           string
	CollectionID     string
	Content          string
	Summary          string // optional condensed form of Content
	Embedding        []float32
	SummaryEmbedding []float32 // optional, same dimension as Embedding
	CreatedAt        time.Time
}

// Validate checks the chunk against the index dimension.
func (c *Chunk) Validate(dim int) error {
	if c.ChunkID == "" {
		return ErrEmptyChunkID
	}
	if len(c.Embedding) == 0 {
		return ErrEmptyEmbedding
	}
	if len(c.Embedding) != dim {
		return ErrDimensionMismatch
	}
	if len(c.SummaryEmbedding) > 0 && len(c.SummaryEmbedding) != dim {
		return ErrDimensionMismatch
	}
	return nil
}

// Hit is a single scored result from a vector or keyword search.
// Score semantics depend on the producing index; the hybrid retriever
// normalizes scores before fusing rankings.
type Hit struct {
	ChunkID string
	FileID  string
	Content string
	Summary string
	Score   float64
}

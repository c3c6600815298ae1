package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/singleflight"
)

// querier is the subset of pgxpool.Pool the index needs.
// Consumer-defined so tests can substitute a fake.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Index is the pgvector-backed vector index. All chunks share one table
// partitioned by collection id; a collection must be activated via
// EnsureLoaded before it is searched or written.
//
// Index is safe for concurrent use by multiple goroutines.
type Index struct {
	db     querier
	dim    int
	logger *slog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	loaded  map[string]bool
	setupFn func(ctx context.Context, collectionID string) error // test seam
}

// NewIndex creates a vector index over db with the given embedding dimension.
func NewIndex(db querier, dim int, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Index{
		db:     db,
		dim:    dim,
		logger: logger,
		loaded: make(map[string]bool),
	}
	ix.setupFn = ix.setup
	return ix
}

// EnsureLoaded activates a collection: the schema is created if missing and
// a warming query runs so the first real search does not pay the cold cost.
// Concurrent first accesses are collapsed into a single activation via
// singleflight; failures are not cached, so a later call retries.
func (ix *Index) EnsureLoaded(ctx context.Context, collectionID string) error {
	ix.mu.Lock()
	done := ix.loaded[collectionID]
	ix.mu.Unlock()
	if done {
		return nil
	}

	_, err, _ := ix.group.Do(collectionID, func() (any, error) {
		ix.mu.Lock()
		done := ix.loaded[collectionID]
		ix.mu.Unlock()
		if done {
			return nil, nil
		}

		if err := ix.setupFn(ctx, collectionID); err != nil {
			return nil, err
		}

		ix.mu.Lock()
		ix.loaded[collectionID] = true
		ix.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("load collection %q: %w", collectionID, err)
	}
	return nil
}

// setup creates the chunk table and indexes, then runs a warming count.
func (ix *Index) setup(ctx context.Context, collectionID string) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			collection_id text NOT NULL,
			chunk_id text NOT NULL,
			file_id text NOT NULL,
			content text NOT NULL,
			summary text NOT NULL DEFAULT '',
			embedding vector(%d) NOT NULL,
			summary_embedding vector(%d),
			created_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (collection_id, chunk_id)
		)`, ix.dim, ix.dim),
		`CREATE INDEX IF NOT EXISTS chunks_embedding_idx
			ON chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
		`CREATE INDEX IF NOT EXISTS chunks_file_idx ON chunks (collection_id, file_id)`,
	}
	for _, stmt := range ddl {
		if _, err := ix.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	var n int64
	if err := ix.db.QueryRow(ctx,
		`SELECT count(*) FROM chunks WHERE collection_id = $1`, collectionID).Scan(&n); err != nil {
		return fmt.Errorf("warm collection: %w", err)
	}

	ix.logger.Debug("collection loaded", "collection", collectionID, "chunks", n)
	return nil
}

// Insert writes chunks into the collection. Every chunk is validated
// against the index dimension before any row is written.
func (ix *Index) Insert(ctx context.Context, collectionID string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := ix.EnsureLoaded(ctx, collectionID); err != nil {
		return err
	}

	for i := range chunks {
		if err := chunks[i].Validate(ix.dim); err != nil {
			return fmt.Errorf("chunk %q: %w", chunks[i].ChunkID, err)
		}
	}

	const insertSQL = `INSERT INTO chunks
		(collection_id, chunk_id, file_id, content, summary, embedding, summary_embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (collection_id, chunk_id) DO UPDATE SET
			file_id = EXCLUDED.file_id,
			content = EXCLUDED.content,
			summary = EXCLUDED.summary,
			embedding = EXCLUDED.embedding,
			summary_embedding = EXCLUDED.summary_embedding`

	batch := &pgx.Batch{}
	for i := range chunks {
		c := &chunks[i]

		var summaryVec any
		if len(c.SummaryEmbedding) > 0 {
			summaryVec = pgvector.NewVector(c.SummaryEmbedding)
		}

		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		batch.Queue(insertSQL,
			collectionID, c.ChunkID, c.FileID, c.Content, c.Summary,
			pgvector.NewVector(c.Embedding), summaryVec, createdAt)
	}

	results := ix.db.SendBatch(ctx, batch)
	defer results.Close()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert chunks into %q: %w", collectionID, err)
		}
	}

	ix.logger.Debug("inserted chunks", "collection", collectionID, "count", len(chunks))
	return nil
}

// Search returns the topK nearest chunks by cosine similarity in the given
// vector space. An unknown or empty collection yields an empty result.
func (ix *Index) Search(ctx context.Context, collectionID string, vector []float32, space Space, topK int) ([]Hit, error) {
	if len(vector) != ix.dim {
		return nil, fmt.Errorf("query vector: %w", ErrDimensionMismatch)
	}
	if topK <= 0 {
		return nil, nil
	}
	if err := ix.EnsureLoaded(ctx, collectionID); err != nil {
		return nil, err
	}

	var query string
	switch space {
	case SpaceSummary:
		query = `SELECT chunk_id, file_id, content, summary,
				1 - (summary_embedding <=> $1) AS score
			FROM chunks
			WHERE collection_id = $2 AND summary_embedding IS NOT NULL
			ORDER BY summary_embedding <=> $1
			LIMIT $3`
	default:
		query = `SELECT chunk_id, file_id, content, summary,
				1 - (embedding <=> $1) AS score
			FROM chunks
			WHERE collection_id = $2
			ORDER BY embedding <=> $1
			LIMIT $3`
	}

	rows, err := ix.db.Query(ctx, query, pgvector.NewVector(vector), collectionID, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search in %q: %w", collectionID, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ChunkID, &h.FileID, &h.Content, &h.Summary, &h.Score); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector search in %q: %w", collectionID, err)
	}

	return hits, nil
}

// DeleteByFile removes every chunk of a file from the collection.
// Returns the number of deleted chunks.
func (ix *Index) DeleteByFile(ctx context.Context, collectionID, fileID string) (int64, error) {
	if err := ix.EnsureLoaded(ctx, collectionID); err != nil {
		return 0, err
	}

	tag, err := ix.db.Exec(ctx,
		`DELETE FROM chunks WHERE collection_id = $1 AND file_id = $2`, collectionID, fileID)
	if err != nil {
		return 0, fmt.Errorf("delete file %q from %q: %w", fileID, collectionID, err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of chunks in the collection.
func (ix *Index) Count(ctx context.Context, collectionID string) (int64, error) {
	if err := ix.EnsureLoaded(ctx, collectionID); err != nil {
		return 0, err
	}

	var n int64
	if err := ix.db.QueryRow(ctx,
		`SELECT count(*) FROM chunks WHERE collection_id = $1`, collectionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks in %q: %w", collectionID, err)
	}
	return n, nil
}

// DropCollection removes every chunk of the collection and forgets its
// activation state.
func (ix *Index) DropCollection(ctx context.Context, collectionID string) error {
	if _, err := ix.db.Exec(ctx,
		`DELETE FROM chunks WHERE collection_id = $1`, collectionID); err != nil {
		return fmt.Errorf("drop collection %q: %w", collectionID, err)
	}

	ix.mu.Lock()
	delete(ix.loaded, collectionID)
	ix.mu.Unlock()
	return nil
}

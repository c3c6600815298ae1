// Package ingest implements the chunk store writer.
//
// Ingestion replaces a file's chunks wholesale: existing chunks are
// deleted first, then parsed blocks are embedded and inserted in fixed
// batches. A failing batch is counted and skipped; later batches still
// run. Between batches a heap-growth guard forces a GC pass when
// embedding buffers accumulate faster than the runtime collects them.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/qiyuan-ai/agentchat/internal/knowledge"
)

// DefaultBatchSize is the chunk batch size used when the config leaves it unset.
const DefaultBatchSize = 20

// DefaultMemoryLimit is the default heap-growth threshold (500MB).
const DefaultMemoryLimit = 500 * 1024 * 1024

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the write side of the vector index.
// knowledge.Index satisfies this.
type VectorStore interface {
	Insert(ctx context.Context, collectionID string, chunks []knowledge.Chunk) error
	DeleteByFile(ctx context.Context, collectionID, fileID string) (int64, error)
}

// KeywordStore is the write side of the lexical index.
// keyword.Index satisfies this.
type KeywordStore interface {
	Add(ctx context.Context, collectionID string, chunks []knowledge.Chunk) error
	DeleteByFile(ctx context.Context, collectionID, fileID string) error
}

// Block is one parsed unit of a source file, produced by a format parser.
type Block struct {
	Content string
	Summary string // optional condensed form
}

// Result reports ingestion outcome in chunks.
type Result struct {
	Succeeded int
	Failed    int
	Deleted   int64 // chunks removed before re-ingestion
}

// Config tunes the writer.
type Config struct {
	// BatchSize is the number of blocks embedded and inserted per batch.
	BatchSize int

	// MemoryLimit is the heap-growth threshold in bytes that triggers a
	// forced GC pass between batches. 0 uses DefaultMemoryLimit.
	MemoryLimit uint64
}

// Writer ingests parsed blocks into the chunk indexes.
type Writer struct {
	embedder Embedder
	vectors  VectorStore
	keywords KeywordStore // nil disables lexical indexing
	cfg      Config
	logger   *slog.Logger

	// test seams for the memory guard
	heapAlloc func() uint64
	forceGC   func()
}

// NewWriter creates a chunk store writer. keywords may be nil.
func NewWriter(embedder Embedder, vectors VectorStore, keywords KeywordStore, cfg Config, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MemoryLimit == 0 {
		cfg.MemoryLimit = DefaultMemoryLimit
	}
	return &Writer{
		embedder:  embedder,
		vectors:   vectors,
		keywords:  keywords,
		cfg:       cfg,
		logger:    logger,
		heapAlloc: currentHeapAlloc,
		forceGC:   runtime.GC,
	}
}

// Ingest replaces the file's chunks in the collection with the given
// blocks. Partial failure is reported in Result; already-written batches
// are not rolled back on cancellation.
func (w *Writer) Ingest(ctx context.Context, collectionID, fileID string, blocks []Block) (Result, error) {
	var res Result

	deleted, err := w.vectors.DeleteByFile(ctx, collectionID, fileID)
	if err != nil {
		return res, fmt.Errorf("delete existing chunks of %q: %w", fileID, err)
	}
	res.Deleted = deleted

	if w.keywords != nil {
		if err := w.keywords.DeleteByFile(ctx, collectionID, fileID); err != nil {
			// Lexical index is best-effort; stale rows only degrade ranking.
			w.logger.Warn("keyword delete failed", "file", fileID, "error", err)
		}
	}

	if len(blocks) == 0 {
		return res, nil
	}

	heapStart := w.heapAlloc()
	start := time.Now()

	for begin := 0; begin < len(blocks); begin += w.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("ingest canceled after %d chunks: %w", res.Succeeded, err)
		}

		end := min(begin+w.cfg.BatchSize, len(blocks))
		batch := blocks[begin:end]

		if err := w.writeBatch(ctx, collectionID, fileID, batch); err != nil {
			res.Failed += len(batch)
			w.logger.Error("batch failed",
				"file", fileID,
				"batch_start", begin,
				"batch_size", len(batch),
				"error", err,
			)
		} else {
			res.Succeeded += len(batch)
		}

		w.checkMemory(heapStart)
	}

	w.logger.Info("ingested file",
		"collection", collectionID,
		"file", fileID,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"deleted", res.Deleted,
		"elapsed", time.Since(start),
	)
	return res, nil
}

// writeBatch embeds one batch of blocks and inserts the resulting chunks.
func (w *Writer) writeBatch(ctx context.Context, collectionID, fileID string, batch []Block) error {
	contents := make([]string, len(batch))
	for i, b := range batch {
		contents[i] = b.Content
	}

	contentVecs, err := w.embedder.Embed(ctx, contents)
	if err != nil {
		return fmt.Errorf("embed contents: %w", err)
	}
	if len(contentVecs) != len(batch) {
		return fmt.Errorf("embedder returned %d vectors for %d contents", len(contentVecs), len(batch))
	}

	// Summaries are embedded in a second pass covering only the blocks
	// that have one.
	var summaryTexts []string
	summaryAt := make([]int, 0, len(batch))
	for i, b := range batch {
		if b.Summary != "" {
			summaryTexts = append(summaryTexts, b.Summary)
			summaryAt = append(summaryAt, i)
		}
	}
	summaryVecs := make([][]float32, len(batch))
	if len(summaryTexts) > 0 {
		vecs, err := w.embedder.Embed(ctx, summaryTexts)
		if err != nil {
			return fmt.Errorf("embed summaries: %w", err)
		}
		if len(vecs) != len(summaryTexts) {
			return fmt.Errorf("embedder returned %d vectors for %d summaries", len(vecs), len(summaryTexts))
		}
		for j, idx := range summaryAt {
			summaryVecs[idx] = vecs[j]
		}
	}

	chunks := make([]knowledge.Chunk, len(batch))
	now := time.Now()
	for i, b := range batch {
		chunks[i] = knowledge.Chunk{
			ChunkID:          uuid.NewString(),
			FileID:           fileID,
			CollectionID:     collectionID,
			Content:          b.Content,
			Summary:          b.Summary,
			Embedding:        contentVecs[i],
			SummaryEmbedding: summaryVecs[i],
			CreatedAt:        now,
		}
	}

	if err := w.vectors.Insert(ctx, collectionID, chunks); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}

	if w.keywords != nil {
		if err := w.keywords.Add(ctx, collectionID, chunks); err != nil {
			// Vector insert already succeeded; a missing lexical entry
			// only weakens keyword recall.
			w.logger.Warn("keyword indexing failed", "file", fileID, "error", err)
		}
	}

	return nil
}

// checkMemory forces a GC pass when the heap grew past the limit since
// ingestion started.
func (w *Writer) checkMemory(heapStart uint64) {
	heapNow := w.heapAlloc()
	if heapNow <= heapStart {
		return
	}
	if growth := heapNow - heapStart; growth > w.cfg.MemoryLimit {
		w.logger.Debug("heap growth exceeded limit, forcing GC",
			"growth_bytes", growth,
			"limit_bytes", w.cfg.MemoryLimit,
		)
		w.forceGC()
	}
}

func currentHeapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

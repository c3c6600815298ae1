package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/qiyuan-ai/agentchat/internal/knowledge"
	"github.com/qiyuan-ai/agentchat/internal/log"
)

type fakeEmbedder struct {
	calls   [][]string
	failOn  string // fail any batch containing this content
	batches int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.batches++
	f.calls = append(f.calls, texts)
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		if f.failOn != "" && strings.Contains(t, f.failOn) {
			return nil, fmt.Errorf("embedding rejected: %q", t)
		}
		vectors[i] = []float32{float32(len(t)), 0}
	}
	return vectors, nil
}

type fakeVectorStore struct {
	inserted  []knowledge.Chunk
	deletions []string
	deleteN   int64
	deleteErr error
	insertErr error
	order     []string // interleaving of operations
}

func (f *fakeVectorStore) Insert(_ context.Context, _ string, chunks []knowledge.Chunk) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.order = append(f.order, "insert")
	f.inserted = append(f.inserted, chunks...)
	return nil
}

func (f *fakeVectorStore) DeleteByFile(_ context.Context, _, fileID string) (int64, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	f.order = append(f.order, "delete")
	f.deletions = append(f.deletions, fileID)
	return f.deleteN, nil
}

type fakeKeywordStore struct {
	added     []knowledge.Chunk
	deletions []string
	addErr    error
}

func (f *fakeKeywordStore) Add(_ context.Context, _ string, chunks []knowledge.Chunk) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, chunks...)
	return nil
}

func (f *fakeKeywordStore) DeleteByFile(_ context.Context, _, fileID string) error {
	f.deletions = append(f.deletions, fileID)
	return nil
}

func makeBlocks(n int) []Block {
	blocks := make([]Block, n)
	for i := range blocks {
		blocks[i] = Block{Content: fmt.Sprintf("block %02d", i)}
	}
	return blocks
}

func TestIngestDeletesBeforeInsert(t *testing.T) {
	vec := &fakeVectorStore{deleteN: 7}
	kw := &fakeKeywordStore{}
	w := NewWriter(&fakeEmbedder{}, vec, kw, Config{BatchSize: 10}, log.NewNop())

	res, err := w.Ingest(context.Background(), "docs", "file-1", makeBlocks(3))
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}

	if len(vec.order) == 0 || vec.order[0] != "delete" {
		t.Errorf("expected delete before insert, got order %v", vec.order)
	}
	if res.Deleted != 7 {
		t.Errorf("Deleted = %d, want 7", res.Deleted)
	}
	if res.Succeeded != 3 || res.Failed != 0 {
		t.Errorf("Result = %+v, want 3 succeeded", res)
	}
	if len(kw.deletions) != 1 || kw.deletions[0] != "file-1" {
		t.Errorf("keyword deletions = %v", kw.deletions)
	}
	if len(kw.added) != 3 {
		t.Errorf("keyword added %d chunks, want 3", len(kw.added))
	}
}

func TestIngestBatching(t *testing.T) {
	emb := &fakeEmbedder{}
	vec := &fakeVectorStore{}
	w := NewWriter(emb, vec, nil, Config{BatchSize: 20}, log.NewNop())

	res, err := w.Ingest(context.Background(), "docs", "file-1", makeBlocks(45))
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if res.Succeeded != 45 {
		t.Errorf("Succeeded = %d, want 45", res.Succeeded)
	}
	// 45 blocks at batch size 20: batches of 20, 20, 5.
	if emb.batches != 3 {
		t.Errorf("embedder called %d times, want 3", emb.batches)
	}
	if got := len(emb.calls[0]); got != 20 {
		t.Errorf("first batch size = %d, want 20", got)
	}
	if got := len(emb.calls[2]); got != 5 {
		t.Errorf("last batch size = %d, want 5", got)
	}
	if len(vec.inserted) != 45 {
		t.Errorf("inserted %d chunks, want 45", len(vec.inserted))
	}
}

func TestIngestFailedBatchDoesNotAbort(t *testing.T) {
	// Content "block 07" lands in the second batch of five.
	emb := &fakeEmbedder{failOn: "block 07"}
	vec := &fakeVectorStore{}
	w := NewWriter(emb, vec, nil, Config{BatchSize: 5}, log.NewNop())

	res, err := w.Ingest(context.Background(), "docs", "file-1", makeBlocks(15))
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if res.Failed != 5 {
		t.Errorf("Failed = %d, want 5 (one batch)", res.Failed)
	}
	if res.Succeeded != 10 {
		t.Errorf("Succeeded = %d, want 10 (batches after the failure still run)", res.Succeeded)
	}
}

func TestIngestDeleteFailureAborts(t *testing.T) {
	vec := &fakeVectorStore{deleteErr: errors.New("connection lost")}
	w := NewWriter(&fakeEmbedder{}, vec, nil, Config{}, log.NewNop())

	_, err := w.Ingest(context.Background(), "docs", "file-1", makeBlocks(3))
	if err == nil {
		t.Fatal("expected error when pre-delete fails")
	}
	if len(vec.inserted) != 0 {
		t.Errorf("chunks inserted despite failed pre-delete: %d", len(vec.inserted))
	}
}

func TestIngestEmptyBlocks(t *testing.T) {
	vec := &fakeVectorStore{deleteN: 4}
	w := NewWriter(&fakeEmbedder{}, vec, nil, Config{}, log.NewNop())

	res, err := w.Ingest(context.Background(), "docs", "file-1", nil)
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	// Deletion still happens: ingesting an empty file clears old chunks.
	if res.Deleted != 4 || res.Succeeded != 0 {
		t.Errorf("Result = %+v", res)
	}
}

func TestIngestSummariesEmbedded(t *testing.T) {
	emb := &fakeEmbedder{}
	vec := &fakeVectorStore{}
	w := NewWriter(emb, vec, nil, Config{BatchSize: 10}, log.NewNop())

	blocks := []Block{
		{Content: "first", Summary: "sum-1"},
		{Content: "second"},
		{Content: "third", Summary: "sum-3"},
	}
	if _, err := w.Ingest(context.Background(), "docs", "file-1", blocks); err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}

	if len(vec.inserted) != 3 {
		t.Fatalf("inserted %d chunks, want 3", len(vec.inserted))
	}
	if vec.inserted[0].SummaryEmbedding == nil || vec.inserted[2].SummaryEmbedding == nil {
		t.Error("blocks with summaries should carry summary embeddings")
	}
	if vec.inserted[1].SummaryEmbedding != nil {
		t.Error("block without summary should not carry a summary embedding")
	}
}

func TestIngestMemoryGuard(t *testing.T) {
	vec := &fakeVectorStore{}
	w := NewWriter(&fakeEmbedder{}, vec, nil, Config{BatchSize: 5, MemoryLimit: 100}, log.NewNop())

	heap := uint64(0)
	gcRuns := 0
	w.heapAlloc = func() uint64 {
		heap += 60 // grows 60 bytes per observation
		return heap
	}
	w.forceGC = func() { gcRuns++ }

	if _, err := w.Ingest(context.Background(), "docs", "file-1", makeBlocks(15)); err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	// Growth passes the 100-byte limit from the second batch on.
	if gcRuns == 0 {
		t.Error("memory guard never forced a GC pass")
	}
}

func TestIngestCancellationKeepsCompletedBatches(t *testing.T) {
	emb := &fakeEmbedder{}
	vec := &fakeVectorStore{}
	w := NewWriter(emb, vec, nil, Config{BatchSize: 5}, log.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	// heapAlloc runs once at start and once after each batch; cancel
	// right after the first batch is written.
	calls := 0
	w.forceGC = func() {}
	w.heapAlloc = func() uint64 {
		calls++
		if calls == 2 {
			cancel()
		}
		return 0
	}

	res, err := w.Ingest(ctx, "docs", "file-1", makeBlocks(15))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Ingest() = %v, want context.Canceled", err)
	}
	if res.Succeeded != 5 {
		t.Errorf("Succeeded = %d, want 5 (first batch completed)", res.Succeeded)
	}
	if len(vec.inserted) != 5 {
		t.Errorf("inserted %d chunks, want 5 (no rollback)", len(vec.inserted))
	}
}

func TestSplitBlocks(t *testing.T) {
	text := "First paragraph.\n\nSecond paragraph\nspans two lines.\n\n\n\nThird."
	blocks := SplitBlocks(text)
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3: %+v", len(blocks), blocks)
	}
	if blocks[1].Content != "Second paragraph\nspans two lines." {
		t.Errorf("block 1 = %q", blocks[1].Content)
	}
}

func TestSplitBlocksOversized(t *testing.T) {
	huge := strings.Repeat("x", maxBlockSize*2+10)
	blocks := SplitBlocks(huge)
	if len(blocks) < 3 {
		t.Fatalf("oversized paragraph not split: %d blocks", len(blocks))
	}
	for i, b := range blocks {
		if len(b.Content) > maxBlockSize {
			t.Errorf("block %d exceeds cap: %d bytes", i, len(b.Content))
		}
	}
}

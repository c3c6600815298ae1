package retrieval

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/qiyuan-ai/agentchat/internal/knowledge"
	"github.com/qiyuan-ai/agentchat/internal/log"
	"github.com/qiyuan-ai/agentchat/internal/testutil"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, 0, 0}
	}
	return vectors, nil
}

type fakeVectorIndex struct {
	content []knowledge.Hit
	summary []knowledge.Hit
	err     error
}

func (f *fakeVectorIndex) Search(_ context.Context, _ string, _ []float32, space knowledge.Space, topK int) ([]knowledge.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	hits := f.content
	if space == knowledge.SpaceSummary {
		hits = f.summary
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

type fakeKeywordIndex struct {
	hits  []knowledge.Hit
	err   error
	calls int
}

func (f *fakeKeywordIndex) Search(_ context.Context, _, _ string, topK int) ([]knowledge.Hit, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	hits := f.hits
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func newRetriever(vec *fakeVectorIndex, kw KeywordIndex, cfg Config) *Retriever {
	return New(fakeEmbedder{}, vec, kw, cfg, log.NewNop())
}

func TestSearchFusesAndDeduplicates(t *testing.T) {
	vec := &fakeVectorIndex{content: []knowledge.Hit{
		{ChunkID: "a", Content: "A", Score: 0.9},
		{ChunkID: "b", Content: "B", Score: 0.6},
		{ChunkID: "d", Content: "D", Score: 0.1},
	}}
	kw := &fakeKeywordIndex{hits: []knowledge.Hit{
		{ChunkID: "b", Content: "B", Score: 12.0},
		{ChunkID: "c", Content: "C", Score: 3.0},
	}}

	results, err := newRetriever(vec, kw, Config{VectorWeight: 0.5, KeywordWeight: 0.5}).
		Search(context.Background(), "docs", "query", 10)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}

	if len(results) != 4 {
		t.Fatalf("got %d results, want 4 (deduplicated): %+v", len(results), results)
	}

	// b appears in both legs; exactly once in the output, and with a
	// higher fused score than either single-leg chunk.
	byID := make(map[string]Result)
	for _, r := range results {
		if _, dup := byID[r.ChunkID]; dup {
			t.Fatalf("chunk %q appears twice", r.ChunkID)
		}
		byID[r.ChunkID] = r
	}
	if results[0].ChunkID != "b" {
		t.Errorf("best result = %q, want \"b\" (present in both rankings)", results[0].ChunkID)
	}
}

func TestSearchKeywordFailureDegradesToVectorOnly(t *testing.T) {
	vec := &fakeVectorIndex{content: []knowledge.Hit{
		{ChunkID: "a", Content: "A", Score: 0.9},
		{ChunkID: "b", Content: "B", Score: 0.4},
	}}
	kw := &fakeKeywordIndex{err: errors.New("index corrupted")}

	results, err := newRetriever(vec, kw, Config{VectorWeight: 0.5, KeywordWeight: 0.5}).
		Search(context.Background(), "docs", "query", 10)
	if err != nil {
		t.Fatalf("Search() should not fail on keyword errors: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	// Degraded search keeps full weight: the best vector hit stays at 1.0.
	if results[0].ChunkID != "a" || results[0].Score != 1.0 {
		t.Errorf("best degraded result = %+v, want chunk a with score 1.0", results[0])
	}
}

func TestSearchWithoutKeywordIndex(t *testing.T) {
	vec := &fakeVectorIndex{content: []knowledge.Hit{{ChunkID: "a", Content: "A", Score: 0.8}}}

	results, err := newRetriever(vec, nil, Config{VectorWeight: 1, KeywordWeight: 0}).
		Search(context.Background(), "docs", "query", 5)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != "a" {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestSearchEmptyCollection(t *testing.T) {
	vec := &fakeVectorIndex{}
	kw := &fakeKeywordIndex{}

	results, err := newRetriever(vec, kw, Config{VectorWeight: 0.5, KeywordWeight: 0.5}).
		Search(context.Background(), "missing", "query", 5)
	if err != nil {
		t.Fatalf("Search() on empty collection: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results for empty collection, want 0", len(results))
	}
}

func TestSearchTruncatesToTopK(t *testing.T) {
	vec := &fakeVectorIndex{content: []knowledge.Hit{
		{ChunkID: "a", Score: 0.9},
		{ChunkID: "b", Score: 0.8},
		{ChunkID: "c", Score: 0.7},
	}}

	results, err := newRetriever(vec, nil, Config{VectorWeight: 1}).
		Search(context.Background(), "docs", "query", 2)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want topK=2", len(results))
	}
}

func TestSearchDeterministic(t *testing.T) {
	vec := &fakeVectorIndex{content: []knowledge.Hit{
		{ChunkID: "x", Score: 0.5},
		{ChunkID: "a", Score: 0.5},
		{ChunkID: "m", Score: 0.5},
	}}
	kw := &fakeKeywordIndex{hits: []knowledge.Hit{
		{ChunkID: "m", Score: 2.0},
		{ChunkID: "x", Score: 2.0},
	}}

	r := newRetriever(vec, kw, Config{VectorWeight: 0.5, KeywordWeight: 0.5})

	first, err := r.Search(context.Background(), "docs", "query", 10)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	for range 10 {
		again, err := r.Search(context.Background(), "docs", "query", 10)
		if err != nil {
			t.Fatalf("Search() error: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("results differ across identical searches:\n%+v\n%+v", first, again)
		}
	}

	// Equal fused scores break ties by chunk id ascending.
	if first[0].ChunkID != "m" || first[1].ChunkID != "x" {
		t.Errorf("tie-break order wrong: %+v", first)
	}
}

func TestSearchSummarySpaceKeepsHigherScore(t *testing.T) {
	vec := &fakeVectorIndex{
		content: []knowledge.Hit{
			{ChunkID: "a", Content: "A", Score: 0.4},
			{ChunkID: "b", Content: "B", Score: 0.3},
		},
		summary: []knowledge.Hit{
			{ChunkID: "a", Content: "A", Summary: "summary A", Score: 0.9},
		},
	}

	results, err := newRetriever(vec, nil, Config{VectorWeight: 1, SearchSummary: true}).
		Search(context.Background(), "docs", "query", 10)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ChunkID != "a" || results[0].Summary != "summary A" {
		t.Errorf("summary-space hit did not win: %+v", results[0])
	}
}

func TestSearchEmbedsQueryOnce(t *testing.T) {
	// Both vector spaces and the keyword leg share one query embedding.
	embedder := testutil.NewMockEmbedder(3)
	vec := &fakeVectorIndex{
		content: []knowledge.Hit{{ChunkID: "a", Score: 0.5}},
		summary: []knowledge.Hit{{ChunkID: "a", Score: 0.7}},
	}
	kw := &fakeKeywordIndex{hits: []knowledge.Hit{{ChunkID: "a", Score: 1.0}}}

	r := New(embedder, vec, kw, Config{VectorWeight: 0.5, KeywordWeight: 0.5, SearchSummary: true}, log.NewNop())
	if _, err := r.Search(context.Background(), "docs", "query", 5); err != nil {
		t.Fatalf("Search() error: %v", err)
	}

	if embedder.Calls() != 1 {
		t.Errorf("Embed called %d times, want 1", embedder.Calls())
	}
	if kw.calls != 1 {
		t.Errorf("keyword Search called %d times, want 1", kw.calls)
	}
}

func TestNormalize(t *testing.T) {
	hits := []knowledge.Hit{
		{ChunkID: "a", Score: 10},
		{ChunkID: "b", Score: 5},
		{ChunkID: "c", Score: 0},
	}
	norm := normalize(hits)
	if norm["a"] != 1.0 || norm["b"] != 0.5 || norm["c"] != 0.0 {
		t.Errorf("normalize() = %v", norm)
	}

	single := normalize([]knowledge.Hit{{ChunkID: "only", Score: 0.123}})
	if single["only"] != 1.0 {
		t.Errorf("single-hit ranking should normalize to 1.0, got %v", single["only"])
	}
}

package retrieval

import (
	"sort"

	"github.com/qiyuan-ai/agentchat/internal/knowledge"
)

// mergeMax combines two hit lists of the same score scale, keeping the
// higher score for chunks present in both. Order of the result is by
// score descending, chunk id ascending.
func mergeMax(a, b []knowledge.Hit) []knowledge.Hit {
	if len(b) == 0 {
		return a
	}

	best := make(map[string]knowledge.Hit, len(a)+len(b))
	for _, h := range a {
		best[h.ChunkID] = h
	}
	for _, h := range b {
		if prev, ok := best[h.ChunkID]; !ok || h.Score > prev.Score {
			best[h.ChunkID] = h
		}
	}

	merged := make([]knowledge.Hit, 0, len(best))
	for _, h := range best {
		merged = append(merged, h)
	}
	sortHits(merged)
	return merged
}

// fuse merges the vector and keyword sub-rankings into one ranking.
// Each sub-ranking is min-max normalized to [0, 1] first, so BM25 ranks
// and cosine similarities become comparable. When only one leg produced
// hits it contributes with weight 1, so a degraded search is not scaled
// down artificially.
func fuse(vecHits, kwHits []knowledge.Hit, vectorWeight, keywordWeight float64) []Result {
	if len(vecHits) == 0 && len(kwHits) == 0 {
		return []Result{}
	}

	wv, wk := vectorWeight, keywordWeight
	switch {
	case len(kwHits) == 0:
		wv, wk = 1, 0
	case len(vecHits) == 0:
		wv, wk = 0, 1
	default:
		total := vectorWeight + keywordWeight
		wv, wk = vectorWeight/total, keywordWeight/total
	}

	vecNorm := normalize(vecHits)
	kwNorm := normalize(kwHits)

	type entry struct {
		hit   knowledge.Hit
		score float64
	}
	fused := make(map[string]entry, len(vecHits)+len(kwHits))

	for _, h := range vecHits {
		fused[h.ChunkID] = entry{hit: h, score: wv * vecNorm[h.ChunkID]}
	}
	for _, h := range kwHits {
		e, ok := fused[h.ChunkID]
		if !ok {
			e = entry{hit: h}
		}
		e.score += wk * kwNorm[h.ChunkID]
		fused[h.ChunkID] = e
	}

	results := make([]Result, 0, len(fused))
	for _, e := range fused {
		results = append(results, Result{
			ChunkID: e.hit.ChunkID,
			FileID:  e.hit.FileID,
			Content: e.hit.Content,
			Summary: e.hit.Summary,
			Score:   e.score,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	return results
}

// normalize maps each hit's score into [0, 1] with min-max scaling.
// A ranking with a single distinct score normalizes to 1.0: it is that
// ranking's best evidence.
func normalize(hits []knowledge.Hit) map[string]float64 {
	norm := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return norm
	}

	minScore, maxScore := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < minScore {
			minScore = h.Score
		}
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}

	spread := maxScore - minScore
	for _, h := range hits {
		if spread == 0 {
			norm[h.ChunkID] = 1.0
			continue
		}
		// A chunk seen twice keeps its higher normalized score.
		v := (h.Score - minScore) / spread
		if prev, ok := norm[h.ChunkID]; !ok || v > prev {
			norm[h.ChunkID] = v
		}
	}

	return norm
}

// sortHits orders hits by score descending, chunk id ascending.
func sortHits(hits []knowledge.Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
}

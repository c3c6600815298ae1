// Package testutil provides test doubles shared across packages.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
)

// MockEmbedder produces deterministic embeddings without a network call.
// Each text hashes to a unit vector, so identical texts always embed
// identically and distinct texts are very unlikely to collide. SetVector
// pins an exact vector for a given text when a test needs controlled
// similarity.
type MockEmbedder struct {
	dim int

	mu    sync.Mutex
	fixed map[string][]float32
	calls int
}

// NewMockEmbedder creates a mock embedder producing dim-sized vectors.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{
		dim:   dim,
		fixed: make(map[string][]float32),
	}
}

// SetVector pins the vector returned for text. The vector is used as
// given, without normalization.
func (m *MockEmbedder) SetVector(text string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixed[text] = vec
}

// Embed returns one vector per input text.
func (m *MockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if vec, ok := m.fixed[text]; ok {
			out[i] = vec
			continue
		}
		out[i] = m.vectorFor(text)
	}
	return out, nil
}

// Calls returns how many times Embed has been invoked.
func (m *MockEmbedder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Dim returns the vector dimension.
func (m *MockEmbedder) Dim() int { return m.dim }

// vectorFor expands the text's hash into a unit vector. Successive
// sha256 blocks of text plus a counter fill the dimensions.
func (m *MockEmbedder) vectorFor(text string) []float32 {
	vec := make([]float32, m.dim)

	var counter [1]byte
	var norm float64
	for i := 0; i < m.dim; {
		sum := sha256.Sum256(append([]byte(text), counter[0]))
		counter[0]++
		for off := 0; off+4 <= len(sum) && i < m.dim; off += 4 {
			u := binary.BigEndian.Uint32(sum[off : off+4])
			// Map to [-1, 1).
			v := float64(int32(u)) / float64(math.MaxInt32)
			vec[i] = float32(v)
			norm += v * v
			i++
		}
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

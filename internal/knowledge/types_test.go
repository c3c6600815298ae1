package knowledge

import (
	"errors"
	"testing"
)

func TestChunkValidate(t *testing.T) {
	const dim = 4
	valid := Chunk{
		ChunkID:   "c1",
		FileID:    "f1",
		Content:   "hello",
		Embedding: []float32{1, 0, 0, 0},
	}

	tests := []struct {
		name    string
		mutate  func(*Chunk)
		wantErr error
	}{
		{
			name:   "valid chunk",
			mutate: func(c *Chunk) {},
		},
		{
			name:   "valid with summary embedding",
			mutate: func(c *Chunk) { c.SummaryEmbedding = []float32{0, 1, 0, 0} },
		},
		{
			name:    "empty chunk id",
			mutate:  func(c *Chunk) { c.ChunkID = "" },
			wantErr: ErrEmptyChunkID,
		},
		{
			name:    "missing embedding",
			mutate:  func(c *Chunk) { c.Embedding = nil },
			wantErr: ErrEmptyEmbedding,
		},
		{
			name:    "wrong embedding dimension",
			mutate:  func(c *Chunk) { c.Embedding = []float32{1, 2} },
			wantErr: ErrDimensionMismatch,
		},
		{
			name:    "wrong summary dimension",
			mutate:  func(c *Chunk) { c.SummaryEmbedding = []float32{1} },
			wantErr: ErrDimensionMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate(dim)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

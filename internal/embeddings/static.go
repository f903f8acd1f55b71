package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// StaticEmbedder is the deterministic fallback used when no real
// embedding model is configured. Vectors are derived from SHA-256
// digests of the text and normalized to the unit sphere, so identical
// texts always land on identical points and the rest of the system
// stays testable without a model.
type StaticEmbedder struct {
	dimension int
}

// NewStaticEmbedder creates a fallback embedder with the given vector
// width.
func NewStaticEmbedder(dimension int) *StaticEmbedder {
	if dimension <= 0 {
		dimension = 384
	}
	return &StaticEmbedder{dimension: dimension}
}

// Embed implements Embedder.
func (e *StaticEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := e.EmbedSingle(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		results[i] = vec
	}
	return results, nil
}

// EmbedSingle implements Embedder. Counter-extended digests fill the
// vector: block b contributes the words of sha256(text || NUL || b).
func (e *StaticEmbedder) EmbedSingle(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimension)

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return vec, nil
	}

	filled := 0
	for block := 0; filled < e.dimension; block++ {
		digest := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d", trimmed, block)))
		for off := 0; off+4 <= len(digest) && filled < e.dimension; off += 4 {
			word := binary.BigEndian.Uint32(digest[off : off+4])
			// Map the word onto [-1, 1].
			vec[filled] = float32(word)/float32(math.MaxUint32)*2 - 1
			filled++
		}
	}

	normalizeInPlace(vec)
	return vec, nil
}

// Dimension implements Embedder.
func (e *StaticEmbedder) Dimension() int {
	return e.dimension
}

// IsAvailable implements Embedder. The fallback is always available.
func (e *StaticEmbedder) IsAvailable(_ context.Context) bool {
	return true
}

// normalizeInPlace scales v to unit length. Zero vectors are left
// untouched.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

var _ Embedder = (*StaticEmbedder)(nil)

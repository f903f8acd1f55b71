// Package embeddings defines the embedding capability used by the
// semantic store and retriever, a deterministic fallback embedder, and
// an LRU-cached wrapper.
package embeddings

import "context"

// Embedder maps text to fixed-dimension vectors. Implementations must
// be deterministic for a fixed model: the same text always yields the
// same vector.
type Embedder interface {
	// Embed returns one vector per input text, length-preserving.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedSingle embeds one text.
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
	// Dimension is the vector width produced by this embedder.
	Dimension() int
	// IsAvailable reports whether the underlying model is reachable.
	IsAvailable(ctx context.Context) bool
}

// Batch size tiers for bulk ingestion.
const (
	batchSmall  = 32
	batchMedium = 64
	batchLarge  = 128
)

// BatchSize picks the embedding batch size for a document with the
// given chunk count. Larger documents amortize dispatch cost with
// bigger batches.
func BatchSize(totalChunks int) int {
	switch {
	case totalChunks < 100:
		return batchSmall
	case totalChunks < 500:
		return batchMedium
	default:
		return batchLarge
	}
}

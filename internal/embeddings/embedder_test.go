package embeddings

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEmbedderDeterministic(t *testing.T) {
	e := NewStaticEmbedder(384)
	ctx := context.Background()

	a, err := e.EmbedSingle(ctx, "hello world")
	require.NoError(t, err)
	b, err := e.EmbedSingle(ctx, "hello world")
	require.NoError(t, err)

	assert.Equal(t, a, b, "same text must yield the same vector")
	assert.Len(t, a, 384)
}

func TestStaticEmbedderDistinctTexts(t *testing.T) {
	e := NewStaticEmbedder(64)
	ctx := context.Background()

	a, err := e.EmbedSingle(ctx, "alpha")
	require.NoError(t, err)
	b, err := e.EmbedSingle(ctx, "beta")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestStaticEmbedderUnitNorm(t *testing.T) {
	e := NewStaticEmbedder(128)

	vec, err := e.EmbedSingle(context.Background(), "normalize me")
	require.NoError(t, err)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestStaticEmbedderEmptyText(t *testing.T) {
	e := NewStaticEmbedder(32)

	vec, err := e.EmbedSingle(context.Background(), "   ")
	require.NoError(t, err)

	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestStaticEmbedderBatchLengthPreserving(t *testing.T) {
	e := NewStaticEmbedder(48)

	texts := []string{"one", "two", "three"}
	vecs, err := e.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))

	single, err := e.EmbedSingle(context.Background(), "two")
	require.NoError(t, err)
	assert.Equal(t, single, vecs[1])
}

// countingEmbedder records how many texts reached the inner model.
type countingEmbedder struct {
	inner Embedder
	calls int
	fail  bool
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.fail {
		return nil, errors.New("model offline")
	}
	c.calls += len(texts)
	return c.inner.Embed(ctx, texts)
}

func (c *countingEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	if c.fail {
		return nil, errors.New("model offline")
	}
	c.calls++
	return c.inner.EmbedSingle(ctx, text)
}

func (c *countingEmbedder) Dimension() int                   { return c.inner.Dimension() }
func (c *countingEmbedder) IsAvailable(context.Context) bool { return !c.fail }

func TestCachedEmbedderHitsSkipInner(t *testing.T) {
	counter := &countingEmbedder{inner: NewStaticEmbedder(32)}
	cached := NewCachedEmbedder(counter, 1000)
	ctx := context.Background()

	first, err := cached.EmbedSingle(ctx, "repeated query")
	require.NoError(t, err)
	second, err := cached.EmbedSingle(ctx, "repeated query")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, counter.calls, "second lookup must be served from cache")
}

func TestCachedEmbedderBatchEmbedsOnlyMisses(t *testing.T) {
	counter := &countingEmbedder{inner: NewStaticEmbedder(32)}
	cached := NewCachedEmbedder(counter, 1000)
	ctx := context.Background()

	_, err := cached.EmbedSingle(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, 1, counter.calls)

	vecs, err := cached.Embed(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, 3, counter.calls, "only the two misses should hit the inner embedder")
}

func TestCachedEmbedderPropagatesFailure(t *testing.T) {
	counter := &countingEmbedder{inner: NewStaticEmbedder(32), fail: true}
	cached := NewCachedEmbedder(counter, 1000)

	_, err := cached.EmbedSingle(context.Background(), "anything")
	assert.Error(t, err)
	assert.False(t, cached.IsAvailable(context.Background()))
}

func TestBatchSizeTiers(t *testing.T) {
	tests := []struct {
		chunks int
		want   int
	}{
		{chunks: 1, want: 32},
		{chunks: 99, want: 32},
		{chunks: 100, want: 64},
		{chunks: 499, want: 64},
		{chunks: 500, want: 128},
		{chunks: 5000, want: 128},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BatchSize(tt.chunks), "chunks=%d", tt.chunks)
	}
}

package retrieval

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"testing"
	"time"

	"mcp-agent-memory/internal/embeddings"
	memerrors "mcp-agent-memory/internal/errors"
	"mcp-agent-memory/internal/storage"
	"mcp-agent-memory/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bagEmbedder hashes words into count buckets, so texts sharing words
// get strictly positive cosine similarity. Deterministic by
// construction.
type bagEmbedder struct{ dim int }

func (b bagEmbedder) EmbedSingle(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, b.dim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[int(h.Sum32())%b.dim]++
	}
	return vec, nil
}

func (b bagEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := b.EmbedSingle(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (b bagEmbedder) Dimension() int                   { return b.dim }
func (b bagEmbedder) IsAvailable(context.Context) bool { return true }

var _ embeddings.Embedder = bagEmbedder{}

func newTestRetriever(t *testing.T, expansions int) (*Retriever, storage.SemanticStore) {
	t.Helper()
	embedder := bagEmbedder{dim: 64}
	store, err := storage.NewLegacySemanticStore(t.TempDir(), embedder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, embedder, expansions), store
}

func seedDocument(t *testing.T, store storage.SemanticStore, content, source, chunkType string) {
	t.Helper()
	_, err := store.AddDocument(context.Background(), content, map[string]interface{}{
		types.MetaSource: source,
		types.MetaType:   chunkType,
	}, 500, 0)
	require.NoError(t, err)
}

func TestRetrieveTriggerGating(t *testing.T) {
	retriever, store := newTestRetriever(t, 0)
	seedDocument(t, store, "retry budget documentation", "docs/retry.md", "doc")
	ctx := context.Background()

	// Empty trigger defaults to external_info_needed.
	_, err := retriever.Retrieve(ctx, Request{Query: "retry budget"})
	require.NoError(t, err)

	for _, trigger := range []types.RetrievalTrigger{
		types.TriggerExternalInfoNeeded,
		types.TriggerSymbolicInsufficient,
		types.TriggerEpisodicSuggests,
		types.TriggerExplicitRequest,
	} {
		_, err := retriever.Retrieve(ctx, Request{Query: "retry budget", Trigger: trigger})
		assert.NoError(t, err, string(trigger))
	}

	_, err = retriever.Retrieve(ctx, Request{Query: "retry budget", Trigger: "because_i_want_to"})
	assert.True(t, memerrors.IsKind(err, memerrors.KindInvalidTrigger))

	_, err = retriever.Retrieve(ctx, Request{Query: "   "})
	assert.True(t, memerrors.IsKind(err, memerrors.KindInvalidArgument))
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding backend down")
}
func (f failingEmbedder) EmbedSingle(ctx context.Context, _ string) ([]float32, error) {
	_, err := f.Embed(ctx, nil)
	return nil, err
}
func (failingEmbedder) Dimension() int                   { return 32 }
func (failingEmbedder) IsAvailable(context.Context) bool { return false }

func TestRetrieveEmbedFailureIsDependencyUnavailable(t *testing.T) {
	_, store := newTestRetriever(t, 0)
	retriever := New(store, failingEmbedder{}, 0)

	_, err := retriever.Retrieve(context.Background(), Request{Query: "anything"})
	assert.True(t, memerrors.IsKind(err, memerrors.KindDependencyUnavailable))
}

func TestRetrieveCompositeScoring(t *testing.T) {
	retriever, store := newTestRetriever(t, 0)
	seedDocument(t, store, "func Connect() opens the api client", "src/code_client.go", "code")
	seedDocument(t, store, "the api client opens a connection", "docs/client.md", "doc")
	ctx := context.Background()

	results, err := retriever.Retrieve(ctx, Request{Query: "function to implement the api client"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	var code, doc *Result
	for i := range results {
		switch results[i].Metadata[types.MetaType] {
		case "code":
			code = &results[i]
		case "doc":
			doc = &results[i]
		}
	}
	require.NotNil(t, code)
	require.NotNil(t, doc)

	// Code keywords + type=code, and "code" in the filename.
	assert.InDelta(t, 0.5, code.MetadataBoost, 1e-9)
	assert.Zero(t, doc.MetadataBoost)
	assert.InDelta(t,
		weightSimilarity*code.Similarity+weightMetadata*code.MetadataBoost+weightRecency*code.RecencyBoost,
		code.Score, 1e-9)
}

func TestRetrieveTopKAndMinScore(t *testing.T) {
	retriever, store := newTestRetriever(t, 0)
	seedDocument(t, store, "scheduling documentation part one", "docs/one.md", "doc")
	seedDocument(t, store, "scheduling documentation part two", "docs/two.md", "doc")
	seedDocument(t, store, "scheduling documentation part three", "docs/three.md", "doc")

	results, err := retriever.Retrieve(context.Background(), Request{Query: "scheduling", TopK: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	none, err := retriever.Retrieve(context.Background(), Request{Query: "scheduling", MinScore: 2.0})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRetrieveDeterministic(t *testing.T) {
	retriever, store := newTestRetriever(t, 2)
	seedDocument(t, store, "how connection pooling works", "docs/pool.md", "doc")
	seedDocument(t, store, "pool sizing guidance", "docs/sizing.md", "doc")
	ctx := context.Background()

	first, err := retriever.Retrieve(ctx, Request{Query: "find connection pooling"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := retriever.Retrieve(ctx, Request{Query: "find connection pooling"})
		require.NoError(t, err)
		require.Len(t, again, len(first))
		for j := range first {
			assert.Equal(t, first[j].ChunkID, again[j].ChunkID)
		}
	}
}

func TestRecencyBoost(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	fresh := map[string]interface{}{types.MetaCreatedAt: now.Format(time.RFC3339)}
	assert.InDelta(t, 1.0, recencyBoost(fresh, now), 1e-9)

	half := map[string]interface{}{types.MetaCreatedAt: now.AddDate(0, 0, -15).Format(time.RFC3339)}
	assert.InDelta(t, 0.5, recencyBoost(half, now), 1e-9)

	stale := map[string]interface{}{types.MetaCreatedAt: now.AddDate(0, 0, -45).Format(time.RFC3339)}
	assert.Zero(t, recencyBoost(stale, now))

	assert.Zero(t, recencyBoost(map[string]interface{}{}, now))
	assert.Zero(t, recencyBoost(map[string]interface{}{types.MetaCreatedAt: "not-a-time"}, now))
}

func TestExpandQuery(t *testing.T) {
	variants := ExpandQuery("how do I fix the build error?", 5)
	require.NotEmpty(t, variants)
	// Question reformulation comes first.
	assert.Equal(t, "fix the build error", variants[0])
	assert.LessOrEqual(t, len(variants), 5)

	// Deterministic across calls.
	assert.Equal(t, variants, ExpandQuery("how do I fix the build error?", 5))

	assert.Nil(t, ExpandQuery("fix it", 0))

	capped := ExpandQuery("fix the test error", 1)
	assert.Len(t, capped, 1)
}

// Package retrieval runs gated semantic retrieval with composite
// scoring over similarity, metadata affinity, and recency.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"mcp-agent-memory/internal/embeddings"
	memerrors "mcp-agent-memory/internal/errors"
	"mcp-agent-memory/internal/logging"
	"mcp-agent-memory/internal/storage"
	"mcp-agent-memory/pkg/types"
)

// Composite score weights.
const (
	weightSimilarity = 0.7
	weightMetadata   = 0.2
	weightRecency    = 0.1

	recencyWindowDays = 30
)

// codeKeywords mark queries that are looking for code.
var codeKeywords = []string{"function", "class", "api", "method", "implement", "code"}

// Request describes one retrieval. An empty Trigger means
// external_info_needed, the common case for agents pulling reference
// material.
type Request struct {
	Query    string
	Trigger  types.RetrievalTrigger
	TopK     int
	MinScore float64
	Filters  map[string]interface{}
}

// Result is one retrieved chunk with its score decomposition.
type Result struct {
	types.SemanticResult
	Similarity    float64 `json:"similarity"`
	MetadataBoost float64 `json:"metadata_boost"`
	RecencyBoost  float64 `json:"recency_boost"`
}

// Retriever searches one project's semantic store.
type Retriever struct {
	store         storage.SemanticStore
	embedder      embeddings.Embedder
	numExpansions int
	logger        logging.Logger
}

// New builds a retriever. numExpansions bounds deterministic query
// expansion; zero disables it.
func New(store storage.SemanticStore, embedder embeddings.Embedder, numExpansions int) *Retriever {
	return &Retriever{
		store:         store,
		embedder:      embedder,
		numExpansions: numExpansions,
		logger:        logging.WithComponent("retrieval"),
	}
}

// Retrieve gates on the trigger, embeds the query (and its expansions),
// searches, rescores, and returns the top K results.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]Result, error) {
	trigger := req.Trigger
	if trigger == "" {
		trigger = types.TriggerExternalInfoNeeded
	}
	if !trigger.Valid() {
		return nil, memerrors.Newf(memerrors.KindInvalidTrigger, "invalid retrieval trigger: %q", req.Trigger)
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, memerrors.New(memerrors.KindInvalidArgument, "query cannot be empty")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}

	queries := append([]string{req.Query}, ExpandQuery(req.Query, r.numExpansions)...)

	// Dedup across query variants by chunk id, keeping the best
	// similarity.
	best := make(map[string]types.SemanticResult)
	for _, query := range queries {
		vec, err := r.embedder.EmbedSingle(ctx, query)
		if err != nil {
			return nil, memerrors.Wrap(memerrors.KindDependencyUnavailable, "embedding service unavailable", err)
		}
		// Over-fetch with no floor so rescoring has room to reorder;
		// the caller's MinScore applies to the composite score.
		hits, err := r.store.Search(ctx, vec, topK*3, req.Filters, -1)
		if err != nil {
			return nil, err
		}
		for _, hit := range hits {
			if prev, ok := best[hit.ChunkID]; !ok || hit.Score > prev.Score {
				best[hit.ChunkID] = hit
			}
		}
	}

	now := time.Now().UTC()
	results := make([]Result, 0, len(best))
	for _, hit := range best {
		scored := rescore(hit, req.Query, now)
		if scored.Score < req.MinScore {
			continue
		}
		results = append(results, scored)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	r.logger.DebugContext(ctx, "retrieval complete",
		"trigger", string(trigger), "variants", len(queries), "results", len(results))
	return results, nil
}

// rescore combines similarity with metadata and recency boosts.
func rescore(hit types.SemanticResult, query string, now time.Time) Result {
	metadata := metadataBoost(hit, query)
	recency := recencyBoost(hit.Metadata, now)
	return Result{
		SemanticResult: types.SemanticResult{
			ChunkID:    hit.ChunkID,
			DocumentID: hit.DocumentID,
			Content:    hit.Content,
			Score:      weightSimilarity*hit.Score + weightMetadata*metadata + weightRecency*recency,
			Metadata:   hit.Metadata,
			ChunkIndex: hit.ChunkIndex,
			Citation:   hit.Citation,
		},
		Similarity:    hit.Score,
		MetadataBoost: metadata,
		RecencyBoost:  recency,
	}
}

func metadataBoost(hit types.SemanticResult, query string) float64 {
	lowered := strings.ToLower(query)
	boost := 0.0

	if chunkType, _ := hit.Metadata[types.MetaType].(string); chunkType == string(types.ChunkKindCode) {
		for _, kw := range codeKeywords {
			if strings.Contains(lowered, kw) {
				boost += 0.3
				break
			}
		}
	}
	if source, _ := hit.Metadata[types.MetaSource].(string); source != "" {
		if strings.Contains(strings.ToLower(source), "code") {
			boost += 0.2
		}
		if strings.Contains(lowered, strings.ToLower(source)) {
			boost += 0.2
		}
	}
	if boost > 1 {
		boost = 1
	}
	return boost
}

// recencyBoost falls linearly from 1 to 0 over 30 days since the chunk
// was created. Chunks without a parseable created_at get no boost.
func recencyBoost(metadata map[string]interface{}, now time.Time) float64 {
	raw, _ := metadata[types.MetaCreatedAt].(string)
	if raw == "" {
		return 0
	}
	created, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0
	}
	age := now.Sub(created)
	if age < 0 {
		age = 0
	}
	window := time.Duration(recencyWindowDays) * 24 * time.Hour
	if age >= window {
		return 0
	}
	return 1 - float64(age)/float64(window)
}

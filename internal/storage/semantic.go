package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mcp-agent-memory/internal/chunking"
	"mcp-agent-memory/internal/embeddings"
	memerrors "mcp-agent-memory/internal/errors"
	"mcp-agent-memory/internal/logging"
	"mcp-agent-memory/pkg/types"
)

// SemanticStore is the per-project chunked document store. Two backends
// implement it: a file-backed JSON store with linear cosine search
// (legacy) and an embedded HNSW index (chromadb). Semantic content is
// non-authoritative.
type SemanticStore interface {
	// AddDocument chunks, embeds, and persists content. Chunk ids are
	// returned in chunk order. Embedding failure is not fatal: chunks
	// are stored with empty vectors and skipped by Search.
	AddDocument(ctx context.Context, content string, metadata map[string]interface{}, chunkSize, overlap int) ([]string, error)
	// Search runs cosine similarity over chunks passing all filters.
	Search(ctx context.Context, queryVec []float32, topK int, filters map[string]interface{}, minScore float64) ([]types.SemanticResult, error)
	// GetChunkByID fetches one chunk.
	GetChunkByID(ctx context.Context, chunkID string) (*types.DocumentChunk, error)
	// DeleteDocument removes every chunk of a document, returning the
	// number removed.
	DeleteDocument(ctx context.Context, documentID string) (int, error)
	// ListSources aggregates chunks into per-source records.
	ListSources(ctx context.Context) ([]types.SourceInfo, error)
	// Stats summarizes the index.
	Stats(ctx context.Context) (*types.SemanticStats, error)
	// Save persists the index to its directory.
	Save() error
	// Load restores the index from its directory. Missing files mean a
	// fresh index, not an error.
	Load() error
	// Close releases the directory lock and in-memory state.
	Close() error
}

// Metadata keys that may never appear on a semantic chunk: symbolic and
// episodic content must not leak into the non-authoritative store.
var forbiddenMetadataKeys = map[string]struct{}{
	"user_preference": {},
	"preference":      {},
	"user_likes":      {},
	"agent_decision":  {},
	"decision":        {},
	"system_decision": {},
	"agent_lesson":    {},
	"chat_history":    {},
	"conversation":    {},
	"dialogue":        {},
}

// Phrase patterns identifying preference/decision/lesson/chat content.
// Matching is phrase-level: single technical tokens ("episode") never
// reject.
var forbiddenPhrases = []string{
	"user prefers",
	"the user prefers",
	"user preference:",
	"agent decided",
	"we decided that",
	"decision was made to",
	"lesson learned:",
	"agent lesson:",
	"conversation history",
	"chat history",
	"chat transcript",
	"dialogue transcript",
}

// CheckForbiddenContent rejects chunk material carrying symbolic,
// episodic, or conversational content. It runs before anything is
// persisted.
func CheckForbiddenContent(content string, metadata map[string]interface{}) error {
	for key := range metadata {
		if _, forbidden := forbiddenMetadataKeys[strings.ToLower(key)]; forbidden {
			return memerrors.Newf(memerrors.KindForbiddenContent, "metadata key %q identifies non-semantic content", key)
		}
	}
	lowered := strings.ToLower(content)
	for _, phrase := range forbiddenPhrases {
		if strings.Contains(lowered, phrase) {
			return memerrors.Newf(memerrors.KindForbiddenContent, "content matches forbidden phrase %q", phrase)
		}
	}
	return nil
}

// DocumentIDFor derives the stable document id: a SHA-256 prefix of the
// cleaned source path, so re-ingesting the same path yields the same
// id. Without a source the content itself is hashed.
func DocumentIDFor(metadata map[string]interface{}, content string) string {
	if source, ok := metadata[types.MetaSource].(string); ok && source != "" {
		return hashID(filepath.Clean(source))
	}
	return hashID(content)
}

func hashID(s string) string {
	digest := sha256.Sum256([]byte(s))
	return hex.EncodeToString(digest[:8])
}

// documentRecord is one entry of the per-document metadata manifest.
type documentRecord struct {
	DocumentID  string    `json:"document_id"`
	Source      string    `json:"source"`
	Type        string    `json:"type"`
	ChunkCount  int       `json:"chunk_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// documentsManifest is the metadata/documents.json snapshot shared by
// both backends.
type documentsManifest struct {
	Dimensions int                        `json:"dimensions"`
	Documents  map[string]*documentRecord `json:"documents"`
}

const (
	chunksFileName    = "chunks.json"
	documentsFileName = "documents.json"
	metadataDirName   = "metadata"
)

func manifestPath(dir string) string {
	return filepath.Join(dir, metadataDirName, documentsFileName)
}

func saveManifest(dir string, m *documentsManifest) error {
	path := manifestPath(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	return writeJSONAtomic(path, m)
}

func loadManifest(dir string) (*documentsManifest, error) {
	m := &documentsManifest{Documents: make(map[string]*documentRecord)}
	data, err := os.ReadFile(manifestPath(dir))
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read documents manifest: %w", err)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse documents manifest: %w", err)
	}
	if m.Documents == nil {
		m.Documents = make(map[string]*documentRecord)
	}
	return m, nil
}

// writeJSONAtomic persists v as JSON via temp file + rename.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

// buildChunks runs the guard, chunks the content, and attaches per-chunk
// metadata. Nothing is embedded or persisted yet.
func buildChunks(content string, metadata map[string]interface{}, chunkSize, overlap int) ([]*types.DocumentChunk, string, error) {
	if strings.TrimSpace(content) == "" {
		return nil, "", memerrors.New(memerrors.KindInvalidArgument, "document content cannot be empty")
	}
	if err := CheckForbiddenContent(content, metadata); err != nil {
		return nil, "", err
	}

	documentID := DocumentIDFor(metadata, content)
	pieces := chunking.Chunk(content, chunkSize, overlap)
	if len(pieces) == 0 {
		return nil, "", memerrors.New(memerrors.KindInvalidArgument, "document produced no chunks")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	chunks := make([]*types.DocumentChunk, len(pieces))
	for i, piece := range pieces {
		meta := make(map[string]interface{}, len(metadata)+4)
		for k, v := range metadata {
			meta[k] = v
		}
		meta[types.MetaDocumentID] = documentID
		meta[types.MetaChunkIndex] = i
		meta[types.MetaTotalChunks] = len(pieces)
		if _, ok := meta[types.MetaCreatedAt]; !ok {
			meta[types.MetaCreatedAt] = now
		}
		chunks[i] = &types.DocumentChunk{
			ChunkID:    types.ChunkID(documentID, i),
			DocumentID: documentID,
			Content:    piece,
			Metadata:   meta,
			ChunkIndex: i,
		}
	}
	return chunks, documentID, nil
}

// embedChunks batch-embeds the chunks with an adaptive batch size.
// On embedder failure the affected chunks keep empty vectors; the
// degraded flag tells the caller to report partial success.
func embedChunks(ctx context.Context, embedder embeddings.Embedder, logger logging.Logger, chunks []*types.DocumentChunk) (degraded bool) {
	if embedder == nil {
		return true
	}
	batchSize := embeddings.BatchSize(len(chunks))
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, end-start)
		for i := start; i < end; i++ {
			texts[i-start] = chunks[i].Content
		}
		vectors, err := embedder.Embed(ctx, texts)
		if err != nil {
			logger.WarnContext(ctx, "embedding batch failed, storing chunks without vectors",
				"error", err.Error(), "batch_start", start, "batch_size", end-start)
			degraded = true
			continue
		}
		for i := start; i < end; i++ {
			chunks[i].Embedding = vectors[i-start]
		}
	}
	return degraded
}

// cosineSimilarity computes the cosine of two vectors, 0 when either is
// empty or degenerate.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// matchesFilters applies exact-equality filters; a list-valued filter
// means membership.
func matchesFilters(metadata, filters map[string]interface{}) bool {
	for key, want := range filters {
		got, ok := metadata[key]
		if !ok {
			return false
		}
		if list, isList := want.([]interface{}); isList {
			found := false
			for _, candidate := range list {
				if fmt.Sprintf("%v", candidate) == fmt.Sprintf("%v", got) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if fmt.Sprintf("%v", want) != fmt.Sprintf("%v", got) {
			return false
		}
	}
	return true
}

// resultFromChunk builds the wire result for one scored chunk.
func resultFromChunk(chunk *types.DocumentChunk, score float64) types.SemanticResult {
	return types.SemanticResult{
		ChunkID:    chunk.ChunkID,
		DocumentID: chunk.DocumentID,
		Content:    chunk.Content,
		Score:      score,
		Metadata:   chunk.Metadata,
		ChunkIndex: chunk.ChunkIndex,
		Citation:   chunk.Citation(),
	}
}

// checkDimension refuses reads and writes across an embedding
// dimension change: an index built with one model must not silently mix
// vectors of another width.
func checkDimension(recorded, got int) error {
	if recorded != 0 && got != 0 && recorded != got {
		return memerrors.Newf(memerrors.KindConflict,
			"embedding dimension mismatch: index recorded %d, got %d", recorded, got)
	}
	return nil
}

// documentTypeOf extracts the chunk type metadata, defaulting to doc.
func documentTypeOf(metadata map[string]interface{}) string {
	if t, ok := metadata[types.MetaType].(string); ok && t != "" {
		return t
	}
	return string(types.ChunkKindDoc)
}

// sourceOf extracts the source path metadata, defaulting to unknown.
func sourceOf(metadata map[string]interface{}) string {
	if s, ok := metadata[types.MetaSource].(string); ok && s != "" {
		return s
	}
	return "unknown"
}

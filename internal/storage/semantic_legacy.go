package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"mcp-agent-memory/internal/embeddings"
	memerrors "mcp-agent-memory/internal/errors"
	"mcp-agent-memory/internal/logging"
	"mcp-agent-memory/pkg/types"

	"github.com/gofrs/flock"
)

// LegacySemanticStore is the file-backed JSON backend: all chunks live
// in chunks.json and search is a linear cosine scan. Simple, portable,
// adequate for per-project corpora.
type LegacySemanticStore struct {
	mu       sync.RWMutex
	dir      string
	embedder embeddings.Embedder
	logger   logging.Logger

	chunks   map[string]*types.DocumentChunk
	manifest *documentsManifest
	dirLock  *flock.Flock
	closed   bool
}

// NewLegacySemanticStore opens the legacy backend over an index
// directory, acquiring its cross-process lock.
func NewLegacySemanticStore(dir string, embedder embeddings.Embedder) (*LegacySemanticStore, error) {
	lock, err := lockIndexDir(dir)
	if err != nil {
		return nil, err
	}
	return &LegacySemanticStore{
		dir:      dir,
		embedder: embedder,
		logger:   logging.WithComponent("semantic_legacy"),
		chunks:   make(map[string]*types.DocumentChunk),
		manifest: &documentsManifest{Documents: make(map[string]*documentRecord)},
		dirLock:  lock,
	}, nil
}

// lockIndexDir takes the non-blocking directory lock shared by both
// backends. Another process holding the lock is a conflict, not a wait.
func lockIndexDir(dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	lock := flock.New(filepath.Join(dir, ".index.lock"))
	acquired, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire index lock: %w", err)
	}
	if !acquired {
		return nil, memerrors.Newf(memerrors.KindConflict, "semantic index %s is locked by another process", dir)
	}
	return lock, nil
}

// AddDocument implements SemanticStore. Chunks become visible only
// after Save succeeds inside the write-lock critical section, so a
// canceled ingest leaves no partial state behind.
func (s *LegacySemanticStore) AddDocument(ctx context.Context, content string, metadata map[string]interface{}, chunkSize, overlap int) ([]string, error) {
	chunks, documentID, err := buildChunks(content, metadata, chunkSize, overlap)
	if err != nil {
		return nil, err
	}

	degraded := embedChunks(ctx, s.embedder, s.logger, chunks)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, memerrors.New(memerrors.KindInternal, "semantic store is closed")
	}
	if s.embedder != nil {
		if err := checkDimension(s.manifest.Dimensions, s.embedder.Dimension()); err != nil {
			return nil, err
		}
	}

	// Replace any previous version of the document, keeping a snapshot
	// so a failed save can reinstate it.
	prevChunks, prevRecord := s.snapshotDocumentLocked(documentID)
	s.removeDocumentLocked(documentID)

	ids := make([]string, len(chunks))
	for i, chunk := range chunks {
		s.chunks[chunk.ChunkID] = chunk
		ids[i] = chunk.ChunkID
	}
	s.manifest.Documents[documentID] = &documentRecord{
		DocumentID:  documentID,
		Source:      sourceOf(metadata),
		Type:        documentTypeOf(metadata),
		ChunkCount:  len(chunks),
		LastUpdated: time.Now().UTC(),
	}
	if s.manifest.Dimensions == 0 && s.embedder != nil {
		s.manifest.Dimensions = s.embedder.Dimension()
	}

	if err := s.saveLocked(); err != nil {
		// Roll back: the ingest is atomic from the caller's view.
		s.removeDocumentLocked(documentID)
		s.restoreDocumentLocked(prevChunks, prevRecord)
		return nil, err
	}

	if degraded {
		s.logger.WarnContext(ctx, "document stored with unembedded chunks", "document_id", documentID)
	}
	return ids, nil
}

// Search implements SemanticStore: linear cosine over filtered chunks,
// skipping chunks without embeddings.
func (s *LegacySemanticStore) Search(ctx context.Context, queryVec []float32, topK int, filters map[string]interface{}, minScore float64) ([]types.SemanticResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, memerrors.New(memerrors.KindInternal, "semantic store is closed")
	}
	if err := checkDimension(s.manifest.Dimensions, len(queryVec)); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}

	results := make([]types.SemanticResult, 0, topK)
	for _, chunk := range s.chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !chunk.HasEmbedding() {
			continue
		}
		if !matchesFilters(chunk.Metadata, filters) {
			continue
		}
		score := cosineSimilarity(queryVec, chunk.Embedding)
		if score < minScore {
			continue
		}
		results = append(results, resultFromChunk(chunk, score))
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
	return results, nil
}

// GetChunkByID implements SemanticStore.
func (s *LegacySemanticStore) GetChunkByID(_ context.Context, chunkID string) (*types.DocumentChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunk, ok := s.chunks[chunkID]
	if !ok {
		return nil, memerrors.Newf(memerrors.KindNotFound, "chunk not found: %s", chunkID)
	}
	return chunk, nil
}

// DeleteDocument implements SemanticStore.
func (s *LegacySemanticStore) DeleteDocument(_ context.Context, documentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, memerrors.New(memerrors.KindInternal, "semantic store is closed")
	}

	removed := s.removeDocumentLocked(documentID)
	if removed == 0 {
		return 0, nil
	}
	if err := s.saveLocked(); err != nil {
		return 0, err
	}
	return removed, nil
}

// ListSources implements SemanticStore.
func (s *LegacySemanticStore) ListSources(_ context.Context) ([]types.SourceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sourcesFromManifest(s.manifest), nil
}

// Stats implements SemanticStore.
func (s *LegacySemanticStore) Stats(_ context.Context) (*types.SemanticStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &types.SemanticStats{
		TotalChunks:    len(s.chunks),
		TotalDocuments: len(s.manifest.Documents),
		Dimensions:     s.manifest.Dimensions,
		Backend:        "legacy",
	}
	for _, chunk := range s.chunks {
		if !chunk.HasEmbedding() {
			stats.ChunksWithoutEmbedding++
		}
	}
	return stats, nil
}

// Save implements SemanticStore.
func (s *LegacySemanticStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// Load implements SemanticStore.
func (s *LegacySemanticStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	manifest, err := loadManifest(s.dir)
	if err != nil {
		return err
	}

	chunks := make(map[string]*types.DocumentChunk)
	data, err := os.ReadFile(filepath.Join(s.dir, chunksFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read chunks file: %w", err)
	}
	if err == nil {
		var list []*types.DocumentChunk
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("failed to parse chunks file: %w", err)
		}
		for _, chunk := range list {
			chunks[chunk.ChunkID] = chunk
		}
	}

	s.manifest = manifest
	s.chunks = chunks
	return nil
}

// Close implements SemanticStore.
func (s *LegacySemanticStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.dirLock != nil {
		return s.dirLock.Unlock()
	}
	return nil
}

// snapshotDocumentLocked captures the current version of a document. A
// nil record means the document does not exist.
func (s *LegacySemanticStore) snapshotDocumentLocked(documentID string) ([]*types.DocumentChunk, *documentRecord) {
	record, ok := s.manifest.Documents[documentID]
	if !ok {
		return nil, nil
	}
	var chunks []*types.DocumentChunk
	for _, chunk := range s.chunks {
		if chunk.DocumentID == documentID {
			chunks = append(chunks, chunk)
		}
	}
	copied := *record
	return chunks, &copied
}

func (s *LegacySemanticStore) restoreDocumentLocked(chunks []*types.DocumentChunk, record *documentRecord) {
	if record == nil {
		return
	}
	for _, chunk := range chunks {
		s.chunks[chunk.ChunkID] = chunk
	}
	s.manifest.Documents[record.DocumentID] = record
}

func (s *LegacySemanticStore) removeDocumentLocked(documentID string) int {
	removed := 0
	for id, chunk := range s.chunks {
		if chunk.DocumentID == documentID {
			delete(s.chunks, id)
			removed++
		}
	}
	delete(s.manifest.Documents, documentID)
	return removed
}

func (s *LegacySemanticStore) saveLocked() error {
	list := make([]*types.DocumentChunk, 0, len(s.chunks))
	for _, chunk := range s.chunks {
		list = append(list, chunk)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ChunkID < list[j].ChunkID })

	if err := writeJSONAtomic(filepath.Join(s.dir, chunksFileName), list); err != nil {
		return err
	}
	return saveManifest(s.dir, s.manifest)
}

// sourcesFromManifest flattens the document manifest into sorted
// per-source records.
func sourcesFromManifest(m *documentsManifest) []types.SourceInfo {
	bySource := make(map[string]*types.SourceInfo)
	for _, doc := range m.Documents {
		info, ok := bySource[doc.Source]
		if !ok {
			info = &types.SourceInfo{Path: doc.Source, Type: doc.Type}
			bySource[doc.Source] = info
		}
		info.ChunkCount += doc.ChunkCount
		if doc.LastUpdated.After(info.LastUpdated) {
			info.LastUpdated = doc.LastUpdated
		}
	}

	sources := make([]types.SourceInfo, 0, len(bySource))
	for _, info := range bySource {
		sources = append(sources, *info)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Path < sources[j].Path })
	return sources
}

var _ SemanticStore = (*LegacySemanticStore)(nil)

package storage

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"mcp-agent-memory/internal/embeddings"
	memerrors "mcp-agent-memory/internal/errors"
	"mcp-agent-memory/internal/logging"
	"mcp-agent-memory/pkg/types"

	"github.com/coder/hnsw"
	"github.com/gofrs/flock"
)

// HNSW index files inside the semantic_index directory.
const (
	hnswGraphFileName = "index.hnsw"
	hnswMetaFileName  = "index.hnsw.meta"
)

// hnswSidecar persists the id mappings and recorded dimension next to
// the exported graph.
type hnswSidecar struct {
	IDMap      map[string]uint64
	NextKey    uint64
	Dimensions int
}

// HNSWSemanticStore is the native vector-DB backend: an embedded HNSW
// graph with cosine distance, persisted to the index directory. Deleted
// chunks are removed lazily from the graph (mappings dropped, node
// orphaned) because removing the last graph node is unreliable.
type HNSWSemanticStore struct {
	mu       sync.RWMutex
	dir      string
	embedder embeddings.Embedder
	logger   logging.Logger

	graph    *hnsw.Graph[uint64]
	idMap    map[string]uint64
	keyMap   map[uint64]string
	nextKey  uint64
	chunks   map[string]*types.DocumentChunk
	manifest *documentsManifest
	dirLock  *flock.Flock
	closed   bool
}

// NewHNSWSemanticStore opens the HNSW backend over an index directory,
// acquiring its cross-process lock.
func NewHNSWSemanticStore(dir string, embedder embeddings.Embedder) (*HNSWSemanticStore, error) {
	lock, err := lockIndexDir(dir)
	if err != nil {
		return nil, err
	}
	return &HNSWSemanticStore{
		dir:      dir,
		embedder: embedder,
		logger:   logging.WithComponent("semantic_hnsw"),
		graph:    newCosineGraph(),
		idMap:    make(map[string]uint64),
		keyMap:   make(map[uint64]string),
		chunks:   make(map[string]*types.DocumentChunk),
		manifest: &documentsManifest{Documents: make(map[string]*documentRecord)},
		dirLock:  lock,
	}, nil
}

func newCosineGraph() *hnsw.Graph[uint64] {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25
	return graph
}

// AddDocument implements SemanticStore. As in the legacy backend, the
// document becomes visible only after Save succeeds under the write
// lock.
func (s *HNSWSemanticStore) AddDocument(ctx context.Context, content string, metadata map[string]interface{}, chunkSize, overlap int) ([]string, error) {
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
		if !chunk.HasEmbedding() {
			continue
		}
		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(chunk.Embedding))
		copy(vec, chunk.Embedding)
		normalizeVector(vec)
		s.graph.Add(hnsw.MakeNode(key, vec))

		s.idMap[chunk.ChunkID] = key
		s.keyMap[key] = chunk.ChunkID
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
		s.removeDocumentLocked(documentID)
		s.restoreDocumentLocked(prevChunks, prevRecord)
		return nil, err
	}

	if degraded {
		s.logger.WarnContext(ctx, "document stored with unembedded chunks", "document_id", documentID)
	}
	return ids, nil
}

// Search implements SemanticStore using the HNSW graph, then applies
// metadata filters and the score floor. The graph is over-queried so
// filtered-out neighbors don't starve the result set.
func (s *HNSWSemanticStore) Search(ctx context.Context, queryVec []float32, topK int, filters map[string]interface{}, minScore float64) ([]types.SemanticResult, error) {
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
	if s.graph.Len() == 0 || len(queryVec) == 0 {
		return []types.SemanticResult{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	normalized := make([]float32, len(queryVec))
	copy(normalized, queryVec)
	normalizeVector(normalized)

	fetch := topK * 4
	if len(filters) > 0 {
		fetch = topK * 8
	}
	if fetch > s.graph.Len() {
		fetch = s.graph.Len()
	}

	nodes := s.graph.Search(normalized, fetch)
	results := make([]types.SemanticResult, 0, topK)
	for _, node := range nodes {
		chunkID, live := s.keyMap[node.Key]
		if !live {
			// Lazily deleted node still in the graph.
			continue
		}
		chunk, ok := s.chunks[chunkID]
		if !ok || !chunk.HasEmbedding() {
			continue
		}
		if !matchesFilters(chunk.Metadata, filters) {
			continue
		}
		// Cosine distance ranges 0..2 on the unit sphere.
		score := 1 - float64(s.graph.Distance(normalized, node.Value))/2
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
func (s *HNSWSemanticStore) GetChunkByID(_ context.Context, chunkID string) (*types.DocumentChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunk, ok := s.chunks[chunkID]
	if !ok {
		return nil, memerrors.Newf(memerrors.KindNotFound, "chunk not found: %s", chunkID)
	}
	return chunk, nil
}

// DeleteDocument implements SemanticStore.
func (s *HNSWSemanticStore) DeleteDocument(_ context.Context, documentID string) (int, error) {
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
func (s *HNSWSemanticStore) ListSources(_ context.Context) ([]types.SourceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sourcesFromManifest(s.manifest), nil
}

// Stats implements SemanticStore.
func (s *HNSWSemanticStore) Stats(_ context.Context) (*types.SemanticStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &types.SemanticStats{
		TotalChunks:    len(s.chunks),
		TotalDocuments: len(s.manifest.Documents),
		Dimensions:     s.manifest.Dimensions,
		Backend:        "chromadb",
	}
	for _, chunk := range s.chunks {
		if !chunk.HasEmbedding() {
			stats.ChunksWithoutEmbedding++
		}
	}
	return stats, nil
}

// Save implements SemanticStore.
func (s *HNSWSemanticStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// Load implements SemanticStore. Missing index files mean a fresh
// index.
func (s *HNSWSemanticStore) Load() error {
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

	graph := newCosineGraph()
	idMap := make(map[string]uint64)
	keyMap := make(map[uint64]string)
	var nextKey uint64

	metaFile, err := os.Open(filepath.Join(s.dir, hnswMetaFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to open hnsw sidecar: %w", err)
	}
	if err == nil {
		var sidecar hnswSidecar
		decodeErr := gob.NewDecoder(metaFile).Decode(&sidecar)
		_ = metaFile.Close()
		if decodeErr != nil {
			return fmt.Errorf("failed to decode hnsw sidecar: %w", decodeErr)
		}
		if err := checkDimension(manifest.Dimensions, sidecar.Dimensions); err != nil {
			return err
		}

		graphFile, err := os.Open(filepath.Join(s.dir, hnswGraphFileName))
		if err != nil {
			return fmt.Errorf("failed to open hnsw graph: %w", err)
		}
		// Import needs an io.ByteReader.
		importErr := graph.Import(bufio.NewReader(graphFile))
		_ = graphFile.Close()
		if importErr != nil {
			return fmt.Errorf("failed to import hnsw graph: %w", importErr)
		}

		idMap = sidecar.IDMap
		nextKey = sidecar.NextKey
		for id, key := range idMap {
			keyMap[key] = id
		}
	}

	s.manifest = manifest
	s.chunks = chunks
	s.graph = graph
	s.idMap = idMap
	s.keyMap = keyMap
	s.nextKey = nextKey
	return nil
}

// Close implements SemanticStore.
func (s *HNSWSemanticStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	if s.dirLock != nil {
		return s.dirLock.Unlock()
	}
	return nil
}

// snapshotDocumentLocked captures the current version of a document. A
// nil record means the document does not exist.
func (s *HNSWSemanticStore) snapshotDocumentLocked(documentID string) ([]*types.DocumentChunk, *documentRecord) {
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

// restoreDocumentLocked reinstates a snapshot, re-adding graph nodes
// for the embedded chunks. The replaced nodes stay orphaned in the
// graph, as with lazy deletion.
func (s *HNSWSemanticStore) restoreDocumentLocked(chunks []*types.DocumentChunk, record *documentRecord) {
	if record == nil {
		return
	}
	for _, chunk := range chunks {
		s.chunks[chunk.ChunkID] = chunk
		if !chunk.HasEmbedding() {
			continue
		}
		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(chunk.Embedding))
		copy(vec, chunk.Embedding)
		normalizeVector(vec)
		s.graph.Add(hnsw.MakeNode(key, vec))

		s.idMap[chunk.ChunkID] = key
		s.keyMap[key] = chunk.ChunkID
	}
	s.manifest.Documents[record.DocumentID] = record
}

func (s *HNSWSemanticStore) removeDocumentLocked(documentID string) int {
	removed := 0
	for id, chunk := range s.chunks {
		if chunk.DocumentID != documentID {
			continue
		}
		delete(s.chunks, id)
		if key, live := s.idMap[id]; live {
			// Lazy deletion: orphan the graph node.
			delete(s.keyMap, key)
			delete(s.idMap, id)
		}
		removed++
	}
	delete(s.manifest.Documents, documentID)
	return removed
}

// saveLocked exports the graph atomically (temp file + rename) and
// writes the gob sidecar, the chunk list, and the documents manifest.
func (s *HNSWSemanticStore) saveLocked() error {
	graphPath := filepath.Join(s.dir, hnswGraphFileName)
	tmpPath := graphPath + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create graph file: %w", err)
	}
	if err := s.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to export hnsw graph: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close graph file: %w", err)
	}
	if err := os.Rename(tmpPath, graphPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename graph file: %w", err)
	}

	if err := s.saveSidecar(); err != nil {
		return err
	}

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

func (s *HNSWSemanticStore) saveSidecar() error {
	path := filepath.Join(s.dir, hnswMetaFileName)
	tmpPath := path + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create sidecar file: %w", err)
	}
	sidecar := hnswSidecar{
		IDMap:      s.idMap,
		NextKey:    s.nextKey,
		Dimensions: s.manifest.Dimensions,
	}
	if err := gob.NewEncoder(file).Encode(sidecar); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to encode sidecar: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close sidecar file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// normalizeVector scales v to unit length in place so cosine distance
// behaves on the HNSW graph.
func normalizeVector(v []float32) {
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

var _ SemanticStore = (*HNSWSemanticStore)(nil)

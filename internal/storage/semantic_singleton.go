package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"mcp-agent-memory/internal/config"
	"mcp-agent-memory/internal/embeddings"
)

// Process-wide registry of semantic stores keyed by canonical index
// path. Two callers asking for the same directory, through any alias or
// symlink, share one store and therefore one lock and one in-memory
// index.
var (
	semanticMu     sync.Mutex
	semanticStores = make(map[string]SemanticStore)
)

// GetSemanticStore returns the singleton store for an index directory,
// opening and loading it on first use. The backend is chosen by
// cfg.VectorBackend.
func GetSemanticStore(cfg *config.Config, embedder embeddings.Embedder, dir string) (SemanticStore, error) {
	canonical, err := canonicalIndexPath(dir)
	if err != nil {
		return nil, err
	}

	semanticMu.Lock()
	defer semanticMu.Unlock()

	if store, ok := semanticStores[canonical]; ok {
		return store, nil
	}

	var store SemanticStore
	switch cfg.VectorBackend {
	case config.VectorBackendChromaDB:
		store, err = NewHNSWSemanticStore(canonical, embedder)
	default:
		store, err = NewLegacySemanticStore(canonical, embedder)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Load(); err != nil {
		_ = store.Close()
		return nil, err
	}

	semanticStores[canonical] = store
	return store, nil
}

// EvictSemanticStore closes and forgets the store for an index
// directory. Used when a project is deleted so its directory can be
// removed and later recreated cleanly.
func EvictSemanticStore(dir string) error {
	canonical, err := canonicalIndexPath(dir)
	if err != nil {
		return err
	}

	semanticMu.Lock()
	defer semanticMu.Unlock()

	store, ok := semanticStores[canonical]
	if !ok {
		return nil
	}
	delete(semanticStores, canonical)
	return store.Close()
}

// canonicalIndexPath normalizes an index directory to its real absolute
// path, creating the directory so symlinks along the way can resolve.
func canonicalIndexPath(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve index path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return "", fmt.Errorf("failed to create index directory: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize index path: %w", err)
	}
	return real, nil
}

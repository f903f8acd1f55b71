// Package ingest turns text, files, and directory trees into semantic
// document chunks.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	memerrors "mcp-agent-memory/internal/errors"
	"mcp-agent-memory/internal/logging"
	"mcp-agent-memory/internal/storage"
	"mcp-agent-memory/pkg/types"
)

// codeExtensions drive the type inference for ingested files.
var codeExtensions = map[string]struct{}{
	".go": {}, ".py": {}, ".js": {}, ".ts": {}, ".jsx": {}, ".tsx": {},
	".java": {}, ".c": {}, ".h": {}, ".cpp": {}, ".hpp": {}, ".rs": {},
	".rb": {}, ".php": {}, ".sh": {}, ".sql": {}, ".kt": {}, ".swift": {},
	".cs": {}, ".scala": {}, ".ex": {}, ".exs": {}, ".lua": {}, ".pl": {},
}

// Ingestor feeds documents into one project's semantic store.
type Ingestor struct {
	store     storage.SemanticStore
	chunkSize int
	overlap   int
	logger    logging.Logger
}

// New builds an ingestor over a semantic store with the given chunking
// parameters.
func New(store storage.SemanticStore, chunkSize, overlap int) *Ingestor {
	return &Ingestor{
		store:     store,
		chunkSize: chunkSize,
		overlap:   overlap,
		logger:    logging.WithComponent("ingest"),
	}
}

// IngestText stores raw text as a document. Metadata may carry the
// source path; without one the document id derives from the content.
func (in *Ingestor) IngestText(ctx context.Context, text string, metadata map[string]interface{}) ([]string, error) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	if _, ok := metadata[types.MetaType]; !ok {
		metadata[types.MetaType] = string(types.ChunkKindDoc)
	}
	return in.store.AddDocument(ctx, text, metadata, in.chunkSize, in.overlap)
}

// IngestFile reads, decodes, and stores one file. Markdown is reduced
// to plain text first; the chunk type is inferred from the extension
// unless the caller set one.
func (in *Ingestor) IngestFile(ctx context.Context, path string, metadata map[string]interface{}) ([]string, error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, memerrors.Newf(memerrors.KindNotFound, "file not found: %s", cleanPath)
		}
		return nil, fmt.Errorf("failed to read %s: %w", cleanPath, err)
	}

	text, encoding, err := DecodeBytes(data)
	if err != nil {
		return nil, memerrors.Wrapf(memerrors.KindInvalidArgument, err, "cannot decode %s", cleanPath)
	}

	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext == ".md" || ext == ".markdown" {
		text = ExtractMarkdownText([]byte(text))
	}

	meta := make(map[string]interface{}, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}
	if _, ok := meta[types.MetaSource]; !ok {
		meta[types.MetaSource] = cleanPath
	}
	if _, ok := meta[types.MetaType]; !ok {
		meta[types.MetaType] = string(inferChunkKind(ext))
	}

	ids, err := in.store.AddDocument(ctx, text, meta, in.chunkSize, in.overlap)
	if err != nil {
		return nil, err
	}
	in.logger.InfoContext(ctx, "ingested file",
		"path", cleanPath, "chunks", len(ids), "encoding", encoding)
	return ids, nil
}

// IngestDirectory walks a tree and ingests every matching file. Hidden
// directories are skipped; pattern is an optional glob matched against
// file names; typeFilters restricts to the inferred chunk kinds listed.
// A per-file failure is logged and skipped, not fatal.
func (in *Ingestor) IngestDirectory(ctx context.Context, dir string, typeFilters []string, pattern string) (map[string][]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, memerrors.Newf(memerrors.KindNotFound, "directory not found: %s", dir)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, memerrors.Newf(memerrors.KindInvalidArgument, "not a directory: %s", dir)
	}

	wanted := make(map[string]struct{}, len(typeFilters))
	for _, t := range typeFilters {
		wanted[strings.ToLower(t)] = struct{}{}
	}

	results := make(map[string][]string)
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if pattern != "" {
			matched, matchErr := filepath.Match(pattern, d.Name())
			if matchErr != nil {
				return memerrors.Wrapf(memerrors.KindInvalidArgument, matchErr, "invalid pattern %q", pattern)
			}
			if !matched {
				return nil
			}
		}

		kind := inferChunkKind(strings.ToLower(filepath.Ext(path)))
		if len(wanted) > 0 {
			if _, ok := wanted[string(kind)]; !ok {
				return nil
			}
		}

		ids, ingestErr := in.IngestFile(ctx, path, nil)
		if ingestErr != nil {
			in.logger.WarnContext(ctx, "skipping file", "path", path, "error", ingestErr.Error())
			return nil
		}
		results[path] = ids
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return results, nil
}

func inferChunkKind(ext string) types.ChunkKind {
	if _, ok := codeExtensions[ext]; ok {
		return types.ChunkKindCode
	}
	return types.ChunkKindDoc
}

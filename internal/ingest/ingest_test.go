package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"mcp-agent-memory/internal/embeddings"
	memerrors "mcp-agent-memory/internal/errors"
	"mcp-agent-memory/internal/storage"
	"mcp-agent-memory/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIngestor(t *testing.T) (*Ingestor, storage.SemanticStore) {
	t.Helper()
	store, err := storage.NewLegacySemanticStore(t.TempDir(), embeddings.NewStaticEmbedder(32))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, 200, 20), store
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestIngestText(t *testing.T) {
	ingestor, store := newTestIngestor(t)
	ctx := context.Background()

	ids, err := ingestor.IngestText(ctx, "standalone note about caching", map[string]interface{}{
		types.MetaSource: "notes/cache.txt",
	})
	require.NoError(t, err)
	require.NotEmpty(t, ids)

	chunk, err := store.GetChunkByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, string(types.ChunkKindDoc), chunk.Metadata[types.MetaType])
}

func TestIngestFileInfersType(t *testing.T) {
	ingestor, store := newTestIngestor(t)
	ctx := context.Background()
	dir := t.TempDir()

	goFile := writeFile(t, dir, "main.go", []byte("package main\n\nfunc main() {}\n"))
	ids, err := ingestor.IngestFile(ctx, goFile, nil)
	require.NoError(t, err)
	chunk, err := store.GetChunkByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, string(types.ChunkKindCode), chunk.Metadata[types.MetaType])
	assert.Equal(t, goFile, chunk.Metadata[types.MetaSource])

	txtFile := writeFile(t, dir, "readme.txt", []byte("plain text file"))
	ids, err = ingestor.IngestFile(ctx, txtFile, nil)
	require.NoError(t, err)
	chunk, err = store.GetChunkByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, string(types.ChunkKindDoc), chunk.Metadata[types.MetaType])
}

func TestIngestFileCallerMetadataWins(t *testing.T) {
	ingestor, store := newTestIngestor(t)
	ctx := context.Background()

	path := writeFile(t, t.TempDir(), "notes.txt", []byte("reference material"))
	ids, err := ingestor.IngestFile(ctx, path, map[string]interface{}{
		types.MetaType: string(types.ChunkKindReference),
	})
	require.NoError(t, err)
	chunk, err := store.GetChunkByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, string(types.ChunkKindReference), chunk.Metadata[types.MetaType])
}

func TestIngestFileMissing(t *testing.T) {
	ingestor, _ := newTestIngestor(t)
	_, err := ingestor.IngestFile(context.Background(), "/nonexistent/file.txt", nil)
	assert.True(t, memerrors.IsKind(err, memerrors.KindNotFound))
}

func TestIngestMarkdownExtractsPlainText(t *testing.T) {
	ingestor, store := newTestIngestor(t)
	ctx := context.Background()

	md := "---\ntitle: Design\nauthor: someone\n---\n# Heading\n\nSome **bold** text with a [link](https://example.com).\n\n- first item\n- second item\n"
	path := writeFile(t, t.TempDir(), "design.md", []byte(md))

	ids, err := ingestor.IngestFile(ctx, path, nil)
	require.NoError(t, err)
	chunk, err := store.GetChunkByID(ctx, ids[0])
	require.NoError(t, err)

	assert.NotContains(t, chunk.Content, "title: Design")
	assert.NotContains(t, chunk.Content, "**")
	assert.NotContains(t, chunk.Content, "](")
	assert.Contains(t, chunk.Content, "Heading")
	assert.Contains(t, chunk.Content, "bold")
	assert.Contains(t, chunk.Content, "first item")
}

func TestIngestDirectory(t *testing.T) {
	ingestor, _ := newTestIngestor(t)
	ctx := context.Background()
	dir := t.TempDir()

	writeFile(t, dir, "a.md", []byte("# A\n\ndocumentation a"))
	writeFile(t, dir, "sub/b.go", []byte("package b\n"))
	writeFile(t, dir, ".git/config", []byte("[core]"))
	writeFile(t, dir, ".hidden.txt", []byte("hidden file"))

	results, err := ingestor.IngestDirectory(ctx, dir, nil, "")
	require.NoError(t, err)
	assert.Len(t, results, 2)
	for path := range results {
		assert.NotContains(t, path, ".git")
		assert.NotContains(t, path, ".hidden")
	}
}

func TestIngestDirectoryPatternAndTypeFilters(t *testing.T) {
	ingestor, _ := newTestIngestor(t)
	ctx := context.Background()
	dir := t.TempDir()

	writeFile(t, dir, "a.md", []byte("# A\n\ndoc a"))
	writeFile(t, dir, "b.go", []byte("package b\n"))
	writeFile(t, dir, "c.txt", []byte("text c"))

	byPattern, err := ingestor.IngestDirectory(ctx, dir, nil, "*.md")
	require.NoError(t, err)
	require.Len(t, byPattern, 1)

	codeOnly, err := ingestor.IngestDirectory(ctx, dir, []string{"code"}, "")
	require.NoError(t, err)
	require.Len(t, codeOnly, 1)
	for path := range codeOnly {
		assert.Equal(t, ".go", filepath.Ext(path))
	}
}

func TestIngestDirectoryMissing(t *testing.T) {
	ingestor, _ := newTestIngestor(t)
	_, err := ingestor.IngestDirectory(context.Background(), "/nonexistent/dir", nil, "")
	assert.True(t, memerrors.IsKind(err, memerrors.KindNotFound))
}

func TestDecodeBytes(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		want     string
		encoding string
	}{
		{"plain utf-8", []byte("héllo"), "héllo", "utf-8"},
		{"utf-8 bom", append([]byte{0xEF, 0xBB, 0xBF}, []byte("hi")...), "hi", "utf-8"},
		{"utf-16le bom", []byte{0xFF, 0xFE, 'h', 0, 'i', 0}, "hi", "utf-16le"},
		{"utf-16be bom", []byte{0xFE, 0xFF, 0, 'h', 0, 'i'}, "hi", "utf-16be"},
		{"iso-8859-1", []byte{'c', 'a', 'f', 0xE9}, "café", "iso-8859-1"},
		{"windows-1252 smart quote", []byte{0x93, 'q', 0x94}, "“q”", "windows-1252"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, encoding, err := DecodeBytes(tc.data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.encoding, encoding)
		})
	}
}

func TestExtractMarkdownTextKeepsCodeBlocks(t *testing.T) {
	md := "Intro paragraph.\n\n```go\nfunc A() {}\n```\n\nOutro."
	text := ExtractMarkdownText([]byte(md))
	assert.Contains(t, text, "func A() {}")
	assert.Contains(t, text, "Intro paragraph.")
	assert.Contains(t, text, "Outro.")
	assert.NotContains(t, text, "```")
}

func TestExtractMarkdownTextNoFrontMatter(t *testing.T) {
	md := "--- not front matter\n\nbody text"
	text := ExtractMarkdownText([]byte(md))
	assert.Contains(t, text, "body text")
}

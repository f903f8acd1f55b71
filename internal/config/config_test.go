package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, VectorBackendChromaDB, cfg.VectorBackend)
	assert.Equal(t, 500, cfg.ChunkSize)
	assert.Equal(t, 50, cfg.ChunkOverlap)
	assert.Equal(t, 5, cfg.TopK)
	assert.Equal(t, 0.0, cfg.MinRetrievalScore)
	assert.False(t, cfg.QueryExpansionEnabled)
	assert.Equal(t, 3, cfg.NumExpansions)
	assert.False(t, cfg.ContextInjectionEnabled)
	assert.Equal(t, 5000, cfg.MaxContextChars)
	assert.True(t, cfg.RemoteFileUploadEnabled)
	assert.Equal(t, "/tmp/rag-uploads", cfg.RemoteUploadDirectory)
	assert.Equal(t, 3600, cfg.RemoteUploadMaxAgeSeconds)
	assert.Equal(t, 50, cfg.RemoteUploadMaxFileSizeMB)
	assert.False(t, cfg.AutomaticLearning.Enabled)
	assert.Equal(t, LearningModeModerate, cfg.AutomaticLearning.Mode)
	assert.Equal(t, 0.6, cfg.AutomaticLearning.MinEpisodeConfidence)
	assert.Equal(t, ExtractionModeHeuristic, cfg.UniversalHooks.ConversationAnalyzer.ExtractionMode)
	assert.Equal(t, DedupPerDay, cfg.UniversalHooks.ConversationAnalyzer.DeduplicationMode)
	assert.Equal(t, 7, cfg.UniversalHooks.ConversationAnalyzer.DeduplicationWindowDay)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VECTOR_BACKEND", "legacy")
	t.Setenv("CHUNK_SIZE", "300")
	t.Setenv("TOP_K", "8")
	t.Setenv("QUERY_EXPANSION_ENABLED", "true")
	t.Setenv("REMOTE_UPLOAD_DIRECTORY", "/tmp/other-uploads")
	t.Setenv("AUTOMATIC_LEARNING_ENABLED", "true")
	t.Setenv("AUTOMATIC_LEARNING_MODE", "aggressive")
	t.Setenv("UNIVERSAL_HOOKS_CONVERSATION_ANALYZER_DEDUPLICATION_MODE", "global")

	cfg := DefaultConfig()
	loadFromEnv(cfg)

	assert.Equal(t, VectorBackendLegacy, cfg.VectorBackend)
	assert.Equal(t, 300, cfg.ChunkSize)
	assert.Equal(t, 8, cfg.TopK)
	assert.True(t, cfg.QueryExpansionEnabled)
	assert.Equal(t, "/tmp/other-uploads", cfg.RemoteUploadDirectory)
	assert.True(t, cfg.AutomaticLearning.Enabled)
	assert.Equal(t, LearningModeAggressive, cfg.AutomaticLearning.Mode)
	assert.Equal(t, DedupGlobal, cfg.UniversalHooks.ConversationAnalyzer.DeduplicationMode)
}

func TestEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "not-a-number")
	t.Setenv("QUERY_EXPANSION_ENABLED", "perhaps")

	cfg := DefaultConfig()
	loadFromEnv(cfg)

	assert.Equal(t, 500, cfg.ChunkSize)
	assert.False(t, cfg.QueryExpansionEnabled)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad backend", func(c *Config) { c.VectorBackend = "pinecone" }},
		{"zero chunk size", func(c *Config) { c.ChunkSize = 0 }},
		{"overlap >= size", func(c *Config) { c.ChunkOverlap = c.ChunkSize }},
		{"negative expansions", func(c *Config) { c.NumExpansions = -1 }},
		{"zero context chars", func(c *Config) { c.MaxContextChars = 0 }},
		{"score out of range", func(c *Config) { c.MinRetrievalScore = 1.5 }},
		{"bad learning mode", func(c *Config) { c.AutomaticLearning.Mode = "reckless" }},
		{"bad extraction mode", func(c *Config) { c.UniversalHooks.ConversationAnalyzer.ExtractionMode = "psychic" }},
		{"bad dedup mode", func(c *Config) { c.UniversalHooks.ConversationAnalyzer.DeduplicationMode = "sometimes" }},
		{"small cache", func(c *Config) { c.EmbeddingCacheSize = 10 }},
		{"zero upload age", func(c *Config) { c.RemoteUploadMaxAgeSeconds = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfigFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.yaml")
	content := []byte("vector_backend: legacy\nchunk_size: 250\ntop_k: 7\nautomatic_learning:\n  enabled: true\n  mode: minimal\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("MEMORY_CONFIG_FILE", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, VectorBackendLegacy, cfg.VectorBackend)
	assert.Equal(t, 250, cfg.ChunkSize)
	assert.Equal(t, 7, cfg.TopK)
	assert.True(t, cfg.AutomaticLearning.Enabled)
	assert.Equal(t, LearningModeMinimal, cfg.AutomaticLearning.Mode)
	// Untouched keys keep their defaults.
	assert.Equal(t, 50, cfg.ChunkOverlap)
}

func TestGetDataDirCreates(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "nested", "data")

	got, err := cfg.GetDataDir()
	require.NoError(t, err)
	info, err := os.Stat(got)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

package mcp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-agent-memory/internal/config"
	"mcp-agent-memory/internal/project"
	"mcp-agent-memory/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.RemoteUploadDirectory = t.TempDir()
	cfg.VectorBackend = config.VectorBackendLegacy
	cfg.EmbeddingDimension = 32
	return cfg
}

func newTestBackend(t *testing.T, cfg *config.Config) *Backend {
	t.Helper()
	backend, err := NewBackend(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func stageUpload(t *testing.T, cfg *config.Config, name, content string) string {
	t.Helper()
	path := filepath.Join(cfg.RemoteUploadDirectory, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func requireSuccess(t *testing.T, resp map[string]interface{}) {
	t.Helper()
	require.Equal(t, "success", resp["status"], "response: %v", resp)
}

func TestSymbolicUpsert(t *testing.T) {
	backend := newTestBackend(t, testConfig(t))
	ctx := context.Background()

	resp := backend.Call(ctx, "add_fact", map[string]interface{}{
		"project_id": "demo",
		"fact_key":   "output_format",
		"fact_value": "json",
		"confidence": 0.9,
	})
	requireSuccess(t, resp)
	assert.Equal(t, "authoritative", resp["authority"])

	resp = backend.Call(ctx, "add_fact", map[string]interface{}{
		"project_id": "demo",
		"fact_key":   "output_format",
		"fact_value": "markdown",
		"confidence": 0.95,
	})
	requireSuccess(t, resp)

	resp = backend.Call(ctx, "get_context", map[string]interface{}{
		"project_id":   "demo",
		"context_type": "symbolic",
	})
	requireSuccess(t, resp)
	facts := resp["symbolic"].([]map[string]interface{})
	require.Len(t, facts, 1, "upsert keeps a single live row per key")
	assert.Equal(t, "markdown", facts[0]["value"])
	assert.Equal(t, 0.95, facts[0]["confidence"])
}

func TestEpisodeAbstractionRejected(t *testing.T) {
	backend := newTestBackend(t, testConfig(t))

	resp := backend.Call(context.Background(), "add_episode", map[string]interface{}{
		"project_id": "demo",
		"title":      "T",
		"content":    "Situation: X\nAction: X\nOutcome: success\nLesson: X",
	})
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "Conflict", resp["error"])
	assert.Contains(t, resp["message"], "abstract")
}

func TestEpisodeContentParsing(t *testing.T) {
	backend := newTestBackend(t, testConfig(t))
	ctx := context.Background()

	resp := backend.Call(ctx, "add_episode", map[string]interface{}{
		"project_id": "demo",
		"title":      "flaky deploy",
		"content":    "Situation: deploy failed twice\nAction: retried with backoff\nOutcome: succeeded\nLesson: transient deploy failures deserve a retry with backoff",
	})
	requireSuccess(t, resp)
	episode := resp["episode"].(map[string]interface{})
	assert.Equal(t, "deploy failed twice", episode["situation"])
	assert.Equal(t, "retried with backoff", episode["action"])
	assert.Equal(t, "advisory", resp["authority"])

	// Without sections: title becomes the situation, content the lesson.
	resp = backend.Call(ctx, "add_episode", map[string]interface{}{
		"project_id": "demo",
		"title":      "stale cache",
		"content":    "invalidate caches after schema migrations",
	})
	requireSuccess(t, resp)
	episode = resp["episode"].(map[string]interface{})
	assert.Equal(t, "stale cache", episode["situation"])
	assert.Equal(t, stockEpisodeAction, episode["action"])
	assert.Equal(t, stockEpisodeOutcome, episode["outcome"])
	assert.Equal(t, "invalidate caches after schema migrations", episode["lesson"])
}

func TestForbiddenSemanticIngest(t *testing.T) {
	cfg := testConfig(t)
	backend := newTestBackend(t, cfg)
	path := stageUpload(t, cfg, "prefs.txt", "the user prefers dark mode in every editor")

	resp := backend.Call(context.Background(), "ingest_file", map[string]interface{}{
		"project_id": "demo",
		"file_path":  path,
	})
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "ForbiddenContent", resp["error"])
}

func TestUploadSandboxEnforcement(t *testing.T) {
	backend := newTestBackend(t, testConfig(t))

	resp := backend.Call(context.Background(), "ingest_file", map[string]interface{}{
		"project_id": "demo",
		"file_path":  "/etc/passwd",
	})
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "UploadRejected", resp["error"])
	assert.Contains(t, resp["message"], "must be within upload directory")
}

func TestIngestAndSemanticSearch(t *testing.T) {
	cfg := testConfig(t)
	backend := newTestBackend(t, cfg)
	ctx := context.Background()

	content := "Authentication uses JWT bearer tokens with a one hour expiry."
	path := stageUpload(t, cfg, "auth.txt", content)

	resp := backend.Call(ctx, "ingest_file", map[string]interface{}{
		"project_id": "demo",
		"file_path":  path,
	})
	requireSuccess(t, resp)
	assert.Equal(t, 1, resp["chunks_ingested"])

	// Querying with the exact chunk text guarantees a cosine match
	// under the deterministic fallback embedder.
	resp = backend.Call(ctx, "search", map[string]interface{}{
		"project_id":  "demo",
		"query":       content,
		"memory_type": "semantic",
	})
	requireSuccess(t, resp)
	results := resp["results"].([]map[string]interface{})
	require.NotEmpty(t, results)
	assert.Equal(t, "non-authoritative", results[0]["authority"])
	citation := results[0]["citation"].(string)
	assert.Contains(t, citation, "auth.txt")
	assert.True(t, strings.HasSuffix(citation, ":0"), "citation %q", citation)
}

func TestIngestSchedulesUploadDeletion(t *testing.T) {
	cfg := testConfig(t)
	backend, err := NewBackend(cfg, nil)
	require.NoError(t, err)

	path := stageUpload(t, cfg, "doc.txt", "Release notes are published every Thursday afternoon.")
	resp := backend.Call(context.Background(), "ingest_file", map[string]interface{}{
		"project_id": "demo",
		"file_path":  path,
	})
	requireSuccess(t, resp)

	// Close drains the side-effect queue, including the sandbox delete.
	require.NoError(t, backend.Close())
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "staged upload removed after ingest")
}

func TestSearchMergeOrder(t *testing.T) {
	cfg := testConfig(t)
	backend := newTestBackend(t, cfg)
	ctx := context.Background()

	requireSuccess(t, backend.Call(ctx, "add_fact", map[string]interface{}{
		"project_id": "demo",
		"fact_key":   "auth.provider",
		"fact_value": "oauth2",
	}))
	requireSuccess(t, backend.Call(ctx, "add_episode", map[string]interface{}{
		"project_id": "demo",
		"title":      "auth outage",
		"content":    "Situation: auth tokens expired early\nAction: extended the ttl\nOutcome: stable\nLesson: keep auth token ttl aligned with session length",
	}))

	resp := backend.Call(ctx, "search", map[string]interface{}{
		"project_id":  "demo",
		"query":       "auth",
		"memory_type": "all",
	})
	requireSuccess(t, resp)
	results := resp["results"].([]map[string]interface{})
	require.GreaterOrEqual(t, len(results), 2)

	// Symbolic strictly precedes episodic, which precedes semantic.
	rank := map[string]int{"symbolic": 0, "episodic": 1, "semantic": 2}
	last := -1
	for _, row := range results {
		r := rank[row["memory_type"].(string)]
		assert.GreaterOrEqual(t, r, last)
		last = r
	}
	assert.Equal(t, "symbolic", results[0]["memory_type"])
	assert.Equal(t, "authoritative", results[0]["authority"])
}

func TestContextAuthorityOrdering(t *testing.T) {
	cfg := testConfig(t)
	backend := newTestBackend(t, cfg)
	ctx := context.Background()

	requireSuccess(t, backend.Call(ctx, "add_fact", map[string]interface{}{
		"project_id": "demo",
		"fact_key":   "style.indent",
		"fact_value": "tabs",
		"category":   "preference",
	}))
	requireSuccess(t, backend.Call(ctx, "add_episode", map[string]interface{}{
		"project_id": "demo",
		"title":      "lint drift",
		"content":    "Situation: lint rules drifted between repos\nAction: centralized the config\nOutcome: consistent\nLesson: share lint configuration from a single module",
	}))

	content := "Deployment targets are listed in the infrastructure handbook."
	path := stageUpload(t, cfg, "handbook.txt", content)
	requireSuccess(t, backend.Call(ctx, "ingest_file", map[string]interface{}{
		"project_id": "demo",
		"file_path":  path,
	}))

	resp := backend.Call(ctx, "get_context", map[string]interface{}{
		"project_id":   "demo",
		"context_type": "all",
		"query":        content,
		"max_results":  5,
	})
	requireSuccess(t, resp)

	assert.NotEmpty(t, resp["symbolic"])
	assert.NotEmpty(t, resp["episodic"])
	assert.NotEmpty(t, resp["semantic"])

	built := resp["prompt"].(string)
	memory := strings.Index(built, "PERSISTENT MEMORY")
	lessons := strings.Index(built, "PAST AGENT LESSONS")
	retrieved := strings.Index(built, "RETRIEVED CONTEXT")
	require.True(t, memory >= 0 && lessons >= 0 && retrieved >= 0, "prompt: %s", built)
	assert.Less(t, memory, lessons)
	assert.Less(t, lessons, retrieved)
}

func TestAnalyzeConversationAutoStore(t *testing.T) {
	backend := newTestBackend(t, testConfig(t))
	ctx := context.Background()

	resp := backend.Call(ctx, "analyze_conversation", map[string]interface{}{
		"project_id":   "demo",
		"user_message": "I prefer tabs over spaces. We decided to use postgresql for storage.",
	})
	requireSuccess(t, resp)
	assert.GreaterOrEqual(t, resp["stored_facts"].(int), 2)

	resp = backend.Call(ctx, "get_context", map[string]interface{}{
		"project_id":   "demo",
		"context_type": "symbolic",
	})
	requireSuccess(t, resp)
	keys := map[string]bool{}
	for _, row := range resp["symbolic"].([]map[string]interface{}) {
		keys[row["key"].(string)] = true
		assert.Equal(t, "auto_learning", row["source"])
	}
	assert.True(t, keys["preference.tabs_over_spaces"], "keys: %v", keys)
	assert.True(t, keys["decision.use_postgresql_for_storage"], "keys: %v", keys)
}

func TestAnalyzeConversationReturnOnly(t *testing.T) {
	backend := newTestBackend(t, testConfig(t))
	ctx := context.Background()

	resp := backend.Call(ctx, "analyze_conversation", map[string]interface{}{
		"project_id":   "demo",
		"user_message": "I prefer tabs over spaces.",
		"return_only":  true,
	})
	requireSuccess(t, resp)
	assert.Equal(t, 0, resp["stored_facts"])
	assert.Equal(t, 0, resp["stored_episodes"])

	resp = backend.Call(ctx, "get_context", map[string]interface{}{
		"project_id":   "demo",
		"context_type": "symbolic",
	})
	requireSuccess(t, resp)
	assert.Empty(t, resp["symbolic"])
}

func TestMetricsMonotonicPerTool(t *testing.T) {
	backend := newTestBackend(t, testConfig(t))
	ctx := context.Background()

	var previous int64
	for i := 0; i < 5; i++ {
		backend.Call(ctx, "add_fact", map[string]interface{}{
			"project_id": "demo",
			"fact_key":   "style.indent",
			"fact_value": "tabs",
		})
		total := backend.Metrics().ProjectMetrics("demo")["add_fact"].CallsTotal
		assert.Greater(t, total, previous)
		previous = total
	}

	// Failed calls still count and land in the error ring.
	backend.Call(ctx, "add_fact", map[string]interface{}{
		"project_id": "demo",
		"fact_key":   "not a valid key!",
		"fact_value": "x",
	})
	tm := backend.Metrics().ProjectMetrics("demo")["add_fact"]
	assert.EqualValues(t, 6, tm.CallsTotal)
	assert.EqualValues(t, 1, tm.CallsError)
	assert.NotEmpty(t, backend.Metrics().RecentErrors("demo"))
}

func TestListProjectsAndSources(t *testing.T) {
	cfg := testConfig(t)
	backend := newTestBackend(t, cfg)
	ctx := context.Background()

	requireSuccess(t, backend.Call(ctx, "add_fact", map[string]interface{}{
		"project_id": "alpha",
		"fact_key":   "k",
		"fact_value": "v",
	}))
	path := stageUpload(t, cfg, "notes.txt", "Build artifacts live in the shared object store.")
	requireSuccess(t, backend.Call(ctx, "ingest_file", map[string]interface{}{
		"project_id": "beta",
		"file_path":  path,
	}))

	resp := backend.Call(ctx, "list_projects", map[string]interface{}{})
	requireSuccess(t, resp)
	assert.Equal(t, 2, resp["total"])

	resp = backend.Call(ctx, "list_sources", map[string]interface{}{"project_id": "beta"})
	requireSuccess(t, resp)
	require.Equal(t, 1, resp["total"])
	sources := resp["sources"].([]map[string]interface{})
	assert.Contains(t, sources[0]["path"], "notes.txt")

	// Type filter that matches nothing.
	resp = backend.Call(ctx, "list_sources", map[string]interface{}{
		"project_id":  "beta",
		"source_type": "code",
	})
	requireSuccess(t, resp)
	assert.Equal(t, 0, resp["total"])
}

func TestUnknownToolAndInvalidArguments(t *testing.T) {
	backend := newTestBackend(t, testConfig(t))
	ctx := context.Background()

	resp := backend.Call(ctx, "no_such_tool", map[string]interface{}{})
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "InvalidArgument", resp["error"])

	resp = backend.Call(ctx, "search", map[string]interface{}{
		"project_id":  "demo",
		"query":       "x",
		"memory_type": "bogus",
	})
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "InvalidArgument", resp["error"])

	resp = backend.Call(ctx, "search", map[string]interface{}{
		"project_id": "demo",
		"query":      "   ",
	})
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "InvalidArgument", resp["error"])
}

func TestAutomaticLearningStoresEpisode(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutomaticLearning.Enabled = true
	cfg.AutomaticLearning.Mode = config.LearningModeModerate
	backend, err := NewBackend(cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i, key := range []string{"a.one", "a.two", "a.three"} {
		resp := backend.Call(ctx, "add_fact", map[string]interface{}{
			"project_id": "demo",
			"fact_key":   key,
			"fact_value": i,
		})
		requireSuccess(t, resp)
	}
	projectID := backend.Call(ctx, "get_context", map[string]interface{}{
		"project_id":   "demo",
		"context_type": "symbolic",
	})["project_id"].(string)

	require.NoError(t, backend.Close())

	dbPath := filepath.Join(cfg.DataDir, projectID, "episodic.db")
	store, err := storage.NewEpisodicStore(dbPath)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	episodes, err := store.QueryEpisodes(ctx, storage.EpisodeQuery{ProjectID: projectID, Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, episodes, "repeated successful writes produce a learned episode")
	assert.Contains(t, episodes[0].Lesson, "Strategy:")
}

func TestAutoLearnOptOut(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutomaticLearning.Enabled = true
	backend, err := NewBackend(cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i, key := range []string{"a.one", "a.two", "a.three"} {
		resp := backend.Call(ctx, "add_fact", map[string]interface{}{
			"project_id": "demo",
			"fact_key":   key,
			"fact_value": i,
			"auto_learn": false,
		})
		requireSuccess(t, resp)
	}
	projectID := backend.Call(ctx, "get_context", map[string]interface{}{
		"project_id":   "demo",
		"context_type": "symbolic",
	})["project_id"].(string)
	require.NoError(t, backend.Close())

	store, err := storage.NewEpisodicStore(filepath.Join(cfg.DataDir, projectID, "episodic.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	episodes, err := store.QueryEpisodes(ctx, storage.EpisodeQuery{ProjectID: projectID, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, episodes)
}

func TestDataDirLayout(t *testing.T) {
	cfg := testConfig(t)
	backend := newTestBackend(t, cfg)
	ctx := context.Background()

	requireSuccess(t, backend.Call(ctx, "add_fact", map[string]interface{}{
		"project_id": "demo",
		"fact_key":   "layout.check",
		"fact_value": "ok",
	}))
	projectID := backend.Call(ctx, "get_context", map[string]interface{}{
		"project_id":   "demo",
		"context_type": "symbolic",
	})["project_id"].(string)

	// registry.db and the project directory sit directly under the data
	// directory; the symbolic database is named memory.db.
	for _, rel := range []string{
		"registry.db",
		filepath.Join(projectID, "memory.db"),
		filepath.Join(projectID, "episodic.db"),
		filepath.Join(projectID, project.SemanticIndexDirName),
	} {
		_, err := os.Stat(filepath.Join(cfg.DataDir, rel))
		assert.NoError(t, err, "expected %s under the data directory", rel)
	}
}

func TestHealth(t *testing.T) {
	backend := newTestBackend(t, testConfig(t))
	health := backend.Health(context.Background())
	assert.Equal(t, "ok", health["status"])
	components := health["components"].(map[string]string)
	assert.Equal(t, "ok", components["embedder"])
}

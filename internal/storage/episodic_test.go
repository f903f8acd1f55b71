package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	memerrors "mcp-agent-memory/internal/errors"
	"mcp-agent-memory/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEpisodicStore(t *testing.T) *EpisodicStore {
	t.Helper()
	store, err := NewEpisodicStore(filepath.Join(t.TempDir(), "episodic.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testEpisode(projectID, lesson string, confidence float64) *types.Episode {
	return types.NewEpisode(projectID,
		"deploy failed on friday evening",
		"rolled back and redeployed monday",
		"deploy succeeded with no customer impact",
		lesson, confidence)
}

func TestStoreEpisodeAndReadBack(t *testing.T) {
	store := newTestEpisodicStore(t)
	ctx := context.Background()

	stored, err := store.StoreEpisode(ctx, testEpisode("proj-1", "Avoid deploys right before weekends", 0.8))
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)

	episodes, err := store.QueryEpisodes(ctx, EpisodeQuery{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, "Avoid deploys right before weekends", episodes[0].Lesson)
}

func TestStoreEpisodeRejectsUnabstractedLesson(t *testing.T) {
	store := newTestEpisodicStore(t)
	ctx := context.Background()

	episode := testEpisode("proj-1", "", 0.8)
	episode.Lesson = episode.Situation
	_, err := store.StoreEpisode(ctx, episode)
	require.Error(t, err)
	assert.True(t, memerrors.IsKind(err, memerrors.KindConflict))

	// Case and whitespace differences are still a restatement.
	episode.Lesson = "  DEPLOY FAILED ON FRIDAY EVENING "
	_, err = store.StoreEpisode(ctx, episode)
	assert.True(t, memerrors.IsKind(err, memerrors.KindConflict))
}

func TestStoreEpisodeRejectsInvalidEpisode(t *testing.T) {
	store := newTestEpisodicStore(t)
	ctx := context.Background()

	episode := testEpisode("proj-1", "a real lesson", 0.8)
	episode.Outcome = "   "
	_, err := store.StoreEpisode(ctx, episode)
	assert.True(t, memerrors.IsKind(err, memerrors.KindInvalidArgument))

	episode = testEpisode("proj-1", "a real lesson", 1.2)
	_, err = store.StoreEpisode(ctx, episode)
	assert.True(t, memerrors.IsKind(err, memerrors.KindInvalidArgument))
}

func TestQueryEpisodesSubstringFilters(t *testing.T) {
	store := newTestEpisodicStore(t)
	ctx := context.Background()

	_, err := store.StoreEpisode(ctx, testEpisode("proj-1", "Prefer feature flags over long branches", 0.9))
	require.NoError(t, err)
	other := types.NewEpisode("proj-1",
		"migration locked the users table",
		"added batched updates",
		"migration completed in 4 minutes",
		"Batch large migrations to avoid long locks", 0.7)
	_, err = store.StoreEpisode(ctx, other)
	require.NoError(t, err)

	byLesson, err := store.QueryEpisodes(ctx, EpisodeQuery{ProjectID: "proj-1", Lesson: "FEATURE FLAGS"})
	require.NoError(t, err)
	require.Len(t, byLesson, 1)
	assert.Contains(t, byLesson[0].Lesson, "feature flags")

	bySituation, err := store.QueryEpisodes(ctx, EpisodeQuery{ProjectID: "proj-1", SituationContains: "Users Table"})
	require.NoError(t, err)
	require.Len(t, bySituation, 1)
	assert.Contains(t, bySituation[0].Situation, "users table")

	byConfidence, err := store.QueryEpisodes(ctx, EpisodeQuery{ProjectID: "proj-1", MinConfidence: 0.8})
	require.NoError(t, err)
	require.Len(t, byConfidence, 1)
}

func TestQueryEpisodesProjectIsolation(t *testing.T) {
	store := newTestEpisodicStore(t)
	ctx := context.Background()

	_, err := store.StoreEpisode(ctx, testEpisode("proj-a", "lesson for a", 0.8))
	require.NoError(t, err)
	_, err = store.StoreEpisode(ctx, testEpisode("proj-b", "lesson for b", 0.8))
	require.NoError(t, err)

	episodes, err := store.QueryEpisodes(ctx, EpisodeQuery{ProjectID: "proj-a"})
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, "proj-a", episodes[0].ProjectID)
}

func TestListRecentEpisodesCutoff(t *testing.T) {
	store := newTestEpisodicStore(t)
	ctx := context.Background()

	recent := testEpisode("proj-1", "recent lesson", 0.8)
	_, err := store.StoreEpisode(ctx, recent)
	require.NoError(t, err)

	old := testEpisode("proj-1", "stale lesson", 0.9)
	old.CreatedAt = time.Now().UTC().AddDate(0, 0, -90)
	_, err = store.StoreEpisode(ctx, old)
	require.NoError(t, err)

	episodes, err := store.ListRecentEpisodes(ctx, "proj-1", 30, 0, 10)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, "recent lesson", episodes[0].Lesson)

	wide, err := store.ListRecentEpisodes(ctx, "proj-1", 365, 0, 10)
	require.NoError(t, err)
	assert.Len(t, wide, 2)
}

func TestDeleteEpisode(t *testing.T) {
	store := newTestEpisodicStore(t)
	ctx := context.Background()

	stored, err := store.StoreEpisode(ctx, testEpisode("proj-1", "a lesson", 0.8))
	require.NoError(t, err)

	require.NoError(t, store.DeleteEpisode(ctx, stored.ID))
	err = store.DeleteEpisode(ctx, stored.ID)
	assert.True(t, memerrors.IsKind(err, memerrors.KindNotFound))
}

func TestGetEpisodeStats(t *testing.T) {
	store := newTestEpisodicStore(t)
	ctx := context.Background()

	_, err := store.StoreEpisode(ctx, testEpisode("proj-1", "first lesson", 0.6))
	require.NoError(t, err)
	old := testEpisode("proj-1", "old lesson", 0.8)
	old.CreatedAt = time.Now().UTC().AddDate(0, 0, -60)
	_, err = store.StoreEpisode(ctx, old)
	require.NoError(t, err)

	stats, err := store.GetEpisodeStats(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEpisodes)
	assert.InDelta(t, 0.7, stats.AvgConfidence, 1e-9)
	assert.Equal(t, 1, stats.RecentCount)
	require.NotNil(t, stats.Oldest)
	require.NotNil(t, stats.Newest)
	assert.True(t, stats.Newest.After(*stats.Oldest))
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	memerrors "mcp-agent-memory/internal/errors"
	"mcp-agent-memory/internal/logging"
	"mcp-agent-memory/pkg/types"

	"github.com/google/uuid"
)

// EpisodicStore is the transactional store of advisory episodes for one
// project, backed by episodic.db.
type EpisodicStore struct {
	db      *sql.DB
	logger  logging.Logger
	writeMu sync.Mutex
}

const episodicSchema = `
CREATE TABLE IF NOT EXISTS episodes (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	situation TEXT NOT NULL,
	action TEXT NOT NULL,
	outcome TEXT NOT NULL,
	lesson TEXT NOT NULL,
	confidence REAL NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_episodes_project_created ON episodes(project_id, created_at DESC);
`

// EpisodeQuery filters an episode query. Text matching is
// case-insensitive substring.
type EpisodeQuery struct {
	ProjectID         string
	Lesson            string
	SituationContains string
	MinConfidence     float64
	Limit             int
}

// NewEpisodicStore opens (creating when missing) the episode database
// at path.
func NewEpisodicStore(path string) (*EpisodicStore, error) {
	db, err := openDatabase(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(episodicSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize episodic schema: %w", err)
	}
	return &EpisodicStore{
		db:     db,
		logger: logging.WithComponent("episodic_store"),
	}, nil
}

// Close releases the database handle.
func (s *EpisodicStore) Close() error {
	return s.db.Close()
}

// StoreEpisode validates and inserts an episode. A lesson that merely
// restates the situation is refused: episodes must abstract.
func (s *EpisodicStore) StoreEpisode(ctx context.Context, episode *types.Episode) (*types.Episode, error) {
	if err := episode.Validate(); err != nil {
		return nil, memerrors.Wrap(memerrors.KindInvalidArgument, "invalid episode", err)
	}
	if !episode.IsAbstracted() {
		return nil, memerrors.New(memerrors.KindConflict, "lesson must be abstracted, not a restatement of the situation")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stored := *episode
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes (id, project_id, situation, action, outcome, lesson, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.ProjectID, stored.Situation, stored.Action, stored.Outcome,
		stored.Lesson, stored.Confidence, formatTime(stored.CreatedAt),
	); err != nil {
		return nil, fmt.Errorf("failed to insert episode: %w", err)
	}

	s.logger.DebugContext(ctx, "stored episode", "project_id", stored.ProjectID, "episode_id", stored.ID)
	return &stored, nil
}

// QueryEpisodes returns episodes matching the query, ordered by
// confidence then recency. Substring filters run host-side so matching
// stays case-insensitive regardless of the SQLite collation.
func (s *EpisodicStore) QueryEpisodes(ctx context.Context, q EpisodeQuery) ([]*types.Episode, error) {
	if q.MinConfidence < 0 || q.MinConfidence > 1 {
		return nil, memerrors.Newf(memerrors.KindInvalidArgument, "min_confidence must be in [0,1], got %v", q.MinConfidence)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	episodes, err := s.fetch(ctx, q.ProjectID, "", q.MinConfidence)
	if err != nil {
		return nil, err
	}

	lesson := strings.ToLower(q.Lesson)
	situation := strings.ToLower(q.SituationContains)

	var matched []*types.Episode
	for _, e := range episodes {
		if lesson != "" && !strings.Contains(strings.ToLower(e.Lesson), lesson) {
			continue
		}
		if situation != "" && !strings.Contains(strings.ToLower(e.Situation), situation) {
			continue
		}
		matched = append(matched, e)
		if len(matched) >= limit {
			break
		}
	}
	return matched, nil
}

// ListRecentEpisodes returns episodes created within the last days
// days. The cutoff is computed host-side and bound as a parameter; SQL
// date arithmetic is never used.
func (s *EpisodicStore) ListRecentEpisodes(ctx context.Context, projectID string, days int, minConfidence float64, limit int) ([]*types.Episode, error) {
	if days <= 0 {
		days = 30
	}
	if limit <= 0 {
		limit = 10
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	episodes, err := s.fetch(ctx, projectID, formatTime(cutoff), minConfidence)
	if err != nil {
		return nil, err
	}
	if len(episodes) > limit {
		episodes = episodes[:limit]
	}
	return episodes, nil
}

// DeleteEpisode removes one episode.
func (s *EpisodicStore) DeleteEpisode(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM episodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete episode: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check episode deletion: %w", err)
	}
	if affected == 0 {
		return memerrors.Newf(memerrors.KindNotFound, "episode not found: %s", id)
	}
	return nil
}

// GetEpisodeStats summarizes a project's episodes.
func (s *EpisodicStore) GetEpisodeStats(ctx context.Context, projectID string) (*types.EpisodeStats, error) {
	episodes, err := s.fetch(ctx, projectID, "", 0)
	if err != nil {
		return nil, err
	}

	stats := &types.EpisodeStats{TotalEpisodes: len(episodes)}
	if len(episodes) == 0 {
		return stats, nil
	}

	recentCutoff := time.Now().UTC().AddDate(0, 0, -30)
	var confidenceSum float64
	for _, e := range episodes {
		confidenceSum += e.Confidence
		created := e.CreatedAt
		if stats.Oldest == nil || created.Before(*stats.Oldest) {
			c := created
			stats.Oldest = &c
		}
		if stats.Newest == nil || created.After(*stats.Newest) {
			c := created
			stats.Newest = &c
		}
		if created.After(recentCutoff) {
			stats.RecentCount++
		}
	}
	stats.AvgConfidence = confidenceSum / float64(len(episodes))
	return stats, nil
}

// fetch loads a project's episodes ordered by confidence then recency,
// optionally bounded below by a created_at cutoff string.
func (s *EpisodicStore) fetch(ctx context.Context, projectID, createdAfter string, minConfidence float64) ([]*types.Episode, error) {
	query := `SELECT id, project_id, situation, action, outcome, lesson, confidence, created_at
		FROM episodes WHERE confidence >= ?`
	args := []interface{}{minConfidence}

	if projectID != "" {
		query += " AND project_id = ?"
		args = append(args, projectID)
	}
	if createdAfter != "" {
		query += " AND created_at >= ?"
		args = append(args, createdAfter)
	}
	query += " ORDER BY confidence DESC, created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var episodes []*types.Episode
	for rows.Next() {
		var e types.Episode
		var createdAt string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Situation, &e.Action, &e.Outcome, &e.Lesson, &e.Confidence, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		episodes = append(episodes, &e)
	}
	return episodes, rows.Err()
}

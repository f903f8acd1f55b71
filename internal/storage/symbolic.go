// Package storage implements the three per-project memory stores:
// symbolic facts (SQLite), episodes (SQLite), and semantic document
// chunks (file-backed JSON or embedded HNSW vector index).
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	memerrors "mcp-agent-memory/internal/errors"
	"mcp-agent-memory/internal/logging"
	"mcp-agent-memory/pkg/types"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// sqliteDSNOptions enables WAL so readers don't block on the single
// serialized writer, and turns foreign keys on.
const sqliteDSNOptions = "?_journal_mode=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=on"

// timeLayout is the fixed-width RFC 3339 UTC format used in the SQLite
// stores. The constant fraction width keeps lexicographic ordering of
// the stored strings identical to chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func openDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+sqliteDSNOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Audit operations.
const (
	auditCreate = "create"
	auditUpdate = "update"
	auditDelete = "delete"
)

// SymbolicStore is the transactional store of authoritative facts for
// one project, backed by memory.db. Writes are serialized; readers run
// concurrently under WAL.
type SymbolicStore struct {
	db      *sql.DB
	logger  logging.Logger
	writeMu sync.Mutex
}

const symbolicSchema = `
CREATE TABLE IF NOT EXISTS memory_facts (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	category TEXT NOT NULL,
	key TEXT NOT NULL,
	value_json TEXT NOT NULL,
	confidence REAL NOT NULL,
	source TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(project_id, key)
);
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fact_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	before_json TEXT,
	after_json TEXT,
	changed_by TEXT NOT NULL,
	changed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_facts_project_key ON memory_facts(project_id, key);
CREATE INDEX IF NOT EXISTS idx_audit_fact ON audit_log(fact_id);
`

// NewSymbolicStore opens (creating when missing) the fact database at
// path.
func NewSymbolicStore(path string) (*SymbolicStore, error) {
	db, err := openDatabase(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(symbolicSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize symbolic schema: %w", err)
	}
	return &SymbolicStore{
		db:     db,
		logger: logging.WithComponent("symbolic_store"),
	}, nil
}

// Close releases the database handle.
func (s *SymbolicStore) Close() error {
	return s.db.Close()
}

// AuditEntry is one row of the symbolic store's change log.
type AuditEntry struct {
	ID         int64     `json:"id"`
	FactID     string    `json:"fact_id"`
	Operation  string    `json:"operation"`
	BeforeJSON string    `json:"before_json,omitempty"`
	AfterJSON  string    `json:"after_json,omitempty"`
	ChangedBy  string    `json:"changed_by"`
	ChangedAt  time.Time `json:"changed_at"`
}

// FactQuery filters a symbolic memory query. Key supports SQL LIKE
// patterns; a pattern without wildcards matches exactly.
type FactQuery struct {
	ProjectID     string
	Category      types.FactCategory
	Key           string
	MinConfidence float64
	Limit         int
}

// StoreMemory upserts a fact by (project_id, key). Writing the same
// value again returns the existing row unchanged; a changed value
// updates the row, strictly bumps updated_at, and audits before/after.
func (s *SymbolicStore) StoreMemory(ctx context.Context, fact *types.MemoryFact) (*types.MemoryFact, error) {
	if err := fact.Validate(); err != nil {
		return nil, memerrors.Wrap(memerrors.KindInvalidArgument, "invalid fact", err)
	}
	valueJSON, err := fact.ValueJSON()
	if err != nil {
		return nil, memerrors.Wrap(memerrors.KindInvalidArgument, "unserializable fact value", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, existingJSON, err := s.getByKeyTx(ctx, tx, fact.ProjectID, fact.Key)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	if existing != nil {
		if existingJSON == valueJSON && existing.Category == fact.Category && existing.Confidence == fact.Confidence {
			// Idempotent rewrite: no row change, no audit entry.
			return existing, nil
		}
		if !now.After(existing.UpdatedAt) {
			now = existing.UpdatedAt.Add(time.Nanosecond)
		}

		updated := *existing
		updated.Category = fact.Category
		updated.Value = fact.Value
		updated.Confidence = fact.Confidence
		updated.Source = fact.Source
		updated.UpdatedAt = now

		if _, err := tx.ExecContext(ctx,
			`UPDATE memory_facts SET category = ?, value_json = ?, confidence = ?, source = ?, updated_at = ? WHERE id = ?`,
			string(updated.Category), valueJSON, updated.Confidence, string(updated.Source), formatTime(now), updated.ID,
		); err != nil {
			return nil, fmt.Errorf("failed to update fact: %w", err)
		}
		if err := s.auditTx(ctx, tx, updated.ID, auditUpdate, factJSON(existing), factJSON(&updated), string(fact.Source), now); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit fact update: %w", err)
		}
		s.logger.DebugContext(ctx, "updated fact", "project_id", fact.ProjectID, "key", fact.Key)
		return &updated, nil
	}

	created := *fact
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	created.CreatedAt = now
	created.UpdatedAt = now

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_facts (id, project_id, category, key, value_json, confidence, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.ID, created.ProjectID, string(created.Category), created.Key, valueJSON,
		created.Confidence, string(created.Source), formatTime(now), formatTime(now),
	); err != nil {
		return nil, fmt.Errorf("failed to insert fact: %w", err)
	}
	if err := s.auditTx(ctx, tx, created.ID, auditCreate, "", factJSON(&created), string(fact.Source), now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit fact insert: %w", err)
	}
	s.logger.DebugContext(ctx, "created fact", "project_id", fact.ProjectID, "key", fact.Key)
	return &created, nil
}

// QueryMemory returns facts matching the query, ordered by confidence
// then recency.
func (s *SymbolicStore) QueryMemory(ctx context.Context, q FactQuery) ([]*types.MemoryFact, error) {
	if q.Category != "" && !q.Category.Valid() {
		return nil, memerrors.Newf(memerrors.KindInvalidArgument, "invalid category: %s", q.Category)
	}
	if q.MinConfidence < 0 || q.MinConfidence > 1 {
		return nil, memerrors.Newf(memerrors.KindInvalidArgument, "min_confidence must be in [0,1], got %v", q.MinConfidence)
	}

	query := `SELECT id, project_id, category, key, value_json, confidence, source, created_at, updated_at
		FROM memory_facts WHERE confidence >= ?`
	args := []interface{}{q.MinConfidence}

	if q.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, q.ProjectID)
	}
	if q.Category != "" {
		query += " AND category = ?"
		args = append(args, string(q.Category))
	}
	if q.Key != "" {
		query += " AND key LIKE ?"
		args = append(args, q.Key)
	}
	query += " ORDER BY confidence DESC, updated_at DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanFacts(rows)
}

// GetFactByID fetches one fact.
func (s *SymbolicStore) GetFactByID(ctx context.Context, id string) (*types.MemoryFact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, category, key, value_json, confidence, source, created_at, updated_at
		 FROM memory_facts WHERE id = ?`, id)
	fact, _, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, memerrors.Newf(memerrors.KindNotFound, "fact not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}
	return fact, nil
}

// ListMemory returns every fact of a project, ordered by confidence
// then recency.
func (s *SymbolicStore) ListMemory(ctx context.Context, projectID string) ([]*types.MemoryFact, error) {
	return s.QueryMemory(ctx, FactQuery{ProjectID: projectID})
}

// DeleteFact removes a fact and audits the deletion.
func (s *SymbolicStore) DeleteFact(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT id, project_id, category, key, value_json, confidence, source, created_at, updated_at
		 FROM memory_facts WHERE id = ?`, id)
	fact, _, err := scanFact(row)
	if err == sql.ErrNoRows {
		return memerrors.Newf(memerrors.KindNotFound, "fact not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load fact for deletion: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_facts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete fact: %w", err)
	}
	if err := s.auditTx(ctx, tx, id, auditDelete, factJSON(fact), "", string(types.SourceSystem), time.Now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fact deletion: %w", err)
	}
	return nil
}

// GetAuditLog returns the most recent audit entries, newest first.
func (s *SymbolicStore) GetAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fact_id, operation, COALESCE(before_json, ''), COALESCE(after_json, ''), changed_by, changed_at
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var changedAt string
		if err := rows.Scan(&e.ID, &e.FactID, &e.Operation, &e.BeforeJSON, &e.AfterJSON, &e.ChangedBy, &changedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.ChangedAt = parseTime(changedAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// GetStats summarizes a project's facts.
func (s *SymbolicStore) GetStats(ctx context.Context, projectID string) (*types.FactStats, error) {
	facts, err := s.ListMemory(ctx, projectID)
	if err != nil {
		return nil, err
	}

	stats := &types.FactStats{
		TotalFacts: len(facts),
		ByCategory: make(map[string]int),
		BySource:   make(map[string]int),
	}
	var confidenceSum float64
	for _, f := range facts {
		stats.ByCategory[string(f.Category)]++
		stats.BySource[string(f.Source)]++
		confidenceSum += f.Confidence
		if stats.LastUpdated == nil || f.UpdatedAt.After(*stats.LastUpdated) {
			updated := f.UpdatedAt
			stats.LastUpdated = &updated
		}
	}
	if len(facts) > 0 {
		stats.AvgConfidence = confidenceSum / float64(len(facts))
	}
	return stats, nil
}

func (s *SymbolicStore) getByKeyTx(ctx context.Context, tx *sql.Tx, projectID, key string) (*types.MemoryFact, string, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, project_id, category, key, value_json, confidence, source, created_at, updated_at
		 FROM memory_facts WHERE project_id = ? AND key = ?`, projectID, key)
	fact, valueJSON, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to look up fact: %w", err)
	}
	return fact, valueJSON, nil
}

func (s *SymbolicStore) auditTx(ctx context.Context, tx *sql.Tx, factID, operation, before, after, changedBy string, at time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (fact_id, operation, before_json, after_json, changed_by, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		factID, operation, before, after, changedBy, formatTime(at),
	); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFact(row rowScanner) (*types.MemoryFact, string, error) {
	var f types.MemoryFact
	var category, source, valueJSON, createdAt, updatedAt string
	if err := row.Scan(&f.ID, &f.ProjectID, &category, &f.Key, &valueJSON, &f.Confidence, &source, &createdAt, &updatedAt); err != nil {
		return nil, "", err
	}
	f.Category = types.FactCategory(category)
	f.Source = types.FactSource(source)
	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(valueJSON), &f.Value); err != nil {
		// Legacy rows may hold bare strings.
		f.Value = valueJSON
	}
	return &f, valueJSON, nil
}

func scanFacts(rows *sql.Rows) ([]*types.MemoryFact, error) {
	var facts []*types.MemoryFact
	for rows.Next() {
		fact, _, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

func factJSON(f *types.MemoryFact) string {
	data, err := json.Marshal(f)
	if err != nil {
		return ""
	}
	return string(data)
}

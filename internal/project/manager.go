// Package project manages the tenant registry: project identities,
// their on-disk directories, and lifecycle.
package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	memerrors "mcp-agent-memory/internal/errors"
	"mcp-agent-memory/internal/logging"
	"mcp-agent-memory/internal/storage"
	"mcp-agent-memory/pkg/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const registrySchema = `
CREATE TABLE IF NOT EXISTS projects (
	project_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	short_uuid TEXT NOT NULL,
	chroma_path TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	status TEXT NOT NULL,
	metadata_json TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_name ON projects(name);
`

// timeLayout matches the storage package: fixed fraction width so
// string order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SemanticIndexDirName is the per-project vector index directory.
const SemanticIndexDirName = "semantic_index"

// Manager owns registry.db and the per-project directory tree under
// baseDir. Writes are serialized; readers run concurrently under WAL.
type Manager struct {
	db      *sql.DB
	baseDir string
	logger  logging.Logger
	writeMu sync.Mutex
}

// NewManager opens (creating when missing) the registry under baseDir.
func NewManager(baseDir string) (*Manager, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(abs, "registry.db")+"?_journal_mode=WAL&_sync=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(registrySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return &Manager{
		db:      db,
		baseDir: abs,
		logger:  logging.WithComponent("project"),
	}, nil
}

// Close releases the registry handle.
func (m *Manager) Close() error {
	return m.db.Close()
}

// BaseDir returns the directory holding all project directories.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// CreateProject registers a new project: the id is the slugged name
// plus an 8-hex suffix, and the project directory (with its semantic
// index subdirectory and project.json) is created eagerly.
func (m *Manager) CreateProject(ctx context.Context, name string, metadata map[string]interface{}) (*types.Project, error) {
	name = strings.TrimSpace(name)
	if err := types.ValidateProjectName(name); err != nil {
		return nil, memerrors.Wrap(memerrors.KindInvalidArgument, "invalid project name", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if existing, err := m.getByName(ctx, name); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, memerrors.Newf(memerrors.KindConflict, "project name already registered: %s", name)
	}

	shortUUID := types.NewShortUUID()
	projectID := Slug(name) + "-" + shortUUID
	now := time.Now().UTC()
	project := &types.Project{
		ProjectID:  projectID,
		Name:       name,
		ShortUUID:  shortUUID,
		ChromaPath: filepath.Join(m.baseDir, projectID, SemanticIndexDirName),
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     types.ProjectStatusActive,
		Metadata:   metadata,
	}

	if err := m.createProjectDir(project); err != nil {
		return nil, err
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, memerrors.Wrap(memerrors.KindInvalidArgument, "unserializable project metadata", err)
	}
	if _, err := m.db.ExecContext(ctx,
		`INSERT INTO projects (project_id, name, short_uuid, chroma_path, created_at, updated_at, status, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		project.ProjectID, project.Name, project.ShortUUID, project.ChromaPath,
		now.Format(timeLayout), now.Format(timeLayout), string(project.Status), string(metadataJSON),
	); err != nil {
		_ = os.RemoveAll(filepath.Join(m.baseDir, projectID))
		return nil, fmt.Errorf("failed to register project: %w", err)
	}

	m.logger.InfoContext(ctx, "created project", "project_id", projectID, "name", name)
	return project, nil
}

// DeleteProject removes a project's registry row and directory and
// evicts its semantic-store singleton. Returns false for unknown ids.
func (m *Manager) DeleteProject(ctx context.Context, projectID string) (bool, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	project, err := m.getByID(ctx, projectID)
	if err != nil {
		return false, err
	}
	if project == nil {
		return false, nil
	}

	if err := storage.EvictSemanticStore(project.ChromaPath); err != nil {
		m.logger.WarnContext(ctx, "failed to evict semantic store", "project_id", projectID, "error", err.Error())
	}
	if err := os.RemoveAll(filepath.Join(m.baseDir, projectID)); err != nil {
		return false, fmt.Errorf("failed to remove project directory: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM projects WHERE project_id = ?`, projectID); err != nil {
		return false, fmt.Errorf("failed to delete project row: %w", err)
	}

	m.logger.InfoContext(ctx, "deleted project", "project_id", projectID)
	return true, nil
}

// GetProject fetches one project by id.
func (m *Manager) GetProject(ctx context.Context, projectID string) (*types.Project, error) {
	project, err := m.getByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, memerrors.Newf(memerrors.KindNotFound, "project not found: %s", projectID)
	}
	return project, nil
}

// ListProjects returns all projects, optionally filtered by status,
// ordered by creation time.
func (m *Manager) ListProjects(ctx context.Context, status types.ProjectStatus) ([]*types.Project, error) {
	query := `SELECT project_id, name, short_uuid, chroma_path, created_at, updated_at, status, metadata_json
		FROM projects`
	var args []interface{}
	if status != "" {
		if !status.Valid() {
			return nil, memerrors.Newf(memerrors.KindInvalidArgument, "invalid project status: %s", status)
		}
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at ASC"

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*types.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// ValidateProjectID checks shape and registration.
func (m *Manager) ValidateProjectID(ctx context.Context, projectID string) error {
	if !types.ValidProjectID(projectID) {
		return memerrors.Newf(memerrors.KindInvalidArgument, "invalid project id: %q", projectID)
	}
	_, err := m.GetProject(ctx, projectID)
	return err
}

// GetProjectDir returns the directory owned by a project id.
func (m *Manager) GetProjectDir(projectID string) string {
	return filepath.Join(m.baseDir, projectID)
}

// ResolveOrCreate finds a project by id, then by name, and finally
// creates one named nameOrID. Tool calls use this so agents never have
// to pre-register projects.
func (m *Manager) ResolveOrCreate(ctx context.Context, nameOrID string) (*types.Project, error) {
	nameOrID = strings.TrimSpace(nameOrID)
	if nameOrID == "" {
		return nil, memerrors.New(memerrors.KindInvalidArgument, "project cannot be empty")
	}

	if types.ValidProjectID(nameOrID) {
		if project, err := m.getByID(ctx, nameOrID); err != nil {
			return nil, err
		} else if project != nil {
			return project, nil
		}
	}
	if project, err := m.getByName(ctx, nameOrID); err != nil {
		return nil, err
	} else if project != nil {
		return project, nil
	}
	return m.CreateProject(ctx, nameOrID, nil)
}

// Slug lowercases a name and collapses runs of invalid characters into
// single dashes.
func Slug(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "project"
	}
	return slug
}

func (m *Manager) createProjectDir(project *types.Project) error {
	dir := filepath.Join(m.baseDir, project.ProjectID)
	if err := os.MkdirAll(filepath.Join(dir, SemanticIndexDirName), 0o750); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}
	data, err := json.MarshalIndent(project, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal project.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "project.json"), data, 0o600); err != nil {
		return fmt.Errorf("failed to write project.json: %w", err)
	}
	return nil
}

func (m *Manager) getByID(ctx context.Context, projectID string) (*types.Project, error) {
	return m.getOne(ctx, `WHERE project_id = ?`, projectID)
}

func (m *Manager) getByName(ctx context.Context, name string) (*types.Project, error) {
	return m.getOne(ctx, `WHERE name = ?`, name)
}

func (m *Manager) getOne(ctx context.Context, where string, arg interface{}) (*types.Project, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT project_id, name, short_uuid, chroma_path, created_at, updated_at, status, metadata_json
		 FROM projects `+where, arg)
	project, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	return project, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (*types.Project, error) {
	var p types.Project
	var status, createdAt, updatedAt string
	var metadataJSON sql.NullString
	if err := row.Scan(&p.ProjectID, &p.Name, &p.ShortUUID, &p.ChromaPath, &createdAt, &updatedAt, &status, &metadataJSON); err != nil {
		return nil, err
	}
	p.Status = types.ProjectStatus(status)
	p.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	p.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &p.Metadata)
	}
	return &p, nil
}

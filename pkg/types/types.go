// Package types provides the core data structures for the agent memory
// service: projects, symbolic facts, episodes, semantic document chunks,
// and the enums shared across stores and the tool surface.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Authority describes how a caller must treat a piece of memory when it
// is injected into a prompt. Symbolic memory is authoritative, episodic
// memory is advisory, semantic memory is non-authoritative.
type Authority string

const (
	// AuthorityAuthoritative marks symbolic facts: explicit, binding statements.
	AuthorityAuthoritative Authority = "authoritative"
	// AuthorityAdvisory marks episodic lessons: suggestions, not commands.
	AuthorityAdvisory Authority = "advisory"
	// AuthorityNonAuthoritative marks retrieved semantic content.
	AuthorityNonAuthoritative Authority = "non-authoritative"
	// AuthoritySystem marks service-generated records such as notices.
	AuthoritySystem Authority = "system"
)

// Valid returns true if the authority level is one of the fixed tiers.
func (a Authority) Valid() bool {
	switch a {
	case AuthorityAuthoritative, AuthorityAdvisory, AuthorityNonAuthoritative, AuthoritySystem:
		return true
	}
	return false
}

// FactCategory classifies a symbolic fact.
type FactCategory string

const (
	// CategoryPreference captures a stated preference ("prefers JSON output").
	CategoryPreference FactCategory = "preference"
	// CategoryConstraint captures a hard requirement ("never push to main").
	CategoryConstraint FactCategory = "constraint"
	// CategoryDecision captures a recorded decision ("use PostgreSQL").
	CategoryDecision FactCategory = "decision"
	// CategoryFact captures any other durable statement.
	CategoryFact FactCategory = "fact"
)

// Valid returns true if the category is in the allowed set.
func (fc FactCategory) Valid() bool {
	switch fc {
	case CategoryPreference, CategoryConstraint, CategoryDecision, CategoryFact:
		return true
	}
	return false
}

// FactSource records which actor produced a symbolic fact.
type FactSource string

const (
	// SourceUser marks facts stated by the human operator.
	SourceUser FactSource = "user"
	// SourceAgent marks facts stated by the agent itself.
	SourceAgent FactSource = "agent"
	// SourceAutoLearning marks facts produced by the learning pipeline.
	SourceAutoLearning FactSource = "auto_learning"
	// SourceSystem marks facts written by the service.
	SourceSystem FactSource = "system"
)

// Valid returns true if the fact source is in the allowed set.
func (fs FactSource) Valid() bool {
	switch fs {
	case SourceUser, SourceAgent, SourceAutoLearning, SourceSystem:
		return true
	}
	return false
}

// ChunkKind classifies the origin of a semantic document chunk.
type ChunkKind string

const (
	ChunkKindDoc       ChunkKind = "doc"
	ChunkKindCode      ChunkKind = "code"
	ChunkKindNote      ChunkKind = "note"
	ChunkKindArticle   ChunkKind = "article"
	ChunkKindReference ChunkKind = "reference"
)

// Valid returns true if the chunk kind is in the allowed set.
func (ck ChunkKind) Valid() bool {
	switch ck {
	case ChunkKindDoc, ChunkKindCode, ChunkKindNote, ChunkKindArticle, ChunkKindReference:
		return true
	}
	return false
}

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusArchived ProjectStatus = "archived"
)

// Valid returns true if the project status is known.
func (ps ProjectStatus) Valid() bool {
	return ps == ProjectStatusActive || ps == ProjectStatusArchived
}

// MemoryKind selects which store(s) a search or context request covers.
type MemoryKind string

const (
	MemoryKindAll      MemoryKind = "all"
	MemoryKindSymbolic MemoryKind = "symbolic"
	MemoryKindEpisodic MemoryKind = "episodic"
	MemoryKindSemantic MemoryKind = "semantic"
)

// Valid returns true if the memory kind is known.
func (mk MemoryKind) Valid() bool {
	switch mk {
	case MemoryKindAll, MemoryKindSymbolic, MemoryKindEpisodic, MemoryKindSemantic:
		return true
	}
	return false
}

// Authority returns the authority tier items of this kind carry.
func (mk MemoryKind) Authority() Authority {
	switch mk {
	case MemoryKindSymbolic:
		return AuthorityAuthoritative
	case MemoryKindEpisodic:
		return AuthorityAdvisory
	case MemoryKindSemantic:
		return AuthorityNonAuthoritative
	}
	return AuthoritySystem
}

// RetrievalTrigger is the enumerated reason a caller gives to justify a
// semantic retrieval. Retrieval without a valid trigger is refused.
type RetrievalTrigger string

const (
	TriggerExternalInfoNeeded   RetrievalTrigger = "external_info_needed"
	TriggerSymbolicInsufficient RetrievalTrigger = "symbolic_memory_insufficient"
	TriggerEpisodicSuggests     RetrievalTrigger = "episodic_suggests_retrieval"
	TriggerExplicitRequest      RetrievalTrigger = "explicit_retrieval_request"
)

// Valid returns true if the trigger belongs to the closed set.
func (rt RetrievalTrigger) Valid() bool {
	switch rt {
	case TriggerExternalInfoNeeded, TriggerSymbolicInsufficient, TriggerEpisodicSuggests, TriggerExplicitRequest:
		return true
	}
	return false
}

var (
	// keyPattern bounds symbolic fact keys.
	keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,200}$`)
	// projectIDPattern bounds free-form project identifiers.
	projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,150}$`)
	// invalidNameChars are forbidden in human-facing project names.
	invalidNameChars = `/\:*?"<>|`
)

// ValidFactKey reports whether key is usable as a symbolic fact key.
func ValidFactKey(key string) bool {
	return keyPattern.MatchString(key)
}

// ValidProjectID reports whether id conforms to the free-form project
// id shape. Registered ids are additionally checked against the registry.
func ValidProjectID(id string) bool {
	return projectIDPattern.MatchString(id)
}

// ValidateProjectName checks the human-facing project name rules:
// trimmed, 1 to 100 characters, none of the filesystem-hostile
// characters.
func ValidateProjectName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errors.New("project name cannot be empty")
	}
	if len(trimmed) > 100 {
		return fmt.Errorf("project name too long: %d chars (max 100)", len(trimmed))
	}
	if strings.ContainsAny(trimmed, invalidNameChars) {
		return fmt.Errorf("project name contains invalid characters (%s)", invalidNameChars)
	}
	return nil
}

// Project is the tenant boundary. Each project owns a directory holding
// its symbolic DB, episodic DB, and semantic index.
type Project struct {
	ProjectID  string                 `json:"project_id"`
	Name       string                 `json:"name"`
	ShortUUID  string                 `json:"short_uuid"`
	ChromaPath string                 `json:"chroma_path"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	Status     ProjectStatus          `json:"status"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks project invariants.
func (p *Project) Validate() error {
	if p.ProjectID == "" {
		return errors.New("project id cannot be empty")
	}
	if err := ValidateProjectName(p.Name); err != nil {
		return err
	}
	if len(p.ShortUUID) != 8 {
		return fmt.Errorf("short uuid must be 8 hex chars, got %q", p.ShortUUID)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid project status: %s", p.Status)
	}
	return nil
}

// NewShortUUID returns the 8-hex-char project suffix derived from a
// random UUID.
func NewShortUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// MemoryFact is a symbolic, authoritative record keyed by
// (project_id, key). At most one live fact exists per key in a project.
type MemoryFact struct {
	ID         string       `json:"id"`
	ProjectID  string       `json:"project_id"`
	Category   FactCategory `json:"category"`
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Confidence float64      `json:"confidence"`
	Source     FactSource   `json:"source"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// NewMemoryFact builds a fact with generated id and timestamps.
func NewMemoryFact(projectID string, category FactCategory, key string, value interface{}, confidence float64, source FactSource) *MemoryFact {
	now := time.Now().UTC()
	return &MemoryFact{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		Category:   category,
		Key:        key,
		Value:      value,
		Confidence: confidence,
		Source:     source,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Validate checks the write invariants for a symbolic fact.
func (mf *MemoryFact) Validate() error {
	if !ValidProjectID(mf.ProjectID) {
		return fmt.Errorf("invalid project id: %q", mf.ProjectID)
	}
	if !mf.Category.Valid() {
		return fmt.Errorf("invalid fact category: %s", mf.Category)
	}
	if !ValidFactKey(mf.Key) {
		return fmt.Errorf("invalid fact key: %q", mf.Key)
	}
	if mf.Confidence < 0 || mf.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0,1], got %v", mf.Confidence)
	}
	if !mf.Source.Valid() {
		return fmt.Errorf("invalid fact source: %s", mf.Source)
	}
	return nil
}

// ValueJSON returns the fact value serialized for storage.
func (mf *MemoryFact) ValueJSON() (string, error) {
	data, err := json.Marshal(mf.Value)
	if err != nil {
		return "", fmt.Errorf("failed to marshal fact value: %w", err)
	}
	return string(data), nil
}

// Episode is an advisory situation/action/outcome/lesson record.
type Episode struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Situation  string    `json:"situation"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	Lesson     string    `json:"lesson"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewEpisode builds an episode with generated id and timestamp.
func NewEpisode(projectID, situation, action, outcome, lesson string, confidence float64) *Episode {
	return &Episode{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		Situation:  situation,
		Action:     action,
		Outcome:    outcome,
		Lesson:     lesson,
		Confidence: confidence,
		CreatedAt:  time.Now().UTC(),
	}
}

// Validate checks the write invariants for an episode. The abstraction
// rule (lesson must not restate the situation) is reported separately
// by IsAbstracted so stores can surface it as a conflict.
func (e *Episode) Validate() error {
	if !ValidProjectID(e.ProjectID) {
		return fmt.Errorf("invalid project id: %q", e.ProjectID)
	}
	if strings.TrimSpace(e.Situation) == "" {
		return errors.New("situation cannot be empty")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("action cannot be empty")
	}
	if strings.TrimSpace(e.Outcome) == "" {
		return errors.New("outcome cannot be empty")
	}
	if strings.TrimSpace(e.Lesson) == "" {
		return errors.New("lesson cannot be empty")
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0,1], got %v", e.Confidence)
	}
	return nil
}

// IsAbstracted reports whether the lesson is more than a verbatim
// restatement of the situation.
func (e *Episode) IsAbstracted() bool {
	return !strings.EqualFold(strings.TrimSpace(e.Lesson), strings.TrimSpace(e.Situation))
}

// Well-known semantic chunk metadata keys.
const (
	MetaSource      = "source"
	MetaType        = "type"
	MetaDocumentID  = "document_id"
	MetaChunkIndex  = "chunk_index"
	MetaTotalChunks = "total_chunks"
	MetaCreatedAt   = "created_at"
)

// DocumentChunk is the unit of semantic storage and retrieval.
// chunk_id is document_id + ":" + chunk_index and is stable across
// re-ingests of the same source.
type DocumentChunk struct {
	ChunkID    string                 `json:"chunk_id"`
	DocumentID string                 `json:"document_id"`
	Content    string                 `json:"content"`
	Embedding  []float32              `json:"embedding"`
	Metadata   map[string]interface{} `json:"metadata"`
	ChunkIndex int                    `json:"chunk_index"`
}

// ChunkID builds the stable chunk identifier for a document index pair.
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s:%d", documentID, index)
}

// Source returns the chunk's source path, or "unknown".
func (dc *DocumentChunk) Source() string {
	if s, ok := dc.Metadata[MetaSource].(string); ok && s != "" {
		return s
	}
	return "unknown"
}

// Citation returns the "<source>:<chunk_index>" reference string used
// when the chunk is quoted in a prompt.
func (dc *DocumentChunk) Citation() string {
	return fmt.Sprintf("%s:%d", dc.Source(), dc.ChunkIndex)
}

// HasEmbedding reports whether the chunk is eligible for vector search.
func (dc *DocumentChunk) HasEmbedding() bool {
	return len(dc.Embedding) > 0
}

// SemanticResult is one scored hit from the semantic store.
type SemanticResult struct {
	ChunkID    string                 `json:"chunk_id"`
	DocumentID string                 `json:"document_id"`
	Content    string                 `json:"content"`
	Score      float64                `json:"score"`
	Metadata   map[string]interface{} `json:"metadata"`
	ChunkIndex int                    `json:"chunk_index"`
	Citation   string                 `json:"citation"`
}

// SourceInfo aggregates the chunks of one ingested source.
type SourceInfo struct {
	Path        string    `json:"path"`
	Type        string    `json:"type"`
	ChunkCount  int       `json:"chunk_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// FactStats summarizes a project's symbolic store.
type FactStats struct {
	TotalFacts    int            `json:"total_facts"`
	ByCategory    map[string]int `json:"by_category"`
	BySource      map[string]int `json:"by_source"`
	AvgConfidence float64        `json:"avg_confidence"`
	LastUpdated   *time.Time     `json:"last_updated,omitempty"`
}

// EpisodeStats summarizes a project's episodic store.
type EpisodeStats struct {
	TotalEpisodes int        `json:"total_episodes"`
	AvgConfidence float64    `json:"avg_confidence"`
	Oldest        *time.Time `json:"oldest,omitempty"`
	Newest        *time.Time `json:"newest,omitempty"`
	RecentCount   int        `json:"recent_count"`
}

// SemanticStats summarizes a project's semantic index.
type SemanticStats struct {
	TotalChunks            int    `json:"total_chunks"`
	TotalDocuments         int    `json:"total_documents"`
	ChunksWithoutEmbedding int    `json:"chunks_without_embeddings"`
	Dimensions             int    `json:"dimensions"`
	Backend                string `json:"backend"`
}

// OperationResult is the terminal state of one tracked tool call.
type OperationResult string

const (
	OperationSuccess OperationResult = "success"
	OperationError   OperationResult = "error"
)

// OperationRecord is one entry of the backend's rolling operation
// buffer consumed by the auto-learning detectors.
type OperationRecord struct {
	ToolName   string                 `json:"tool_name"`
	ProjectID  string                 `json:"project_id"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	Result     OperationResult        `json:"result"`
	Outcome    string                 `json:"outcome,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	DurationMS int64                  `json:"duration_ms"`
}

// Succeeded reports whether the operation completed without error.
func (or *OperationRecord) Succeeded() bool {
	return or.Result == OperationSuccess
}

// Package mcp exposes the memory service as an MCP tool surface: a
// Backend façade binding projects to their stores, and a server
// registering the eight tools over the MCP protocol.
package mcp

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"mcp-agent-memory/internal/ai"
	"mcp-agent-memory/internal/analysis"
	"mcp-agent-memory/internal/config"
	"mcp-agent-memory/internal/embeddings"
	memerrors "mcp-agent-memory/internal/errors"
	"mcp-agent-memory/internal/ingest"
	"mcp-agent-memory/internal/learning"
	"mcp-agent-memory/internal/logging"
	"mcp-agent-memory/internal/metrics"
	"mcp-agent-memory/internal/project"
	"mcp-agent-memory/internal/prompt"
	"mcp-agent-memory/internal/retrieval"
	"mcp-agent-memory/internal/storage"
	"mcp-agent-memory/internal/uploads"
	"mcp-agent-memory/pkg/types"
)

// sideEffectQueueCap bounds the auto-learning and upload-deletion
// queue. On overflow the oldest pending effect is dropped so tool
// responses are never delayed by side effects.
const sideEffectQueueCap = 64

// globalScope is the metrics bucket for tools not scoped to a project.
const globalScope = "global"

// Stock episode fields used when add_episode content carries no
// structured sections.
const (
	stockEpisodeAction  = "agent response recorded"
	stockEpisodeOutcome = "captured for future reference"
	maxLessonChars      = 500
)

// projectStores are the lazily-opened per-project store handles.
type projectStores struct {
	symbolic *storage.SymbolicStore
	episodic *storage.EpisodicStore
	semantic storage.SemanticStore
}

// Backend implements the tool façade. It is safe for concurrent use.
type Backend struct {
	cfg       *config.Config
	logger    logging.Logger
	projects  *project.Manager
	metrics   *metrics.Registry
	embedder  embeddings.Embedder
	guard     *uploads.Guard
	tracker   *learning.Tracker
	extractor *learning.Extractor
	completer ai.ChatCompleter

	analyzerMu sync.Mutex
	analyzers  map[string]*analysis.Analyzer

	storesMu sync.Mutex
	stores   map[string]*projectStores

	effects   chan func()
	effectsWG sync.WaitGroup
	closeOnce sync.Once
}

// NewBackend wires the façade from configuration. The completer may be
// nil; analysis and learning then run in their heuristic modes.
func NewBackend(cfg *config.Config, completer ai.ChatCompleter) (*Backend, error) {
	manager, err := project.NewManager(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		cfg:       cfg,
		logger:    logging.WithComponent("backend"),
		projects:  manager,
		metrics:   metrics.NewRegistry(cfg.DataDir),
		embedder:  embeddings.NewCachedEmbedder(embeddings.NewStaticEmbedder(cfg.EmbeddingDimension), cfg.EmbeddingCacheSize),
		guard:     uploads.NewGuard(cfg),
		tracker:   learning.NewTracker(cfg.AutomaticLearning),
		extractor: learning.NewExtractor(cfg.AutomaticLearning, completer),
		completer: completer,
		analyzers: make(map[string]*analysis.Analyzer),
		stores:    make(map[string]*projectStores),
		effects:   make(chan func(), sideEffectQueueCap),
	}

	b.effectsWG.Add(1)
	go b.runSideEffects()
	return b, nil
}

// Metrics exposes the registry for the HTTP surface.
func (b *Backend) Metrics() *metrics.Registry {
	return b.metrics
}

// Projects exposes the project manager.
func (b *Backend) Projects() *project.Manager {
	return b.projects
}

// Health reports component availability for the health endpoint.
func (b *Backend) Health(ctx context.Context) map[string]interface{} {
	components := map[string]string{
		"registry": "ok",
		"embedder": "unavailable",
		"uploads":  "disabled",
	}
	if b.embedder.IsAvailable(ctx) {
		components["embedder"] = "ok"
	}
	if b.guard.Enabled() {
		components["uploads"] = "ok"
	}
	return map[string]interface{}{
		"status":     "ok",
		"components": components,
	}
}

// Close drains the side-effect queue, saves metrics snapshots, and
// releases every open store.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() { close(b.effects) })
	b.effectsWG.Wait()

	b.storesMu.Lock()
	for projectID, stores := range b.stores {
		if err := b.metrics.SaveProject(projectID); err != nil {
			b.logger.Warn("failed to save metrics snapshot", "project_id", projectID, "error", err.Error())
		}
		if err := stores.symbolic.Close(); err != nil {
			b.logger.Warn("failed to close symbolic store", "project_id", projectID, "error", err.Error())
		}
		if err := stores.episodic.Close(); err != nil {
			b.logger.Warn("failed to close episodic store", "project_id", projectID, "error", err.Error())
		}
	}
	b.stores = make(map[string]*projectStores)
	b.storesMu.Unlock()

	return b.projects.Close()
}

// Call runs one tool end to end: metrics open/close, the handler, the
// operation tracker, and queued learning. It never returns a Go error;
// failures become the wire error envelope.
func (b *Backend) Call(ctx context.Context, tool string, args map[string]interface{}) map[string]interface{} {
	if args == nil {
		args = map[string]interface{}{}
	}
	scope, _ := args["project_id"].(string)
	if strings.TrimSpace(scope) == "" {
		scope = globalScope
	}

	requestID := b.metrics.RecordToolCall(scope, tool)
	started := time.Now()
	payload, err := b.dispatch(ctx, tool, args)
	b.metrics.RecordToolCompletion(requestID, err, memerrors.MessageOf(err))
	b.trackOperation(tool, scope, args, started, err)

	if err != nil {
		b.logger.WarnContext(ctx, "tool call failed", "tool", tool, "project", scope, "error_kind", string(memerrors.KindOf(err)))
		return memerrors.Envelope(tool, err)
	}
	payload["status"] = "success"
	payload["tool"] = tool
	return payload
}

func (b *Backend) dispatch(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
	switch tool {
	case "list_projects":
		return b.listProjects(ctx, args)
	case "list_sources":
		return b.listSources(ctx, args)
	case "get_context":
		return b.getContext(ctx, args)
	case "search":
		return b.search(ctx, args)
	case "ingest_file":
		return b.ingestFile(ctx, args)
	case "add_fact":
		return b.addFact(ctx, args)
	case "add_episode":
		return b.addEpisode(ctx, args)
	case "analyze_conversation":
		return b.analyzeConversation(ctx, args)
	}
	return nil, memerrors.Newf(memerrors.KindInvalidArgument, "unknown tool: %s", tool)
}

// ListProjectsRequest selects a project status scope.
type ListProjectsRequest struct {
	ScopeType string `json:"scope_type"`
}

func (b *Backend) listProjects(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	var req ListProjectsRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	status := types.ProjectStatus(req.ScopeType)
	if req.ScopeType == "" || req.ScopeType == "all" {
		status = ""
	}

	projects, err := b.projects.ListProjects(ctx, status)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]interface{}, 0, len(projects))
	for _, p := range projects {
		rows = append(rows, map[string]interface{}{
			"project_id": p.ProjectID,
			"name":       p.Name,
			"status":     string(p.Status),
			"created_at": p.CreatedAt,
		})
	}
	return map[string]interface{}{"projects": rows, "total": len(rows)}, nil
}

// ListSourcesRequest selects a project's ingested sources.
type ListSourcesRequest struct {
	ProjectID  string `json:"project_id"`
	SourceType string `json:"source_type"`
}

func (b *Backend) listSources(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	var req ListSourcesRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	proj, stores, err := b.resolve(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	sources, err := stores.semantic.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]interface{}, 0, len(sources))
	for _, s := range sources {
		if req.SourceType != "" && s.Type != req.SourceType {
			continue
		}
		rows = append(rows, map[string]interface{}{
			"path":         s.Path,
			"type":         s.Type,
			"chunk_count":  s.ChunkCount,
			"last_updated": s.LastUpdated,
		})
	}
	return map[string]interface{}{
		"project_id": proj.ProjectID,
		"sources":    rows,
		"total":      len(rows),
	}, nil
}

// GetContextRequest assembles a project's memory for injection.
type GetContextRequest struct {
	ProjectID   string `json:"project_id"`
	ContextType string `json:"context_type"`
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
}

func (b *Backend) getContext(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	req := GetContextRequest{ContextType: "all", MaxResults: 10}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	kind := types.MemoryKind(req.ContextType)
	if !kind.Valid() {
		return nil, memerrors.Newf(memerrors.KindInvalidArgument, "invalid context_type: %s", req.ContextType)
	}
	proj, stores, err := b.resolve(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	var facts []*types.MemoryFact
	if kind == types.MemoryKindAll || kind == types.MemoryKindSymbolic {
		facts, err = stores.symbolic.QueryMemory(ctx, storage.FactQuery{ProjectID: proj.ProjectID, Limit: req.MaxResults})
		if err != nil {
			return nil, err
		}
	}

	var episodes []*types.Episode
	if kind == types.MemoryKindAll || kind == types.MemoryKindEpisodic {
		episodes, err = stores.episodic.ListRecentEpisodes(ctx, proj.ProjectID, 30, 0, req.MaxResults)
		if err != nil {
			return nil, err
		}
	}

	var retrieved []types.SemanticResult
	degraded := false
	if (kind == types.MemoryKindAll || kind == types.MemoryKindSemantic) && strings.TrimSpace(req.Query) != "" {
		retrieved, degraded, err = b.retrieve(ctx, stores, retrieval.Request{
			Query:    req.Query,
			Trigger:  types.TriggerExplicitRequest,
			TopK:     req.MaxResults,
			MinScore: b.cfg.MinRetrievalScore,
		})
		if err != nil {
			return nil, err
		}
	}

	built, report := prompt.Build(prompt.Request{
		UserRequest:     req.Query,
		Facts:           facts,
		Episodes:        episodes,
		Retrieved:       retrieved,
		MaxContextChars: b.cfg.MaxContextChars,
	})

	payload := map[string]interface{}{
		"project_id":    proj.ProjectID,
		"symbolic":      factRows(facts),
		"episodic":      episodeRows(episodes),
		"semantic":      semanticRows(retrieved),
		"prompt":        built,
		"context_chars": report.TotalChars,
	}
	if report.OverBudget {
		payload["over_budget"] = true
	}
	if degraded {
		payload["degraded"] = true
	}
	return payload, nil
}

// SearchRequest queries one or all memory kinds.
type SearchRequest struct {
	ProjectID         string `json:"project_id"`
	Query             string `json:"query"`
	MemoryType        string `json:"memory_type"`
	TopK              int    `json:"top_k"`
	SituationContains string `json:"situation_contains"`
}

func (b *Backend) search(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	req := SearchRequest{MemoryType: "all", TopK: 10}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	kind := types.MemoryKind(req.MemoryType)
	if !kind.Valid() {
		return nil, memerrors.Newf(memerrors.KindInvalidArgument, "invalid memory_type: %s", req.MemoryType)
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, memerrors.New(memerrors.KindInvalidArgument, "query cannot be empty")
	}
	proj, stores, err := b.resolve(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	// Merge order is fixed: symbolic, then episodic, then semantic.
	var results []map[string]interface{}
	if kind == types.MemoryKindAll || kind == types.MemoryKindSymbolic {
		facts, err := stores.symbolic.QueryMemory(ctx, storage.FactQuery{
			ProjectID: proj.ProjectID,
			Key:       "%" + req.Query + "%",
			Limit:     req.TopK,
		})
		if err != nil {
			return nil, err
		}
		for _, row := range factRows(facts) {
			row["memory_type"] = string(types.MemoryKindSymbolic)
			results = append(results, row)
		}
	}

	if kind == types.MemoryKindAll || kind == types.MemoryKindEpisodic {
		query := storage.EpisodeQuery{ProjectID: proj.ProjectID, Limit: req.TopK}
		if req.SituationContains != "" {
			query.SituationContains = req.SituationContains
		} else {
			query.Lesson = req.Query
		}
		episodes, err := stores.episodic.QueryEpisodes(ctx, query)
		if err != nil {
			return nil, err
		}
		for _, row := range episodeRows(episodes) {
			row["memory_type"] = string(types.MemoryKindEpisodic)
			results = append(results, row)
		}
	}

	degraded := false
	if kind == types.MemoryKindAll || kind == types.MemoryKindSemantic {
		retrieved, deg, err := b.retrieve(ctx, stores, retrieval.Request{
			Query:    req.Query,
			Trigger:  types.TriggerExternalInfoNeeded,
			TopK:     req.TopK,
			MinScore: b.cfg.MinRetrievalScore,
		})
		if err != nil {
			return nil, err
		}
		degraded = deg
		for _, row := range semanticRows(retrieved) {
			row["memory_type"] = string(types.MemoryKindSemantic)
			results = append(results, row)
		}
	}

	payload := map[string]interface{}{
		"project_id": proj.ProjectID,
		"results":    results,
		"total":      len(results),
	}
	if degraded {
		payload["degraded"] = true
	}
	return payload, nil
}

// IngestFileRequest ingests one staged upload into the semantic store.
type IngestFileRequest struct {
	ProjectID  string                 `json:"project_id"`
	FilePath   string                 `json:"file_path"`
	SourceType string                 `json:"source_type"`
	Metadata   map[string]interface{} `json:"metadata"`
}

func (b *Backend) ingestFile(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	req := IngestFileRequest{SourceType: "file"}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.FilePath) == "" {
		return nil, memerrors.New(memerrors.KindInvalidArgument, "file_path cannot be empty")
	}

	if _, err := b.guard.CleanupOldUploads(); err != nil {
		b.logger.WarnContext(ctx, "upload cleanup failed", "error", err.Error())
	}
	if err := b.guard.Validate(req.FilePath); err != nil {
		return nil, err
	}

	proj, stores, err := b.resolve(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	metadata := make(map[string]interface{}, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["source_type"] = req.SourceType

	ingestor := ingest.New(stores.semantic, b.cfg.ChunkSize, b.cfg.ChunkOverlap)
	chunkIDs, err := ingestor.IngestFile(ctx, req.FilePath, metadata)
	if err != nil {
		return nil, err
	}

	// The staged upload is deleted off the request path.
	path := req.FilePath
	b.enqueue(func() {
		if err := b.guard.Remove(path); err != nil {
			b.logger.Warn("failed to remove ingested upload", "path", path, "error", err.Error())
		}
	})

	return map[string]interface{}{
		"project_id":      proj.ProjectID,
		"file_path":       req.FilePath,
		"chunks_ingested": len(chunkIDs),
		"chunk_ids":       chunkIDs,
	}, nil
}

// AddFactRequest upserts one symbolic fact.
type AddFactRequest struct {
	ProjectID  string      `json:"project_id"`
	FactKey    string      `json:"fact_key"`
	FactValue  interface{} `json:"fact_value"`
	Confidence float64     `json:"confidence"`
	Category   string      `json:"category"`
}

func (b *Backend) addFact(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	req := AddFactRequest{Confidence: 0.9}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	category := types.FactCategory(req.Category)
	if req.Category == "" {
		category = types.CategoryFact
	}
	proj, stores, err := b.resolve(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	fact := types.NewMemoryFact(proj.ProjectID, category, req.FactKey, req.FactValue, req.Confidence, types.SourceAgent)
	stored, err := stores.symbolic.StoreMemory(ctx, fact)
	if err != nil {
		return nil, err
	}
	row := factRow(stored)
	return map[string]interface{}{
		"project_id": proj.ProjectID,
		"fact":       row,
		"authority":  string(types.AuthorityAuthoritative),
	}, nil
}

// AddEpisodeRequest records one episode.
type AddEpisodeRequest struct {
	ProjectID  string  `json:"project_id"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	LessonType string  `json:"lesson_type"`
	Quality    float64 `json:"quality"`
}

func (b *Backend) addEpisode(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	req := AddEpisodeRequest{Quality: 0.8}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	proj, stores, err := b.resolve(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	situation, action, outcome, lesson := parseEpisodeContent(req.Title, req.Content)
	episode := types.NewEpisode(proj.ProjectID, situation, action, outcome, lesson, req.Quality)
	stored, err := stores.episodic.StoreEpisode(ctx, episode)
	if err != nil {
		return nil, err
	}
	payload := map[string]interface{}{
		"project_id": proj.ProjectID,
		"episode":    episodeRow(stored),
		"authority":  string(types.AuthorityAdvisory),
	}
	if req.LessonType != "" {
		payload["lesson_type"] = req.LessonType
	}
	return payload, nil
}

// AnalyzeConversationRequest extracts memory from one exchange.
type AnalyzeConversationRequest struct {
	ProjectID      string `json:"project_id"`
	UserMessage    string `json:"user_message"`
	AgentResponse  string `json:"agent_response"`
	Context        string `json:"context"`
	AutoStore      bool   `json:"auto_store"`
	ReturnOnly     bool   `json:"return_only"`
	ExtractionMode string `json:"extraction_mode"`
}

func (b *Backend) analyzeConversation(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	req := AnalyzeConversationRequest{
		AutoStore:      true,
		ExtractionMode: b.cfg.UniversalHooks.ConversationAnalyzer.ExtractionMode,
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		return nil, memerrors.New(memerrors.KindInvalidArgument, "user_message cannot be empty")
	}
	analyzer, err := b.analyzerFor(req.ExtractionMode)
	if err != nil {
		return nil, err
	}
	proj, stores, err := b.resolve(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	result, err := analyzer.Analyze(ctx, req.UserMessage, req.AgentResponse, req.Context)
	if err != nil {
		return nil, err
	}

	storedFacts, storedEpisodes := 0, 0
	if req.AutoStore && !req.ReturnOnly {
		for _, f := range result.Facts {
			fact := types.NewMemoryFact(proj.ProjectID, f.Category, f.Key, f.Value, f.Confidence, types.SourceAutoLearning)
			if _, err := stores.symbolic.StoreMemory(ctx, fact); err != nil {
				b.logger.WarnContext(ctx, "failed to store extracted fact", "key", f.Key, "error", err.Error())
				continue
			}
			storedFacts++
		}
		for _, e := range result.Episodes {
			episode := types.NewEpisode(proj.ProjectID, e.Situation, e.Action, e.Outcome, e.Lesson, e.Confidence)
			if _, err := stores.episodic.StoreEpisode(ctx, episode); err != nil {
				b.logger.WarnContext(ctx, "failed to store extracted episode", "title", e.Title, "error", err.Error())
				continue
			}
			storedEpisodes++
		}
	}

	payload := map[string]interface{}{
		"project_id":      proj.ProjectID,
		"facts":           result.Facts,
		"episodes":        result.Episodes,
		"stored_facts":    storedFacts,
		"stored_episodes": storedEpisodes,
	}
	if result.Degraded {
		payload["degraded"] = true
	}
	return payload, nil
}

// retrieve runs the semantic leg. A missing embedder degrades to empty
// results instead of failing the whole call.
func (b *Backend) retrieve(ctx context.Context, stores *projectStores, req retrieval.Request) ([]types.SemanticResult, bool, error) {
	expansions := 0
	if b.cfg.QueryExpansionEnabled {
		expansions = b.cfg.NumExpansions
	}
	retriever := retrieval.New(stores.semantic, b.embedder, expansions)
	results, err := retriever.Retrieve(ctx, req)
	if err != nil {
		if memerrors.IsKind(err, memerrors.KindDependencyUnavailable) {
			return nil, true, nil
		}
		return nil, false, err
	}
	out := make([]types.SemanticResult, 0, len(results))
	for _, r := range results {
		out = append(out, r.SemanticResult)
	}
	return out, false, nil
}

func (b *Backend) analyzerFor(mode string) (*analysis.Analyzer, error) {
	if mode != config.ExtractionModeHeuristic && mode != config.ExtractionModeLLM {
		return nil, memerrors.Newf(memerrors.KindInvalidArgument, "invalid extraction_mode: %s", mode)
	}
	b.analyzerMu.Lock()
	defer b.analyzerMu.Unlock()
	if a, ok := b.analyzers[mode]; ok {
		return a, nil
	}
	cfg := *b.cfg
	cfg.UniversalHooks.ConversationAnalyzer.ExtractionMode = mode
	a := analysis.NewAnalyzer(&cfg, b.completer)
	b.analyzers[mode] = a
	return a, nil
}

// resolve maps a project name-or-id to its registration and opens (or
// reuses) its store handles.
func (b *Backend) resolve(ctx context.Context, nameOrID string) (*types.Project, *projectStores, error) {
	proj, err := b.projects.ResolveOrCreate(ctx, nameOrID)
	if err != nil {
		return nil, nil, err
	}
	stores, err := b.storesFor(proj)
	if err != nil {
		return nil, nil, err
	}
	return proj, stores, nil
}

func (b *Backend) storesFor(proj *types.Project) (*projectStores, error) {
	b.storesMu.Lock()
	defer b.storesMu.Unlock()
	if s, ok := b.stores[proj.ProjectID]; ok {
		return s, nil
	}

	dir := b.projects.GetProjectDir(proj.ProjectID)
	symbolic, err := storage.NewSymbolicStore(filepath.Join(dir, "memory.db"))
	if err != nil {
		return nil, err
	}
	episodic, err := storage.NewEpisodicStore(filepath.Join(dir, "episodic.db"))
	if err != nil {
		_ = symbolic.Close()
		return nil, err
	}
	semantic, err := storage.GetSemanticStore(b.cfg, b.embedder, proj.ChromaPath)
	if err != nil {
		_ = symbolic.Close()
		_ = episodic.Close()
		return nil, err
	}

	s := &projectStores{symbolic: symbolic, episodic: episodic, semantic: semantic}
	b.stores[proj.ProjectID] = s
	return s, nil
}

// trackOperation feeds the auto-learning tracker and queues extraction
// for any detected candidates. auto_learn=false disarms it per call.
func (b *Backend) trackOperation(tool, scope string, args map[string]interface{}, started time.Time, callErr error) {
	if !b.tracker.Enabled() {
		return
	}
	if v, ok := args["auto_learn"].(bool); ok && !v {
		return
	}

	op := types.OperationRecord{
		ToolName:   tool,
		ProjectID:  scope,
		Arguments:  args,
		Result:     types.OperationSuccess,
		Timestamp:  started,
		DurationMS: time.Since(started).Milliseconds(),
	}
	if callErr != nil {
		op.Result = types.OperationError
		op.Error = memerrors.MessageOf(callErr)
	}

	for _, candidate := range b.tracker.RecordOperation(op) {
		c := candidate
		b.enqueue(func() { b.storeLearnedEpisode(c) })
	}
}

func (b *Backend) storeLearnedEpisode(c learning.Candidate) {
	ctx := context.Background()
	proj, err := b.projects.ResolveOrCreate(ctx, c.ProjectID)
	if err != nil {
		b.logger.Warn("cannot resolve project for learned episode", "project", c.ProjectID, "error", err.Error())
		return
	}
	stores, err := b.storesFor(proj)
	if err != nil {
		b.logger.Warn("cannot open stores for learned episode", "project_id", proj.ProjectID, "error", err.Error())
		return
	}

	existing, err := stores.episodic.QueryEpisodes(ctx, storage.EpisodeQuery{ProjectID: proj.ProjectID, Limit: 50})
	if err != nil {
		b.logger.Warn("cannot load existing lessons", "project_id", proj.ProjectID, "error", err.Error())
		return
	}
	lessons := make([]string, 0, len(existing))
	for _, e := range existing {
		lessons = append(lessons, e.Lesson)
	}

	c.ProjectID = proj.ProjectID
	episode := b.extractor.Extract(ctx, c, lessons)
	if episode == nil {
		return
	}
	if _, err := stores.episodic.StoreEpisode(ctx, episode); err != nil {
		b.logger.Warn("failed to store learned episode", "project_id", proj.ProjectID, "error", err.Error())
	}
}

// enqueue posts a side effect, dropping the oldest pending one when the
// queue is full.
func (b *Backend) enqueue(fn func()) {
	for {
		select {
		case b.effects <- fn:
			return
		default:
			select {
			case <-b.effects:
			default:
			}
		}
	}
}

func (b *Backend) runSideEffects() {
	defer b.effectsWG.Done()
	for fn := range b.effects {
		fn()
	}
}

func parseEpisodeContent(title, content string) (situation, action, outcome, lesson string) {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "situation:"):
			situation = strings.TrimSpace(trimmed[len("situation:"):])
		case strings.HasPrefix(lower, "action:"):
			action = strings.TrimSpace(trimmed[len("action:"):])
		case strings.HasPrefix(lower, "outcome:"):
			outcome = strings.TrimSpace(trimmed[len("outcome:"):])
		case strings.HasPrefix(lower, "lesson:"):
			lesson = strings.TrimSpace(trimmed[len("lesson:"):])
		}
	}
	if situation == "" {
		situation = title
	}
	if action == "" {
		action = stockEpisodeAction
	}
	if outcome == "" {
		outcome = stockEpisodeOutcome
	}
	if lesson == "" {
		lesson = truncate(content, maxLessonChars)
	}
	return situation, action, outcome, lesson
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func factRow(f *types.MemoryFact) map[string]interface{} {
	return map[string]interface{}{
		"id":         f.ID,
		"key":        f.Key,
		"value":      f.Value,
		"category":   string(f.Category),
		"confidence": f.Confidence,
		"source":     string(f.Source),
		"created_at": f.CreatedAt,
		"updated_at": f.UpdatedAt,
		"authority":  string(types.AuthorityAuthoritative),
	}
}

func factRows(facts []*types.MemoryFact) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(facts))
	for _, f := range facts {
		rows = append(rows, factRow(f))
	}
	return rows
}

func episodeRow(e *types.Episode) map[string]interface{} {
	return map[string]interface{}{
		"id":         e.ID,
		"situation":  e.Situation,
		"action":     e.Action,
		"outcome":    e.Outcome,
		"lesson":     e.Lesson,
		"confidence": e.Confidence,
		"created_at": e.CreatedAt,
		"authority":  string(types.AuthorityAdvisory),
	}
}

func episodeRows(episodes []*types.Episode) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(episodes))
	for _, e := range episodes {
		rows = append(rows, episodeRow(e))
	}
	return rows
}

func semanticRows(results []types.SemanticResult) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		rows = append(rows, map[string]interface{}{
			"chunk_id":  r.ChunkID,
			"content":   r.Content,
			"score":     r.Score,
			"citation":  r.Citation,
			"metadata":  r.Metadata,
			"authority": string(types.AuthorityNonAuthoritative),
		})
	}
	return rows
}

// decodeArgs maps wire arguments onto a request struct. Absent keys
// keep the struct's preset defaults; JSON numbers coerce weakly.
func decodeArgs(args map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return memerrors.Wrap(memerrors.KindInternal, "failed to build argument decoder", err)
	}
	if err := decoder.Decode(args); err != nil {
		return memerrors.Wrap(memerrors.KindInvalidArgument, "invalid tool arguments", err)
	}
	return nil
}

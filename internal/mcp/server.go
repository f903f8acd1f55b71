package mcp

import (
	"context"
	"errors"

	mcp "github.com/fredcamaral/gomcp-sdk"
	"github.com/fredcamaral/gomcp-sdk/server"

	"mcp-agent-memory/internal/ai"
	"mcp-agent-memory/internal/config"
	"mcp-agent-memory/internal/logging"
)

const (
	serverName    = "agent-memory"
	serverVersion = "1.0.0"
)

// MemoryServer binds the Backend to the MCP protocol server.
type MemoryServer struct {
	backend   *Backend
	mcpServer *server.Server
	logger    logging.Logger
}

// NewMemoryServer builds the backend and registers the tool surface.
func NewMemoryServer(cfg *config.Config, completer ai.ChatCompleter) (*MemoryServer, error) {
	backend, err := NewBackend(cfg, completer)
	if err != nil {
		return nil, err
	}

	mcpServer := mcp.NewServer(serverName, serverVersion)
	if mcpServer == nil {
		_ = backend.Close()
		return nil, errors.New("failed to create MCP server instance")
	}

	ms := &MemoryServer{
		backend:   backend,
		mcpServer: mcpServer,
		logger:    logging.WithComponent("mcp"),
	}
	ms.registerTools()
	ms.logger.Info("registered MCP tool surface", "tools", 8)
	return ms, nil
}

// GetMCPServer returns the protocol server for transport binding.
func (ms *MemoryServer) GetMCPServer() *server.Server {
	return ms.mcpServer
}

// Backend returns the tool façade.
func (ms *MemoryServer) Backend() *Backend {
	return ms.backend
}

// Close releases the backend.
func (ms *MemoryServer) Close() error {
	return ms.backend.Close()
}

func (ms *MemoryServer) registerTools() {
	projectProp := map[string]interface{}{
		"type":        "string",
		"description": "Project name or id. Unknown names are registered on first use.",
	}
	autoLearnProp := map[string]interface{}{
		"type":        "boolean",
		"description": "Set false to disarm automatic learning for this call.",
	}

	ms.addTool("list_projects",
		"List registered projects, optionally filtered by status.",
		map[string]interface{}{
			"scope_type": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"all", "active", "archived"},
				"description": "Project status filter; 'all' (default) returns every project.",
			},
			"auto_learn": autoLearnProp,
		}, nil)

	ms.addTool("list_sources",
		"List the ingested sources of a project's semantic store.",
		map[string]interface{}{
			"project_id": projectProp,
			"source_type": map[string]interface{}{
				"type":        "string",
				"description": "Only return sources of this type (doc, code, note, article, reference).",
			},
			"auto_learn": autoLearnProp,
		}, []string{"project_id"})

	ms.addTool("get_context",
		"Assemble a project's memory for prompt injection: authoritative facts, advisory lessons, and (with a query) non-authoritative retrieved context.",
		map[string]interface{}{
			"project_id": projectProp,
			"context_type": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"all", "symbolic", "episodic", "semantic"},
				"default":     "all",
				"description": "Which memory kinds to include.",
			},
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Retrieval query. Required for semantic context; without it the semantic block is empty.",
			},
			"max_results": map[string]interface{}{
				"type":        "integer",
				"default":     10,
				"description": "Per-kind result cap.",
			},
			"auto_learn": autoLearnProp,
		}, []string{"project_id"})

	ms.addTool("search",
		"Search one or all memory kinds. Results merge symbolic first, episodic next, semantic last, each tagged with its authority.",
		map[string]interface{}{
			"project_id": projectProp,
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search text. Matches fact keys, episode lessons, and semantic content.",
			},
			"memory_type": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"all", "symbolic", "episodic", "semantic"},
				"default":     "all",
				"description": "Which stores to search.",
			},
			"top_k": map[string]interface{}{
				"type":        "integer",
				"default":     10,
				"description": "Per-store result cap.",
			},
			"situation_contains": map[string]interface{}{
				"type":        "string",
				"description": "Filter episodes by situation substring instead of lesson text.",
			},
			"auto_learn": autoLearnProp,
		}, []string{"project_id", "query"})

	ms.addTool("ingest_file",
		"Ingest a file staged in the upload sandbox into the project's semantic store. The staged copy is deleted after a successful ingest.",
		map[string]interface{}{
			"project_id": projectProp,
			"file_path": map[string]interface{}{
				"type":        "string",
				"description": "Absolute path inside the configured upload directory.",
			},
			"source_type": map[string]interface{}{
				"type":        "string",
				"default":     "file",
				"description": "Caller-declared source type recorded on every chunk.",
			},
			"metadata": map[string]interface{}{
				"type":                 "object",
				"additionalProperties": true,
				"description":          "Extra metadata stored on every chunk. Caller values win over inferred ones.",
			},
			"auto_learn": autoLearnProp,
		}, []string{"project_id", "file_path"})

	ms.addTool("add_fact",
		"Upsert an authoritative symbolic fact. At most one live fact exists per key; rewriting a key replaces its value.",
		map[string]interface{}{
			"project_id": projectProp,
			"fact_key": map[string]interface{}{
				"type":        "string",
				"description": "Dotted fact key, e.g. 'style.indent'.",
			},
			"fact_value": map[string]interface{}{
				"description": "Fact value: string, number, boolean, object, or array.",
			},
			"confidence": map[string]interface{}{
				"type":        "number",
				"default":     0.9,
				"description": "Confidence in [0,1].",
			},
			"category": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"preference", "constraint", "decision", "fact"},
				"description": "Fact category; defaults to 'fact'.",
			},
			"auto_learn": autoLearnProp,
		}, []string{"project_id", "fact_key", "fact_value"})

	ms.addTool("add_episode",
		"Record an advisory episode. Content may carry 'situation:/action:/outcome:/lesson:' sections; the lesson must abstract beyond the situation.",
		map[string]interface{}{
			"project_id": projectProp,
			"title": map[string]interface{}{
				"type":        "string",
				"description": "Short episode title; becomes the situation when content has no sections.",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Episode body, optionally with 'situation:', 'action:', 'outcome:', 'lesson:' lines.",
			},
			"lesson_type": map[string]interface{}{
				"type":        "string",
				"description": "Optional caller-side lesson classification, echoed back.",
			},
			"quality": map[string]interface{}{
				"type":        "number",
				"default":     0.8,
				"description": "Episode confidence in [0,1].",
			},
			"auto_learn": autoLearnProp,
		}, []string{"project_id", "title", "content"})

	ms.addTool("analyze_conversation",
		"Extract facts and episodes from a conversation exchange and optionally store them.",
		map[string]interface{}{
			"project_id": projectProp,
			"user_message": map[string]interface{}{
				"type":        "string",
				"description": "The user's message.",
			},
			"agent_response": map[string]interface{}{
				"type":        "string",
				"description": "The agent's reply, analyzed together with the user message.",
			},
			"context": map[string]interface{}{
				"type":        "string",
				"description": "Extra conversation context for the analyzer.",
			},
			"auto_store": map[string]interface{}{
				"type":        "boolean",
				"default":     true,
				"description": "Store extractions that pass the confidence floors.",
			},
			"return_only": map[string]interface{}{
				"type":        "boolean",
				"default":     false,
				"description": "Return extractions without storing anything.",
			},
			"extraction_mode": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"heuristic", "llm"},
				"description": "Extraction strategy; 'llm' degrades to heuristic when no model is available.",
			},
			"auto_learn": autoLearnProp,
		}, []string{"project_id", "user_message"})
}

func (ms *MemoryServer) addTool(name, description string, properties map[string]interface{}, required []string) {
	tool := name
	ms.mcpServer.AddTool(
		mcp.NewTool(tool, description, mcp.ObjectSchema(description, properties, required)),
		mcp.ToolHandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return ms.backend.Call(ctx, tool, args), nil
		}),
	)
}

// The demo command walks through the memory service end to end against
// a throwaway data directory: facts, an episode, a document ingest, a
// merged search, and the assembled injection prompt.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fatih/color"

	"mcp-agent-memory/internal/config"
	"mcp-agent-memory/internal/logging"
	"mcp-agent-memory/internal/mcp"
)

const demoProject = "demo"

var (
	heading = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen)
	failure = color.New(color.FgRed)
	detail  = color.New(color.FgWhite)
)

func main() {
	logging.SetDefaultLogger(logging.NewLogger(logging.ParseLogLevel("warn")))

	dataDir, err := os.MkdirTemp("", "memory-demo-*")
	if err != nil {
		log.Fatalf("failed to create demo data directory: %v", err)
	}
	defer func() { _ = os.RemoveAll(dataDir) }()

	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.RemoteUploadDirectory = filepath.Join(dataDir, "uploads")
	if err := os.MkdirAll(cfg.RemoteUploadDirectory, 0o750); err != nil {
		log.Fatalf("failed to create upload directory: %v", err)
	}

	backend, err := mcp.NewBackend(cfg, nil)
	if err != nil {
		log.Fatalf("failed to create backend: %v", err)
	}
	defer func() { _ = backend.Close() }()

	ctx := context.Background()

	heading.Println("1. Symbolic memory: authoritative facts")
	call(ctx, backend, "add_fact", map[string]interface{}{
		"project_id": demoProject,
		"fact_key":   "style.indent",
		"fact_value": "tabs",
		"category":   "preference",
	})
	call(ctx, backend, "add_fact", map[string]interface{}{
		"project_id": demoProject,
		"fact_key":   "deploy.branch",
		"fact_value": "never push to main",
		"category":   "constraint",
		"confidence": 0.99,
	})

	heading.Println("\n2. Episodic memory: an advisory lesson")
	call(ctx, backend, "add_episode", map[string]interface{}{
		"project_id": demoProject,
		"title":      "friday deploy",
		"content": "Situation: deploy failed on friday evening\n" +
			"Action: rolled back and redeployed monday\n" +
			"Outcome: stable release\n" +
			"Lesson: avoid deploying right before the weekend",
	})

	heading.Println("\n3. Semantic memory: document ingest")
	docPath := filepath.Join(cfg.RemoteUploadDirectory, "runbook.md")
	doc := "# Deploy runbook\n\nDeployments run through the staging gate. " +
		"Authentication uses JWT bearer tokens with a one hour expiry.\n"
	if err := os.WriteFile(docPath, []byte(doc), 0o600); err != nil {
		log.Fatalf("failed to stage demo document: %v", err)
	}
	call(ctx, backend, "ingest_file", map[string]interface{}{
		"project_id": demoProject,
		"file_path":  docPath,
	})

	heading.Println("\n4. Search across every memory kind")
	resp := call(ctx, backend, "search", map[string]interface{}{
		"project_id": demoProject,
		"query":      "deploy",
	})
	if results, ok := resp["results"].([]map[string]interface{}); ok {
		for _, row := range results {
			detail.Printf("  [%s/%s] ", row["memory_type"], row["authority"])
			switch {
			case row["key"] != nil:
				fmt.Printf("%s = %v\n", row["key"], row["value"])
			case row["lesson"] != nil:
				fmt.Printf("%v\n", row["lesson"])
			default:
				fmt.Printf("%v (%v)\n", row["citation"], row["score"])
			}
		}
	}

	heading.Println("\n5. Assembled injection prompt")
	resp = call(ctx, backend, "get_context", map[string]interface{}{
		"project_id":  demoProject,
		"query":       "how do we deploy?",
		"max_results": 3,
	})
	if built, ok := resp["prompt"].(string); ok {
		fmt.Println(built)
	}

	heading.Println("6. Tool metrics")
	fmt.Print(backend.Metrics().PrometheusText())
}

func call(ctx context.Context, backend *mcp.Backend, tool string, args map[string]interface{}) map[string]interface{} {
	resp := backend.Call(ctx, tool, args)
	if resp["status"] == "success" {
		success.Printf("  ✓ %s\n", tool)
	} else {
		failure.Printf("  ✗ %s: %v (%v)\n", tool, resp["error"], resp["message"])
	}
	return resp
}

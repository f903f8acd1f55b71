// The server command runs the agent memory MCP server over stdio or
// HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fredcamaral/gomcp-sdk/transport"

	"mcp-agent-memory/internal/api"
	"mcp-agent-memory/internal/config"
	"mcp-agent-memory/internal/logging"
	"mcp-agent-memory/internal/mcp"
)

func main() {
	var (
		mode = flag.String("mode", "stdio", "transport mode: stdio or http")
		addr = flag.String("addr", "", "HTTP listen address (overrides config)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logging.SetDefaultLogger(logging.NewLogger(logging.ParseLogLevel(cfg.LogLevel)))
	logger := logging.WithComponent("main")

	memoryServer, err := mcp.NewMemoryServer(cfg, nil)
	if err != nil {
		log.Fatalf("failed to create memory server: %v", err)
	}
	defer func() {
		if err := memoryServer.Close(); err != nil {
			logger.Warn("shutdown error", "error", err.Error())
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "stdio":
		logger.Info("starting memory server", "mode", "stdio")
		mcpServer := memoryServer.GetMCPServer()
		mcpServer.SetTransport(transport.NewStdioTransport())
		if err := mcpServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("MCP server failed", "error", err.Error())
		}

	case "http":
		listen := cfg.HTTPAddr
		if *addr != "" {
			listen = *addr
		}
		logger.Info("starting memory server", "mode", "http", "addr", listen)
		if err := serveHTTP(ctx, memoryServer, listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err.Error())
		}

	default:
		log.Fatalf("unknown mode %q (want stdio or http)", *mode)
	}

	logger.Info("memory server stopped")
}

func serveHTTP(ctx context.Context, memoryServer *mcp.MemoryServer, addr string) error {
	router := api.NewRouter(memoryServer)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// Package mcpserver implements an MCP (Model Context Protocol) server that
// exposes memory operations as typed tools over stdio JSON-RPC. It wraps the
// search, timeline, and memory services, applying the privacy filter
// server-side before anything is persisted.
package mcpserver

import (
	"context"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/opencode-mem/opencode-mem/internal/config"
	"github.com/opencode-mem/opencode-mem/internal/db"
	"github.com/opencode-mem/opencode-mem/internal/privacy"
	"github.com/opencode-mem/opencode-mem/internal/search"
)

// Server holds the MCP server state.
type Server struct {
	store    *db.DB
	searcher *search.Service
	filter   *privacy.Filter

	// defaultProject scopes tool calls that omit a project.
	defaultProject string
}

// NewServer creates an MCP server backed by the given services. The default
// project is read from the environment.
func NewServer(store *db.DB, searcher *search.Service, filter *privacy.Filter) *Server {
	return &Server{
		store:          store,
		searcher:       searcher,
		filter:         filter,
		defaultProject: os.Getenv("OPENCODEMEM_PROJECT"),
	}
}

// Run starts the MCP stdio server. It blocks until the context is cancelled
// or stdin is closed.
func (s *Server) Run() error {
	mcpServer := server.NewMCPServer(
		"opencode-mem",
		config.Version,
		server.WithToolCapabilities(true),
	)

	mcpServer.AddTools(
		server.ServerTool{Tool: searchMemoryTool(), Handler: s.handleSearchMemory},
		server.ServerTool{Tool: getTimelineTool(), Handler: s.handleGetTimeline},
		server.ServerTool{Tool: saveMemoryTool(), Handler: s.handleSaveMemory},
	)

	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(log.New(os.Stderr, "[mcp] ", log.LstdFlags))

	return stdio.Listen(context.Background(), os.Stdin, os.Stdout)
}
